package engine

import (
	"context"
	"sync"
	"time"
)

// BlackboxFrame is one tick as recorded for post-mortem analysis.
type BlackboxFrame struct {
	Seq            uint64        `json:"seq"`
	TimestampNs    int64         `json:"timestamp_ns"`
	FFBIn          float64       `json:"ffb_in"`
	WheelSpeed     float64       `json:"wheel_speed"`
	PipelineTorque float64       `json:"pipeline_torque"`
	Torque         float64       `json:"torque"`
	Multiplier     float64       `json:"multiplier"`
	Jitter         time.Duration `json:"jitter_ns"`
	Processing     time.Duration `json:"processing_ns"`
	Flags          uint8         `json:"flags"`
}

// Blackbox keeps the most recent frames. The RT goroutine pushes into a
// buffered channel without blocking; Drain moves frames into the ring.
type Blackbox struct {
	in chan BlackboxFrame

	mu    sync.Mutex
	ring  []BlackboxFrame
	next  int
	count int
}

// NewBlackbox creates a ring of size frames fed through a channel of the
// same capacity.
func NewBlackbox(size int) *Blackbox {
	if size <= 0 {
		size = DefaultBlackboxSize
	}
	return &Blackbox{
		in:   make(chan BlackboxFrame, size),
		ring: make([]BlackboxFrame, size),
	}
}

// push is the RT-side enqueue. It reports false when the channel is full.
func (b *Blackbox) push(f BlackboxFrame) bool {
	select {
	case b.in <- f:
		return true
	default:
		return false
	}
}

// Drain moves every queued frame into the ring and returns how many moved.
func (b *Blackbox) Drain() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for {
		select {
		case f := <-b.in:
			b.ring[b.next] = f
			b.next = (b.next + 1) % len(b.ring)
			if b.count < len(b.ring) {
				b.count++
			}
			n++
		default:
			return n
		}
	}
}

// Run drains the queue every interval until ctx is done.
func (b *Blackbox) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			b.Drain()
			return nil
		case <-t.C:
			b.Drain()
		}
	}
}

// Frames returns up to n of the most recent frames, oldest first. A
// non-positive n returns every retained frame.
func (b *Blackbox) Frames(n int) []BlackboxFrame {
	b.Drain()
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]BlackboxFrame, n)
	start := b.next - n
	if start < 0 {
		start += len(b.ring)
	}
	for i := range out {
		out[i] = b.ring[(start+i)%len(b.ring)]
	}
	return out
}
