package scheduler

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultJitterCapacity is ten seconds of history at 1kHz.
const DefaultJitterCapacity = 10_000

// Acceptance limits for a healthy RT loop.
const (
	MaxP99Jitter  = 250 * time.Microsecond
	MaxMissedRate = 0.00001
)

// JitterTracker records per-tick timing error in a fixed-capacity ring.
//
// One goroutine records; any number may query. Record is O(1), lock-free and
// never allocates. Queries copy the window into a scratch buffer sized at
// construction and sort it, so they belong off the tick path. A query that
// races with Record may see a window mixing the newest sample with the one it
// replaced; every value it sees is still a real sample.
type JitterTracker struct {
	samples []atomic.Int64
	next    int // writer-owned
	filled  atomic.Int64

	total  atomic.Uint64
	missed atomic.Uint64
	max    atomic.Int64
	last   atomic.Int64

	mu      sync.Mutex // guards scratch; never taken by Record
	scratch []float64
}

// JitterStats is a point-in-time summary of a JitterTracker.
type JitterStats struct {
	P50        time.Duration `json:"p50_ns"`
	P95        time.Duration `json:"p95_ns"`
	P99        time.Duration `json:"p99_ns"`
	Max        time.Duration `json:"max_ns"`
	Last       time.Duration `json:"last_ns"`
	Mean       time.Duration `json:"mean_ns"`
	StdDev     time.Duration `json:"stddev_ns"`
	Samples    int           `json:"samples"`
	TotalTicks uint64        `json:"total_ticks"`
	Missed     uint64        `json:"missed_ticks"`
	MissedRate float64       `json:"missed_rate"`
}

// NewJitterTracker creates a tracker holding up to capacity samples. A
// non-positive capacity selects DefaultJitterCapacity.
func NewJitterTracker(capacity int) *JitterTracker {
	if capacity <= 0 {
		capacity = DefaultJitterCapacity
	}
	return &JitterTracker{
		samples: make([]atomic.Int64, capacity),
		scratch: make([]float64, capacity),
	}
}

// Record adds one tick outcome. Negative jitter is stored as its magnitude.
func (j *JitterTracker) Record(jitter time.Duration, missed bool) {
	ns := int64(jitter)
	if ns < 0 {
		ns = -ns
	}
	j.samples[j.next].Store(ns)
	j.next++
	if j.next == len(j.samples) {
		j.next = 0
	}
	if f := j.filled.Load(); f < int64(len(j.samples)) {
		j.filled.Store(f + 1)
	}

	if missed {
		j.missed.Add(1)
	}
	j.total.Add(1)
	if ns > j.max.Load() {
		j.max.Store(ns)
	}
	j.last.Store(ns)
}

// sorted copies the live window into scratch and sorts it. Callers hold mu.
func (j *JitterTracker) sorted() []float64 {
	n := int(j.filled.Load())
	window := j.scratch[:n]
	for i := range window {
		window[i] = float64(j.samples[i].Load())
	}
	slices.Sort(window)
	return window
}

// Percentile returns the empirical p-quantile (p in [0,1]) of the window.
func (j *JitterTracker) Percentile(p float64) time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()

	window := j.sorted()
	if len(window) == 0 {
		return 0
	}
	return time.Duration(stat.Quantile(clampUnit(p), stat.Empirical, window, nil))
}

// MissedRate is missed ticks divided by total ticks, 0 before any tick.
func (j *JitterTracker) MissedRate() float64 {
	return missedRate(j.missed.Load(), j.total.Load())
}

func missedRate(missed, total uint64) float64 {
	if total == 0 {
		return 0
	}
	if missed > total {
		missed = total
	}
	return float64(missed) / float64(total)
}

// Max returns the largest jitter recorded since the last reset.
func (j *JitterTracker) Max() time.Duration { return time.Duration(j.max.Load()) }

// Last returns the most recent sample.
func (j *JitterTracker) Last() time.Duration { return time.Duration(j.last.Load()) }

// TotalTicks returns the number of recorded ticks.
func (j *JitterTracker) TotalTicks() uint64 { return j.total.Load() }

// MissedTicks returns the number of recorded missed deadlines.
func (j *JitterTracker) MissedTicks() uint64 { return j.missed.Load() }

// Stats computes every summary over a single sort of the window.
func (j *JitterTracker) Stats() JitterStats {
	j.mu.Lock()
	defer j.mu.Unlock()

	// Max only grows between resets, so reading it after the window keeps it
	// at or above every windowed sample; the top-of-window check below covers
	// a sample stored just before its max update.
	window := j.sorted()
	missed, total := j.missed.Load(), j.total.Load()
	st := JitterStats{
		Max:        time.Duration(j.max.Load()),
		Last:       time.Duration(j.last.Load()),
		Samples:    len(window),
		TotalTicks: total,
		Missed:     missed,
		MissedRate: missedRate(missed, total),
	}
	if len(window) == 0 {
		return st
	}

	st.P50 = time.Duration(stat.Quantile(0.50, stat.Empirical, window, nil))
	st.P95 = time.Duration(stat.Quantile(0.95, stat.Empirical, window, nil))
	st.P99 = time.Duration(stat.Quantile(0.99, stat.Empirical, window, nil))
	if top := time.Duration(window[len(window)-1]); top > st.Max {
		st.Max = top
	}

	if len(window) > 1 {
		mean, std := stat.MeanStdDev(window, nil)
		st.Mean = time.Duration(mean)
		if !math.IsNaN(std) {
			st.StdDev = time.Duration(std)
		}
	} else {
		st.Mean = time.Duration(window[0])
	}
	return st
}

// MeetsRequirements reports p99 jitter <= 250us and missed rate <= 0.001%.
func (j *JitterTracker) MeetsRequirements() bool {
	return j.Percentile(0.99) <= MaxP99Jitter && j.MissedRate() <= MaxMissedRate
}

// Reset clears all samples and counters. Capacity is kept. Reset must be
// called from the recording goroutine.
func (j *JitterTracker) Reset() {
	for i := range j.samples {
		j.samples[i].Store(0)
	}
	j.next = 0
	j.filled.Store(0)
	j.total.Store(0)
	j.missed.Store(0)
	j.max.Store(0)
	j.last.Store(0)
}
