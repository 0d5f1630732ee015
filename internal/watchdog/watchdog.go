// Package watchdog implements the software watchdog and safe-state latch
// consulted by the torque output stage.
//
// All state lives in atomics. The RT goroutine feeds; supervisory goroutines
// poll, trigger and reset. No call blocks or panics.
package watchdog

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/wheelcore/internal/timeutil"
)

// State is the watchdog state.
type State uint32

const (
	Disarmed State = iota
	Armed
	TimedOut
	SafeState
)

func (s State) String() string {
	switch s {
	case Disarmed:
		return "disarmed"
	case Armed:
		return "armed"
	case TimedOut:
		return "timed_out"
	case SafeState:
		return "safe_state"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Timeout bounds.
const (
	MinTimeout     = time.Millisecond
	MaxTimeout     = 5 * time.Second
	DefaultTimeout = 100 * time.Millisecond
)

const noFeed = math.MinInt64

// Config parameterizes a Watchdog.
type Config struct {
	// Timeout is the longest allowed gap between feeds. Zero selects
	// DefaultTimeout.
	Timeout time.Duration `json:"timeout"`
}

// DefaultConfig returns a Config with DefaultTimeout.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout}
}

// ValidateTimeout checks d is within [MinTimeout, MaxTimeout].
func ValidateTimeout(d time.Duration) error {
	if d < MinTimeout || d > MaxTimeout {
		return fmt.Errorf("%w: %v not in [%v, %v]", ErrInvalidTimeout, d, MinTimeout, MaxTimeout)
	}
	return nil
}

// Stats are cumulative counters. Reset does not clear them.
type Stats struct {
	Arms             uint64 `json:"arms"`
	Feeds            uint64 `json:"feeds"`
	Timeouts         uint64 `json:"timeouts"`
	SafeStateEntries uint64 `json:"safe_state_entries"`
	Resets           uint64 `json:"resets"`
}

// Watchdog is a lock-free timeout state machine.
type Watchdog struct {
	clock timeutil.Clock
	epoch time.Time

	state    atomic.Uint32
	timeout  atomic.Int64
	lastFeed atomic.Int64 // ns since epoch, noFeed when cleared

	arms      atomic.Uint64
	feeds     atomic.Uint64
	timeouts  atomic.Uint64
	safeState atomic.Uint64
	resets    atomic.Uint64
}

// New creates a disarmed watchdog. A nil clock selects the real clock.
func New(cfg Config, clock timeutil.Clock) (*Watchdog, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if err := ValidateTimeout(cfg.Timeout); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	w := &Watchdog{clock: clock, epoch: clock.Now()}
	w.timeout.Store(int64(cfg.Timeout))
	w.lastFeed.Store(noFeed)
	return w, nil
}

func (w *Watchdog) now() int64 { return int64(w.clock.Since(w.epoch)) }

// Timeout returns the configured timeout.
func (w *Watchdog) Timeout() time.Duration { return time.Duration(w.timeout.Load()) }

// SetTimeout changes the timeout. It takes effect at the next check.
func (w *Watchdog) SetTimeout(d time.Duration) error {
	if err := ValidateTimeout(d); err != nil {
		return err
	}
	w.timeout.Store(int64(d))
	return nil
}

// Arm moves Disarmed to Armed and starts the feed clock.
func (w *Watchdog) Arm() error {
	for {
		s := State(w.state.Load())
		switch s {
		case Disarmed:
			w.lastFeed.Store(w.now())
			if w.state.CompareAndSwap(uint32(Disarmed), uint32(Armed)) {
				w.arms.Add(1)
				return nil
			}
		case Armed:
			return refuse("arm", s, ErrAlreadyArmed)
		case SafeState:
			return refuse("arm", s, ErrSafeStateAlreadyTriggered)
		default:
			return refuse("arm", s, ErrInvalidTransition)
		}
	}
}

// Feed restarts the timeout clock of an armed watchdog. Feeding after the
// timeout has already elapsed moves the watchdog to TimedOut instead.
func (w *Watchdog) Feed() error {
	s := State(w.state.Load())
	switch s {
	case Armed:
	case Disarmed:
		return refuse("feed", s, ErrNotArmed)
	case TimedOut:
		return refuse("feed", s, ErrTimedOut)
	case SafeState:
		return refuse("feed", s, ErrSafeStateAlreadyTriggered)
	default:
		return refuse("feed", s, ErrInvalidTransition)
	}

	if w.HasTimedOut() {
		return refuse("feed", TimedOut, ErrTimedOut)
	}
	w.lastFeed.Store(w.now())
	if s := State(w.state.Load()); s != Armed {
		return refuse("feed", s, ErrInvalidTransition)
	}
	w.feeds.Add(1)
	return nil
}

// TryFeed is Feed for the RT tick. It reports whether the feed was taken
// instead of building an error.
func (w *Watchdog) TryFeed() bool {
	if State(w.state.Load()) != Armed || w.HasTimedOut() {
		return false
	}
	w.lastFeed.Store(w.now())
	if State(w.state.Load()) != Armed {
		return false
	}
	w.feeds.Add(1)
	return true
}

// SignalTimeout explicitly signals a timeout, moving Armed to TimedOut.
func (w *Watchdog) SignalTimeout() error {
	for {
		s := State(w.state.Load())
		switch s {
		case Armed:
			if w.state.CompareAndSwap(uint32(Armed), uint32(TimedOut)) {
				w.timeouts.Add(1)
				opsf("timeout signalled")
				return nil
			}
		case Disarmed:
			return refuse("timeout", s, ErrNotArmed)
		default:
			return refuse("timeout", s, ErrInvalidTransition)
		}
	}
}

// HasTimedOut reports whether the watchdog is TimedOut. An armed watchdog
// whose last feed is older than the timeout moves to TimedOut here.
func (w *Watchdog) HasTimedOut() bool {
	for {
		s := State(w.state.Load())
		switch s {
		case TimedOut:
			return true
		case Armed:
			last := w.lastFeed.Load()
			if last == noFeed || time.Duration(w.now()-last) <= w.Timeout() {
				return false
			}
			if w.state.CompareAndSwap(uint32(Armed), uint32(TimedOut)) {
				w.timeouts.Add(1)
				opsf("timed out after %v without feed", time.Duration(w.now()-last))
				return true
			}
		default:
			return false
		}
	}
}

// TriggerSafeState latches SafeState from any state. Only the first call per
// incident succeeds.
func (w *Watchdog) TriggerSafeState() error {
	for {
		s := State(w.state.Load())
		if s == SafeState {
			return refuse("trigger safe-state", s, ErrSafeStateAlreadyTriggered)
		}
		if w.state.CompareAndSwap(uint32(s), uint32(SafeState)) {
			w.safeState.Add(1)
			opsf("safe-state triggered from %s", s)
			return nil
		}
	}
}

// Reset returns to Disarmed from any state and clears the feed clock.
// Counters are kept. Reset is idempotent.
func (w *Watchdog) Reset() {
	prev := State(w.state.Swap(uint32(Disarmed)))
	w.lastFeed.Store(noFeed)
	w.resets.Add(1)
	if prev != Disarmed {
		diagf("reset from %s", prev)
	}
}

// State returns the current state.
func (w *Watchdog) State() State { return State(w.state.Load()) }

// IsArmed reports whether the watchdog is Armed.
func (w *Watchdog) IsArmed() bool { return w.State() == Armed }

// IsSafeState reports whether the safe-state latch is set. The output stage
// reads this once per tick.
func (w *Watchdog) IsSafeState() bool { return w.State() == SafeState }

// TimeSinceLastFeed returns the time since the last feed or arm, and false
// when the feed clock is clear.
func (w *Watchdog) TimeSinceLastFeed() (time.Duration, bool) {
	last := w.lastFeed.Load()
	if last == noFeed {
		return 0, false
	}
	return time.Duration(w.now() - last), true
}

// Stats returns the cumulative counters.
func (w *Watchdog) Stats() Stats {
	return Stats{
		Arms:             w.arms.Load(),
		Feeds:            w.feeds.Load(),
		Timeouts:         w.timeouts.Load(),
		SafeStateEntries: w.safeState.Load(),
		Resets:           w.resets.Load(),
	}
}
