package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_SinceUntil(t *testing.T) {
	clock := RealClock{}
	if d := clock.Since(time.Now().Add(-time.Second)); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
	if d := clock.Until(time.Now().Add(time.Hour)); d < 59*time.Minute {
		t.Errorf("Until() returned %v, expected >= 59m", d)
	}
}

func TestRealClock_After(t *testing.T) {
	clock := RealClock{}
	select {
	case <-clock.After(5 * time.Millisecond):
	case <-time.After(time.Second):
		t.Error("After did not fire")
	}
}

func TestMockClock_AdvanceMovesNow(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Advance(15 * time.Millisecond)

	if got := clock.Since(start); got != 15*time.Millisecond {
		t.Errorf("Since(start) = %v, want 15ms", got)
	}
	if got := clock.Until(start.Add(20 * time.Millisecond)); got != 5*time.Millisecond {
		t.Errorf("Until = %v, want 5ms", got)
	}
}

func TestMockClock_SetFiresWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ch := clock.After(time.Second)

	clock.Set(start.Add(2 * time.Second))

	select {
	case got := <-ch:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("waiter did not fire after Set")
	}
}

func TestMockClock_AfterFiresOnlyAtDeadline(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ch := clock.After(10 * time.Millisecond)

	clock.Advance(9 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}
	if clock.Waiters() != 1 {
		t.Fatalf("Waiters() = %d, want 1", clock.Waiters())
	}

	clock.Advance(time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("did not fire at deadline")
	}
	if clock.Waiters() != 0 {
		t.Errorf("Waiters() = %d after firing, want 0", clock.Waiters())
	}
}

func TestMockClock_AfterZeroFiresImmediately(t *testing.T) {
	clock := NewMockClock(time.Time{})
	select {
	case <-clock.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestMockClock_SleepRecords(t *testing.T) {
	start := time.Unix(0, 0)
	clock := NewMockClock(start)

	clock.Sleep(time.Millisecond)
	clock.Sleep(2 * time.Millisecond)

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Millisecond || sleeps[1] != 2*time.Millisecond {
		t.Errorf("Sleeps() = %v", sleeps)
	}
	if !clock.Now().Equal(start) {
		t.Errorf("clock moved without auto-advance: %v", clock.Now())
	}
}

func TestMockClock_AutoAdvance(t *testing.T) {
	start := time.Unix(0, 0)
	clock := NewMockClock(start)
	clock.SetAutoAdvance(true)

	clock.Sleep(3 * time.Millisecond)
	<-clock.After(7 * time.Millisecond)

	if got := clock.Since(start); got != 10*time.Millisecond {
		t.Errorf("elapsed = %v, want 10ms", got)
	}
}
