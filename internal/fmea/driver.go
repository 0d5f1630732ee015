package fmea

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/wheelcore/internal/timeutil"
	"github.com/banshee-data/wheelcore/internal/watchdog"
)

var (
	// ErrManualRecoveryRequired is reported for faults whose procedure may
	// not run unattended.
	ErrManualRecoveryRequired = errors.New("manual recovery required")
	// ErrRecoveryTimeout is reported when an attempt outlives its procedure
	// timeout.
	ErrRecoveryTimeout = errors.New("recovery timed out")
)

// StepRunner performs one recovery step. It must return once ctx is done.
type StepRunner interface {
	RunStep(ctx context.Context, fault FaultType, step RecoveryStep) error
}

// StepRunnerFunc adapts a function to StepRunner.
type StepRunnerFunc func(ctx context.Context, fault FaultType, step RecoveryStep) error

// RunStep calls f.
func (f StepRunnerFunc) RunStep(ctx context.Context, fault FaultType, step RecoveryStep) error {
	return f(ctx, fault, step)
}

// SafeStateTrigger forces the output stage into safe state.
type SafeStateTrigger interface {
	TriggerSafeState() error
}

// OutcomeRecorder persists finished recoveries.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o RecoveryOutcome) error
}

// RecoveryOutcome is the result of one Driver.Recover call.
type RecoveryOutcome struct {
	ID             uuid.UUID      `json:"id"`
	Fault          FaultType      `json:"fault"`
	Status         RecoveryStatus `json:"status"`
	Attempts       uint32         `json:"attempts"`
	StepsCompleted int            `json:"steps_completed"`
	Escalated      bool           `json:"escalated"`
	Started        time.Time      `json:"started"`
	Ended          time.Time      `json:"ended"`
	Err            error          `json:"-"`
}

// Succeeded reports whether every step completed.
func (o RecoveryOutcome) Succeeded() bool { return o.Status == RecoveryCompleted }

// Duration is the wall time the recovery took.
func (o RecoveryOutcome) Duration() time.Duration { return o.Ended.Sub(o.Started) }

// ErrorString returns the error text, or "" on success.
func (o RecoveryOutcome) ErrorString() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Driver runs recovery procedures outside the RT goroutine.
type Driver struct {
	runner   StepRunner
	trigger  SafeStateTrigger
	recorder OutcomeRecorder
	clock    timeutil.Clock
}

// NewDriver creates a Driver. Only runner is required; a nil trigger skips
// escalation and a nil recorder skips persistence.
func NewDriver(runner StepRunner, trigger SafeStateTrigger, recorder OutcomeRecorder, clock timeutil.Clock) *Driver {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if runner == nil {
		runner = StepRunnerFunc(func(context.Context, FaultType, RecoveryStep) error { return nil })
	}
	return &Driver{runner: runner, trigger: trigger, recorder: recorder, clock: clock}
}

// Recover runs the default procedure for fault to completion, cancellation
// or failure. A failed or timed-out recovery escalates to safe state.
func (d *Driver) Recover(ctx context.Context, fault FaultType) RecoveryOutcome {
	proc := DefaultRecoveryProcedure(fault)
	rc := NewRecoveryContext(proc, d.clock)
	out := RecoveryOutcome{ID: rc.ID, Fault: fault, Started: d.clock.Now()}

	var err error
	if !proc.Automatic || !fault.IsRecoverable() {
		rc.Fail()
		err = fmt.Errorf("%w: %s", ErrManualRecoveryRequired, fault.Code())
	} else {
		err = d.run(ctx, rc, &out)
	}

	out.Status = rc.Status()
	out.Attempts = rc.Attempt()
	out.Err = err
	if out.Status == RecoveryFailed || out.Status == RecoveryTimeout {
		out.Escalated = d.escalate(out)
	}
	out.Ended = d.clock.Now()

	opsf("recovery %s for %s: status=%s attempts=%d escalated=%t err=%v",
		out.ID, fault.Code(), out.Status, out.Attempts, out.Escalated, err)
	d.record(ctx, out)
	return out
}

func (d *Driver) run(ctx context.Context, rc *RecoveryContext, out *RecoveryOutcome) error {
	if err := rc.Start(); err != nil {
		return err
	}
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			rc.Cancel()
			return err
		}
		st, ok := rc.CurrentStep()
		if !ok {
			return nil
		}
		if rc.IsTimedOut() {
			rc.MarkTimedOut()
			return errors.Join(ErrRecoveryTimeout, lastErr)
		}

		err := d.runStep(ctx, rc, st)
		if err == nil {
			out.StepsCompleted++
			rc.AdvanceStep()
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		if st.Optional {
			diagf("optional recovery step %s skipped: %v", st.Name, err)
			rc.AdvanceStep()
			continue
		}

		lastErr = fmt.Errorf("recovery step %s failed: %w", st.Name, err)
		if rc.IsTimedOut() {
			rc.MarkTimedOut()
			return errors.Join(ErrRecoveryTimeout, lastErr)
		}
		if !rc.CanRetry() {
			rc.StartRetry()
			return lastErr
		}
		diagf("%v; retrying in %v", lastErr, rc.Procedure.RetryDelay)
		if delay := rc.Procedure.RetryDelay; delay > 0 {
			select {
			case <-ctx.Done():
				continue
			case <-d.clock.After(delay):
			}
		}
		rc.StartRetry()
	}
}

func (d *Driver) runStep(ctx context.Context, rc *RecoveryContext, st RecoveryStep) error {
	stepCtx, cancel := context.WithTimeout(ctx, rc.StepRemaining())
	defer cancel()
	tracef("running step %s (attempt %d, timeout %v)", st.Name, rc.Attempt(), st.Timeout)
	if err := d.runner.RunStep(stepCtx, rc.Procedure.Fault, st); err != nil {
		return err
	}
	if rc.IsStepTimedOut() {
		return fmt.Errorf("step exceeded %v", st.Timeout)
	}
	return nil
}

func (d *Driver) escalate(out RecoveryOutcome) bool {
	if d.trigger == nil {
		return false
	}
	err := d.trigger.TriggerSafeState()
	if err == nil || errors.Is(err, watchdog.ErrSafeStateAlreadyTriggered) {
		return true
	}
	opsf("failed to escalate %s recovery %s: %v", out.Fault.Code(), out.ID, err)
	return false
}

func (d *Driver) record(ctx context.Context, out RecoveryOutcome) {
	if d.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.recorder.RecordOutcome(rctx, out); err != nil {
		opsf("failed to record recovery %s: %v", out.ID, err)
	}
}
