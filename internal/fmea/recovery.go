package fmea

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/wheelcore/internal/timeutil"
)

// ErrInvalidRecoveryState is returned when a recovery context operation is
// not allowed in the context's current status.
var ErrInvalidRecoveryState = errors.New("invalid recovery state")

// Step names used by the default procedures.
const (
	StepResetUSB            = "reset_usb"
	StepReconnect           = "reconnect"
	StepVerifyCommunication = "verify_communication"
	StepRecalibrateEncoder  = "recalibrate_encoder"
	StepVerifyEncoder       = "verify_encoder"
	StepReduceLoad          = "reduce_load"
	StepCooldown            = "cooldown"
	StepVerifyTemperature   = "verify_temperature"
	StepDisconnectPower     = "disconnect_power"
	StepInspectHardware     = "inspect_hardware"
	StepVerifyCurrent       = "verify_current"
	StepQuarantinePlugin    = "quarantine_plugin"
	StepResetPlugin         = "reset_plugin"
	StepReleaseQuarantine   = "release_quarantine"
	StepLogViolation        = "log_violation"
	StepAdjustPriority      = "adjust_priority"
	StepResetInterlock      = "reset_interlock"
	StepChallengeUser       = "challenge_user"
	StepVerifyInterlock     = "verify_interlock"
	StepReduceTorque        = "reduce_torque"
	StepVerifyHandsOn       = "verify_hands_on"
	StepRechallenge         = "rechallenge"
	StepResetPipeline       = "reset_pipeline"
	StepVerifyPipeline      = "verify_pipeline"
)

// RecoveryStep is one action of a recovery procedure.
type RecoveryStep struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Timeout     time.Duration `json:"timeout"`
	Optional    bool          `json:"optional"`
}

// RecoveryProcedure is the recovery template for one fault type.
type RecoveryProcedure struct {
	Fault       FaultType      `json:"fault"`
	Steps       []RecoveryStep `json:"steps"`
	Automatic   bool           `json:"automatic"`
	MaxAttempts uint32         `json:"max_attempts"`
	RetryDelay  time.Duration  `json:"retry_delay"`
	Timeout     time.Duration  `json:"timeout"`
}

func step(name, desc string, timeout time.Duration) RecoveryStep {
	return RecoveryStep{Name: name, Description: desc, Timeout: timeout}
}

var procedures = map[FaultType]RecoveryProcedure{
	UsbStall: {
		Automatic: true, MaxAttempts: 3, RetryDelay: 100 * time.Millisecond, Timeout: 10 * time.Second,
		Steps: []RecoveryStep{
			step(StepResetUSB, "Reset USB connection", 100*time.Millisecond),
			step(StepReconnect, "Reconnect to device", 2*time.Second),
			step(StepVerifyCommunication, "Verify communication", 500*time.Millisecond),
		},
	},
	EncoderNaN: {
		MaxAttempts: 1, Timeout: 30 * time.Second,
		Steps: []RecoveryStep{
			step(StepRecalibrateEncoder, "Recalibrate encoder", 10*time.Second),
			step(StepVerifyEncoder, "Verify encoder readings", 5*time.Second),
		},
	},
	ThermalLimit: {
		Automatic: true, MaxAttempts: 1, Timeout: 60 * time.Second,
		Steps: []RecoveryStep{
			step(StepReduceLoad, "Reduce torque output", 50*time.Millisecond),
			step(StepCooldown, "Wait for cooldown", 30*time.Second),
			step(StepVerifyTemperature, "Verify temperature normal", 5*time.Second),
		},
	},
	Overcurrent: {
		MaxAttempts: 1, Timeout: 60 * time.Second,
		Steps: []RecoveryStep{
			step(StepDisconnectPower, "Disconnect load", 100*time.Millisecond),
			step(StepInspectHardware, "Inspect hardware", 30*time.Second),
			step(StepVerifyCurrent, "Verify no short circuit", 5*time.Second),
		},
	},
	PluginOverrun: {
		Automatic: true, MaxAttempts: 3, RetryDelay: time.Second, Timeout: 30 * time.Second,
		Steps: []RecoveryStep{
			step(StepQuarantinePlugin, "Quarantine plugin", 10*time.Millisecond),
			step(StepResetPlugin, "Reset plugin state", 100*time.Millisecond),
			step(StepReleaseQuarantine, "Release from quarantine", 10*time.Millisecond),
		},
	},
	TimingViolation: {
		Automatic: true, MaxAttempts: 1, Timeout: 100 * time.Millisecond,
		Steps: []RecoveryStep{
			step(StepLogViolation, "Log violation details", 10*time.Millisecond),
			{Name: StepAdjustPriority, Description: "Adjust RT priority", Timeout: 50 * time.Millisecond, Optional: true},
		},
	},
	SafetyInterlockViolation: {
		MaxAttempts: 1, Timeout: 300 * time.Second,
		Steps: []RecoveryStep{
			step(StepResetInterlock, "Reset interlock state", 100*time.Millisecond),
			step(StepChallengeUser, "Require new challenge", 30*time.Second),
			step(StepVerifyInterlock, "Verify physical presence", 5*time.Second),
		},
	},
	HandsOffTimeout: {
		MaxAttempts: 1, Timeout: 30 * time.Second,
		Steps: []RecoveryStep{
			step(StepReduceTorque, "Reduce to safe torque", 50*time.Millisecond),
			step(StepVerifyHandsOn, "Verify hands on wheel", 5*time.Second),
			step(StepRechallenge, "Request new challenge", 10*time.Second),
		},
	},
	PipelineFault: {
		Automatic: true, MaxAttempts: 3, RetryDelay: 50 * time.Millisecond, Timeout: 5 * time.Second,
		Steps: []RecoveryStep{
			step(StepResetPipeline, "Reset filter pipeline", 10*time.Millisecond),
			step(StepVerifyPipeline, "Verify pipeline output", 100*time.Millisecond),
		},
	},
}

// DefaultRecoveryProcedure returns a copy of the template for f. An unknown
// fault gets a manual procedure with no steps.
func DefaultRecoveryProcedure(f FaultType) RecoveryProcedure {
	p, ok := procedures[f]
	if !ok {
		return RecoveryProcedure{Fault: f, MaxAttempts: 1, Timeout: 30 * time.Second}
	}
	p.Fault = f
	p.Steps = append([]RecoveryStep(nil), p.Steps...)
	return p
}

// RecoveryStatus is the lifecycle state of a RecoveryContext.
type RecoveryStatus uint8

const (
	RecoveryPending RecoveryStatus = iota
	RecoveryInProgress
	RecoveryCompleted
	RecoveryFailed
	RecoveryCancelled
	RecoveryTimeout
)

func (s RecoveryStatus) String() string {
	switch s {
	case RecoveryPending:
		return "pending"
	case RecoveryInProgress:
		return "in_progress"
	case RecoveryCompleted:
		return "completed"
	case RecoveryFailed:
		return "failed"
	case RecoveryCancelled:
		return "cancelled"
	case RecoveryTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("RecoveryStatus(%d)", uint8(s))
	}
}

// Terminal reports whether no further progress is possible.
func (s RecoveryStatus) Terminal() bool {
	return s >= RecoveryCompleted
}

// RecoveryContext tracks one recovery attempt sequence for one incident.
// Timeouts are measured per attempt: StartRetry restarts the attempt clock.
type RecoveryContext struct {
	ID        uuid.UUID
	Procedure RecoveryProcedure

	clock     timeutil.Clock
	status    RecoveryStatus
	attempt   uint32
	step      int
	started   time.Time
	stepStart time.Time
	cancelled bool
}

// NewRecoveryContext creates a pending context for proc. A nil clock selects
// the real clock.
func NewRecoveryContext(proc RecoveryProcedure, clock timeutil.Clock) *RecoveryContext {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if proc.MaxAttempts == 0 {
		proc.MaxAttempts = 1
	}
	return &RecoveryContext{
		ID:        uuid.New(),
		Procedure: proc,
		clock:     clock,
		attempt:   1,
	}
}

// Start begins the first attempt.
func (c *RecoveryContext) Start() error {
	if c.status != RecoveryPending {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidRecoveryState, c.status)
	}
	now := c.clock.Now()
	c.started = now
	c.stepStart = now
	c.step = 0
	c.status = RecoveryInProgress
	if len(c.Procedure.Steps) == 0 {
		c.status = RecoveryCompleted
	}
	return nil
}

// CurrentStep returns the step in progress.
func (c *RecoveryContext) CurrentStep() (RecoveryStep, bool) {
	if c.status != RecoveryInProgress || c.step >= len(c.Procedure.Steps) {
		return RecoveryStep{}, false
	}
	return c.Procedure.Steps[c.step], true
}

// StepIndex returns the zero-based index of the current step.
func (c *RecoveryContext) StepIndex() int { return c.step }

// AdvanceStep completes the current step. It returns true while steps remain;
// completing the last step marks the context Completed and returns false.
func (c *RecoveryContext) AdvanceStep() bool {
	if c.status != RecoveryInProgress {
		return false
	}
	c.step++
	c.stepStart = c.clock.Now()
	if c.step >= len(c.Procedure.Steps) {
		c.status = RecoveryCompleted
		return false
	}
	return true
}

// IsTimedOut reports whether the current attempt ran past the procedure
// timeout.
func (c *RecoveryContext) IsTimedOut() bool {
	if c.status == RecoveryPending {
		return false
	}
	return c.clock.Since(c.started) > c.Procedure.Timeout
}

// IsStepTimedOut reports whether the current step ran past its own timeout.
func (c *RecoveryContext) IsStepTimedOut() bool {
	st, ok := c.CurrentStep()
	if !ok {
		return false
	}
	return c.clock.Since(c.stepStart) > st.Timeout
}

// StepRemaining is the time left for the current step, bounded by what is
// left of the attempt.
func (c *RecoveryContext) StepRemaining() time.Duration {
	st, ok := c.CurrentStep()
	if !ok {
		return 0
	}
	rem := st.Timeout - c.clock.Since(c.stepStart)
	if overall := c.Procedure.Timeout - c.clock.Since(c.started); overall < rem {
		rem = overall
	}
	if rem < 0 {
		return 0
	}
	return rem
}

// IsComplete reports whether every step finished.
func (c *RecoveryContext) IsComplete() bool { return c.status == RecoveryCompleted }

// CanRetry reports whether another attempt is allowed.
func (c *RecoveryContext) CanRetry() bool {
	return !c.cancelled && c.attempt < c.Procedure.MaxAttempts
}

// StartRetry consumes a retry and restarts from the first step of an
// in-progress context. Once retries are exhausted it returns false and marks
// the context Failed.
func (c *RecoveryContext) StartRetry() bool {
	if c.status != RecoveryInProgress {
		return false
	}
	if !c.CanRetry() {
		c.status = RecoveryFailed
		return false
	}
	now := c.clock.Now()
	c.attempt++
	c.step = 0
	c.started = now
	c.stepStart = now
	c.status = RecoveryInProgress
	return true
}

// Cancel stops the recovery. A terminal context is left unchanged.
func (c *RecoveryContext) Cancel() {
	if c.status.Terminal() {
		return
	}
	c.cancelled = true
	c.status = RecoveryCancelled
}

// MarkTimedOut records an overall timeout.
func (c *RecoveryContext) MarkTimedOut() {
	if !c.status.Terminal() {
		c.status = RecoveryTimeout
	}
}

// Fail records a failure that will not be retried.
func (c *RecoveryContext) Fail() {
	if !c.status.Terminal() {
		c.status = RecoveryFailed
	}
}

// Status returns the lifecycle state.
func (c *RecoveryContext) Status() RecoveryStatus { return c.status }

// Attempt returns the 1-based attempt number.
func (c *RecoveryContext) Attempt() uint32 { return c.attempt }

// IsCancelled reports whether Cancel was called.
func (c *RecoveryContext) IsCancelled() bool { return c.cancelled }

// Elapsed is the time since the current attempt started.
func (c *RecoveryContext) Elapsed() time.Duration {
	if c.status == RecoveryPending {
		return 0
	}
	return c.clock.Since(c.started)
}
