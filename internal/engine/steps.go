package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/wheelcore/internal/fmea"
)

// ReducedTorqueLimit is the cap applied by the reduce_load and
// reduce_torque steps.
const ReducedTorqueLimit = 0.5

// verifyTicks is how many clean ticks verify_pipeline waits for.
const verifyTicks = 10

var (
	// ErrPipelineUnhealthy is returned by verify_pipeline when the pipeline
	// faulted while being watched.
	ErrPipelineUnhealthy = errors.New("pipeline still faulting")
	// ErrPriorityFixed is returned by adjust_priority; RT priority is only
	// applied when the loop starts.
	ErrPriorityFixed = errors.New("RT priority is fixed while running")
)

// StepFunc performs one recovery step. It must return when ctx is done.
type StepFunc func(ctx context.Context, fault fmea.FaultType) error

// Steps maps recovery step names to engine actions and implements
// fmea.StepRunner. A step with no handler succeeds.
type Steps struct {
	engine *Engine
	poll   time.Duration

	mu       sync.RWMutex
	handlers map[string]StepFunc
}

// NewSteps registers the engine's built-in handlers.
func NewSteps(e *Engine) *Steps {
	s := &Steps{
		engine:   e,
		poll:     time.Millisecond,
		handlers: make(map[string]StepFunc),
	}
	s.Register(fmea.StepResetPipeline, s.resetPipeline)
	s.Register(fmea.StepVerifyPipeline, s.verifyPipeline)
	s.Register(fmea.StepReduceLoad, s.reduceTorque)
	s.Register(fmea.StepReduceTorque, s.reduceTorque)
	s.Register(fmea.StepLogViolation, s.logViolation)
	s.Register(fmea.StepAdjustPriority, s.adjustPriority)
	s.Register(fmea.StepQuarantinePlugin, s.quarantinePlugin)
	return s
}

// Register installs or replaces the handler for name. A nil fn removes it.
func (s *Steps) Register(name string, fn StepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.handlers, name)
		return
	}
	s.handlers[name] = fn
}

// Has reports whether name has a handler.
func (s *Steps) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[name]
	return ok
}

// RunStep implements fmea.StepRunner.
func (s *Steps) RunStep(ctx context.Context, fault fmea.FaultType, step fmea.RecoveryStep) error {
	s.mu.RLock()
	fn, ok := s.handlers[step.Name]
	s.mu.RUnlock()
	if !ok {
		diagf("no handler for step %s of %s, continuing", step.Name, fault.Code())
		return nil
	}
	if err := fn(ctx, fault); err != nil {
		return fmt.Errorf("step %s: %w", step.Name, err)
	}
	return nil
}

// waitFor polls cond until it holds or ctx is done.
func (s *Steps) waitFor(ctx context.Context, cond func() bool) error {
	if cond() {
		return nil
	}
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if cond() {
				return nil
			}
		}
	}
}

func (s *Steps) resetPipeline(ctx context.Context, _ fmea.FaultType) error {
	s.engine.RequestPipelineReset()
	return s.waitFor(ctx, func() bool { return !s.engine.PipelineResetPending() })
}

func (s *Steps) verifyPipeline(ctx context.Context, _ fmea.FaultType) error {
	start := s.engine.Stats()
	err := s.waitFor(ctx, func() bool {
		return s.engine.Stats().Ticks >= start.Ticks+verifyTicks
	})
	if err != nil {
		return err
	}
	if s.engine.Stats().PipelineFaults != start.PipelineFaults {
		return ErrPipelineUnhealthy
	}
	return nil
}

func (s *Steps) reduceTorque(_ context.Context, fault fmea.FaultType) error {
	if s.engine.TorqueLimit() > ReducedTorqueLimit {
		s.engine.SetTorqueLimit(ReducedTorqueLimit)
		opsf("torque limited to %.0f%% for %s", ReducedTorqueLimit*100, fault.Code())
	}
	return nil
}

func (s *Steps) logViolation(_ context.Context, fault fmea.FaultType) error {
	m := s.engine.Scheduler().Metrics()
	opsf("%s: p99=%v max=%v missed=%d/%d target=%v",
		fault.Code(), m.Jitter.P99, m.Jitter.Max, m.Jitter.Missed, m.Jitter.TotalTicks, m.TargetPeriod)
	return nil
}

func (s *Steps) adjustPriority(context.Context, fmea.FaultType) error {
	return ErrPriorityFixed
}

func (s *Steps) quarantinePlugin(_ context.Context, fault fmea.FaultType) error {
	if s.engine.PluginEnabled() {
		s.engine.SetPluginEnabled(false)
		opsf("plugin %s disabled after %s", s.engine.PluginID(), fault.Code())
	}
	return nil
}
