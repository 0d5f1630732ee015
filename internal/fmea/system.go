package fmea

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/banshee-data/wheelcore/internal/timeutil"
)

// ErrNoActiveFault is returned by ClearFault when nothing is active.
var ErrNoActiveFault = errors.New("no active fault")

// PluginQuarantine is how long an overrunning plugin stays quarantined.
const PluginQuarantine = 5 * time.Minute

const (
	faultSlots = int(PipelineFault) + 1
	maxMarkers = 128
)

// Entry is one row of the FMEA matrix.
type Entry struct {
	Fault           FaultType     `json:"fault"`
	Detection       string        `json:"detection"`
	Action          FaultAction   `json:"action"`
	Severity        uint8         `json:"severity"`
	MaxResponseTime time.Duration `json:"max_response_time"`
	Enabled         bool          `json:"enabled"`
}

var detectionMethods = map[FaultType]string{
	UsbStall:                 "USB write timeout or consecutive failures",
	EncoderNaN:               "non-finite encoder values within a window",
	ThermalLimit:             "temperature above limit with hysteresis",
	Overcurrent:              "motor current above limit",
	PluginOverrun:            "plugin execution over budget",
	TimingViolation:          "consecutive tick jitter over threshold",
	SafetyInterlockViolation: "interlock challenge failed",
	HandsOffTimeout:          "no hands-on detection within timeout",
	PipelineFault:            "pipeline state or output invalid",
}

// FaultMarker records a handled fault for post-mortem analysis.
type FaultMarker struct {
	Fault    FaultType   `json:"fault"`
	At       time.Time   `json:"at"`
	Action   FaultAction `json:"action"`
	Torque   float64     `json:"torque"`
	Recovery []string    `json:"recovery_steps"`
}

type detection struct {
	consecutive uint32
	last        time.Time
	windowStart time.Time
	windowCount uint32
	latched     bool
}

// System is the fault manager. It is owned by a single goroutine.
type System struct {
	thresholds FaultThresholds
	clock      timeutil.Clock

	matrix [faultSlots]Entry
	states [faultSlots]detection
	counts [faultSlots]uint64

	thermalLatched bool
	pluginOverruns map[string]uint32
	quarantined    map[string]time.Time

	active   FaultType
	activeAt time.Time
	softStop *SoftStop
	markers  []FaultMarker
}

// NewSystem creates a System with every fault enabled at its default action.
// A nil clock selects the real clock.
func NewSystem(thresholds FaultThresholds, clock timeutil.Clock) *System {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &System{
		thresholds:     thresholds,
		clock:          clock,
		pluginOverruns: make(map[string]uint32),
		quarantined:    make(map[string]time.Time),
		softStop:       NewSoftStop(),
	}
	for _, f := range AllFaults {
		s.matrix[f] = Entry{
			Fault:           f,
			Detection:       detectionMethods[f],
			Action:          f.DefaultAction(),
			Severity:        f.Severity(),
			MaxResponseTime: f.MaxResponseTime(),
			Enabled:         true,
		}
	}
	return s
}

// Thresholds returns the detection limits in use.
func (s *System) Thresholds() FaultThresholds { return s.thresholds }

// SetThresholds replaces the detection limits. Detection state is kept.
func (s *System) SetThresholds(t FaultThresholds) { s.thresholds = t }

// DetectUSBFault reports a USB stall when consecutive write failures reach
// the limit or the last successful write is older than the USB timeout. A
// zero lastSuccess disables the age check.
func (s *System) DetectUSBFault(consecutiveFailures uint32, lastSuccess time.Time) (FaultType, bool) {
	st := &s.states[UsbStall]
	st.consecutive = consecutiveFailures
	if consecutiveFailures >= s.thresholds.USBMaxConsecutive {
		st.last = s.clock.Now()
		return UsbStall, true
	}
	if !lastSuccess.IsZero() && s.clock.Since(lastSuccess) > s.thresholds.USBTimeout {
		st.last = s.clock.Now()
		return UsbStall, true
	}
	return 0, false
}

// DetectUSBTimeout reports a USB stall once the oldest report still waiting
// for the device is older than the USB timeout. It reports once per stall; a
// zero oldest means the device is current and rearms the detector.
func (s *System) DetectUSBTimeout(oldest time.Time) (FaultType, bool) {
	st := &s.states[UsbStall]
	if oldest.IsZero() {
		st.latched = false
		return 0, false
	}
	if st.latched || s.clock.Since(oldest) <= s.thresholds.USBTimeout {
		return 0, false
	}
	st.latched = true
	st.last = s.clock.Now()
	return UsbStall, true
}

// DetectHandsOff reports a hands-off timeout when the wheel has been flagged
// hands-off for longer than the hands-off timeout while the commanded torque
// magnitude stayed at or above the high-torque level. Low demand, such as a
// paused game or a menu, restarts the timer. It reports once until the wheel
// is held again or demand drops.
func (s *System) DetectHandsOff(handsOff bool, demand float64) (FaultType, bool) {
	st := &s.states[HandsOffTimeout]
	if !handsOff || !(math.Abs(demand) >= s.thresholds.HandsOffTorque) {
		st.windowStart = time.Time{}
		st.latched = false
		return 0, false
	}
	now := s.clock.Now()
	if st.windowStart.IsZero() {
		st.windowStart = now
	}
	st.last = now
	if st.latched || now.Sub(st.windowStart) <= s.thresholds.HandsOffTimeout {
		return 0, false
	}
	st.latched = true
	return HandsOffTimeout, true
}

// DetectEncoderFault counts non-finite encoder readings inside a sliding
// window and reports a fault once the count reaches the limit.
func (s *System) DetectEncoderFault(value float64) (FaultType, bool) {
	if !math.IsNaN(value) && !math.IsInf(value, 0) {
		return 0, false
	}
	now := s.clock.Now()
	st := &s.states[EncoderNaN]
	if st.windowStart.IsZero() || now.Sub(st.windowStart) > s.thresholds.EncoderNaNWindow {
		st.windowStart = now
		st.windowCount = 0
	}
	st.windowCount++
	st.last = now
	if st.windowCount >= s.thresholds.EncoderMaxNaN {
		return EncoderNaN, true
	}
	return 0, false
}

// DetectThermalFault latches a thermal fault when the temperature exceeds the
// limit. The latch releases once the temperature falls to limit minus
// hysteresis; only the rising edge reports a fault.
func (s *System) DetectThermalFault(tempC float64) (FaultType, bool) {
	if math.IsNaN(tempC) {
		return 0, false
	}
	threshold := s.thresholds.ThermalLimitC
	if s.thermalLatched {
		threshold -= s.thresholds.ThermalHysteresisC
	}
	switch {
	case tempC > threshold && !s.thermalLatched:
		s.thermalLatched = true
		s.states[ThermalLimit].last = s.clock.Now()
		return ThermalLimit, true
	case tempC <= threshold && s.thermalLatched:
		s.thermalLatched = false
	}
	return 0, false
}

// ThermalLatched reports whether the thermal detector is holding a fault.
func (s *System) ThermalLatched() bool { return s.thermalLatched }

// DetectOvercurrent reports a fault when the current magnitude exceeds the
// limit. A non-finite reading is treated as over the limit.
func (s *System) DetectOvercurrent(amps float64) (FaultType, bool) {
	if math.IsNaN(amps) || math.Abs(amps) > s.thresholds.OvercurrentLimitA {
		s.states[Overcurrent].last = s.clock.Now()
		return Overcurrent, true
	}
	return 0, false
}

// DetectPluginOverrun counts over-budget executions per plugin. Reaching the
// limit quarantines the plugin and reports a fault; a quarantined plugin is
// not counted again until its quarantine is released or expires.
func (s *System) DetectPluginOverrun(id string, exec time.Duration) (FaultType, bool) {
	if exec <= s.thresholds.PluginTimeout || s.IsPluginQuarantined(id) {
		return 0, false
	}
	now := s.clock.Now()
	n := s.pluginOverruns[id] + 1
	s.pluginOverruns[id] = n
	st := &s.states[PluginOverrun]
	st.consecutive = n
	st.last = now
	if n < s.thresholds.PluginMaxOverruns {
		return 0, false
	}
	delete(s.pluginOverruns, id)
	s.quarantined[id] = now.Add(PluginQuarantine)
	return PluginOverrun, true
}

// IsPluginQuarantined reports whether id is quarantined now.
func (s *System) IsPluginQuarantined(id string) bool {
	until, ok := s.quarantined[id]
	if !ok {
		return false
	}
	if !s.clock.Now().Before(until) {
		delete(s.quarantined, id)
		return false
	}
	return true
}

// ReleasePluginQuarantine lifts the quarantine on id.
func (s *System) ReleasePluginQuarantine(id string) {
	delete(s.quarantined, id)
	delete(s.pluginOverruns, id)
}

// QuarantinedPlugins returns the remaining quarantine per plugin.
func (s *System) QuarantinedPlugins() map[string]time.Duration {
	now := s.clock.Now()
	out := make(map[string]time.Duration, len(s.quarantined))
	for id, until := range s.quarantined {
		if now.Before(until) {
			out[id] = until.Sub(now)
		}
	}
	return out
}

// DetectTimingViolation counts consecutive ticks with jitter over the
// threshold. A tick within the threshold resets the count. Reaching the limit
// reports a fault and restarts the count.
func (s *System) DetectTimingViolation(jitter time.Duration) (FaultType, bool) {
	st := &s.states[TimingViolation]
	if jitter < 0 {
		jitter = -jitter
	}
	if jitter <= s.thresholds.TimingThreshold {
		st.consecutive = 0
		return 0, false
	}
	st.consecutive++
	st.last = s.clock.Now()
	if st.consecutive < s.thresholds.TimingMaxViolations {
		return 0, false
	}
	st.consecutive = 0
	return TimingViolation, true
}

// HandleFault applies the FMEA matrix action for f. Disabled entries are
// ignored. A log-and-continue fault is only counted and marked. Any other
// fault becomes active when nothing is, or when it is strictly more severe
// than the active one. Torque-affecting actions start the soft stop from
// currentTorque.
func (s *System) HandleFault(f FaultType, currentTorque float64) error {
	if !f.Valid() {
		return fmt.Errorf("no FMEA entry for fault type %d", uint8(f))
	}
	entry := s.matrix[f]
	if !entry.Enabled {
		diagf("ignoring disabled fault %s", f.Code())
		return nil
	}

	start := s.clock.Now()
	s.counts[f]++
	s.states[f].last = start

	switch {
	case entry.Action == ActionLogAndContinue:
	case s.active == 0 || entry.Severity < s.matrix[s.active].Severity:
		s.active = f
		s.activeAt = start
	}
	if entry.Action.AffectsTorque() && !s.softStop.IsActive() {
		s.softStop.Start(currentTorque)
	}
	s.addMarker(FaultMarker{
		Fault:    f,
		At:       start,
		Action:   entry.Action,
		Torque:   currentTorque,
		Recovery: stepNames(DefaultRecoveryProcedure(f)),
	})

	opsf("fault %s: action=%s severity=%d torque=%.3f", f.Code(), entry.Action, entry.Severity, currentTorque)
	if took := s.clock.Since(start); took > entry.MaxResponseTime {
		opsf("fault %s response took %v, limit %v", f.Code(), took, entry.MaxResponseTime)
	}
	return nil
}

func stepNames(p RecoveryProcedure) []string {
	names := make([]string, len(p.Steps))
	for i, st := range p.Steps {
		names[i] = st.Name
	}
	return names
}

func (s *System) addMarker(m FaultMarker) {
	if len(s.markers) == maxMarkers {
		copy(s.markers, s.markers[1:])
		s.markers = s.markers[:maxMarkers-1]
	}
	s.markers = append(s.markers, m)
}

// Markers returns a copy of the recorded fault markers, oldest first.
func (s *System) Markers() []FaultMarker {
	out := make([]FaultMarker, len(s.markers))
	copy(out, s.markers)
	return out
}

// ClearOldMarkers drops markers older than the given age.
func (s *System) ClearOldMarkers(olderThan time.Duration) {
	cutoff := s.clock.Now().Add(-olderThan)
	kept := s.markers[:0]
	for _, m := range s.markers {
		if m.At.After(cutoff) {
			kept = append(kept, m)
		}
	}
	s.markers = kept
}

// ClearFault clears the active fault, stops the soft stop and resets that
// fault's detection state.
func (s *System) ClearFault() error {
	if s.active == 0 {
		return ErrNoActiveFault
	}
	diagf("clearing fault %s after %v", s.active.Code(), s.clock.Since(s.activeAt))
	s.states[s.active] = detection{}
	if s.active == ThermalLimit {
		s.thermalLatched = false
	}
	s.active = 0
	s.activeAt = time.Time{}
	s.softStop.Reset()
	return nil
}

// ActiveFault returns the active fault, if any.
func (s *System) ActiveFault() (FaultType, bool) {
	return s.active, s.active != 0
}

// ActiveSince returns when the active fault was raised.
func (s *System) ActiveSince() time.Time { return s.activeAt }

// CanRecover reports whether the active fault may be recovered without an
// operator.
func (s *System) CanRecover() bool {
	if s.active == 0 {
		return false
	}
	return DefaultRecoveryProcedure(s.active).Automatic && s.active.IsRecoverable()
}

// RecoveryProcedure returns the procedure for the active fault.
func (s *System) RecoveryProcedure() (RecoveryProcedure, bool) {
	if s.active == 0 {
		return RecoveryProcedure{}, false
	}
	return DefaultRecoveryProcedure(s.active), true
}

// UpdateSoftStop advances the soft stop ramp and returns the torque
// multiplier.
func (s *System) UpdateSoftStop(delta time.Duration) float64 {
	s.softStop.Update(delta)
	return s.TorqueMultiplier()
}

// TorqueMultiplier is the factor to apply to output torque: 1 unless the
// active fault's action affects torque.
func (s *System) TorqueMultiplier() float64 {
	if s.active == 0 || !s.matrix[s.active].Action.AffectsTorque() {
		return 1
	}
	return s.softStop.Multiplier()
}

// SoftStop exposes the ramp for read-only queries.
func (s *System) SoftStop() *SoftStop { return s.softStop }

// ForceStop ends the ramp immediately at zero torque.
func (s *System) ForceStop() {
	s.softStop.StartRamp(s.softStop.Current(), 0, 0)
}

// FaultCounts returns how many times each fault has been handled.
func (s *System) FaultCounts() map[FaultType]uint64 {
	out := make(map[FaultType]uint64, len(AllFaults))
	for _, f := range AllFaults {
		if n := s.counts[f]; n > 0 {
			out[f] = n
		}
	}
	return out
}

// DetectionCount returns the running detector count for f: consecutive
// failures, overruns or violations, or the NaN count in the current window.
func (s *System) DetectionCount(f FaultType) uint32 {
	if !f.Valid() {
		return 0
	}
	if f == EncoderNaN {
		return s.states[f].windowCount
	}
	return s.states[f].consecutive
}

// ResetDetection clears the detector state for f.
func (s *System) ResetDetection(f FaultType) {
	if !f.Valid() {
		return
	}
	s.states[f] = detection{}
	if f == PluginOverrun {
		clear(s.pluginOverruns)
	}
	if f == ThermalLimit {
		s.thermalLatched = false
	}
}

// Entry returns the FMEA matrix row for f.
func (s *System) Entry(f FaultType) (Entry, bool) {
	if !f.Valid() {
		return Entry{}, false
	}
	return s.matrix[f], true
}

// Matrix returns every FMEA row keyed by fault.
func (s *System) Matrix() map[FaultType]Entry {
	out := make(map[FaultType]Entry, len(AllFaults))
	for _, f := range AllFaults {
		out[f] = s.matrix[f]
	}
	return out
}

// SetEnabled enables or disables handling of f.
func (s *System) SetEnabled(f FaultType, enabled bool) error {
	if !f.Valid() {
		return fmt.Errorf("no FMEA entry for fault type %d", uint8(f))
	}
	s.matrix[f].Enabled = enabled
	return nil
}

// SetAction overrides the action taken for f.
func (s *System) SetAction(f FaultType, a FaultAction) error {
	if !f.Valid() {
		return fmt.Errorf("no FMEA entry for fault type %d", uint8(f))
	}
	s.matrix[f].Action = a
	return nil
}

// Status is a copyable summary of a System.
type Status struct {
	Active         string            `json:"active,omitempty"`
	ActiveSince    time.Time         `json:"active_since,omitzero"`
	CanRecover     bool              `json:"can_recover"`
	Multiplier     float64           `json:"torque_multiplier"`
	SoftStopActive bool              `json:"soft_stop_active"`
	Counts         map[string]uint64 `json:"counts"`
	Quarantined    []string          `json:"quarantined_plugins,omitempty"`
}

// Status summarizes the current fault state.
func (s *System) Status() Status {
	st := Status{
		ActiveSince:    s.activeAt,
		CanRecover:     s.CanRecover(),
		Multiplier:     s.TorqueMultiplier(),
		SoftStopActive: s.softStop.IsActive(),
		Counts:         make(map[string]uint64),
	}
	if s.active != 0 {
		st.Active = s.active.Code()
	}
	for f, n := range s.FaultCounts() {
		st.Counts[f.Code()] = n
	}
	if q := s.QuarantinedPlugins(); len(q) > 0 {
		st.Quarantined = slices.Sorted(maps.Keys(q))
	}
	return st
}
