package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/wheelcore/internal/device"
	"github.com/banshee-data/wheelcore/internal/engine"
	"github.com/banshee-data/wheelcore/internal/fmea"
	"github.com/banshee-data/wheelcore/internal/pipeline"
	"github.com/banshee-data/wheelcore/internal/scheduler"
	"github.com/banshee-data/wheelcore/internal/watchdog"
)

// DefaultConfigPath is the path to the shipped defaults file.
const DefaultConfigPath = "config/wheelcore.defaults.json"

// Tick period bounds accepted by Validate.
const (
	MinTickPeriod = 250 * time.Microsecond
	MaxTickPeriod = 10 * time.Millisecond
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Defaults for values that have no package-level default elsewhere.
const (
	DefaultListen          = ":8080"
	DefaultDBPath          = "wheelcore.db"
	DefaultDevicePath      = "/dev/ttyACM0"
	DefaultBlackboxFlush   = 100 * time.Millisecond
	DefaultThresholdPreset = fmea.PresetDefault
)

// Config is the root configuration. Durations are strings such as "1ms".
// Omitted fields fall back to the defaults returned by the getters, so a
// partial file is safe.
type Config struct {
	// Loop timing
	TickPeriod        *string `json:"tick_period,omitempty"`
	MaxJitter         *string `json:"max_jitter,omitempty"`
	JitterWindow      *int    `json:"jitter_window,omitempty"`
	AdaptiveEnabled   *bool   `json:"adaptive_enabled,omitempty"`
	AdaptiveMinPeriod *string `json:"adaptive_min_period,omitempty"`
	AdaptiveMaxPeriod *string `json:"adaptive_max_period,omitempty"`

	// Real-time thread setup
	RTPriority             *int  `json:"rt_priority,omitempty"`
	LockMemory             *bool `json:"lock_memory,omitempty"`
	DisablePowerThrottling *bool `json:"disable_power_throttling,omitempty"`
	CPUAffinity            []int `json:"cpu_affinity,omitempty"`
	RTRequired             *bool `json:"rt_required,omitempty"`

	// Safety
	WatchdogTimeout  *string  `json:"watchdog_timeout,omitempty"`
	MaxTorque        *float64 `json:"max_torque,omitempty"`
	SafeTorque       *float64 `json:"safe_torque,omitempty"`
	PluginBudget     *string  `json:"plugin_budget,omitempty"`
	ProcessingBudget *string  `json:"processing_budget,omitempty"`
	ThresholdPreset  *string  `json:"threshold_preset,omitempty"`

	// Supervisor and recording
	SupervisorInterval *string `json:"supervisor_interval,omitempty"`
	FaultQueueSize     *int    `json:"fault_queue_size,omitempty"`
	BlackboxSize       *int    `json:"blackbox_size,omitempty"`
	BlackboxFlush      *string `json:"blackbox_flush,omitempty"`

	// Filter pipeline
	Filter *pipeline.FilterConfig `json:"filter,omitempty"`

	// Device and outer surfaces
	DevicePath *string             `json:"device_path,omitempty"`
	Serial     *device.PortOptions `json:"serial,omitempty"`
	Listen     *string             `json:"listen,omitempty"`
	DBPath     *string             `json:"db_path,omitempty"`

	// TelemetryListen is the gRPC telemetry address; empty disables it.
	TelemetryListen *string `json:"telemetry_listen,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns a Config with every field unset.
func EmptyConfig() *Config {
	return &Config{}
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	filter := pipeline.DefaultFilterConfig()
	serial := device.PortOptions{}.WithDefaults()
	return &Config{
		TickPeriod:             ptrString(scheduler.DefaultPeriod.String()),
		MaxJitter:              ptrString(scheduler.DefaultMaxJitter.String()),
		JitterWindow:           ptrInt(scheduler.DefaultJitterCapacity),
		AdaptiveEnabled:        ptrBool(false),
		RTPriority:             ptrInt(0),
		LockMemory:             ptrBool(false),
		DisablePowerThrottling: ptrBool(false),
		RTRequired:             ptrBool(false),
		WatchdogTimeout:        ptrString(watchdog.DefaultTimeout.String()),
		MaxTorque:              ptrFloat64(engine.DefaultMaxTorque),
		SafeTorque:             ptrFloat64(0),
		PluginBudget:           ptrString(engine.DefaultPluginBudget.String()),
		ProcessingBudget:       ptrString(engine.DefaultProcessingBudget.String()),
		ThresholdPreset:        ptrString(DefaultThresholdPreset),
		SupervisorInterval:     ptrString(engine.DefaultSupervisorInterval.String()),
		FaultQueueSize:         ptrInt(engine.DefaultFaultQueueSize),
		BlackboxSize:           ptrInt(engine.DefaultBlackboxSize),
		BlackboxFlush:          ptrString(DefaultBlackboxFlush.String()),
		Filter:                 &filter,
		DevicePath:             ptrString(DefaultDevicePath),
		Serial:                 &serial,
		Listen:                 ptrString(DefaultListen),
		DBPath:                 ptrString(DefaultDBPath),
		TelemetryListen:        ptrString(""),
	}
}

// Load reads a Config from a JSON file and validates it.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. It panics if the file cannot be loaded and is
// intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every set field and the relations between them. All
// failures are joined into the returned error.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	duration := func(name string, p *string) {
		if p == nil || *p == "" {
			return
		}
		if d, err := time.ParseDuration(*p); err != nil {
			fail("invalid %s '%s': %w", name, *p, err)
		} else if d <= 0 {
			fail("%s must be positive, got %s", name, *p)
		}
	}
	for _, f := range []struct {
		name string
		p    *string
	}{
		{"tick_period", c.TickPeriod},
		{"max_jitter", c.MaxJitter},
		{"adaptive_min_period", c.AdaptiveMinPeriod},
		{"adaptive_max_period", c.AdaptiveMaxPeriod},
		{"watchdog_timeout", c.WatchdogTimeout},
		{"plugin_budget", c.PluginBudget},
		{"processing_budget", c.ProcessingBudget},
		{"supervisor_interval", c.SupervisorInterval},
		{"blackbox_flush", c.BlackboxFlush},
	} {
		duration(f.name, f.p)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	period := c.GetTickPeriod()
	if period < MinTickPeriod || period > MaxTickPeriod {
		fail("tick_period %v not in [%v, %v]", period, MinTickPeriod, MaxTickPeriod)
	}
	if j := c.GetMaxJitter(); j >= period {
		fail("max_jitter %v must be shorter than tick_period %v", j, period)
	}
	if c.JitterWindow != nil && *c.JitterWindow <= 0 {
		fail("jitter_window must be positive, got %d", *c.JitterWindow)
	}

	if c.GetAdaptiveEnabled() {
		ad := c.adaptiveConfig()
		if !ad.Valid() {
			fail("adaptive period range [%v, %v] is inconsistent", ad.MinPeriod, ad.MaxPeriod)
		}
		if period < ad.MinPeriod || period > ad.MaxPeriod {
			fail("tick_period %v outside adaptive range [%v, %v]", period, ad.MinPeriod, ad.MaxPeriod)
		}
		if ad.MinPeriod < MinTickPeriod || ad.MaxPeriod > MaxTickPeriod {
			fail("adaptive range [%v, %v] exceeds [%v, %v]", ad.MinPeriod, ad.MaxPeriod, MinTickPeriod, MaxTickPeriod)
		}
	}

	if p := c.GetRTPriority(); p < 0 || p > 99 {
		fail("rt_priority must be between 0 and 99, got %d", p)
	}
	for _, cpu := range c.CPUAffinity {
		if cpu < 0 {
			fail("cpu_affinity entries must be non-negative, got %d", cpu)
		}
	}

	wd := c.GetWatchdogTimeout()
	if err := watchdog.ValidateTimeout(wd); err != nil {
		fail("watchdog_timeout: %w", err)
	} else if wd <= period {
		fail("watchdog_timeout %v must exceed tick_period %v", wd, period)
	}

	maxTorque := c.GetMaxTorque()
	if !(maxTorque > 0) || math.IsInf(maxTorque, 0) {
		fail("max_torque must be positive and finite, got %v", maxTorque)
	} else if safe := c.GetSafeTorque(); math.IsNaN(safe) || math.Abs(safe) > maxTorque {
		fail("safe_torque %v must be within ±max_torque %v", safe, maxTorque)
	}
	if b := c.GetPluginBudget(); b >= period {
		fail("plugin_budget %v must be shorter than tick_period %v", b, period)
	}
	if b := c.GetProcessingBudget(); b >= period {
		fail("processing_budget %v must be shorter than tick_period %v", b, period)
	}

	if _, err := fmea.ThresholdsByName(c.GetThresholdPreset()); err != nil {
		fail("threshold_preset: %w", err)
	}
	if n := c.GetFaultQueueSize(); n <= 0 {
		fail("fault_queue_size must be positive, got %d", n)
	}
	if n := c.GetBlackboxSize(); n <= 0 {
		fail("blackbox_size must be positive, got %d", n)
	}

	if c.Filter != nil {
		if err := pipeline.Validate(*c.Filter); err != nil {
			fail("filter: %w", err)
		}
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			fail("serial: %w", err)
		}
	}
	return errors.Join(errs...)
}

func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

// GetTickPeriod returns the tick_period value or the default.
func (c *Config) GetTickPeriod() time.Duration {
	return getDuration(c.TickPeriod, scheduler.DefaultPeriod)
}

// GetMaxJitter returns the max_jitter value or the default.
func (c *Config) GetMaxJitter() time.Duration {
	return getDuration(c.MaxJitter, scheduler.DefaultMaxJitter)
}

// GetJitterWindow returns the jitter_window value or the default.
func (c *Config) GetJitterWindow() int {
	if c.JitterWindow == nil {
		return scheduler.DefaultJitterCapacity
	}
	return *c.JitterWindow
}

// GetAdaptiveEnabled returns the adaptive_enabled value or the default.
func (c *Config) GetAdaptiveEnabled() bool {
	if c.AdaptiveEnabled == nil {
		return false
	}
	return *c.AdaptiveEnabled
}

// GetRTPriority returns the rt_priority value or the default.
func (c *Config) GetRTPriority() int {
	if c.RTPriority == nil {
		return 0 // policy unchanged
	}
	return *c.RTPriority
}

// GetWatchdogTimeout returns the watchdog_timeout value or the default.
func (c *Config) GetWatchdogTimeout() time.Duration {
	return getDuration(c.WatchdogTimeout, watchdog.DefaultTimeout)
}

// GetMaxTorque returns the max_torque value or the default.
func (c *Config) GetMaxTorque() float64 {
	if c.MaxTorque == nil {
		return engine.DefaultMaxTorque
	}
	return *c.MaxTorque
}

// GetSafeTorque returns the safe_torque value or the default.
func (c *Config) GetSafeTorque() float64 {
	if c.SafeTorque == nil {
		return 0
	}
	return *c.SafeTorque
}

// GetPluginBudget returns the plugin_budget value or the default.
func (c *Config) GetPluginBudget() time.Duration {
	return getDuration(c.PluginBudget, engine.DefaultPluginBudget)
}

// GetProcessingBudget returns the processing_budget value or the default.
func (c *Config) GetProcessingBudget() time.Duration {
	return getDuration(c.ProcessingBudget, engine.DefaultProcessingBudget)
}

// GetThresholdPreset returns the threshold_preset value or the default.
func (c *Config) GetThresholdPreset() string {
	if c.ThresholdPreset == nil || *c.ThresholdPreset == "" {
		return DefaultThresholdPreset
	}
	return *c.ThresholdPreset
}

// GetSupervisorInterval returns the supervisor_interval value or the default.
func (c *Config) GetSupervisorInterval() time.Duration {
	return getDuration(c.SupervisorInterval, engine.DefaultSupervisorInterval)
}

// GetFaultQueueSize returns the fault_queue_size value or the default.
func (c *Config) GetFaultQueueSize() int {
	if c.FaultQueueSize == nil {
		return engine.DefaultFaultQueueSize
	}
	return *c.FaultQueueSize
}

// GetBlackboxSize returns the blackbox_size value or the default.
func (c *Config) GetBlackboxSize() int {
	if c.BlackboxSize == nil {
		return engine.DefaultBlackboxSize
	}
	return *c.BlackboxSize
}

// GetBlackboxFlush returns the blackbox_flush value or the default.
func (c *Config) GetBlackboxFlush() time.Duration {
	return getDuration(c.BlackboxFlush, DefaultBlackboxFlush)
}

// GetDevicePath returns the device_path value or the default.
func (c *Config) GetDevicePath() string {
	if c.DevicePath == nil || *c.DevicePath == "" {
		return DefaultDevicePath
	}
	return *c.DevicePath
}

// GetListen returns the listen value or the default.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

// GetDBPath returns the db_path value or the default.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return DefaultDBPath
	}
	return *c.DBPath
}

// GetTelemetryListen returns the telemetry_listen value. There is no
// default; an empty address disables the telemetry server.
func (c *Config) GetTelemetryListen() string {
	if c.TelemetryListen == nil {
		return ""
	}
	return *c.TelemetryListen
}

func (c *Config) adaptiveConfig() scheduler.AdaptiveConfig {
	period := c.GetTickPeriod()
	ad := scheduler.DefaultAdaptiveConfig(period)
	ad.Enabled = c.GetAdaptiveEnabled()
	ad.MinPeriod = getDuration(c.AdaptiveMinPeriod, ad.MinPeriod)
	ad.MaxPeriod = getDuration(c.AdaptiveMaxPeriod, ad.MaxPeriod)
	return ad
}

// SchedulerConfig converts the loop timing fields.
func (c *Config) SchedulerConfig() scheduler.Config {
	ad := c.adaptiveConfig()
	return scheduler.Config{
		Period:         c.GetTickPeriod(),
		MaxJitter:      c.GetMaxJitter(),
		JitterCapacity: c.GetJitterWindow(),
		Adaptive:       &ad,
	}
}

// WatchdogConfig converts the watchdog fields.
func (c *Config) WatchdogConfig() watchdog.Config {
	return watchdog.Config{Timeout: c.GetWatchdogTimeout()}
}

// RTSetup converts the real-time thread fields.
func (c *Config) RTSetup() scheduler.RTSetup {
	setup := scheduler.RTSetup{Priority: c.GetRTPriority()}
	if c.LockMemory != nil {
		setup.LockMemory = *c.LockMemory
	}
	if c.DisablePowerThrottling != nil {
		setup.DisablePowerThrottling = *c.DisablePowerThrottling
	}
	if c.RTRequired != nil {
		setup.Required = *c.RTRequired
	}
	setup.CPUAffinity = append([]int(nil), c.CPUAffinity...)
	return setup
}

// EngineConfig converts the engine fields.
func (c *Config) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.MaxTorque = c.GetMaxTorque()
	cfg.SafeTorque = c.GetSafeTorque()
	cfg.PluginBudget = c.GetPluginBudget()
	cfg.ProcessingBudget = c.GetProcessingBudget()
	cfg.FaultQueueSize = c.GetFaultQueueSize()
	cfg.BlackboxSize = c.GetBlackboxSize()
	cfg.RTSetup = c.RTSetup()
	return cfg
}

// Thresholds resolves the fault threshold preset.
func (c *Config) Thresholds() (fmea.FaultThresholds, error) {
	return fmea.ThresholdsByName(c.GetThresholdPreset())
}

// FilterConfig returns the filter section or the default filter.
func (c *Config) FilterConfig() pipeline.FilterConfig {
	if c.Filter == nil {
		return pipeline.DefaultFilterConfig()
	}
	return c.Filter.Clone()
}

// PortOptions returns the serial section with defaults applied.
func (c *Config) PortOptions() device.PortOptions {
	if c.Serial == nil {
		return device.PortOptions{}.WithDefaults()
	}
	return c.Serial.WithDefaults()
}
