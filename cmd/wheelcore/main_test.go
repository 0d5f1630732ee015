package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/wheelcore/internal/config"
	"github.com/banshee-data/wheelcore/internal/engine"
)

// TestFlagDefaults verifies every flag exists with an empty or false default
// so the config file stays authoritative.
func TestFlagDefaults(t *testing.T) {
	for name, v := range map[string]*string{
		"config":    configPath,
		"listen":    listen,
		"db":        dbPath,
		"device":    devicePath,
		"telemetry": telemetryAddr,
	} {
		if v == nil {
			t.Fatalf("%s flag not defined", name)
		}
		if *v != "" {
			t.Errorf("expected %s default to be empty, got %q", name, *v)
		}
	}
	for name, v := range map[string]*bool{
		"dev":     devMode,
		"trace":   traceLog,
		"version": showVersion,
	} {
		if v == nil {
			t.Fatalf("%s flag not defined", name)
		}
		if *v {
			t.Errorf("expected %s default to be false", name)
		}
	}
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name             string
		flags            overrides
		wantListen       string
		wantDB, wantPath string
		wantTelemetry    string
	}{
		{
			name:       "no overrides",
			wantListen: config.DefaultListen,
			wantDB:     config.DefaultDBPath,
			wantPath:   config.DefaultDevicePath,
		},
		{
			name: "all overrides",
			flags: overrides{
				listen:    "127.0.0.1:9000",
				db:        "/tmp/x.db",
				device:    "/dev/ttyUSB1",
				telemetry: "127.0.0.1:50051",
			},
			wantListen:    "127.0.0.1:9000",
			wantDB:        "/tmp/x.db",
			wantPath:      "/dev/ttyUSB1",
			wantTelemetry: "127.0.0.1:50051",
		},
		{
			name:       "listen only",
			flags:      overrides{listen: ":9090"},
			wantListen: ":9090",
			wantDB:     config.DefaultDBPath,
			wantPath:   config.DefaultDevicePath,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			applyFlags(cfg, tt.flags)
			if got := cfg.GetListen(); got != tt.wantListen {
				t.Errorf("listen = %q, want %q", got, tt.wantListen)
			}
			if got := cfg.GetDBPath(); got != tt.wantDB {
				t.Errorf("db = %q, want %q", got, tt.wantDB)
			}
			if got := cfg.GetDevicePath(); got != tt.wantPath {
				t.Errorf("device = %q, want %q", got, tt.wantPath)
			}
			if got := cfg.GetTelemetryListen(); got != tt.wantTelemetry {
				t.Errorf("telemetry = %q, want %q", got, tt.wantTelemetry)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, cfg.GetTickPeriod())

	path := filepath.Join(t.TempDir(), "wheel.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tick_period": "2ms", "listen": ":7000"}`), 0o644))
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Millisecond, cfg.GetTickPeriod())
	assert.Equal(t, ":7000", cfg.GetListen())

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestSynthesize(t *testing.T) {
	in := engine.NewAtomicInput()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- synthesize(ctx, in, time.Millisecond) }()

	require.Eventually(t, func() bool { return in.Updates() >= 5 }, 2*time.Second, time.Millisecond)
	force, _ := in.Latest()
	assert.LessOrEqual(t, force, 0.4)
	assert.GreaterOrEqual(t, force, -0.4)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("synthesize did not return after cancel")
	}
}

// TestRunDevMode starts the full stack on a loopback device and checks the
// metrics and debug endpoints before shutting down.
func TestRunDevMode(t *testing.T) {
	if testing.Short() {
		t.Skip("starts the control loop")
	}
	cfg := config.DefaultConfig()
	applyFlags(cfg, overrides{
		listen:    "127.0.0.1:0",
		db:        filepath.Join(t.TempDir(), "incidents.db"),
		telemetry: "127.0.0.1:0",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, true, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	get := func(path string) (int, string) {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			return 0, err.Error()
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	require.Eventually(t, func() bool {
		code, body := get("/debug/wheel")
		return code == http.StatusOK && strings.Contains(body, `"running": true`)
	}, 5*time.Second, 20*time.Millisecond)

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "wheelcore_engine_ticks_total")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
