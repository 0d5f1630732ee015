package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/wheelcore/internal/device"
	"github.com/banshee-data/wheelcore/internal/engine"
	"github.com/banshee-data/wheelcore/internal/fmea"
	"github.com/banshee-data/wheelcore/internal/incident"
	"github.com/banshee-data/wheelcore/internal/pipeline"
	"github.com/banshee-data/wheelcore/internal/scheduler"
	"github.com/banshee-data/wheelcore/internal/watchdog"
)

type fakeController struct {
	snap     engine.HealthSnapshot
	resetErr error
	resets   int
}

func (f *fakeController) Health() engine.HealthSnapshot { return f.snap }
func (f *fakeController) Reset(context.Context) error {
	f.resets++
	return f.resetErr
}

type fakeEngine struct {
	estop  bool
	frames []engine.BlackboxFrame
	lastN  int
}

func (f *fakeEngine) EmergencyStop()         { f.estop = true }
func (f *fakeEngine) ClearEmergencyStop()    { f.estop = false }
func (f *fakeEngine) EmergencyStopped() bool { return f.estop }
func (f *fakeEngine) BlackboxFrames(n int) []engine.BlackboxFrame {
	f.lastN = n
	return f.frames
}

type fakeIncidents struct {
	recent []incident.Incident
	counts map[string]int
	err    error
	limit  int
}

func (f *fakeIncidents) Recent(_ context.Context, limit int) ([]incident.Incident, error) {
	f.limit = limit
	return f.recent, f.err
}

func (f *fakeIncidents) CountByFault(context.Context) (map[string]int, error) {
	return f.counts, f.err
}

type fakeDevice struct{ stats device.SinkStats }

func (f fakeDevice) Stats() device.SinkStats { return f.stats }

type fakeHardware struct {
	temps, amps          []float64
	interlocks, timeouts int
	full                 bool
}

func (f *fakeHardware) ReportTemperature(c float64) bool {
	f.temps = append(f.temps, c)
	return !f.full
}

func (f *fakeHardware) ReportCurrent(a float64) bool {
	f.amps = append(f.amps, a)
	return !f.full
}

func (f *fakeHardware) ReportInterlockViolation() bool {
	f.interlocks++
	return !f.full
}

func (f *fakeHardware) ReportUSBTimeout() bool {
	f.timeouts++
	return !f.full
}

func sampleSnapshot() engine.HealthSnapshot {
	return engine.HealthSnapshot{
		Running: true,
		Scheduler: scheduler.Metrics{
			Ticks: 1000,
			Jitter: scheduler.JitterStats{
				P50:        10 * time.Microsecond,
				P95:        40 * time.Microsecond,
				P99:        80 * time.Microsecond,
				Max:        120 * time.Microsecond,
				Mean:       15 * time.Microsecond,
				Samples:    1000,
				MissedRate: 0.002,
			},
			TargetPeriod:   time.Millisecond,
			PeriodFraction: 0.25,
			PLLStable:      true,
		},
		Watchdog:      watchdog.Stats{Arms: 1, Feeds: 1000, Timeouts: 0},
		WatchdogState: "armed",
		Pipeline:      pipeline.Snapshot{StageCount: 3, StateBytes: 96},
		PipelineSwaps: 2,
		Engine:        engine.Stats{Ticks: 1000, Missed: 2, Saturations: 7},
		Multiplier:    0.5,
		TorqueLimit:   1,
		LastTorque:    0.3,
		PluginEnabled: true,
		Faults: &engine.FaultSnapshot{
			Status: fmea.Status{
				Active:         "usb_stall",
				SoftStopActive: true,
				Counts:         map[string]uint64{"usb_stall": 3},
			},
			Recovering: true,
		},
	}
}

func gather(t *testing.T, src Source) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(src)))
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestCollector_Values(t *testing.T) {
	mfs := gather(t, &fakeController{snap: sampleSnapshot()})

	value := func(name string) float64 {
		t.Helper()
		mf, ok := mfs[name]
		require.True(t, ok, "missing %s", name)
		m := mf.GetMetric()[0]
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
		return m.GetGauge().GetValue()
	}

	assert.Equal(t, 1.0, value("wheelcore_engine_running"))
	assert.Equal(t, 1000.0, value("wheelcore_engine_ticks_total"))
	assert.Equal(t, 2.0, value("wheelcore_engine_missed_deadlines_total"))
	assert.Equal(t, 7.0, value("wheelcore_engine_saturations_total"))
	assert.Equal(t, 0.5, value("wheelcore_engine_torque_multiplier"))
	assert.Equal(t, 3.0, value("wheelcore_pipeline_stages"))
	assert.Equal(t, 96.0, value("wheelcore_pipeline_state_bytes"))
	assert.Equal(t, 0.25, value("wheelcore_scheduler_period_fraction"))
	assert.InDelta(t, 120e-6, value("wheelcore_scheduler_jitter_max_seconds"), 1e-12)
	assert.Equal(t, 1.0, value("wheelcore_fmea_recovering"))

	summary := mfs["wheelcore_scheduler_jitter_seconds"].GetMetric()[0].GetSummary()
	require.NotNil(t, summary)
	assert.Equal(t, uint64(1000), summary.GetSampleCount())
	assert.InDelta(t, 15e-3, summary.GetSampleSum(), 1e-9)
	assert.Len(t, summary.GetQuantile(), 3)

	for _, m := range mfs["wheelcore_watchdog_state"].GetMetric() {
		want := 0.0
		if labelValue(m, "state") == "armed" {
			want = 1
		}
		assert.Equal(t, want, m.GetGauge().GetValue(), labelValue(m, "state"))
	}

	faults := mfs["wheelcore_fmea_faults_total"].GetMetric()
	assert.Len(t, faults, len(fmea.AllFaults))
	for _, m := range faults {
		if labelValue(m, "fault") == "usb_stall" {
			assert.Equal(t, 3.0, m.GetCounter().GetValue())
		}
	}
}

func TestCollector_NoFaultSection(t *testing.T) {
	snap := sampleSnapshot()
	snap.Faults = nil
	mfs := gather(t, &fakeController{snap: snap})
	assert.NotContains(t, mfs, "wheelcore_fmea_faults_total")
	assert.Contains(t, mfs, "wheelcore_engine_ticks_total")
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := NewRegistry(&fakeController{snap: sampleSnapshot()})
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "wheelcore_engine_ticks_total 1000")
	assert.Contains(t, body, "go_goroutines")
}

// localRequest appears to come from loopback so tsweb allows debug access.
func localRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

type adminFixture struct {
	mux        *http.ServeMux
	controller *fakeController
	engine     *fakeEngine
	publisher  *pipeline.Publisher
	incidents  *fakeIncidents
	hardware   *fakeHardware
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	f := &adminFixture{
		mux:        http.NewServeMux(),
		controller: &fakeController{snap: sampleSnapshot()},
		engine:     &fakeEngine{frames: []engine.BlackboxFrame{{Seq: 1}, {Seq: 2}}},
		publisher:  pipeline.NewPublisher(pipeline.MustCompile(pipeline.DefaultFilterConfig())),
		incidents: &fakeIncidents{
			recent: []incident.Incident{{ID: "a", Fault: "usb_stall", Status: "completed"}},
			counts: map[string]int{"usb_stall": 1},
		},
		hardware: &fakeHardware{},
	}
	AttachAdminRoutes(f.mux, AdminDeps{
		Controller: f.controller,
		Engine:     f.engine,
		Pipeline:   f.publisher,
		Incidents:  f.incidents,
		Device:     fakeDevice{stats: device.SinkStats{Written: 5, Connected: true}},
		Hardware:   f.hardware,
	})
	return f
}

func (f *adminFixture) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := localRequest(method, target, body)
	if method == http.MethodPost && body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_WheelStatus(t *testing.T) {
	f := newAdminFixture(t)
	rec := f.do(http.MethodGet, "/debug/wheel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got engine.HealthSnapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.True(t, got.Running)
	assert.Equal(t, "armed", got.WatchdogState)
	require.NotNil(t, got.Faults)
	assert.Equal(t, "usb_stall", got.Faults.Status.Active)

	rec = f.do(http.MethodPost, "/debug/wheel", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdmin_PipelinePublish(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodGet, "/debug/wheel-pipeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"swaps": 2`)

	cfg := pipeline.DefaultFilterConfig()
	cfg.Damper = 0.3
	body, err := json.Marshal(cfg)
	require.NoError(t, err)
	req := localRequest(http.MethodPost, "/debug/wheel-pipeline", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.True(t, f.publisher.HasPending())

	var snap pipeline.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, pipeline.MustCompile(cfg).Snapshot().Fingerprint, snap.Fingerprint)
}

func TestAdmin_PipelineRejectsInvalid(t *testing.T) {
	f := newAdminFixture(t)
	for _, body := range []string{`{"damper": -5}`, `{"bogus": 1}`, `not json`} {
		rec := f.do(http.MethodPost, "/debug/wheel-pipeline", strings.NewReader(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.False(t, f.publisher.HasPending())
}

func TestAdmin_Blackbox(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodGet, "/debug/wheel-blackbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultBlackboxFrames, f.engine.lastN)
	var frames []engine.BlackboxFrame
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&frames))
	assert.Len(t, frames, 2)

	f.do(http.MethodGet, "/debug/wheel-blackbox?n=100000", nil)
	assert.Equal(t, maxBlackboxFrames, f.engine.lastN)

	rec = f.do(http.MethodGet, "/debug/wheel-blackbox?n=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_Incidents(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodGet, "/debug/wheel-incidents?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, f.incidents.limit)

	var got struct {
		Incidents []incident.Incident `json:"incidents"`
		Counts    map[string]int      `json:"counts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Len(t, got.Incidents, 1)
	assert.Equal(t, map[string]int{"usb_stall": 1}, got.Counts)

	f.incidents.err = errors.New("disk I/O error")
	rec = f.do(http.MethodGet, "/debug/wheel-incidents", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAdmin_IncidentsDisabled(t *testing.T) {
	mux := http.NewServeMux()
	AttachAdminRoutes(mux, AdminDeps{Controller: &fakeController{}, Engine: &fakeEngine{}})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localRequest(http.MethodGet, "/debug/wheel-incidents", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localRequest(http.MethodGet, "/debug/wheel-device", nil))
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestAdmin_Device(t *testing.T) {
	f := newAdminFixture(t)
	rec := f.do(http.MethodGet, "/debug/wheel-device", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st device.SinkStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, uint64(5), st.Written)
	assert.True(t, st.Connected)
}

func TestAdmin_Reset(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodGet, "/debug/wheel-reset", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Zero(t, f.controller.resets)

	rec = f.do(http.MethodPost, "/debug/wheel-reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.controller.resets)

	f.controller.resetErr = engine.ErrSupervisorStopped
	rec = f.do(http.MethodPost, "/debug/wheel-reset", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.controller.resetErr = errors.New("failed to re-arm watchdog")
	rec = f.do(http.MethodPost, "/debug/wheel-reset", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAdmin_EmergencyStop(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodPost, "/debug/wheel-estop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.engine.estop)
	assert.Contains(t, rec.Body.String(), `"emergency_stop": true`)

	rec = f.do(http.MethodPost, "/debug/wheel-estop", strings.NewReader(url.Values{"clear": {"1"}}.Encode()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.engine.estop)

	rec = f.do(http.MethodGet, "/debug/wheel-estop", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdmin_RejectsRemoteClients(t *testing.T) {
	f := newAdminFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/debug/wheel-estop", nil)
	req.RemoteAddr = "203.0.113.7:4242"
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	assert.NotEqual(t, http.StatusOK, rec.Code)
	assert.False(t, f.engine.estop)
}

func TestAdmin_Hardware(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodPost, "/debug/wheel-hardware", strings.NewReader("temperature=71.5&current=3&interlock=1&usb_timeout=true"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"accepted": 4`)
	assert.Equal(t, []float64{71.5}, f.hardware.temps)
	assert.Equal(t, []float64{3}, f.hardware.amps)
	assert.Equal(t, 1, f.hardware.interlocks)
	assert.Equal(t, 1, f.hardware.timeouts)

	f.hardware.full = true
	rec = f.do(http.MethodPost, "/debug/wheel-hardware", strings.NewReader("temperature=40"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted": 0`)

	for _, body := range []string{"temperature=hot", "current=NaN"} {
		rec = f.do(http.MethodPost, "/debug/wheel-hardware", strings.NewReader(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	rec = f.do(http.MethodGet, "/debug/wheel-hardware", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdmin_BlackboxChart(t *testing.T) {
	f := newAdminFixture(t)
	f.engine.frames = []engine.BlackboxFrame{
		{Seq: 1, FFBIn: 0.1, Torque: 0.1, Multiplier: 1, Jitter: 20 * time.Microsecond},
		{Seq: 2, FFBIn: 0.2, Torque: 0.18, Multiplier: 1, Jitter: 35 * time.Microsecond},
	}

	rec := f.do(http.MethodGet, "/debug/wheel-blackbox-chart?n=10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "echarts")
	assert.Contains(t, rec.Body.String(), "ffb_in")
	assert.Equal(t, 10, f.engine.lastN)

	rec = f.do(http.MethodGet, "/debug/wheel-blackbox-chart?n=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_TransferPlot(t *testing.T) {
	f := newAdminFixture(t)
	rec := f.do(http.MethodGet, "/debug/wheel-transfer.png", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))
}
