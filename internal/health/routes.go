package health

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"tailscale.com/tsweb"

	"github.com/banshee-data/wheelcore/internal/device"
	"github.com/banshee-data/wheelcore/internal/engine"
	"github.com/banshee-data/wheelcore/internal/httputil"
	"github.com/banshee-data/wheelcore/internal/incident"
	"github.com/banshee-data/wheelcore/internal/pipeline"
)

const (
	defaultBlackboxFrames = 500
	maxBlackboxFrames     = 4096
)

// Controller is the supervisor surface the admin routes drive.
type Controller interface {
	Source
	Reset(ctx context.Context) error
}

// EngineControls are the operator controls on the RT engine.
type EngineControls interface {
	EmergencyStop()
	ClearEmergencyStop()
	EmergencyStopped() bool
	BlackboxFrames(n int) []engine.BlackboxFrame
}

// PipelineLoader accepts a compiled pipeline for the next tick boundary and
// reports the one in use.
type PipelineLoader interface {
	Publish(next *pipeline.Pipeline)
	Current() *pipeline.Pipeline
}

// IncidentLog is the read side of the incident store.
type IncidentLog interface {
	Recent(ctx context.Context, limit int) ([]incident.Incident, error)
	CountByFault(ctx context.Context) (map[string]int, error)
}

// DeviceStatus reports the serial writer counters.
type DeviceStatus interface {
	Stats() device.SinkStats
}

// HardwareReporter accepts wheel base telemetry. Each method returns false
// when the report was dropped.
type HardwareReporter interface {
	ReportTemperature(celsius float64) bool
	ReportCurrent(amps float64) bool
	ReportInterlockViolation() bool
	ReportUSBTimeout() bool
}

// AdminDeps are the components behind the debug routes. Incidents, Device
// and Hardware are optional.
type AdminDeps struct {
	Controller Controller
	Engine     EngineControls
	Pipeline   PipelineLoader
	Incidents  IncidentLog
	Device     DeviceStatus
	Hardware   HardwareReporter
}

// AttachAdminRoutes registers the wheel debug pages under /debug/ on mux.
func AttachAdminRoutes(mux *http.ServeMux, deps AdminDeps) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("wheel", "Control loop health (JSON)", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		httputil.WriteJSONOK(w, deps.Controller.Health())
	})

	debug.HandleFunc("wheel-pipeline", "Active filter pipeline; POST a filter config to replace it", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h := deps.Controller.Health()
			httputil.WriteJSONOK(w, map[string]interface{}{
				"pipeline": h.Pipeline,
				"swaps":    h.PipelineSwaps,
			})
		case http.MethodPost:
			var cfg pipeline.FilterConfig
			if err := httputil.DecodeJSON(r, &cfg); err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
			p, err := pipeline.Compile(cfg)
			if err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
			deps.Pipeline.Publish(p)
			opsf("published pipeline %s", p.Snapshot().Fingerprint)
			httputil.WriteJSON(w, http.StatusAccepted, p.Snapshot())
		default:
			httputil.MethodNotAllowed(w)
		}
	})

	debug.HandleFunc("wheel-blackbox", "Recent black-box frames (JSON)", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		n, err := queryInt(r, "n", defaultBlackboxFrames)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, deps.Engine.BlackboxFrames(min(n, maxBlackboxFrames)))
	})

	debug.HandleFunc("wheel-blackbox-chart", "Recent black-box frames (chart)", handleBlackboxChart(deps))
	debug.HandleFunc("wheel-transfer.png", "Active force transfer curve (PNG)", handleTransferPlot(deps))

	debug.HandleFunc("wheel-incidents", "Recorded recovery incidents (JSON)", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		if deps.Incidents == nil {
			httputil.ServiceUnavailable(w, "incident store disabled")
			return
		}
		limit, err := queryInt(r, "limit", incident.DefaultRecentLimit)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		recent, err := deps.Incidents.Recent(r.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		counts, err := deps.Incidents.CountByFault(r.Context())
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if recent == nil {
			recent = []incident.Incident{}
		}
		httputil.WriteJSONOK(w, map[string]interface{}{
			"incidents": recent,
			"counts":    counts,
		})
	})

	if deps.Device != nil {
		debug.HandleFunc("wheel-device", "Serial writer status (JSON)", func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteJSONOK(w, deps.Device.Stats())
		})
	}

	if deps.Hardware != nil {
		debug.HandleSilentFunc("wheel-hardware", func(w http.ResponseWriter, r *http.Request) {
			if !httputil.RequireMethod(w, r, http.MethodPost) {
				return
			}
			accepted, err := submitHardware(deps.Hardware, r)
			if err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
			httputil.WriteJSONOK(w, map[string]int{"accepted": accepted})
		})
	}

	debug.HandleSilentFunc("wheel-reset", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodPost) {
			return
		}
		err := deps.Controller.Reset(r.Context())
		switch {
		case errors.Is(err, engine.ErrSupervisorStopped):
			httputil.ServiceUnavailable(w, err.Error())
		case err != nil:
			httputil.InternalServerError(w, err.Error())
		default:
			opsf("fault state reset by %s", r.RemoteAddr)
			httputil.WriteJSONOK(w, map[string]string{"status": "reset"})
		}
	})

	debug.HandleSilentFunc("wheel-estop", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodPost) {
			return
		}
		if release, _ := strconv.ParseBool(r.FormValue("clear")); release {
			deps.Engine.ClearEmergencyStop()
			opsf("emergency stop cleared by %s", r.RemoteAddr)
		} else {
			deps.Engine.EmergencyStop()
			opsf("emergency stop latched by %s", r.RemoteAddr)
		}
		httputil.WriteJSONOK(w, map[string]bool{"emergency_stop": deps.Engine.EmergencyStopped()})
	})
}

// submitHardware forwards the temperature, current, interlock and
// usb_timeout form values present on r.
func submitHardware(hw HardwareReporter, r *http.Request) (int, error) {
	if err := r.ParseForm(); err != nil {
		return 0, err
	}
	accepted := 0
	count := func(ok bool) {
		if ok {
			accepted++
		}
	}
	for _, f := range []struct {
		key    string
		report func(float64) bool
	}{
		{"temperature", hw.ReportTemperature},
		{"current", hw.ReportCurrent},
	} {
		s := r.Form.Get(f.key)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return accepted, errors.New("invalid " + f.key + ": must be a finite number")
		}
		count(f.report(v))
	}
	if on, _ := strconv.ParseBool(r.Form.Get("interlock")); on {
		count(hw.ReportInterlockViolation())
	}
	if on, _ := strconv.ParseBool(r.Form.Get("usb_timeout")); on {
		count(hw.ReportUSBTimeout())
	}
	return accepted, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid " + key + ": must be a positive integer")
	}
	return n, nil
}
