// Command wheelcore runs the force-feedback control loop against a wheel base
// on a serial port and serves metrics and debug pages over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/banshee-data/wheelcore/internal/config"
	"github.com/banshee-data/wheelcore/internal/device"
	"github.com/banshee-data/wheelcore/internal/engine"
	"github.com/banshee-data/wheelcore/internal/fmea"
	"github.com/banshee-data/wheelcore/internal/health"
	"github.com/banshee-data/wheelcore/internal/incident"
	"github.com/banshee-data/wheelcore/internal/monitoring"
	"github.com/banshee-data/wheelcore/internal/pipeline"
	"github.com/banshee-data/wheelcore/internal/scheduler"
	"github.com/banshee-data/wheelcore/internal/telemetry"
	"github.com/banshee-data/wheelcore/internal/timeutil"
	"github.com/banshee-data/wheelcore/internal/version"
	"github.com/banshee-data/wheelcore/internal/watchdog"
)

var (
	configPath    = flag.String("config", "", "Path to a JSON config file (built-in defaults when empty)")
	listen        = flag.String("listen", "", "Listen address, overrides the config")
	dbPath        = flag.String("db", "", "Incident database path, overrides the config")
	devicePath    = flag.String("device", "", "Serial device path, overrides the config")
	telemetryAddr = flag.String("telemetry", "", "gRPC telemetry listen address, overrides the config")
	devMode       = flag.Bool("dev", false, "Use a loopback device and a synthetic force signal")
	traceLog      = flag.Bool("trace", false, "Enable the per-tick trace log stream")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

const shutdownTimeout = 5 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *traceLog {
		monitoring.SetLogWriters(os.Stderr, os.Stderr, os.Stderr)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg, overrides{
		listen:    *listen,
		db:        *dbPath,
		device:    *devicePath,
		telemetry: *telemetryAddr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("starting %s", version.String())
	if err := run(ctx, cfg, *devMode, nil); err != nil {
		log.Fatalf("wheelcore: %v", err)
	}
	log.Print("shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// overrides are the command-line values that replace config file settings.
type overrides struct {
	listen, db, device, telemetry string
}

// applyFlags lets non-empty command-line values win over the config file.
func applyFlags(cfg *config.Config, o overrides) {
	if o.listen != "" {
		cfg.Listen = &o.listen
	}
	if o.db != "" {
		cfg.DBPath = &o.db
	}
	if o.device != "" {
		cfg.DevicePath = &o.device
	}
	if o.telemetry != "" {
		cfg.TelemetryListen = &o.telemetry
	}
}

// run builds every component and blocks until ctx is done or one of them
// fails. When ready is non-nil it receives the HTTP listener address once
// the server is accepting connections.
func run(ctx context.Context, cfg *config.Config, dev bool, ready chan<- string) error {
	clock := timeutil.RealClock{}

	thresholds, err := cfg.Thresholds()
	if err != nil {
		return err
	}
	p, err := pipeline.Compile(cfg.FilterConfig())
	if err != nil {
		return fmt.Errorf("failed to compile filter pipeline: %w", err)
	}
	wd, err := watchdog.New(cfg.WatchdogConfig(), clock)
	if err != nil {
		return fmt.Errorf("failed to create watchdog: %w", err)
	}
	sched := scheduler.New(cfg.SchedulerConfig(), clock, scheduler.PlatformSleep{})
	input := engine.NewAtomicInput()

	sink, err := openSink(ctx, cfg, dev)
	if err != nil {
		return err
	}
	defer sink.Close()

	store, err := incident.Open(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to open incident store: %w", err)
	}
	defer store.Close()

	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Scheduler: sched,
		Publisher: pipeline.NewPublisher(p),
		Watchdog:  wd,
		Input:     input,
		Sink:      sink,
		Clock:     clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	steps := engine.NewSteps(eng)
	sink.RegisterSteps(steps)
	driver := fmea.NewDriver(steps, wd, store, clock)
	sup := engine.NewSupervisor(eng, fmea.NewSystem(thresholds, clock), driver, wd, clock, cfg.GetSupervisorInterval())
	sup.RegisterSteps(steps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", health.Handler(health.NewRegistry(sup)))
	health.AttachAdminRoutes(mux, health.AdminDeps{
		Controller: sup,
		Engine:     eng,
		Pipeline:   eng.Publisher(),
		Incidents:  store,
		Device:     sink,
		Hardware:   sup,
	})
	if err := store.AttachAdminRoutes(mux); err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", cfg.GetListen())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GetListen(), err)
	}
	log.Printf("serving metrics and /debug/ on %s", ln.Addr())

	var tln net.Listener
	if addr := cfg.GetTelemetryListen(); addr != "" {
		tln, err = net.Listen("tcp", addr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		log.Printf("serving telemetry on %s", tln.Addr())
	}
	if ready != nil {
		ready <- ln.Addr().String()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return sink.Run(gctx) })
	g.Go(func() error { return eng.Blackbox().Run(gctx, cfg.GetBlackboxFlush()) })
	if dev {
		g.Go(func() error { return synthesize(gctx, input, cfg.GetTickPeriod()) })
	}
	if tln != nil {
		gs := grpc.NewServer()
		telemetry.Register(gs, telemetry.NewServer(sup))
		g.Go(func() error { return gs.Serve(tln) })
		g.Go(func() error {
			<-gctx.Done()
			gs.Stop()
			return nil
		})
	}
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openSink(ctx context.Context, cfg *config.Config, dev bool) (*device.SerialSink, error) {
	if dev {
		port := device.NewLoopbackPort()
		sink := device.NewSerialSink("loopback", cfg.PortOptions(), port.Opener(), cfg.GetMaxTorque())
		if err := sink.Reconnect(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	}
	sink, err := device.OpenSerialSink(cfg.GetDevicePath(), cfg.PortOptions(), cfg.GetMaxTorque())
	if err != nil {
		return nil, fmt.Errorf("failed to open wheel base: %w", err)
	}
	return sink, nil
}

// synthesize feeds a slow sine force and a matching wheel speed into input
// for development without a game attached.
func synthesize(ctx context.Context, input *engine.AtomicInput, period time.Duration) error {
	const (
		amplitude = 0.4
		hz        = 0.5
	)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			phase := 2 * math.Pi * hz * now.Sub(start).Seconds()
			input.Store(amplitude*math.Sin(phase), amplitude*2*math.Pi*hz*math.Cos(phase))
		}
	}
}
