package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"HTTPCaptureBox/src/analysis"
	"HTTPCaptureBox/src/capture"
	"HTTPCaptureBox/src/certs"
	"HTTPCaptureBox/src/config"
	"HTTPCaptureBox/src/control"
	"HTTPCaptureBox/src/export"
	"HTTPCaptureBox/src/observability"
	"HTTPCaptureBox/src/oscmd"
	"HTTPCaptureBox/src/sysproxy"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to YAML configuration file")
		listen     = flag.String("listen", "", "control API address (default 127.0.0.1:9090)")
		proxyHost  = flag.String("proxy-host", "", "capture proxy bind host")
		proxyPort  = flag.Int("proxy-port", 0, "capture proxy port (0 keeps the configured value)")
		dataDir    = flag.String("data-dir", "", "directory for the CA and spilled bodies")
		maxEntries = flag.Int("max-entries", 0, "ring capacity for captured exchanges")
		targets    = flag.String("targets", "", "comma-separated hosts to capture (empty = all)")
		noBodies   = flag.Bool("no-bodies", false, "record metadata only")
		autoStart  = flag.Bool("autostart", false, "start capturing immediately")
		logLevel   = flag.String("log-level", "", "debug, info, warn or error")
		persist    = flag.String("persist", "", "snapshot file for captured exchanges (empty = none)")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s %s (%s)\n", observability.Name, observability.Version, observability.Commit)
		return
	}

	cfg, err := config.Load(*configFile, config.CLIOptions{
		Listen:     *listen,
		ProxyHost:  *proxyHost,
		ProxyPort:  *proxyPort,
		DataDir:    *dataDir,
		MaxEntries: *maxEntries,
		Targets:    *targets,
		NoBodies:   *noBodies,
		AutoStart:  *autoStart,
		LogLevel:   *logLevel,
		Persist:    *persist,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := observability.NewLogger(cfg.LogLevel).With().
		Str("service", observability.Name).
		Str("version", observability.Version).
		Logger()

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("exited with error")
	}
}

// app is the wired process: recorder, session, API and persistence.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	rec      *capture.Recorder
	session  *control.Session
	registry *analysis.Registry
	broker   *eventBroker
	api      *apiServer
	persist  *persister
}

func newApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.BodiesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	metrics := observability.NewMetrics()
	registry := analysis.NewDefaultRegistry()
	broker := newEventBroker()

	rec := capture.NewRecorder(capture.Options{
		MaxEntries:   cfg.Capture.MaxEntries,
		KeepBodies:   cfg.Capture.KeepBodies,
		Targets:      cfg.Capture.Targets,
		BodiesDir:    cfg.BodiesDir(),
		InlineLimit:  cfg.Capture.InlineLimit,
		MaxBodyBytes: cfg.Capture.MaxBodyBytes,
		Workers:      cfg.Capture.FinalizeWorkers,
		QueueSize:    cfg.Capture.FinalizeQueue,
		Logger:       log,
		Metrics:      metrics,
		OnFinalized: func(e capture.Exchange) {
			registry.OnExchange(e)
			broker.publish(control.ExchangeEvent(e))
		},
	})

	runner := oscmd.NewExecRunner(cfg.System.CommandTimeout)
	session := control.New(control.Options{
		Config:   cfg,
		Recorder: rec,
		Certs: certs.NewManager(certs.Options{
			CADir:   cfg.CADir(),
			Subject: cfg.System.CASubject,
			Runner:  runner,
			Logger:  log,
			Metrics: metrics,
		}),
		SysProxy: sysproxy.NewController(sysproxy.ForOS(runtime.GOOS, runner), log, metrics),
		Replayer: export.NewReplayer(export.ReplayerOptions{
			Timeout:  cfg.Replay.Timeout,
			Insecure: cfg.Replay.Insecure,
			Logger:   log,
		}),
		Logger: log,
		OnEvent: func(ev control.Event) {
			if ev.Type == control.EventCleared {
				registry.Reset()
			}
			broker.publish(ev)
		},
	})

	a := &app{
		cfg:      cfg,
		log:      log,
		rec:      rec,
		session:  session,
		registry: registry,
		broker:   broker,
		api:      &apiServer{session: session, broker: broker, analysis: registry, metrics: metrics, log: log},
	}
	if cfg.Persist.File != "" {
		a.persist = &persister{path: cfg.Persist.File, interval: cfg.Persist.Interval, rec: rec, log: log}
		if a.persist.restore() > 0 {
			for _, e := range rec.Exchanges(nil) {
				registry.OnExchange(e)
			}
		}
	}
	return a, nil
}

// run serves the control API until ctx is cancelled, then stops the session,
// writes the final snapshot and drains the finalizer.
func (a *app) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.API.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.API.Listen, err)
	}
	srv := &http.Server{Handler: a.api.routes(), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	a.log.Info().Str("addr", ln.Addr().String()).Msg("control API listening")

	if a.cfg.Proxy.AutoStart {
		if port, err := a.session.Start(ctx, control.StartOptions{}); err != nil {
			a.log.Error().Err(err).Msg("autostart failed")
		} else {
			a.log.Info().Int("port", port).Msg("capture autostarted")
		}
	}

	persistCtx, cancelPersist := context.WithCancel(ctx)
	defer cancelPersist()
	persistDone := make(chan struct{})
	if a.persist != nil {
		go func() {
			defer close(persistDone)
			a.persist.run(persistCtx)
		}()
	} else {
		close(persistDone)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.session.Stop(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("session stop")
	}
	a.broker.closeAll()
	_ = srv.Shutdown(shutdownCtx)
	cancelPersist()
	<-persistDone
	if a.persist != nil {
		a.persist.save()
	}
	a.rec.Close()
	return runErr
}
