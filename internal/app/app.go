// Package app provides combatlogd's top-level orchestration: loading
// configuration, wiring the parsing session to the columnar
// materializer and the overlay bridge, and exposing the HTTP surface.
//
// The App struct and its New/Start/Stop/Run lifecycle follow the
// teacher's internal/app/app.go shape (a root context+cancel,
// a WaitGroup for the background HTTP goroutine, one struct field per
// owned component), condensed from the teacher's dozen-component
// orchestration (monitors, dispatcher, sinks, disk buffer, security,
// SLO, service discovery, hot reload) down to this service's three:
// the parsing session, the columnar materializer, and tracing.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"combatlog/internal/config"
	"combatlog/internal/httpapi"
	"combatlog/internal/tracing"
	"combatlog/pkg/columnar"
	"combatlog/pkg/interner"
	"combatlog/pkg/metricagg"
	"combatlog/pkg/service"
)

// App coordinates the parsing session, the columnar materializer, and
// the HTTP server across the process lifetime.
type App struct {
	config *config.Config
	logger *logrus.Logger

	interner     *interner.Interner
	materializer *columnar.Materializer
	session      *service.ParsingSession
	tracer       *tracing.Manager

	httpServer *http.Server

	ctx        context.Context
	cancel     context.CancelFunc
	configFile string
	startTime  time.Time
	wg         sync.WaitGroup
}

// New loads configFile, validates it, and wires every component. It
// does not start the parsing session or HTTP server; call Start or Run
// for that.
func New(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		config:     cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		configFile: configFile,
		startTime:  time.Now(),
	}

	if err := app.initComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("initialize components: %w", err)
	}

	return app, nil
}

// initComponents builds the interner, columnar materializer, parsing
// session, tracer, and HTTP server in dependency order, mirroring the
// teacher's initializeComponents phase sequence.
func (app *App) initComponents() error {
	app.interner = interner.New()

	mat, err := columnar.New(columnar.Config{
		Backend:   app.config.Columnar.Backend,
		Directory: app.config.Columnar.Directory,
		Bucket:    app.config.Columnar.Bucket,
		Prefix:    app.config.Columnar.Prefix,
		Region:    app.config.Columnar.Region,
	}, app.interner)
	if err != nil {
		return fmt.Errorf("init columnar materializer: %w", err)
	}
	app.materializer = mat

	session, err := service.New(service.Config{
		LogDirectory:  app.config.LogDirectory,
		OverlayTickHz: app.config.OverlayTickHz,
		TopN:          app.config.TopN,
		MetricView:    metricagg.MetricDPS,
		LocalPlayer:   app.config.ActiveCharacter,
	}, app.interner, app.materializer, app.logger)
	if err != nil {
		return fmt.Errorf("init parsing session: %w", err)
	}
	app.session = session

	tracer, err := tracing.New(tracing.Config{
		Endpoint:       app.config.Tracing.Endpoint,
		ServiceName:    app.config.App.Name,
		ServiceVersion: app.config.App.Version,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	app.tracer = tracer
	app.session.SetTracer(tracer)

	if app.config.Server.Enabled {
		router := httpapi.NewRouter(httpapi.Dependencies{
			Session:    app.session,
			AppName:    app.config.App.Name,
			AppVersion: app.config.App.Version,
			StartTime:  app.startTime,
			Tracer:     app.tracer,
		})
		app.httpServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
			Handler: router,
		}
	}

	return nil
}

// Start runs the parsing session's command loop and, if configured,
// begins serving HTTP in a background goroutine, after issuing an
// initial CommandRefreshIndex; the session's refresh starts tailing the
// newest combat log when nothing is tailed yet, so the daemon begins
// without operator input.
func (app *App) Start() error {
	app.logger.Info("starting combatlogd")

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.session.Run(app.ctx)
	}()

	app.session.Commands() <- service.Command{Kind: service.CommandRefreshIndex}

	if app.httpServer != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.logger.WithField("addr", app.httpServer.Addr).Info("starting HTTP server")
			if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.logger.WithError(err).Error("HTTP server error")
			}
		}()
	}

	app.logger.Info("combatlogd started")
	return nil
}

// Stop performs graceful shutdown: the HTTP server is given a bounded
// window to finish in-flight requests, the parsing session is told to
// shut down, the tracer is flushed, and Stop blocks until every
// background goroutine this App started has returned.
func (app *App) Stop() error {
	app.logger.Info("stopping combatlogd")

	if app.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
			app.logger.WithError(err).Error("HTTP server shutdown error")
		}
	}

	app.session.Commands() <- service.Command{Kind: service.CommandShutdown}
	app.cancel()

	if app.tracer != nil {
		traceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.tracer.Shutdown(traceCtx); err != nil {
			app.logger.WithError(err).Error("tracer shutdown error")
		}
	}

	app.wg.Wait()
	app.logger.Info("combatlogd stopped")
	return nil
}

// Run starts the app and blocks until SIGINT/SIGTERM, then performs a
// graceful Stop, the same daemon-mode entry point as the teacher's
// App.Run.
func (app *App) Run() error {
	if err := app.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	app.logger.Info("shutdown signal received")

	return app.Stop()
}

// Session exposes the parsing session this App drives.
func (app *App) Session() *service.ParsingSession { return app.session }
