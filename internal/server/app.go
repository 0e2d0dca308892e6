// Package server builds the long-lived service dependencies and runs the HTTP
// server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/remote-progress-relay/internal/api"
	"github.com/JakeFAU/remote-progress-relay/internal/clock/system"
	"github.com/JakeFAU/remote-progress-relay/internal/config"
	"github.com/JakeFAU/remote-progress-relay/internal/id/uuid"
	"github.com/JakeFAU/remote-progress-relay/internal/logging"
	"github.com/JakeFAU/remote-progress-relay/internal/metrics"
	"github.com/JakeFAU/remote-progress-relay/internal/operation"
	memorypublisher "github.com/JakeFAU/remote-progress-relay/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/remote-progress-relay/internal/publisher/pubsub"
	"github.com/JakeFAU/remote-progress-relay/internal/remoteprogress"
	"github.com/JakeFAU/remote-progress-relay/internal/schedule"
	"github.com/JakeFAU/remote-progress-relay/internal/simulate"
	blobstorage "github.com/JakeFAU/remote-progress-relay/internal/storage"
	gcsstorage "github.com/JakeFAU/remote-progress-relay/internal/storage/gcs"
	localstorage "github.com/JakeFAU/remote-progress-relay/internal/storage/local"
	memorystorage "github.com/JakeFAU/remote-progress-relay/internal/storage/memory"
	pgstore "github.com/JakeFAU/remote-progress-relay/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/remote-progress-relay/internal/storage/sqlite"
	"github.com/JakeFAU/remote-progress-relay/internal/store"
	"github.com/JakeFAU/remote-progress-relay/internal/telemetry"
)

const tracingShutdownTimeout = 5 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	tracing  *telemetry.Tracing

	repo      store.OperationRepository
	pgStore   *pgstore.OperationStore
	sqlite    *sqlitestore.OperationStore
	blobs     blobstorage.BlobStore
	gcs       *storage.Client
	publisher operation.Publisher
	psClient  *pubsub.Client
	psPub     *gcppublisher.Publisher

	manager   *operation.Manager
	launcher  simulate.Driver
	scheduler *schedule.Scheduler
	apiServer *api.Server
}

// Build creates the application's dependencies. A nil logger is built from
// cfg.Logging.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	app := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	var observer remoteprogress.Observer
	var httpMetrics *metrics.HTTPMetrics
	if cfg.Metrics.Enabled {
		app.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector, err := metrics.NewRelayCollector(app.registry)
		if err != nil {
			return nil, fmt.Errorf("metrics init failed: %w", err)
		}
		observer = collector
		httpMetrics = metrics.NewHTTPMetrics(app.registry)
	}

	if cfg.Tracing.Enabled {
		tracing, err := telemetry.InitTracerProvider(ctx, cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("tracing init failed: %w", err)
		}
		app.tracing = tracing
	}

	if err := app.setupStorage(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if err := app.setupDatabase(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	// Completion events go out only through a real Pub/Sub topic.
	topic := ""
	if app.psPub != nil {
		topic = cfg.PubSub.TopicName
	}
	manager, err := operation.NewManager(operation.Config{
		Pace:          cfg.RelayPace(),
		InboundBuffer: cfg.Relay.InboundBuffer,
		Topic:         topic,
		ReportPrefix:  cfg.Storage.Prefix,
		Retain:        cfg.RelayRetain(),
		MaxFinished:   cfg.Relay.MaxFinished,
	}, operation.Deps{
		Repo:      app.repo,
		Blobs:     app.blobs,
		Publisher: app.publisher,
		Observer:  observer,
		Clock:     system.New(),
		IDs:       uuid.New(),
		Logger:    logger.Named("operation"),
	})
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("operation manager init failed: %w", err)
	}
	app.manager = manager
	app.launcher = simulate.Driver{
		Manager: manager,
		Backend: simulate.Backend{
			Objects:   uint64(cfg.Simulate.Objects),
			Deltas:    uint64(max(cfg.Simulate.Deltas, 0)),
			StepDelay: cfg.StepDelay(),
			Ref:       cfg.Simulate.Ref,
		},
		Logger: logger.Named("simulate"),
	}
	if len(cfg.Schedule.Jobs) > 0 {
		jobs := make([]schedule.Job, 0, len(cfg.Schedule.Jobs))
		for _, j := range cfg.Schedule.Jobs {
			jobs = append(jobs, schedule.Job{Spec: j.Spec, Kind: store.Kind(j.Kind), Remote: j.Remote})
		}
		app.scheduler, err = schedule.New(app.launcher, jobs, logger.Named("schedule"))
		if err != nil {
			_ = manager.Shutdown(ctx)
			app.closeInfrastructure()
			return nil, fmt.Errorf("scheduler init failed: %w", err)
		}
	}
	app.apiServer = api.NewServer(api.Options{
		Manager:        manager,
		Launcher:       app.launcher,
		Repo:           app.repo,
		HTTPMetrics:    httpMetrics,
		Gatherer:       app.registry,
		Logger:         logger.Named("api"),
		RequestTimeout: cfg.RequestTimeout(),
	})
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Manager returns the operation manager.
func (a *App) Manager() *operation.Manager {
	return a.manager
}

// Launcher returns the simulated transfer driver.
func (a *App) Launcher() simulate.Driver {
	return a.launcher
}

// Scheduler returns the recurring-operation scheduler, or nil when no jobs
// are configured.
func (a *App) Scheduler() *schedule.Scheduler {
	return a.scheduler
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server and blocks until ctx is canceled or a signal
// arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if a.scheduler != nil {
		a.scheduler.Start()
		a.logger.Info("scheduler started", zap.Int("jobs", a.scheduler.Len()))
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close cancels live operations, waits for them to be finalized, and releases
// infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.scheduler != nil {
		if stopErr := a.scheduler.Stop(ctx); stopErr != nil {
			a.logger.Warn("scheduler stop incomplete", zap.Error(stopErr))
			err = stopErr
		}
	}
	if a.manager != nil {
		if shutdownErr := a.manager.Shutdown(ctx); shutdownErr != nil {
			a.logger.Warn("operation manager shutdown incomplete", zap.Error(shutdownErr))
			err = shutdownErr
		}
	}
	a.closeInfrastructure()
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure() {
	if a.psPub != nil {
		a.psPub.Stop()
	}
	if a.psClient != nil {
		if err := a.psClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("sqlite close failed", zap.Error(err))
		}
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
		defer cancel()
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
		a.tracing = nil
	}
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		a.blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS report archive", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case config.StorageLocal:
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = local
		a.logger.Info("using local report archive", zap.String("path", a.cfg.Storage.LocalDir))
	case config.StorageMemory:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory report archive")
	default:
		a.blobs = blobstorage.NoOpStore{}
		a.logger.Info("report archive disabled")
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" && a.cfg.DB.SQLitePath != "" {
		db, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: a.cfg.DB.SQLitePath, Table: a.cfg.DB.Table})
		if err != nil {
			return fmt.Errorf("sqlite operation store init failed: %w", err)
		}
		a.sqlite = db
		a.repo = db
		a.logger.Info("sqlite operation store initialized", zap.String("path", a.cfg.DB.SQLitePath))
		return nil
	}
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified, keeping operation records in memory")
		a.repo = memorystorage.NewOperationStore()
		return nil
	}
	pg, err := pgstore.NewOperationStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: int32(min(max(a.cfg.DB.MaxConns, 0), 1<<16)),
	})
	if err != nil {
		return fmt.Errorf("operation store init failed: %w", err)
	}
	a.pgStore = pg
	a.repo = pg
	a.logger.Info("operation store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, completion events are not published")
		a.publisher = memorypublisher.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.psClient = client
	a.psPub = gcppublisher.New(client)
	a.publisher = a.psPub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}
