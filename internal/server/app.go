// Package server builds the harvester's dependency graph and runs it.
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
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/rdf-harvester/internal/api"
	"github.com/JakeFAU/rdf-harvester/internal/clock/system"
	"github.com/JakeFAU/rdf-harvester/internal/config"
	"github.com/JakeFAU/rdf-harvester/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/rdf-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/inflight"
	"github.com/JakeFAU/rdf-harvester/internal/metrics"
	"github.com/JakeFAU/rdf-harvester/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/rdf-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/rdf-harvester/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/rdf-harvester/internal/queue/memory"
	"github.com/JakeFAU/rdf-harvester/internal/rdfsource"
	gcsstorage "github.com/JakeFAU/rdf-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/rdf-harvester/internal/storage/local"
	memoryStorage "github.com/JakeFAU/rdf-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/rdf-harvester/internal/storage/postgres"
	"github.com/JakeFAU/rdf-harvester/internal/worker"
)

// App contains the application's dependencies. Stores are opened by Open;
// the worker pool, outbound clients and HTTP server only by Serve.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock

	pool     *pgxpool.Pool
	inflight *inflight.Set

	Registry   *pgstore.SourceRegistry
	History    *pgstore.HistoryStore
	Urgent     harvest.UrgentQueue
	Persisters *pgstore.PersisterFactory
	Recovery   *pgstore.Recovery
	Reaper     *pgstore.Reaper

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
}

// Open connects to Postgres, applies the schema and builds the stores.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("opening application",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("workers", cfg.Harvester.Workers),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
	)
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime(),
	})
	if err != nil {
		return nil, fmt.Errorf("postgres pool init failed: %w", err)
	}
	app, err := newApp(ctx, cfg, logger, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	app.pool = pool
	return app, nil
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, db pgstore.DB) (*App, error) {
	if err := pgstore.Migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	app := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    system.New(),
		inflight: inflight.New(),
	}
	var err error
	if app.Registry, err = pgstore.NewSourceRegistry(db, app.clock, cfg.Harvester.UnavailableThreshold); err != nil {
		return nil, fmt.Errorf("source registry init failed: %w", err)
	}
	if app.History, err = pgstore.NewHistoryStore(db, app.clock); err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}
	if app.Urgent, err = setupUrgentQueue(cfg, db, app.clock); err != nil {
		return nil, err
	}
	var deriver pgstore.Deriver
	if cfg.Harvester.DeriveInferred {
		deriver = pgstore.SQLDeriver{
			SourceClass:    cfg.Harvester.SourceClass,
			SourceInterval: cfg.Harvester.SourceIntervalMinutes,
		}
	}
	app.Persisters, err = pgstore.NewPersisterFactory(db, app.inflight, deriver, cfg.Harvester.FlushSize, logger)
	if err != nil {
		return nil, fmt.Errorf("persister init failed: %w", err)
	}
	if app.Recovery, err = pgstore.NewRecovery(db, app.inflight, logger); err != nil {
		return nil, fmt.Errorf("recovery init failed: %w", err)
	}
	if app.Reaper, err = pgstore.NewReaper(db, app.inflight, logger); err != nil {
		return nil, fmt.Errorf("reaper init failed: %w", err)
	}
	return app, nil
}

func setupUrgentQueue(cfg config.Config, db pgstore.DB, clock harvest.Clock) (harvest.UrgentQueue, error) {
	if cfg.Queue.Backend == config.QueueMemory {
		return queueMemory.NewUrgentQueue(clock), nil
	}
	q, err := pgstore.NewUrgentQueue(db, clock)
	if err != nil {
		return nil, fmt.Errorf("urgent queue init failed: %w", err)
	}
	return q, nil
}

// Serve recovers unfinished harvests, then runs the workers, the dispatcher
// loops and the HTTP API until SIGINT/SIGTERM or ctx cancellation.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := a.Recovery.RecoverUnfinishedHarvests(ctx)
	if err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}
	a.logger.Info("crash recovery finished",
		zap.Int("found", report.Found),
		zap.Int("recovered", report.Recovered),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)

	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	queue := queueMemory.NewQueue(a.cfg.Queue.Capacity)
	defer queue.Close()
	dispatch := a.setupDispatcher(queue, archive, publisher)

	apiDeps := api.Deps{Registry: a.Registry, History: a.History, Urgent: a.Urgent}
	if a.pool != nil {
		apiDeps.Ready = a.pool
	}
	apiServer := api.NewServer(apiDeps, a.cfg, a.logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started")
		dispatch.Run(ctx)
	}()

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before the shutdown deadline")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (harvest.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS archive backend", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return store, nil
	case config.ArchiveLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local archive backend", zap.String("path", a.cfg.Archive.BaseDir))
		return store, nil
	case config.ArchiveMemory:
		a.logger.Info("using in-memory archive backend")
		return memoryStorage.NewBlobStore(), nil
	default:
		a.logger.Info("document archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (harvest.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(1024), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = gcppublisher.New(a.pubsubClient.Topic(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupDispatcher(queue harvest.Queue, archive harvest.BlobStore, publisher harvest.Publisher) *dispatcher.Dispatcher {
	h := a.cfg.Harvester
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     h.UserAgent,
		RespectRobots: h.RespectRobots,
		Timeout:       h.FetchTimeout(),
		MaxBodySize:   h.MaxBodyBytes,
		Limiter:       ratelimit.New(ratelimit.Config{RPS: h.HostRPS, Burst: h.HostBurst}),
	})
	pending := inflight.New()
	workerCfg := worker.Config{
		ArchivePrefix:  a.cfg.Archive.Prefix,
		Topic:          a.cfg.PubSub.TopicName,
		DeriveInferred: h.DeriveInferred,
		HarvestTimeout: h.HarvestTimeout(),
	}
	a.logger.Info("worker config",
		zap.String("archive_prefix", workerCfg.ArchivePrefix),
		zap.String("topic", workerCfg.Topic),
		zap.Bool("derive_inferred", workerCfg.DeriveInferred),
		zap.Duration("harvest_timeout", workerCfg.HarvestTimeout),
		zap.String("user_agent", h.UserAgent),
	)
	deps := worker.Deps{
		Queue:      queue,
		Registry:   a.Registry,
		History:    a.History,
		Persisters: a.Persisters,
		Fetcher:    fetcher,
		Decoder:    rdfsource.New(),
		Archive:    archive,
		Publisher:  publisher,
		Recoverer:  a.Recovery,
		Urgent:     a.Urgent,
		Pending:    pending,
		Busy:       a.inflight,
		Clock:      a.clock,
		Gens:       a.clock,
	}
	workers := make([]*worker.Worker, 0, h.Workers)
	for i := 0; i < h.Workers; i++ {
		workers = append(workers, worker.New(deps, workerCfg, a.logger.With(zap.Int("index", i))))
	}
	metrics.Init()
	return dispatcher.New(dispatcher.Deps{
		Queue:    queue,
		Registry: a.Registry,
		Urgent:   a.Urgent,
		Reaper:   a.Reaper,
		History:  a.History,
		Pending:  pending,
		Busy:     a.inflight,
		Clock:    a.clock,
	}, dispatcher.Config{
		ScheduleInterval:     h.ScheduleInterval(),
		ScheduleBatchLimit:   h.ScheduleBatchLimit,
		UrgentPollInterval:   h.UrgentPollInterval(),
		ReapInterval:         h.ReapInterval(),
		HistoryPruneInterval: h.HistoryPruneInterval(),
		HistoryKeep:          h.HistoryKeep,
	}, workers, a.logger)
}

// Close releases outbound clients and the pool.
func (a *App) Close() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// Recover runs one crash-recovery pass.
func (a *App) Recover(ctx context.Context) (harvest.RecoveryReport, error) {
	report, err := a.Recovery.RecoverUnfinishedHarvests(ctx)
	if err != nil {
		return harvest.RecoveryReport{}, fmt.Errorf("recover unfinished harvests: %w", err)
	}
	return report, nil
}

// Reap runs one reaper pass over sources queued for deletion.
func (a *App) Reap(ctx context.Context) (harvest.ReapReport, error) {
	report, err := a.Reaper.ReapQueued(ctx)
	if err != nil {
		return harvest.ReapReport{}, fmt.Errorf("reap queued sources: %w", err)
	}
	return report, nil
}

// Register adds or re-activates a harvest source.
func (a *App) Register(ctx context.Context, src harvest.Source) (int64, error) {
	id, err := a.Registry.AddSource(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("add source: %w", err)
	}
	return id, nil
}

// Push queues inline content for an urgent push harvest of url.
func (a *App) Push(ctx context.Context, url, content string) error {
	if err := a.Urgent.EnqueuePush(ctx, url, content); err != nil {
		return fmt.Errorf("enqueue push: %w", err)
	}
	return nil
}
