package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"tierstore/internal/backend"
	"tierstore/internal/chunks"
	"tierstore/internal/config"
	"tierstore/internal/convert"
	"tierstore/internal/database"
	"tierstore/internal/denylist"
	"tierstore/internal/encryption"
	"tierstore/internal/httpapi"
	"tierstore/internal/metrics"
	"tierstore/internal/stream"
	"tierstore/internal/tierstore"
	"tierstore/internal/workers"
)

// App is the application layer between the CLI and the coordinator.
// It constructs all dependencies from config, runs the HTTP server and the
// background jobs, and releases everything on Close.
type App struct {
	cfg     *config.Config
	clock   tierstore.Clock
	log     tierstore.Logger
	logFile *os.File

	records   database.Store
	coord     *tierstore.Coordinator
	chunkPool *workers.Pool
	filePool  *workers.Pool
	rdb       *redis.Client
	registry  *prometheus.Registry
	handler   http.Handler
}

// New creates a fully wired App from the given config. The caller must
// call Close when done.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, logFile, err := newLogger(cfg.LogDir, cfg.InstanceID, slog.LevelInfo)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &App{
		cfg:     cfg,
		clock:   tierstore.RealClock{},
		log:     component(logger, "app"),
		logFile: logFile,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.records, err = database.NewStoreFromConfig(ctx, cfg.Database, cfg.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := a.records.CheckMigrations(ctx); err != nil {
		return nil, fmt.Errorf("database schema out of date, run tierstore migrate: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector())
	a.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	enc, dec, err := unlockEncryption(cfg.Encryption)
	if err != nil {
		return nil, err
	}

	deps := backend.Deps{
		Inline:    a.records,
		InlineMax: cfg.Tiers.DatabaseMax,
		Clock:     a.clock,
		Logger:    component(logger, "backend"),
		Encryptor: enc,
		Decryptor: dec,
		ReadSpan:  cfg.Streaming.RemoteMaxSpan,
	}
	var backends []tierstore.Backend
	for _, tb := range []struct {
		tier tierstore.Tier
		cfg  config.BackendConfig
	}{
		{tierstore.TierDatabase, cfg.Backends.Database},
		{tierstore.TierFilesystem, cfg.Backends.Filesystem},
		{tierstore.TierRemote, cfg.Backends.Remote},
	} {
		b, err := backend.NewBackendFromConfig(ctx, tb.tier, tb.cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("creating %s backend: %w", tb.tier, err)
		}
		backends = append(backends, b)
	}

	router, err := tierstore.NewRouter(tierstore.Thresholds{
		DatabaseMax:   cfg.Tiers.DatabaseMax,
		FilesystemMax: cfg.Tiers.FilesystemMax,
	}, backends, a.clock, tierstore.UUIDGenerator{})
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}

	cs, err := chunks.NewStore(cfg.Chunks.Root, a.clock, component(logger, "chunks"))
	if err != nil {
		return nil, fmt.Errorf("creating chunk store: %w", err)
	}

	if a.chunkPool, err = newPool("chunk", cfg.Pools.Chunk, m); err != nil {
		return nil, err
	}
	if a.filePool, err = newPool("file", cfg.Pools.File, m); err != nil {
		return nil, err
	}

	if cfg.Cache.Type == "redis" {
		if a.rdb, err = NewRedisClient(ctx, cfg.Cache); err != nil {
			return nil, err
		}
	}

	var cache convert.Cache
	if cfg.Converter.Type != "none" {
		if cache, err = convert.NewCacheFromConfig(cfg.Cache, cfg.Converter, a.rdb); err != nil {
			return nil, fmt.Errorf("creating conversion cache: %w", err)
		}
	}
	conv, err := convert.NewConverterFromConfig(cfg.Converter, cache, m, component(logger, "convert"))
	if err != nil {
		return nil, fmt.Errorf("creating converter: %w", err)
	}

	tokens, err := denylist.NewStoreFromConfig(cfg.Cache, cfg.Denylist, a.rdb, a.clock)
	if err != nil {
		return nil, fmt.Errorf("creating token denylist: %w", err)
	}

	a.coord, err = tierstore.NewCoordinator(tierstore.CoordinatorDeps{
		Router:    router,
		Records:   a.records,
		Chunks:    cs,
		ChunkPool: a.chunkPool,
		FilePool:  a.filePool,
		Converter: conv,
		Metrics:   m,
		Logger:    component(logger, "coordinator"),
	}, tierstore.CoordinatorConfig{
		UploadTimeout:  cfg.Uploads.UploadTimeout.Std(),
		BatchTimeout:   cfg.Uploads.BatchTimeout.Std(),
		MergeTimeout:   cfg.Uploads.MergeTimeout.Std(),
		ChunkTTL:       cfg.Chunks.TTL.Std(),
		ReconcileGrace: cfg.Reconcile.Grace.Std(),
		ReadSpan:       cfg.Streaming.RemoteMaxSpan,
		MaxConvertSize: cfg.Converter.MaxSourceSize,
	})
	if err != nil {
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}

	a.handler = httpapi.NewServer(httpapi.Deps{
		Coordinator: a.coord,
		Streamer:    stream.NewStreamer(cfg.Streaming, component(logger, "stream")),
		Denylist:    tokens,
		Metrics:     m,
		Gatherer:    a.registry,
		Logger:      component(logger, "http"),
	}, httpapi.Options{
		OwnerHeader:        cfg.Server.OwnerHeader,
		RoleHeader:         cfg.Server.RoleHeader,
		MaxMultipartMemory: cfg.Server.MaxMultipartMemory,
	})
	return a, nil
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.handler }

// Serve runs the HTTP server and the background jobs until ctx ends, then
// shuts the server down gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout.Std(),
	}

	jobsCtx, stopJobs := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runScheduler(jobsCtx, []job{
			{name: "sweep", interval: a.cfg.Chunks.SweepInterval.Std(), run: a.sweepJob},
			{name: "reconcile", interval: a.cfg.Reconcile.Interval.Std(), run: a.reconcileJob},
		})
	}()
	defer func() {
		stopJobs()
		wg.Wait()
	}()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down http server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	a.log.Info("http server stopped")
	return nil
}

// SweepChunks removes abandoned chunk sessions and returns how many there were.
func (a *App) SweepChunks(ctx context.Context, trigger string) (int, error) {
	var n int
	err := a.track("sweep", trigger, func() error {
		sessions, err := a.coord.SweepChunks(ctx)
		n = len(sessions)
		return err
	})
	return n, err
}

// Reconcile removes orphaned blobs and reports records with missing bytes.
func (a *App) Reconcile(ctx context.Context, trigger string) ([]tierstore.ReconcileReport, error) {
	var reports []tierstore.ReconcileReport
	err := a.track("reconcile", trigger, func() error {
		var err error
		reports, err = a.coord.Reconcile(ctx)
		return err
	})
	return reports, err
}

func (a *App) sweepJob(ctx context.Context, trigger string) error {
	_, err := a.SweepChunks(ctx, trigger)
	return err
}

func (a *App) reconcileJob(ctx context.Context, trigger string) error {
	_, err := a.Reconcile(ctx, trigger)
	return err
}

// Close drains the worker pools and closes all resources.
func (a *App) Close() error {
	var errs []error

	if a.chunkPool != nil {
		a.chunkPool.Close()
	}
	if a.filePool != nil {
		a.filePool.Close()
	}
	if a.records != nil {
		if err := a.records.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis client: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

// Migrate brings the metadata schema up to date.
func Migrate(ctx context.Context, cfg *config.Config) error {
	store, err := database.NewStoreFromConfig(ctx, cfg.Database, cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

// InitKeys generates the key pair used for encryption at rest. Existing
// keys are never overwritten.
func InitKeys(cfg config.EncryptionConfig, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc.IsConfigured() {
		return fmt.Errorf("encryption keys already exist at %s", cfg.PrivateKeyPath)
	}
	if err := enc.Setup(passphrase); err != nil {
		return fmt.Errorf("generating keys: %w", err)
	}
	return nil
}

// NewRedisClient connects to the Redis server shared by the conversion
// cache and the token denylist.
func NewRedisClient(ctx context.Context, cfg config.CacheConfig) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis cache requires redis_addr to be set")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}

// unlockEncryption returns nil, nil, nil when encryption is disabled.
func unlockEncryption(cfg config.EncryptionConfig) (tierstore.Encryptor, tierstore.Decryptor, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if !enc.IsConfigured() {
		return nil, nil, fmt.Errorf("encryption enabled but no keys found, run tierstore keys init")
	}
	dec, err := enc.Unlock(Passphrase())
	if err != nil {
		return nil, nil, fmt.Errorf("unlocking private key: %w", err)
	}
	return enc, dec, nil
}

func newPool(name string, cfg config.PoolConfig, m *metrics.Metrics) (*workers.Pool, error) {
	p, err := workers.New(workers.Config{
		Name:         name,
		Core:         cfg.Core,
		Max:          cfg.Max,
		Queue:        cfg.Queue,
		KeepAlive:    cfg.KeepAlive.Std(),
		OnCallerRuns: m.PoolCallerRuns,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s pool: %w", name, err)
	}
	return p, nil
}
