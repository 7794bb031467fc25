package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"europa/internal/blob"
	"europa/internal/cache"
	"europa/internal/cleanup"
	"europa/internal/config"
	"europa/internal/db"
	"europa/internal/server"
	"europa/internal/shortlink"
	"europa/internal/store"
	"europa/internal/transfer"
	"europa/internal/upload"
)

// app holds the wired components shared by the serve and sweep commands.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	db        *sqlx.DB
	store     store.Store
	blobs     blob.Store
	transfers *transfer.Service
	engine    *cleanup.Engine
	checks    map[string]server.Pinger
	metrics   *server.Metrics
}

// newApp connects the backends selected by cfg and builds the services on
// top of them. Close must be called when done.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, checks: map[string]server.Pinger{}, metrics: server.NewMetrics()}

	if err := a.openStore(); err != nil {
		return nil, err
	}
	if err := a.openBlobs(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	// Sessions leave only by finalize, abort or TTL; the cap is enforced by
	// Init rather than by eviction.
	sessions := cache.NewLRU[string, *upload.Session](0, cfg.Upload.SessionTTL)
	uploads := upload.NewManager(a.blobs, sessions, upload.Config{
		StagingContainer: cfg.Blob.StagingContainer,
		FilesContainer:   cfg.Blob.FilesContainer,
		MaxTotalSize:     cfg.Upload.MaxBytes,
		MaxSessions:      cfg.Upload.MaxSessions,
	}, log)

	links := shortlink.NewCachedResolver(
		shortlink.NewStoreResolver(a.store, nil),
		newCache[string, *store.Transfer](cfg.Links, cfg.Links.CacheTTL),
	)
	a.transfers = transfer.NewService(uploads, a.store, links, a.blobs,
		newCache[string, *transfer.FileInfo](cfg.Links, cfg.Links.FileInfoCacheTTL),
		transfer.Config{BaseURL: cfg.BaseURL, FilesContainer: cfg.Blob.FilesContainer},
		log)

	a.engine = cleanup.NewEngine(a.store, a.blobs, cleanup.Config{
		FilesContainer:   cfg.Blob.FilesContainer,
		StagingContainer: cfg.Blob.StagingContainer,
		BatchSize:        cfg.Cleanup.BatchSize,
		FlushEvery:       cfg.Cleanup.FlushEvery,
		Retry:            cleanup.ExponentialPolicy(cfg.Cleanup.RetryAttempts, cfg.Cleanup.RetryBaseDelay),
		StagingMaxAge:    cfg.Cleanup.StagingMaxAge,
		OrphanGrace:      cfg.Cleanup.OrphanGrace,
	}, log, links, a.transfers)

	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.StoreBackend {
	case "memory":
		a.log.Warn("volatile_store", "backend", "memory")
		a.store = store.NewMemory()
	case "postgres":
		conn, err := db.OpenDB(a.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.log.Info("running_migrations")
		if err := db.RunMigrations(conn.DB); err != nil {
			_ = conn.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		a.db = conn
		a.store = store.NewPostgres(conn)
	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.StoreBackend)
	}
	a.checks["database"] = a.store
	return nil
}

func (a *app) openBlobs(ctx context.Context) error {
	b := a.cfg.Blob
	var err error
	switch b.Backend {
	case "memory":
		a.log.Warn("volatile_blobs", "backend", "memory")
		a.blobs = blob.NewMemory()
	case "minio":
		a.blobs, err = blob.NewMinio(blob.MinioConfig{
			Endpoint:  b.Endpoint,
			AccessKey: b.AccessKey,
			SecretKey: b.SecretKey,
			Region:    b.Region,
		})
	case "s3":
		a.blobs, err = blob.NewS3(ctx, blob.S3Config{
			Endpoint:  b.Endpoint,
			Region:    b.Region,
			AccessKey: b.AccessKey,
			SecretKey: b.SecretKey,
		})
	default:
		err = fmt.Errorf("unknown blob backend %q", b.Backend)
	}
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	for _, c := range []string{b.StagingContainer, b.FilesContainer} {
		if err := a.blobs.EnsureContainer(ctx, c); err != nil {
			return fmt.Errorf("ensure container %s: %w", c, err)
		}
	}
	if p, ok := a.blobs.(server.Pinger); ok {
		a.checks["storage"] = p
	}
	return nil
}

// recordedSweeps feeds every sweep result into the served metrics.
type recordedSweeps struct {
	cleanup.Sweeper
	metrics *server.Metrics
}

func (r recordedSweeps) RunSweep(ctx context.Context, now time.Time) (*cleanup.Result, error) {
	res, err := r.Sweeper.RunSweep(ctx, now)
	if res != nil {
		r.metrics.RecordSweep(res.Run, res.OrphansDeleted, res.StagedPurged)
	}
	return res, err
}

// Close releases the database pool.
func (a *app) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// newCache returns an expiring LRU, or a cache that stores nothing when
// caching is disabled.
func newCache[K comparable, V any](cfg config.Links, ttl time.Duration) cache.Cache[K, V] {
	if cfg.DisableCache {
		return cache.Disabled[K, V]{}
	}
	return cache.NewLRU[K, V](cfg.CacheSize, ttl)
}
