// Package app builds the long-lived services of a crawl from configuration,
// acting as a small dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/api"
	"github.com/JakeFAU/marketplace-crawler/internal/archive"
	"github.com/JakeFAU/marketplace-crawler/internal/clock/system"
	"github.com/JakeFAU/marketplace-crawler/internal/config"
	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/discovery"
	"github.com/JakeFAU/marketplace-crawler/internal/dispatcher"
	"github.com/JakeFAU/marketplace-crawler/internal/extractor"
	collyfetcher "github.com/JakeFAU/marketplace-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/marketplace-crawler/internal/id/uuid"
	"github.com/JakeFAU/marketplace-crawler/internal/orchestrator"
	"github.com/JakeFAU/marketplace-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/marketplace-crawler/internal/storage/gcs"
	"github.com/JakeFAU/marketplace-crawler/internal/storage/local"
	"github.com/JakeFAU/marketplace-crawler/internal/storage/memory"
	"github.com/JakeFAU/marketplace-crawler/internal/storage/postgres"
	"github.com/JakeFAU/marketplace-crawler/internal/worker"
)

// Options adjust how the container is built.
type Options struct {
	// DryRun swaps the product store for the in-memory one.
	DryRun bool
	// OnProcessed is called after every product slot is marked done.
	OnProcessed func()
	// Transport replaces the fetcher's HTTP transport.
	Transport http.RoundTripper
}

// App holds the services shared by the CLI commands.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Fetcher      *collyfetcher.Fetcher
	Store        crawler.Store
	Orchestrator *orchestrator.Orchestrator

	closers []func() error
}

// New wires the fetcher, store, archive backend and orchestrator described by
// cfg. It fails fast when a backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	store, err := a.buildStore(ctx, opts.DryRun)
	if err != nil {
		return nil, err
	}
	a.Store = store

	archiver, err := a.buildArchiver(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	fetcherOpts := []collyfetcher.Option{
		collyfetcher.WithLogger(logger.Named("fetcher")),
		collyfetcher.WithLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Scraper.MaxRPS,
			DefaultBurst: cfg.Scraper.Burst,
		})),
	}
	if opts.Transport != nil {
		fetcherOpts = append(fetcherOpts, collyfetcher.WithTransport(opts.Transport))
	}
	a.Fetcher = collyfetcher.New(collyfetcher.Config{
		BaseURL:   cfg.Scraper.BaseURL,
		UserAgent: cfg.Scraper.UserAgent,
		Headers:   http.Header{"Accept-Language": {"en-US,en;q=0.9"}},
		Timeout:   cfg.RequestTimeout(),
	}, fetcherOpts...)

	disc := discovery.New(a.Fetcher, discovery.Config{
		BaseURL:       cfg.Scraper.BaseURL,
		Keywords:      cfg.Keywords(),
		CategoryDelay: cfg.CategoryDelay(),
		TestMode:      cfg.Scraper.TestMode,
		TestLimit:     cfg.Scraper.TestProductLimit,
	}, logger.Named("discovery"))

	deps := orchestrator.Deps{
		Discoverer: disc,
		Fetcher:    a.Fetcher,
		Extractor:  extractor.New(logger.Named("extractor")),
		Store:      store,
		IDs:        uuid.New(),
		Clock:      system.New(),
		Archiver:   archiver,
		Close:      a.Fetcher.Close,
	}
	orch, err := orchestrator.New(deps, dispatcher.Config{
		Workers:           cfg.Scraper.ThreadCount,
		ProductDelay:      cfg.ProductDelay(),
		WorkerIdleTimeout: cfg.WorkerIdleTimeout(),
		WriterIdleTimeout: cfg.WriterIdleTimeout(),
		WriterJoinTimeout: cfg.WriterJoinTimeout(),
		RecordQueueSize:   cfg.Pipeline.RecordQueueSize,
		OnProcessed:       opts.OnProcessed,
	}, logger.Named("orchestrator"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	a.Orchestrator = orch
	return a, nil
}

func (a *App) buildStore(ctx context.Context, dryRun bool) (crawler.Store, error) {
	if dryRun || a.Config.Store.Driver == config.StoreDriverMemory {
		a.Logger.Info("using in-memory product store, nothing will be persisted")
		return memory.NewProductStore(), nil
	}
	if a.Config.Store.Driver != config.StoreDriverPostgres {
		return nil, fmt.Errorf("unknown store driver: %s", a.Config.Store.Driver)
	}
	db := a.Config.DB
	store, err := postgres.NewProductStore(ctx, postgres.ProductStoreConfig{
		DSN:      db.DSN,
		Host:     db.Host,
		Port:     db.Port,
		Name:     db.Name,
		User:     db.User,
		Password: db.Password,
		Table:    db.Table,
		MaxConns: db.MaxConns,
	}, a.Logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("init product store: %w", err)
	}
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.Logger.Info("using postgres product store", zap.String("table", db.Table))
	return store, nil
}

// buildArchiver returns nil when archiving is disabled.
func (a *App) buildArchiver(ctx context.Context) (worker.Archiver, error) {
	cfg := a.Config.Archive
	var blobs crawler.BlobStore
	switch cfg.Backend {
	case config.ArchiveBackendNone:
		return nil, nil
	case config.ArchiveBackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		blobs = store
	case config.ArchiveBackendGCS:
		if cfg.GCSBucket == "" {
			return nil, errors.New("archive backend is 'gcs' but archive.gcs_bucket is not set")
		}
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		blobs = store
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", cfg.Backend)
	}
	a.Logger.Info("archiving product pages", zap.String("backend", cfg.Backend), zap.String("prefix", cfg.Prefix))
	archiver, err := archive.New(blobs, archive.Config{Prefix: cfg.Prefix})
	if err != nil {
		return nil, fmt.Errorf("init archiver: %w", err)
	}
	return archiver, nil
}

// OpsServer builds the ops HTTP server for the current run. Readiness pings
// the store when it supports it.
func (a *App) OpsServer() *api.Server {
	var ready api.Pinger
	if p, ok := a.Store.(api.Pinger); ok {
		ready = p
	}
	return api.NewServer(a.Orchestrator, ready, a.Logger.Named("ops"))
}

// Close releases the store pool and archive client. Safe to call more than once.
func (a *App) Close() {
	if a.Fetcher != nil {
		a.Fetcher.Close()
	}
	closers := a.closers
	a.closers = nil
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			a.Logger.Warn("error closing application service", zap.Error(err))
		}
	}
}
