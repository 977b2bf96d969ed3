// Package orchestrator sequences one crawl run: schema setup, discovery,
// queue population, the worker/writer pipeline, and teardown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/clock/system"
	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/discovery"
	"github.com/JakeFAU/marketplace-crawler/internal/dispatcher"
	"github.com/JakeFAU/marketplace-crawler/internal/metrics"
	"github.com/JakeFAU/marketplace-crawler/internal/queue/memory"
	"github.com/JakeFAU/marketplace-crawler/internal/worker"
)

// Run outcomes reported to crawler_runs_total.
const (
	StatusSucceeded   = "succeeded"
	StatusEmpty       = "empty"
	StatusAborted     = "aborted"
	StatusRolledBack  = "rolled_back"
	StatusInterrupted = "interrupted"
	StatusIncomplete  = "incomplete"
	StatusFailed      = "failed"
)

// Discoverer produces the deduplicated product refs for a run.
type Discoverer interface {
	Discover(ctx context.Context) ([]crawler.ProductRef, discovery.Summary, error)
}

// Deps are the collaborators of a run. Archiver, Clock, IDs and Close are optional.
type Deps struct {
	Discoverer Discoverer
	Fetcher    crawler.Fetcher
	Extractor  crawler.Extractor
	Store      crawler.Store
	Archiver   worker.Archiver
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
	// Close releases the fetcher's connection pool after the workers exit.
	Close func()
}

// Orchestrator runs crawls. A single Orchestrator runs one crawl at a time.
type Orchestrator struct {
	deps     Deps
	pipeline dispatcher.Config
	logger   *zap.Logger

	mu      sync.Mutex
	current *dispatcher.Dispatcher
	stats   crawler.RunStats
}

// New constructs an Orchestrator.
func New(deps Deps, pipeline dispatcher.Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Discoverer == nil {
		return nil, errors.New("discoverer is required")
	}
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Store == nil {
		return nil, errors.New("fetcher, extractor and store are required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, pipeline: pipeline, logger: logger}, nil
}

// Run executes one crawl. Teardown (fetcher close, timing log) runs on every path.
func (o *Orchestrator) Run(ctx context.Context) (stats crawler.RunStats, err error) {
	start := o.deps.Clock.Now()
	stats = crawler.RunStats{StartedAt: start}
	if o.deps.IDs != nil {
		id, idErr := o.deps.IDs.NewID()
		if idErr != nil {
			return stats, fmt.Errorf("run id: %w", idErr)
		}
		stats.RunID = id
	}
	logger := o.logger.With(zap.String("run_id", stats.RunID))
	o.publish(stats, nil)

	status := StatusFailed
	defer func() {
		if r := recover(); r != nil {
			logger.Error("crawl run panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("crawl run panic: %v", r)
			status = StatusFailed
		}
		if o.deps.Close != nil {
			o.deps.Close()
		}
		stats.Elapsed = o.deps.Clock.Now().Sub(start)
		stats.Status = status
		o.publish(stats, nil)
		metrics.ObserveRun(status)
		logger.Info("total execution time",
			zap.String("status", status),
			zap.Duration("elapsed", stats.Elapsed),
			zap.Int64("records_written", stats.RecordsWritten),
		)
	}()

	if err := o.deps.Store.EnsureSchema(ctx); err != nil {
		logger.Error("schema setup failed", zap.Error(err))
		return stats, fmt.Errorf("ensure schema: %w", err)
	}

	refs, summary, err := o.deps.Discoverer.Discover(ctx)
	stats.Categories = summary.Categories
	stats.RefsDiscovered = summary.RefsUnique
	if err != nil {
		switch {
		case ctx.Err() != nil:
			status = StatusInterrupted
			return stats, fmt.Errorf("discover: %w: %w", ctx.Err(), err)
		case errors.Is(err, crawler.ErrNoCategories):
			logger.Error("no category links found, aborting crawl")
			status = StatusAborted
		}
		return stats, fmt.Errorf("discover: %w", err)
	}
	logger.Info("unique product urls to scrape", zap.Int("count", len(refs)))
	if len(refs) == 0 {
		logger.Warn("no product urls discovered, nothing to scrape")
		status = StatusEmpty
		return stats, nil
	}

	cfg := o.pipeline
	cfg.RunID = stats.RunID
	disp, err := dispatcher.New(dispatcher.Deps{
		Fetcher:   o.deps.Fetcher,
		Extractor: o.deps.Extractor,
		Store:     o.deps.Store,
		Archiver:  o.deps.Archiver,
	}, cfg, logger)
	if err != nil {
		return stats, fmt.Errorf("build pipeline: %w", err)
	}
	products := memory.NewQueue[crawler.ProductRef](len(refs) + disp.Workers())
	if err := disp.Enqueue(ctx, products, refs); err != nil {
		return stats, err
	}
	stats.RefsQueued = len(refs)
	metrics.SetQueueDepth("products", products.Len())
	o.publish(stats, disp)

	logger.Info("starting crawl pipeline", zap.Int("workers", disp.Workers()), zap.Int("products", len(refs)))
	res := disp.Run(ctx, products)
	applyResult(&stats, res)
	o.publish(stats, nil)

	switch {
	case res.TxErr != nil:
		status = StatusRolledBack
		stats.TransactionalError = res.TxErr.Error()
		return stats, fmt.Errorf("persist records: %w", res.TxErr)
	case ctx.Err() != nil:
		status = StatusInterrupted
		return stats, fmt.Errorf("crawl interrupted: %w", ctx.Err())
	case res.WriterTimedOut:
		status = StatusIncomplete
		return stats, fmt.Errorf("persist records: writer did not finish: %w", crawler.ErrWriterStopped)
	case res.WriterExitedEarly && lostWork(res):
		status = StatusIncomplete
		logger.Error("writer stopped early, run is incomplete",
			zap.Int64("refs_skipped", res.Skipped),
			zap.Int64("records_dropped", res.RecordsDropped),
			zap.Int64("records_unwritten", unwritten(res)),
		)
		return stats, fmt.Errorf("persist records: %w", crawler.ErrWriterStopped)
	}
	status = StatusSucceeded
	logger.Info("crawl pipeline finished",
		zap.Int64("fetched", stats.PagesFetched),
		zap.Int64("fetch_failures", stats.FetchFailures),
		zap.Int64("written", stats.RecordsWritten),
		zap.Int64("write_failures", stats.WriteFailures),
	)
	return stats, nil
}

// Snapshot returns the stats of the current or last run, including live
// pipeline counters while one is in flight.
func (o *Orchestrator) Snapshot() crawler.RunStats {
	o.mu.Lock()
	stats, disp := o.stats, o.current
	o.mu.Unlock()
	if disp != nil {
		applyResult(&stats, disp.Snapshot())
		stats.Elapsed = o.deps.Clock.Now().Sub(stats.StartedAt)
	}
	return stats
}

func (o *Orchestrator) publish(stats crawler.RunStats, disp *dispatcher.Dispatcher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats = stats
	o.current = disp
}

func applyResult(stats *crawler.RunStats, res dispatcher.Result) {
	stats.PagesFetched = res.Fetched
	stats.FetchFailures = res.FetchFailures
	stats.RecordsQueued = res.RecordsQueued
	stats.RecordsWritten = res.Written
	stats.WriteFailures = res.WriteFailures
	stats.WriterMarks = res.WriterMarks
	stats.RefsSkipped = res.Skipped
	stats.RecordsDropped = res.RecordsDropped
}

// unwritten counts records queued that the writer never attempted.
func unwritten(res dispatcher.Result) int64 {
	n := res.RecordsQueued - res.Written - res.WriteFailures
	if n < 0 {
		return 0
	}
	return n
}

func lostWork(res dispatcher.Result) bool {
	return res.Skipped > 0 || res.RecordsDropped > 0 || unwritten(res) > 0
}
