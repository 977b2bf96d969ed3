// Package worker implements the two stages of the crawl pipeline: fetch
// workers that turn product refs into records, and the single writer that
// persists those records inside one store transaction.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/metrics"
)

// DefaultIdleTimeout bounds how long a worker waits on an empty product queue.
const DefaultIdleTimeout = 1500 * time.Millisecond

// Queue is the subset of the in-process work queue used by pipeline stages.
type Queue[T any] interface {
	Put(ctx context.Context, v T) error
	Get(ctx context.Context, timeout time.Duration) (T, bool, error)
	TaskDone() error
	Len() int
}

// Archiver snapshots raw product pages.
type Archiver interface {
	Archive(ctx context.Context, runID string, page *crawler.Page) (string, error)
}

// Config controls Worker behavior.
type Config struct {
	RunID        string
	ProductDelay time.Duration
	IdleTimeout  time.Duration
	// OnProcessed runs after every product queue slot is marked done.
	OnProcessed func()
	// WriterDone is closed when the record consumer exits. Once it is closed
	// remaining refs are skipped and records are no longer queued.
	WriterDone <-chan struct{}
}

// Stats are shared by every worker in a pool.
type Stats struct {
	Processed      atomic.Int64
	Fetched        atomic.Int64
	FetchFailures  atomic.Int64
	RecordsQueued  atomic.Int64
	RecordsDropped atomic.Int64
	// Skipped counts refs taken off the queue but never fetched to completion,
	// because the run was canceled or the writer had gone away.
	Skipped atomic.Int64
	Panics  atomic.Int64
}

// Worker consumes product refs and produces product records.
type Worker struct {
	id        int
	products  Queue[crawler.ProductRef]
	records   Queue[crawler.ProductRecord]
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	archiver  Archiver
	stats     *Stats
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. archiver may be nil.
func New(
	id int,
	products Queue[crawler.ProductRef],
	records Queue[crawler.ProductRecord],
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	archiver Archiver,
	stats *Stats,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = &Stats{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Worker{
		id:        id,
		products:  products,
		records:   records,
		fetcher:   fetcher,
		extractor: extractor,
		archiver:  archiver,
		stats:     stats,
		cfg:       cfg,
		logger:    logger.With(zap.Int("worker", id)),
	}
}

// Run blocks until the worker receives a sentinel, the product queue stays
// empty for the idle timeout, or ctx ends.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	var handled int
	defer func() {
		w.logger.Info("worker finished", zap.Int("processed", handled))
	}()

	for {
		ref, sentinel, err := w.products.Get(ctx, w.cfg.IdleTimeout)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping, context done")
			} else {
				w.logger.Info("product queue idle, worker shutting down", zap.Duration("timeout", w.cfg.IdleTimeout))
			}
			return
		}
		metrics.SetQueueDepth("products", w.products.Len())
		if sentinel {
			w.markDone()
			return
		}

		handled++
		if reason := w.skipReason(ctx); reason != "" {
			w.stats.Skipped.Add(1)
			w.logger.Debug("product skipped", zap.String("url", ref.URL), zap.String("reason", reason))
		} else {
			w.process(ctx, ref)
		}
		w.markDone()
		w.stats.Processed.Add(1)
		if w.cfg.OnProcessed != nil {
			w.cfg.OnProcessed()
		}
	}
}

func (w *Worker) process(ctx context.Context, ref crawler.ProductRef) {
	defer func() {
		if r := recover(); r != nil {
			w.stats.Panics.Add(1)
			w.logger.Error("worker recovered from panic",
				zap.String("url", ref.URL),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	w.logger.Info("processing product",
		zap.String("name", ref.ListingName),
		zap.String("category", ref.ListingCategory),
	)
	page, err := w.fetcher.Fetch(ctx, ref.URL, w.cfg.ProductDelay)
	if err != nil && ctx.Err() != nil {
		w.stats.Skipped.Add(1)
		w.logger.Info("product fetch interrupted", zap.String("url", ref.URL), zap.Error(err))
		return
	}
	if err != nil {
		w.stats.FetchFailures.Add(1)
		metrics.ObserveFetchFailure(crawler.FetchErrorKindOf(err))
		w.logger.Warn("skipping failed product page", zap.String("url", ref.URL), zap.Error(err))
		return
	}
	w.stats.Fetched.Add(1)
	metrics.ObserveFetch(page.URL, "product", page.StatusCode, len(page.Body), page.Duration)

	rec := w.extractor.Extract(page, ref.ListingName, ref.ListingCategory)
	rec.URL = ref.URL
	w.archive(ctx, page)

	if err := w.putRecord(ctx, rec); err != nil {
		w.stats.RecordsDropped.Add(1)
		w.logger.Warn("record dropped", zap.String("url", ref.URL), zap.Error(err))
		return
	}
	w.stats.RecordsQueued.Add(1)
	metrics.SetQueueDepth("records", w.records.Len())
	w.logger.Debug("record queued", zap.String("product", rec.ProductName))
}

// skipReason is empty when the next ref should be fetched.
func (w *Worker) skipReason(ctx context.Context) string {
	if ctx.Err() != nil {
		return "canceled"
	}
	if w.writerGone() {
		return "writer stopped"
	}
	return ""
}

func (w *Worker) writerGone() bool {
	if w.cfg.WriterDone == nil {
		return false
	}
	select {
	case <-w.cfg.WriterDone:
		return true
	default:
		return false
	}
}

// putRecord blocks on a full record queue only while the writer is alive.
func (w *Worker) putRecord(ctx context.Context, rec crawler.ProductRecord) error {
	if w.cfg.WriterDone == nil {
		return w.records.Put(ctx, rec)
	}
	if w.writerGone() {
		return crawler.ErrWriterStopped
	}
	putCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.cfg.WriterDone:
			cancel()
		case <-putCtx.Done():
		}
	}()
	if err := w.records.Put(putCtx, rec); err != nil {
		if w.writerGone() {
			return fmt.Errorf("%w: %w", crawler.ErrWriterStopped, err)
		}
		return err
	}
	return nil
}

func (w *Worker) archive(ctx context.Context, page *crawler.Page) {
	if w.archiver == nil {
		return
	}
	uri, err := w.archiver.Archive(ctx, w.cfg.RunID, page)
	if err != nil {
		w.logger.Warn("page archive failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	w.logger.Debug("page archived", zap.String("uri", uri))
}

func (w *Worker) markDone() {
	if err := w.products.TaskDone(); err != nil {
		w.logger.Error("product queue task done failed", zap.Error(err))
	}
}
