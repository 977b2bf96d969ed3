package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/metrics"
)

// DefaultWriterIdleTimeout bounds how long the writer waits on an empty record queue.
const DefaultWriterIdleTimeout = 10 * time.Second

// WriterStats is a point-in-time view of writer progress.
type WriterStats struct {
	Written int64
	Failed  int64
	Marks   int64
}

// Writer is the single consumer of the record queue.
type Writer struct {
	records     Queue[crawler.ProductRecord]
	store       crawler.Store
	idleTimeout time.Duration
	logger      *zap.Logger

	written atomic.Int64
	failed  atomic.Int64
	marks   atomic.Int64
}

// NewWriter constructs a Writer.
func NewWriter(records Queue[crawler.ProductRecord], store crawler.Store, idleTimeout time.Duration, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultWriterIdleTimeout
	}
	return &Writer{records: records, store: store, idleTimeout: idleTimeout, logger: logger}
}

// Run drains the record queue inside one store transaction. Per-record
// failures are logged and skipped. The returned error means the transaction
// rolled back and none of the run's writes were kept.
//
// Cancellation of ctx does not stop the writer: it keeps draining until the
// sentinel or the idle timeout so already extracted records are committed.
func (w *Writer) Run(ctx context.Context) error {
	w.logger.Info("writer started")
	dbCtx := context.WithoutCancel(ctx)
	err := w.store.WithTx(dbCtx, func(tx crawler.StoreTx) error {
		return w.drain(dbCtx, tx)
	})
	stats := w.Stats()
	if err != nil {
		w.logger.Error("transactional failure, run writes rolled back",
			zap.Bool("transactional", true),
			zap.Int64("attempted", stats.Written+stats.Failed),
			zap.Error(err),
		)
		return fmt.Errorf("writer transaction: %w", err)
	}
	w.logger.Info("writer finished", zap.Int64("written", stats.Written), zap.Int64("failed", stats.Failed))
	return nil
}

// Stats returns the current counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Marks:   w.marks.Load(),
	}
}

func (w *Writer) drain(ctx context.Context, tx crawler.StoreTx) error {
	for {
		rec, sentinel, err := w.records.Get(ctx, w.idleTimeout)
		if err != nil {
			w.logger.Info("record queue idle, writer shutting down", zap.Duration("timeout", w.idleTimeout))
			return nil
		}
		metrics.SetQueueDepth("records", w.records.Len())
		if sentinel {
			w.markDone()
			return nil
		}
		err = w.write(ctx, tx, rec)
		w.markDone()
		if err != nil {
			return err
		}
	}
}

// write returns an error only when the transaction can no longer be used.
func (w *Writer) write(ctx context.Context, tx crawler.StoreTx, rec crawler.ProductRecord) error {
	if err := tx.Upsert(ctx, rec); err != nil {
		w.failed.Add(1)
		metrics.ObserveRecord("failed")
		if errors.Is(err, crawler.ErrTxAborted) {
			return err
		}
		w.logger.Error("upsert failed", zap.String("url", rec.URL), zap.Error(err))
		return nil
	}
	total := w.written.Add(1)
	metrics.ObserveRecord("written")
	w.logger.Info("upserted product", zap.String("product", rec.ProductName), zap.Int64("total", total))
	return nil
}

func (w *Writer) markDone() {
	w.marks.Add(1)
	if err := w.records.TaskDone(); err != nil {
		w.logger.Error("record queue task done failed", zap.Error(err))
	}
}
