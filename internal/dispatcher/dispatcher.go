// Package dispatcher runs the crawl pipeline: it fans product refs out to a
// pool of fetch workers, feeds their records to the single writer, and
// performs the sentinel shutdown handshake.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/queue/memory"
	"github.com/JakeFAU/marketplace-crawler/internal/worker"
)

// Defaults applied by New.
const (
	DefaultWorkers           = 5
	DefaultRecordQueueSize   = 100
	DefaultWriterJoinTimeout = 300 * time.Second
)

// Config controls pipeline sizing and timeouts.
type Config struct {
	Workers           int
	RunID             string
	ProductDelay      time.Duration
	WorkerIdleTimeout time.Duration
	WriterIdleTimeout time.Duration
	WriterJoinTimeout time.Duration
	RecordQueueSize   int
	OnProcessed       func()
}

// Deps are the pipeline collaborators. Archiver is optional.
type Deps struct {
	Fetcher   crawler.Fetcher
	Extractor crawler.Extractor
	Store     crawler.Store
	Archiver  worker.Archiver
}

// Result summarizes one pipeline run.
type Result struct {
	Refs            int
	Processed       int64
	Fetched         int64
	FetchFailures   int64
	RecordsQueued   int64
	RecordsDropped  int64
	Skipped         int64
	Panics          int64
	Written         int64
	WriteFailures   int64
	WriterMarks     int64
	RecordSentinels int
	WriterTimedOut  bool

	// WriterExitedEarly is set when the writer returned before consuming the
	// end-of-stream sentinel, typically after its idle timeout.
	WriterExitedEarly bool
	TxErr             error
}

// Dispatcher coordinates one worker pool and one writer per Run.
type Dispatcher struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	stats  *worker.Stats
	writer *worker.Writer
	refs   int
}

// New validates deps and applies defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Store == nil {
		return nil, errors.New("fetcher, extractor and store are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RecordQueueSize <= 0 {
		cfg.RecordQueueSize = DefaultRecordQueueSize
	}
	if cfg.WriterJoinTimeout <= 0 {
		cfg.WriterJoinTimeout = DefaultWriterJoinTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{deps: deps, cfg: cfg, logger: logger}, nil
}

// Workers returns the configured pool size.
func (d *Dispatcher) Workers() int {
	return d.cfg.Workers
}

// Enqueue loads refs onto the product queue.
func (d *Dispatcher) Enqueue(ctx context.Context, products *memory.Queue[crawler.ProductRef], refs []crawler.ProductRef) error {
	for _, ref := range refs {
		if err := products.Put(ctx, ref); err != nil {
			return fmt.Errorf("queue enqueue: %w", err)
		}
	}
	d.mu.Lock()
	d.refs = len(refs)
	d.mu.Unlock()
	return nil
}

// Run starts the writer and the worker pool over an already populated
// product queue, then shuts both down:
//
//  1. wait until every queued ref is marked done
//  2. send one sentinel per worker and wait for the pool
//  3. send one sentinel to the writer and wait up to WriterJoinTimeout
//
// Cancelling ctx stops the workers early; the writer still drains and commits.
// A writer that exits on its own never interrupts a fetch in progress: workers
// finish what they hold, drop the record, and skip the rest of the queue.
func (d *Dispatcher) Run(ctx context.Context, products *memory.Queue[crawler.ProductRef]) Result {
	records := memory.NewQueue[crawler.ProductRecord](d.cfg.RecordQueueSize)
	stats := &worker.Stats{}
	writer := worker.NewWriter(records, d.deps.Store, d.cfg.WriterIdleTimeout, d.logger.Named("writer"))

	d.mu.Lock()
	d.stats = stats
	d.writer = writer
	d.mu.Unlock()

	var writerErr error
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("writer panicked", zap.Any("panic", r), zap.Stack("stack"))
				writerErr = fmt.Errorf("writer panic: %v", r)
			}
		}()
		writerErr = writer.Run(ctx)
	}()

	workersDone := d.startWorkers(ctx, products, records, stats, writerDone)

	if err := products.Join(ctx); err != nil {
		d.logger.Warn("product queue join interrupted", zap.Int("pending", products.Pending()), zap.Error(err))
	}
	d.logger.Info("all product refs processed, stopping workers", zap.Int("workers", d.cfg.Workers))
	d.sendWorkerSentinels(ctx, products, workersDone)
	<-workersDone

	res := Result{RecordSentinels: d.sendWriterSentinel(ctx, records, writerDone)}
	timer := time.NewTimer(d.cfg.WriterJoinTimeout)
	defer timer.Stop()
	select {
	case <-writerDone:
		res.TxErr = writerErr
		res.WriterExitedEarly = res.RecordSentinels == 0 || records.Len() > 0
		if res.WriterExitedEarly {
			d.logger.Error("writer exited before end of stream",
				zap.Int("unconsumed", records.Len()),
				zap.Int64("skipped", stats.Skipped.Load()),
				zap.Int64("dropped", stats.RecordsDropped.Load()),
			)
		}
	case <-timer.C:
		res.WriterTimedOut = true
		d.logger.Error("writer did not shut down within timeout", zap.Duration("timeout", d.cfg.WriterJoinTimeout))
	}

	snap := d.Snapshot()
	snap.RecordSentinels = res.RecordSentinels
	snap.WriterTimedOut = res.WriterTimedOut
	snap.WriterExitedEarly = res.WriterExitedEarly
	snap.TxErr = res.TxErr
	return snap
}

// Snapshot reports live counters for the current or last run.
func (d *Dispatcher) Snapshot() Result {
	d.mu.Lock()
	stats, writer, refs := d.stats, d.writer, d.refs
	d.mu.Unlock()

	res := Result{Refs: refs}
	if stats != nil {
		res.Processed = stats.Processed.Load()
		res.Fetched = stats.Fetched.Load()
		res.FetchFailures = stats.FetchFailures.Load()
		res.RecordsQueued = stats.RecordsQueued.Load()
		res.RecordsDropped = stats.RecordsDropped.Load()
		res.Skipped = stats.Skipped.Load()
		res.Panics = stats.Panics.Load()
	}
	if writer != nil {
		ws := writer.Stats()
		res.Written = ws.Written
		res.WriteFailures = ws.Failed
		res.WriterMarks = ws.Marks
	}
	return res
}

func (d *Dispatcher) startWorkers(
	ctx context.Context,
	products *memory.Queue[crawler.ProductRef],
	records *memory.Queue[crawler.ProductRecord],
	stats *worker.Stats,
	writerDone <-chan struct{},
) <-chan struct{} {
	var wg sync.WaitGroup
	for i := 1; i <= d.cfg.Workers; i++ {
		w := worker.New(i, products, records, d.deps.Fetcher, d.deps.Extractor, d.deps.Archiver, stats,
			worker.Config{
				RunID:        d.cfg.RunID,
				ProductDelay: d.cfg.ProductDelay,
				IdleTimeout:  d.cfg.WorkerIdleTimeout,
				OnProcessed:  d.cfg.OnProcessed,
				WriterDone:   writerDone,
			},
			d.logger.Named("worker"),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// sendWorkerSentinels stops early once every worker has already exited.
func (d *Dispatcher) sendWorkerSentinels(ctx context.Context, products *memory.Queue[crawler.ProductRef], workersDone <-chan struct{}) {
	putCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go func() {
		select {
		case <-workersDone:
			cancel()
		case <-putCtx.Done():
		}
	}()
	for i := 0; i < d.cfg.Workers; i++ {
		if err := products.PutSentinel(putCtx); err != nil {
			d.logger.Debug("worker sentinel not delivered", zap.Int("sent", i), zap.Error(err))
			return
		}
	}
}

// sendWriterSentinel returns the number of sentinels delivered, which is one
// unless the writer already exited or the queue stayed full past the join timeout.
func (d *Dispatcher) sendWriterSentinel(ctx context.Context, records *memory.Queue[crawler.ProductRecord], writerDone <-chan struct{}) int {
	select {
	case <-writerDone:
		d.logger.Warn("writer exited before end of stream")
		return 0
	default:
	}
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.WriterJoinTimeout)
	defer cancel()
	go func() {
		select {
		case <-writerDone:
			cancel()
		case <-putCtx.Done():
		}
	}()
	if err := records.PutSentinel(putCtx); err != nil {
		d.logger.Error("writer sentinel not delivered", zap.Error(err))
		return 0
	}
	return 1
}
