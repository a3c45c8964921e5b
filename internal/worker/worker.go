// Package worker implements the polling worker: select a bounded batch of
// pending spans, run a handler on each item in isolation, and append one
// result revision per item.
//
// Delivery is at-least-once. Two workers polling the same predicate may both
// run the handler on an item until one of them has appended its result; the
// other's append then collides on (id, seq) and the item counts as already
// processed. Setting Config.Claim appends a "running" revision first, so only
// one worker wins the item and the loser skips it before running anything.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/spanledger/internal/kernel"
	"github.com/ashita-ai/spanledger/internal/model"
	"github.com/ashita-ai/spanledger/internal/telemetry"
)

const (
	DefaultBatchSize    = 10
	DefaultPollInterval = 5 * time.Second
	defaultBatchTimeout = 30 * time.Second
)

// Handler processes one item. The returned value becomes the result span's
// output; an error (or panic) becomes its error payload.
type Handler func(ctx context.Context, kc *kernel.Context, item model.Span) (any, error)

// Config describes what a worker selects and how it records results.
type Config struct {
	Name string
	// Actor is the "who" on result spans when the worker runs its own loop.
	Actor string
	// Select is the item predicate. Order, Limit and LatestOnly are set by
	// the worker.
	Select       model.SpanFilter
	BatchSize    int
	Claim        bool
	PollInterval time.Duration
	BatchTimeout time.Duration
}

// Waker wakes the poll loop early when a span is announced.
// *storage.DB satisfies it.
type Waker interface {
	WaitForSpan(ctx context.Context) (entityType, status string, err error)
}

// Worker runs Handler over batches of selected spans.
type Worker struct {
	cfg    Config
	handle Handler
	logger *slog.Logger
	waker  Waker

	tracer  trace.Tracer
	metrics *telemetry.WorkerMetrics

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context
}

// New creates a Worker.
func New(cfg Config, h Handler, logger *slog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.Actor == "" {
		cfg.Actor = "worker:" + cfg.Name
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		handle:  h,
		logger:  logger.With("worker", cfg.Name),
		tracer:  telemetry.Tracer(telemetry.ScopeWorker),
		metrics: telemetry.NewWorkerMetrics(),
		done:    make(chan struct{}),
		drainCh: make(chan context.Context, 1),
	}
}

// SetWaker makes the poll loop also run a batch whenever w announces a span
// of the selected entity type. Call before Start.
func (w *Worker) SetWaker(wk Waker) { w.waker = wk }

// Name returns the configured worker name.
func (w *Worker) Name() string { return w.cfg.Name }

// RunBatch processes one batch: the oldest latest-revision spans matching
// the predicate, up to BatchSize. A failing item is recorded with
// status=error and the batch continues. The returned count includes failed
// items but not items another worker claimed or recorded first. Any other
// store failure while appending a result stops the batch and is returned.
func (w *Worker) RunBatch(ctx context.Context, kc *kernel.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "worker.RunBatch",
		trace.WithAttributes(attribute.String("spanledger.worker", w.cfg.Name)),
	)
	defer span.End()

	f := w.cfg.Select
	f.LatestOnly = true
	f.Order = model.OrderAtAsc
	f.Limit = w.cfg.BatchSize
	batch, err := kc.Query(ctx, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select")
		return 0, err
	}

	processed := 0
	for _, item := range batch {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		ok, err := w.process(ctx, kc, item)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "record")
			return processed, err
		}
		if ok {
			processed++
		}
	}
	span.SetAttributes(attribute.Int("spanledger.worker.processed", processed))
	return processed, nil
}

// process handles one item. It reports false when another worker claimed or
// recorded it first.
func (w *Worker) process(ctx context.Context, kc *kernel.Context, item model.Span) (bool, error) {
	base := item
	if w.cfg.Claim {
		claim := kc.Revision(item, model.StatusRunning)
		claim.Metadata = map[string]any{"worker": w.cfg.Name}
		claimed, err := kc.Insert(ctx, claim)
		if errors.Is(err, model.ErrDuplicate) {
			w.logger.Debug("worker: item claimed elsewhere", "id", item.ID, "seq", item.Seq)
			w.metrics.Skipped(ctx, w.cfg.Name)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		base = claimed
	}

	start := kc.Now()
	out, herr := w.invoke(ctx, kc, item)
	elapsed := kc.Now().Sub(start).Milliseconds()

	status := model.StatusComplete
	if herr != nil {
		status = model.StatusError
	}
	rev := kc.Revision(base, status)
	rev.RelatedTo = []string{item.ID}
	rev.DurationMs = &elapsed
	rev.Metadata = map[string]any{"worker": w.cfg.Name, "item_seq": item.Seq}
	if herr != nil {
		rev.Error = map[string]any{"message": herr.Error()}
		w.logger.Warn("worker: item failed", "id", item.ID, "seq", item.Seq, "error", herr)
	} else {
		rev.Output = out
	}

	if _, err := kc.Insert(ctx, rev); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			w.logger.Info("worker: item already processed elsewhere", "id", item.ID, "seq", item.Seq)
			w.metrics.Skipped(ctx, w.cfg.Name)
			return false, nil
		}
		w.logger.Error("worker: result not recorded", "id", item.ID, "error", err)
		return false, err
	}
	w.metrics.Processed(ctx, w.cfg.Name, status)
	return true, nil
}

func (w *Worker) invoke(ctx context.Context, kc *kernel.Context, item model.Span) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.handle(ctx, kc, item)
}

// Start begins the background poll loop over l. It is safe to call only
// once; later calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context, l kernel.Ledger) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("worker: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx, l)
}

// Drain stops the poll loop after one final batch and blocks until it is
// done or ctx expires. The final batch runs under ctx. Drain on a worker that
// was never started returns at once.
func (w *Worker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("worker: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context, l kernel.Ledger) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	wake := w.listen(ctx)

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.poll(drainCtx, l)
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			w.poll(ctx, l)
		case <-wake:
			w.poll(ctx, l)
		}
	}
}

func (w *Worker) poll(ctx context.Context, l kernel.Ledger) {
	batchCtx, cancel := context.WithTimeout(ctx, w.cfg.BatchTimeout)
	defer cancel()
	n, err := w.RunBatch(batchCtx, kernel.NewContext(l, w.cfg.Actor))
	if err != nil {
		w.logger.Error("worker: batch failed", "processed", n, "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("worker: batch processed", "processed", n)
	}
}

// listen relays matching announcements from the waker. It returns nil, a
// channel that never fires, when no waker is set.
func (w *Worker) listen(ctx context.Context) <-chan struct{} {
	if w.waker == nil {
		return nil
	}
	wake := make(chan struct{}, 1)
	go func() {
		for {
			entityType, _, err := w.waker.WaitForSpan(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				w.logger.Warn("worker: notification wait failed", "error", err)
				select {
				case <-time.After(w.cfg.PollInterval):
				case <-ctx.Done():
					return
				}
				continue
			}
			if want := w.cfg.Select.EntityType; want != nil && *want != entityType {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake
}
