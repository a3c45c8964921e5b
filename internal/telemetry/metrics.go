package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrumentation scopes.
const (
	ScopeBootstrap = "spanledger/bootstrap"
	ScopeWorker    = "spanledger/worker"
	ScopeLedger    = "spanledger/ledger"
)

// BootMetrics counts boot attempts and times function execution.
type BootMetrics struct {
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

// NewBootMetrics registers the boot instruments on the global meter.
func NewBootMetrics() *BootMetrics { return newBootMetrics(Meter(ScopeBootstrap)) }

func newBootMetrics(m metric.Meter) *BootMetrics {
	attempts, _ := m.Int64Counter("spanledger.boot.total",
		metric.WithDescription("Boot attempts by outcome"),
	)
	duration, _ := m.Float64Histogram("spanledger.boot.duration",
		metric.WithDescription("Time spent executing booted functions"),
		metric.WithUnit("ms"),
	)
	return &BootMetrics{attempts: attempts, duration: duration}
}

// Attempt records one finished boot. outcome is "ok" or the error kind.
func (b *BootMetrics) Attempt(ctx context.Context, functionID, outcome string) {
	b.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("function_id", functionID),
		attribute.String("outcome", outcome),
	))
}

// Executed records how long a booted function ran.
func (b *BootMetrics) Executed(ctx context.Context, functionID string, ms int64) {
	b.duration.Record(ctx, float64(ms), metric.WithAttributes(attribute.String("function_id", functionID)))
}

// WorkerMetrics counts items handled by polling workers.
type WorkerMetrics struct {
	items   metric.Int64Counter
	skipped metric.Int64Counter
}

// NewWorkerMetrics registers the worker instruments on the global meter.
func NewWorkerMetrics() *WorkerMetrics { return newWorkerMetrics(Meter(ScopeWorker)) }

func newWorkerMetrics(m metric.Meter) *WorkerMetrics {
	items, _ := m.Int64Counter("spanledger.worker.items",
		metric.WithDescription("Items processed by polling workers, by result status"),
	)
	skipped, _ := m.Int64Counter("spanledger.worker.skipped",
		metric.WithDescription("Items another worker claimed or recorded first"),
	)
	return &WorkerMetrics{items: items, skipped: skipped}
}

// Processed records one item whose result revision was appended.
func (w *WorkerMetrics) Processed(ctx context.Context, worker, status string) {
	w.items.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.String("status", status),
	))
}

// Skipped records one item lost to a concurrent worker.
func (w *WorkerMetrics) Skipped(ctx context.Context, worker string) {
	w.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", worker)))
}

// LedgerMetrics counts appended and rejected spans.
type LedgerMetrics struct {
	appends  metric.Int64Counter
	rejected metric.Int64Counter
}

// NewLedgerMetrics registers the ledger instruments on the global meter.
func NewLedgerMetrics() *LedgerMetrics { return newLedgerMetrics(Meter(ScopeLedger)) }

func newLedgerMetrics(m metric.Meter) *LedgerMetrics {
	appends, _ := m.Int64Counter("spanledger.ledger.appends",
		metric.WithDescription("Spans appended, by entity type and whether they are signed"),
	)
	rejected, _ := m.Int64Counter("spanledger.ledger.rejected",
		metric.WithDescription("Appends refused before or by the store, by error kind"),
	)
	return &LedgerMetrics{appends: appends, rejected: rejected}
}

// Appended records one persisted span.
func (l *LedgerMetrics) Appended(ctx context.Context, entityType string, signed bool) {
	l.appends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.Bool("signed", signed),
	))
}

// Rejected records one refused append.
func (l *LedgerMetrics) Rejected(ctx context.Context, entityType, kind string) {
	l.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("kind", kind),
	))
}
