// Package bootstrap loads a function span from the ledger and runs it, but
// only after the manifest allowlist admits it and its hash and signature
// verify. Every attempt that gets as far as the allowlist check leaves
// exactly one boot_event span behind, whatever the outcome.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/kernel"
	"github.com/ashita-ai/spanledger/internal/manifest"
	"github.com/ashita-ai/spanledger/internal/model"
	"github.com/ashita-ai/spanledger/internal/telemetry"
)

// State is a step of the boot state machine.
type State string

const (
	StateResolvingManifest State = "RESOLVING_MANIFEST"
	StateCheckingAllowlist State = "CHECKING_ALLOWLIST"
	StateFetchingFunction  State = "FETCHING_FUNCTION"
	StateVerifying         State = "VERIFYING"
	StateExecuting         State = "EXECUTING"
	StateRecording         State = "RECORDING"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

const (
	// DefaultTimeout bounds a single execution when Config.Timeout is zero.
	DefaultTimeout = 30 * time.Second
	// DefaultActor is the "who" of boot_event spans.
	DefaultActor = "edge:stage0"

	bootThis = "stage0"
)

// Request asks for one function to be booted with an opaque event.
type Request struct {
	FunctionID string `json:"function_id"`
	Event      any    `json:"event,omitempty"`
}

// Result describes a boot attempt. On failure it is returned alongside the
// error so callers can still see how far the attempt got.
type Result struct {
	FunctionID  string  `json:"function_id"`
	Value       any     `json:"value,omitempty"`
	BootEventID string  `json:"boot_event_id,omitempty"`
	State       State   `json:"state"`
	Trace       []State `json:"trace"`
	DurationMs  int64   `json:"duration_ms"`
}

// TrustPolicy tightens verification beyond hash and signature checks.
type TrustPolicy struct {
	// RequireSignature rejects unsigned function spans.
	RequireSignature bool
	// TrustedKeys, when non-empty, lists the hex public keys a function
	// span may be signed with. It implies RequireSignature.
	TrustedKeys []string
}

// Config configures a Loader.
type Config struct {
	Timeout time.Duration
	Trust   TrustPolicy
	Actor   string
}

// Loader runs the boot state machine against a ledger.
type Loader struct {
	ledger   kernel.Ledger
	resolver *manifest.Resolver
	exec     kernel.Executor
	cfg      Config
	logger   *slog.Logger

	tracer  trace.Tracer
	metrics *telemetry.BootMetrics
}

// New creates a Loader. exec turns verified function spans into code.
func New(l kernel.Ledger, exec kernel.Executor, cfg Config, logger *slog.Logger) *Loader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Actor == "" {
		cfg.Actor = DefaultActor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		ledger:   l,
		resolver: manifest.NewResolver(l, logger),
		exec:     exec,
		cfg:      cfg,
		logger:   logger,
		tracer:   telemetry.Tracer(telemetry.ScopeBootstrap),
		metrics:  telemetry.NewBootMetrics(),
	}
}

// attempt carries one boot through the state machine.
type attempt struct {
	req    Request
	res    Result
	fn     *model.Span
	policy manifest.Manifest
	start  time.Time
}

func (a *attempt) enter(s State) {
	a.res.State = s
	a.res.Trace = append(a.res.Trace, s)
}

// Boot runs req.FunctionID through RESOLVING_MANIFEST, CHECKING_ALLOWLIST,
// FETCHING_FUNCTION, VERIFYING, EXECUTING and RECORDING. Errors are
// *model.Error values: NotAuthorized, NotFound, IntegrityError,
// ExecutionError, ExecutionTimeout, or StoreError when the boot_event
// could not be written.
func (l *Loader) Boot(ctx context.Context, req Request) (Result, error) {
	ctx, span := l.tracer.Start(ctx, "bootstrap.Boot",
		trace.WithAttributes(attribute.String("spanledger.function_id", req.FunctionID)),
	)
	defer span.End()

	a := &attempt{req: req, res: Result{FunctionID: req.FunctionID}, start: l.ledger.Now()}
	res, err := l.run(ctx, a)

	outcome := "ok"
	if err != nil {
		outcome = string(model.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	l.metrics.Attempt(ctx, req.FunctionID, outcome)
	return res, err
}

func (l *Loader) run(ctx context.Context, a *attempt) (Result, error) {
	if a.req.FunctionID == "" {
		a.enter(StateFailed)
		return a.res, model.NewError(model.KindValidation, "function id is required")
	}

	a.enter(StateResolvingManifest)
	m, err := l.resolver.Latest(ctx)
	if err != nil {
		a.enter(StateFailed)
		l.logger.Error("bootstrap: resolve manifest", "function_id", a.req.FunctionID, "error", err)
		return a.res, err
	}
	a.policy = m

	a.enter(StateCheckingAllowlist)
	if !m.Allows(a.req.FunctionID) {
		cause := model.NewError(model.KindNotAuthorized,
			fmt.Sprintf("function %q is not in the manifest allowlist", a.req.FunctionID))
		l.logger.Warn("bootstrap: boot denied", "function_id", a.req.FunctionID, "manifest_id", m.SpanID)
		return l.fail(ctx, a, cause)
	}

	a.enter(StateFetchingFunction)
	fn, err := l.fetch(ctx, a.req.FunctionID)
	if err != nil {
		return l.fail(ctx, a, err)
	}
	a.fn = &fn

	a.enter(StateVerifying)
	if err := l.verify(fn); err != nil {
		l.logger.Error("bootstrap: verification failed", "function_id", fn.ID, "seq", fn.Seq, "error", err)
		return l.fail(ctx, a, err)
	}

	a.enter(StateExecuting)
	value, err := l.execute(ctx, fn, a.req.Event)
	if ctx.Err() != nil {
		// Cancelled by the caller before anything was recorded.
		a.enter(StateFailed)
		return a.res, model.WrapError(model.KindExecution, "boot cancelled", ctx.Err())
	}
	a.res.DurationMs = l.ledger.Now().Sub(a.start).Milliseconds()
	l.metrics.Executed(ctx, fn.ID, a.res.DurationMs)
	if err != nil {
		l.logger.Error("bootstrap: execution failed", "function_id", fn.ID, "error", err)
		return l.fail(ctx, a, err)
	}
	a.res.Value = value

	a.enter(StateRecording)
	ev, err := l.record(ctx, a, nil)
	if err != nil {
		a.enter(StateFailed)
		return a.res, err
	}
	a.res.BootEventID = ev.ID
	a.enter(StateDone)
	l.logger.Info("bootstrap: function booted",
		"function_id", fn.ID, "seq", fn.Seq, "boot_event_id", ev.ID, "duration_ms", a.res.DurationMs)
	return a.res, nil
}

// fail records the failed attempt and returns cause. A recording failure
// replaces cause, since losing the boot_event loses the audit trail.
func (l *Loader) fail(ctx context.Context, a *attempt, cause error) (Result, error) {
	a.enter(StateRecording)
	ev, err := l.record(ctx, a, cause)
	a.enter(StateFailed)
	if err != nil {
		l.logger.Error("bootstrap: boot_event not recorded",
			"function_id", a.req.FunctionID, "cause", cause, "error", err)
		return a.res, err
	}
	a.res.BootEventID = ev.ID
	return a.res, cause
}

func (l *Loader) fetch(ctx context.Context, id string) (model.Span, error) {
	spans, err := l.ledger.Query(ctx, model.SpanFilter{
		ID:         &id,
		EntityType: model.Ptr(model.EntityFunction),
		Order:      model.OrderRevisionDesc,
		Limit:      1,
	})
	if err != nil {
		return model.Span{}, model.WrapError(model.KindStore, "fetch function", err)
	}
	if len(spans) == 0 {
		return model.Span{}, model.NewError(model.KindNotFound, fmt.Sprintf("no function span for %q", id))
	}
	return spans[0], nil
}

func (l *Loader) verify(fn model.Span) error {
	if err := integrity.Verify(fn); err != nil {
		return err
	}
	trust := l.cfg.Trust
	if (trust.RequireSignature || len(trust.TrustedKeys) > 0) && !fn.Signed() {
		return model.NewError(model.KindIntegrity, fmt.Sprintf("function %s/%d is unsigned", fn.ID, fn.Seq))
	}
	if len(trust.TrustedKeys) > 0 && !slices.Contains(trust.TrustedKeys, fn.PublicKey) {
		return model.NewError(model.KindIntegrity,
			fmt.Sprintf("function %s/%d is signed by untrusted key %s", fn.ID, fn.Seq, fn.PublicKey))
	}
	return nil
}

// execute loads fn and runs it under the configured timeout. The function
// runs on its own goroutine; on timeout it is abandoned with its context
// cancelled.
func (l *Loader) execute(ctx context.Context, fn model.Span, event any) (any, error) {
	f, err := l.exec.Load(fn)
	if err != nil {
		return nil, &model.Error{Kind: model.KindExecution, Message: fmt.Sprintf("load function %s", fn.ID), Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	kc := kernel.NewContext(l.ledger, "kernel:"+fn.ID)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("bootstrap: function panicked", "function_id", fn.ID, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := f(runCtx, kc, event)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, &model.Error{Kind: model.KindExecution, Message: fmt.Sprintf("function %s failed", fn.ID), Err: o.err}
		}
		return o.value, nil
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &model.Error{
				Kind:    model.KindExecutionTimeout,
				Message: fmt.Sprintf("function %s exceeded %s", fn.ID, l.cfg.Timeout),
				Err:     runCtx.Err(),
			}
		}
		return nil, ctx.Err()
	}
}

// record appends the boot_event for a. cause is nil on success.
func (l *Loader) record(ctx context.Context, a *attempt, cause error) (model.Span, error) {
	id := l.ledger.Identity()
	ev := model.Span{
		EntityType: model.EntityBootEvent,
		Who:        l.cfg.Actor,
		Did:        "booted",
		This:       bootThis,
		OwnerID:    id.UserID,
		TenantID:   id.TenantID,
		Visibility: model.VisibilityPrivate,
		RelatedTo:  []string{a.req.FunctionID},
		Status:     model.StatusComplete,
		Input:      map[string]any{"boot_id": a.req.FunctionID, "event": a.req.Event},
	}
	meta := map[string]any{"trace": a.res.Trace}
	if a.policy.SpanID != "" {
		meta["manifest_id"] = a.policy.SpanID
	}
	if a.fn != nil {
		ev.OwnerID = a.fn.OwnerID
		ev.TenantID = a.fn.TenantID
		if a.fn.Visibility != "" {
			ev.Visibility = a.fn.Visibility
		}
		meta["function_seq"] = a.fn.Seq
		if a.fn.CurrHash != "" {
			meta["function_hash"] = a.fn.CurrHash
		}
	}
	if a.res.State == StateRecording && len(a.res.Trace) > 1 {
		meta["failed_at"] = string(a.res.Trace[len(a.res.Trace)-2])
	}

	if cause == nil {
		ev.Output = a.res.Value
		d := a.res.DurationMs
		ev.DurationMs = &d
		if d > a.policy.Policy.SlowMs && a.policy.Policy.SlowMs > 0 {
			meta["slow"] = true
			l.logger.Warn("bootstrap: slow execution",
				"function_id", a.req.FunctionID, "duration_ms", d, "slow_ms", a.policy.Policy.SlowMs)
		}
		delete(meta, "failed_at")
	} else {
		kind := model.KindOf(cause)
		ev.Error = map[string]any{"kind": string(kind), "message": cause.Error()}
		switch kind {
		case model.KindNotAuthorized:
			ev.Did, ev.Status = "denied", model.StatusViolation
		case model.KindIntegrity:
			ev.Did, ev.Status = "rejected", model.StatusViolation
		default:
			ev.Did, ev.Status = "failed", model.StatusError
		}
		if kind == model.KindExecution || kind == model.KindExecutionTimeout {
			d := a.res.DurationMs
			ev.DurationMs = &d
		}
	}
	ev.Metadata = meta

	out, err := l.ledger.Insert(ctx, ev)
	if err != nil {
		return model.Span{}, model.WrapError(model.KindStore, "record boot_event", err)
	}
	return out, nil
}
