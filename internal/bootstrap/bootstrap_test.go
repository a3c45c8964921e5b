package bootstrap_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/spanledger/internal/bootstrap"
	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/kernel"
	"github.com/ashita-ai/spanledger/internal/ledger"
	"github.com/ashita-ai/spanledger/internal/ledger/ledgertest"
	"github.com/ashita-ai/spanledger/internal/model"
	"github.com/ashita-ai/spanledger/internal/testutil"
)

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	mem    *ledgertest.Memory
	ledger *ledger.Ledger
	reg    *kernel.Registry
	signer *integrity.Signer
	calls  atomic.Int32
}

func newFixture(t *testing.T, allowed ...string) *fixture {
	t.Helper()
	signer, err := integrity.GenerateSigner()
	require.NoError(t, err)

	f := &fixture{mem: ledgertest.New(), reg: kernel.NewRegistry(), signer: signer}
	f.ledger = ledger.New(f.mem, ledger.Options{
		Identity: model.Identity{UserID: "user:ops", TenantID: "acme"},
		Clock:    func() time.Time { return now },
		Logger:   testutil.TestLogger(),
	})

	ids := make([]any, len(allowed))
	for i, id := range allowed {
		ids[i] = id
	}
	manifestSpan := model.Span{
		ID: "manifest-1", EntityType: model.EntityManifest, Who: "user:ops", This: "policy",
		At: now.Add(-time.Hour), Metadata: map[string]any{"allowed_boot_ids": ids},
	}
	require.NoError(t, signer.Sign(&manifestSpan))
	f.mem.Put(manifestSpan)

	f.reg.Register("fn-a", func(context.Context, *kernel.Context, any) (any, error) {
		f.calls.Add(1)
		return map[string]any{"ok": true}, nil
	})
	return f
}

// putFunction stores a signed function span for id.
func (f *fixture) putFunction(t *testing.T, id string, mutate func(*model.Span)) model.Span {
	t.Helper()
	fn := model.Span{
		ID: id, EntityType: model.EntityFunction, Who: "user:ops", Did: "defined", This: id,
		At: now.Add(-30 * time.Minute), Code: id, OwnerID: "user:ops", TenantID: "acme",
		Visibility: model.VisibilityShared,
	}
	require.NoError(t, f.signer.Sign(&fn))
	if mutate != nil {
		mutate(&fn)
	}
	f.mem.Put(fn)
	return fn
}

func (f *fixture) loader(cfg bootstrap.Config) *bootstrap.Loader {
	return bootstrap.New(f.ledger, f.reg, cfg, testutil.TestLogger())
}

func TestBoot_Success(t *testing.T) {
	f := newFixture(t, "fn-a")
	f.putFunction(t, "fn-a", nil)

	res, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{FunctionID: "fn-a", Event: map[string]any{"n": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, res.Value)
	assert.Equal(t, bootstrap.StateDone, res.State)
	assert.Equal(t, []bootstrap.State{
		bootstrap.StateResolvingManifest, bootstrap.StateCheckingAllowlist, bootstrap.StateFetchingFunction,
		bootstrap.StateVerifying, bootstrap.StateExecuting, bootstrap.StateRecording, bootstrap.StateDone,
	}, res.Trace)
	assert.Equal(t, int32(1), f.calls.Load())

	events := f.mem.ByType(model.EntityBootEvent)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, res.BootEventID, ev.ID)
	assert.Equal(t, bootstrap.DefaultActor, ev.Who)
	assert.Equal(t, "booted", ev.Did)
	assert.Equal(t, "stage0", ev.This)
	assert.Equal(t, model.StatusComplete, ev.Status)
	assert.Equal(t, []string{"fn-a"}, ev.RelatedTo)
	assert.Equal(t, map[string]any{"ok": true}, ev.Output)
	assert.Equal(t, map[string]any{"boot_id": "fn-a", "event": map[string]any{"n": 1.0}}, ev.Input)
	assert.Equal(t, model.VisibilityShared, ev.Visibility, "boot_event inherits the function's visibility")
	assert.Equal(t, "acme", ev.TenantID)
}

func TestBoot_NotInAllowlist(t *testing.T) {
	f := newFixture(t, "fn-a")
	f.putFunction(t, "fn-a", nil)
	f.putFunction(t, "fn-b", nil)
	f.reg.Register("fn-b", func(context.Context, *kernel.Context, any) (any, error) {
		f.calls.Add(1)
		return nil, nil
	})

	res, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{FunctionID: "fn-b"})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindNotAuthorized))
	assert.Equal(t, bootstrap.StateFailed, res.State)
	assert.Equal(t, 0, f.mem.QueriedTypes(model.EntityFunction), "an unlisted id must never be fetched")
	assert.Equal(t, int32(0), f.calls.Load())

	events := f.mem.ByType(model.EntityBootEvent)
	require.Len(t, events, 1)
	assert.Equal(t, "denied", events[0].Did)
	assert.Equal(t, model.StatusViolation, events[0].Status)
	assert.Equal(t, "CHECKING_ALLOWLIST", events[0].MetadataMap()["failed_at"])
}

func TestBoot_NoManifestDeniesEverything(t *testing.T) {
	f := &fixture{mem: ledgertest.New(), reg: kernel.NewRegistry()}
	f.ledger = ledger.New(f.mem, ledger.Options{Clock: func() time.Time { return now }, Logger: testutil.TestLogger()})

	_, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{FunctionID: "fn-a"})
	assert.True(t, model.IsKind(err, model.KindNotAuthorized))
}

func TestBoot_TamperedHashNeverExecutes(t *testing.T) {
	f := newFixture(t, "fn-a")
	f.putFunction(t, "fn-a", func(s *model.Span) {
		flipped := byte('0')
		if s.CurrHash[0] == '0' {
			flipped = '1'
		}
		s.CurrHash = string(flipped) + s.CurrHash[1:]
	})

	res, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{FunctionID: "fn-a"})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindIntegrity))
	assert.ErrorContains(t, err, "hash mismatch")
	assert.Equal(t, int32(0), f.calls.Load(), "code must not run after failed verification")
	assert.NotContains(t, res.Trace, bootstrap.StateExecuting)

	events := f.mem.ByType(model.EntityBootEvent)
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusViolation, events[0].Status)
}

func TestBoot_TamperedContentNeverExecutes(t *testing.T) {
	f := newFixture(t, "fn-a")
	f.putFunction(t, "fn-a", func(s *model.Span) { s.Name = "renamed after signing" })

	_, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{FunctionID: "fn-a"})
	assert.True(t, model.IsKind(err, model.KindIntegrity))
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestBoot_FunctionNotFound(t *testing.T) {
	f := newFixture(t, "fn-a")

	res, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{FunctionID: "fn-a"})
	assert.True(t, model.IsKind(err, model.KindNotFound))
	assert.NotEmpty(t, res.BootEventID)
	require.Len(t, f.mem.ByType(model.EntityBootEvent), 1)
	assert.Equal(t, model.StatusError, f.mem.ByType(model.EntityBootEvent)[0].Status)
}

func TestBoot_LatestRevisionWins(t *testing.T) {
	f := newFixture(t, "fn-a")
	f.putFunction(t, "fn-a", nil)
	f.reg.Register("fn-a-v2", func(context.Context, *kernel.Context, any) (any, error) { return "v2", nil })
	v2 := model.Span{
		ID: "fn-a", Seq: 1, EntityType: model.EntityFunction, Who: "user:ops", This: "fn-a",
		At: now.Add(-time.Hour), Code: "fn-a-v2",
	}
	require.NoError(t, f.signer.Sign(&v2))
	f.mem.Put(v2)

	res, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{FunctionID: "fn-a"})
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Value, "highest seq wins even with an older at")
}

func TestBoot_TrustPolicy(t *testing.T) {
	t.Run("unsigned rejected when signatures required", func(t *testing.T) {
		f := newFixture(t, "fn-a")
		f.putFunction(t, "fn-a", func(s *model.Span) { *s = s.WithoutIntegrity() })

		_, err := f.loader(bootstrap.Config{Trust: bootstrap.TrustPolicy{RequireSignature: true}}).
			Boot(context.Background(), bootstrap.Request{FunctionID: "fn-a"})
		assert.True(t, model.IsKind(err, model.KindIntegrity))
		assert.Equal(t, int32(0), f.calls.Load())
	})

	t.Run("unsigned allowed by default", func(t *testing.T) {
		f := newFixture(t, "fn-a")
		f.putFunction(t, "fn-a", func(s *model.Span) { *s = s.WithoutIntegrity() })

		_, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{FunctionID: "fn-a"})
		assert.NoError(t, err)
	})

	t.Run("untrusted key", func(t *testing.T) {
		f := newFixture(t, "fn-a")
		f.putFunction(t, "fn-a", nil)
		other, err := integrity.GenerateSigner()
		require.NoError(t, err)

		_, err = f.loader(bootstrap.Config{Trust: bootstrap.TrustPolicy{TrustedKeys: []string{other.PublicKeyHex()}}}).
			Boot(context.Background(), bootstrap.Request{FunctionID: "fn-a"})
		assert.True(t, model.IsKind(err, model.KindIntegrity))
		assert.ErrorContains(t, err, "untrusted key")
	})

	t.Run("trusted key", func(t *testing.T) {
		f := newFixture(t, "fn-a")
		f.putFunction(t, "fn-a", nil)

		_, err := f.loader(bootstrap.Config{Trust: bootstrap.TrustPolicy{TrustedKeys: []string{f.signer.PublicKeyHex()}}}).
			Boot(context.Background(), bootstrap.Request{FunctionID: "fn-a"})
		assert.NoError(t, err)
	})
}

func TestBoot_ExecutionError(t *testing.T) {
	f := newFixture(t, "fn-err")
	f.putFunction(t, "fn-err", nil)
	f.reg.Register("fn-err", func(context.Context, *kernel.Context, any) (any, error) {
		return nil, errors.New("bad input")
	})

	res, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{FunctionID: "fn-err"})
	assert.True(t, model.IsKind(err, model.KindExecution))
	assert.ErrorContains(t, err, "bad input")
	assert.NotEmpty(t, res.BootEventID)

	events := f.mem.ByType(model.EntityBootEvent)
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusError, events[0].Status)
	assert.Equal(t, "failed", events[0].Did)
	assert.Equal(t, "execution_error", events[0].Error.(map[string]any)["kind"])
}

func TestBoot_Panic(t *testing.T) {
	f := newFixture(t, "fn-panic")
	f.putFunction(t, "fn-panic", nil)
	f.reg.Register("fn-panic", func(context.Context, *kernel.Context, any) (any, error) {
		panic("kaboom")
	})

	_, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{FunctionID: "fn-panic"})
	assert.True(t, model.IsKind(err, model.KindExecution))
	assert.ErrorContains(t, err, "kaboom")
	assert.Len(t, f.mem.ByType(model.EntityBootEvent), 1)
}

func TestBoot_Timeout(t *testing.T) {
	f := newFixture(t, "fn-slow")
	f.putFunction(t, "fn-slow", nil)
	f.reg.Register("fn-slow", func(ctx context.Context, _ *kernel.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := f.loader(bootstrap.Config{Timeout: 20 * time.Millisecond}).
		Boot(context.Background(), bootstrap.Request{FunctionID: "fn-slow"})
	assert.True(t, model.IsKind(err, model.KindExecutionTimeout))

	events := f.mem.ByType(model.EntityBootEvent)
	require.Len(t, events, 1, "a timeout is recorded like any other execution failure")
	assert.Equal(t, model.StatusError, events[0].Status)
}

func TestBoot_CallerCancelLeavesNoTrace(t *testing.T) {
	f := newFixture(t, "fn-slow")
	f.putFunction(t, "fn-slow", nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.reg.Register("fn-slow", func(ctx context.Context, _ *kernel.Context, _ any) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := f.loader(bootstrap.Config{}).Boot(ctx, bootstrap.Request{FunctionID: "fn-slow"})
	assert.Error(t, err)
	assert.Empty(t, f.mem.ByType(model.EntityBootEvent))
}

func TestBoot_RecordingFailurePropagates(t *testing.T) {
	f := newFixture(t, "fn-a")
	f.putFunction(t, "fn-a", nil)
	f.mem.InsertHook = func(s model.Span) error {
		if s.EntityType == model.EntityBootEvent {
			return errors.New("disk full")
		}
		return nil
	}

	res, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{FunctionID: "fn-a"})
	assert.True(t, model.IsKind(err, model.KindStore))
	assert.Equal(t, bootstrap.StateFailed, res.State)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Empty(t, res.BootEventID)
}

func TestBoot_SignedBootEvent(t *testing.T) {
	f := newFixture(t, "fn-a")
	f.putFunction(t, "fn-a", nil)
	f.ledger = ledger.New(f.mem, ledger.Options{
		Signer: f.signer,
		Clock:  func() time.Time { return now },
		Logger: testutil.TestLogger(),
	})

	_, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{FunctionID: "fn-a"})
	require.NoError(t, err)
	ev := f.mem.ByType(model.EntityBootEvent)[0]
	assert.True(t, ev.Signed())
	assert.NoError(t, integrity.Verify(ev))
}

func TestBoot_RequiresFunctionID(t *testing.T) {
	f := newFixture(t)
	_, err := f.loader(bootstrap.Config{}).Boot(context.Background(), bootstrap.Request{})
	assert.True(t, model.IsKind(err, model.KindValidation))
	assert.Empty(t, f.mem.ByType(model.EntityBootEvent))
}
