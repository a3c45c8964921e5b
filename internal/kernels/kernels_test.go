package kernels_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/spanledger/internal/kernel"
	"github.com/ashita-ai/spanledger/internal/kernels"
	"github.com/ashita-ai/spanledger/internal/ledger"
	"github.com/ashita-ai/spanledger/internal/ledger/ledgertest"
	"github.com/ashita-ai/spanledger/internal/model"
	"github.com/ashita-ai/spanledger/internal/testutil"
)

var now = time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)

func setup(t *testing.T, opts kernels.Options) (*kernel.Registry, *kernel.Context, *ledgertest.Memory) {
	t.Helper()
	mem := ledgertest.New()
	l := ledger.New(mem, ledger.Options{
		Identity: model.Identity{UserID: "user:ops", TenantID: "acme"},
		Clock:    func() time.Time { return now },
		Logger:   testutil.TestLogger(),
	})
	opts.Logger = testutil.TestLogger()
	reg := kernel.NewRegistry()
	kernels.Register(reg, opts)
	return reg, kernel.NewContext(l, "kernel:test"), mem
}

func call(t *testing.T, reg *kernel.Registry, kc *kernel.Context, name string, event any) (map[string]any, error) {
	t.Helper()
	f, err := reg.Load(model.Span{ID: "fn-" + name, Code: name})
	require.NoError(t, err)
	out, err := f(context.Background(), kc, event)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	require.True(t, ok, "kernels return objects")
	return m, nil
}

func TestRegister(t *testing.T) {
	reg, _, _ := setup(t, kernels.Options{})
	assert.Equal(t, []string{"observer_bot", "policy_agent", "provider_exec", "request_worker", "run_code"}, reg.Names())
}

func TestObserverBot(t *testing.T) {
	reg, kc, mem := setup(t, kernels.Options{})
	for i := 0; i < 3; i++ {
		mem.Put(model.Span{ID: fmt.Sprintf("n%d", i), EntityType: "note", Who: "u", This: "x", At: now.Add(-time.Duration(i+1) * time.Minute)})
	}
	mem.Put(
		model.Span{ID: "r1", EntityType: model.EntityRequest, Who: "u", This: "x", At: now.Add(-10 * time.Minute)},
		model.Span{ID: "old", EntityType: "note", Who: "u", This: "x", At: now.Add(-2 * time.Hour)},
	)

	out, err := call(t, reg, kc, kernels.ObserverBot, nil)
	require.NoError(t, err)
	summary := out["observations"].([]kernels.Activity)
	require.Len(t, summary, 2)
	assert.Equal(t, kernels.Activity{EntityType: "note", Count: 3, Latest: "2026-08-20T14:59:00.000000Z"}, summary[0])
	assert.Equal(t, "request", summary[1].EntityType)

	obs := mem.ByType(model.EntityObservation)
	require.Len(t, obs, 1)
	assert.Equal(t, "kernel:observer_bot", obs[0].Who)
	assert.Equal(t, "timeline_activity", obs[0].This)
	assert.Equal(t, "user:ops", obs[0].OwnerID)
	assert.Equal(t, model.VisibilityPrivate, obs[0].Visibility)
	assert.Equal(t, out["span_id"], obs[0].ID)
}

func TestPolicyAgent(t *testing.T) {
	reg, kc, mem := setup(t, kernels.Options{})
	mem.Put(model.Span{
		ID: "m", EntityType: model.EntityManifest, Who: "u", This: "policy", At: now.Add(-time.Hour),
		Metadata: map[string]any{"policy": map[string]any{"slow_ms": 100.0}},
	})
	dur := func(ms int64) *int64 { return &ms }
	mem.Put(
		model.Span{ID: "fast", EntityType: model.EntityExecution, Who: "u", This: "run", At: now.Add(-time.Minute), DurationMs: dur(50)},
		model.Span{ID: "slow", EntityType: model.EntityExecution, Who: "u", This: "run", At: now.Add(-time.Minute), DurationMs: dur(400)},
		model.Span{ID: "slower", EntityType: model.EntityExecution, Who: "u", This: "run", At: now.Add(-2 * time.Minute), DurationMs: dur(900)},
		model.Span{ID: "stale", EntityType: model.EntityExecution, Who: "u", This: "run", At: now.Add(-3 * time.Hour), DurationMs: dur(900)},
	)

	out, err := call(t, reg, kc, kernels.PolicyAgent, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), out["policy_threshold_ms"])
	assert.Equal(t, 2, out["violations_count"])
	violations := out["violations"].([]kernels.Violation)
	assert.Equal(t, "slower", violations[0].ID)
	assert.Equal(t, "slow", violations[1].ID)

	checks := mem.ByType(model.EntityPolicyCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, model.StatusViolation, checks[0].Status)
	assert.Equal(t, []string{"m"}, checks[0].RelatedTo)
}

func TestPolicyAgent_DefaultThresholdNoViolations(t *testing.T) {
	reg, kc, mem := setup(t, kernels.Options{})
	ms := int64(4000)
	mem.Put(model.Span{ID: "e", EntityType: model.EntityExecution, Who: "u", This: "run", At: now, DurationMs: &ms})

	out, err := call(t, reg, kc, kernels.PolicyAgent, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), out["policy_threshold_ms"])
	assert.Equal(t, 0, out["violations_count"])
	assert.Equal(t, model.StatusComplete, mem.ByType(model.EntityPolicyCheck)[0].Status)
}

func TestRequestWorker(t *testing.T) {
	reg, kc, mem := setup(t, kernels.Options{RequestBatchSize: 2})
	for i := 0; i < 3; i++ {
		mem.Put(model.Span{
			ID: fmt.Sprintf("req-%d", i), EntityType: model.EntityRequest, Who: "u", This: "job",
			At: now.Add(time.Duration(i-10) * time.Minute), Status: model.StatusPending,
		})
	}

	out, err := call(t, reg, kc, kernels.RequestWorker, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out["processed_count"])

	latest, err := ledger.New(mem, ledger.Options{}).Latest(context.Background(), "req-0", "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, latest.Status)
	assert.Equal(t, map[string]any{"request_id": "req-0", "processed_at": "2026-08-20T15:00:00.000000Z"}, latest.Output)

	out, err = call(t, reg, kc, kernels.RequestWorker, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out["processed_count"])
}

type failingProvider struct{}

func (failingProvider) Do(context.Context, string, any) (any, error) {
	return nil, errors.New("quota exceeded")
}

func TestProviderExec(t *testing.T) {
	reg, kc, mem := setup(t, kernels.Options{Providers: map[string]kernels.Provider{"flaky": failingProvider{}}})

	out, err := call(t, reg, kc, kernels.ProviderExec, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "status", out["action"])
	assert.Equal(t, "default", out["provider"])

	_, err = call(t, reg, kc, kernels.ProviderExec, map[string]any{"action": "restart", "provider": "flaky"})
	assert.ErrorContains(t, err, "quota exceeded")

	_, err = call(t, reg, kc, kernels.ProviderExec, map[string]any{"provider": "nope"})
	assert.ErrorContains(t, err, "unknown provider")

	actions := mem.ByType(model.EntityProvider)
	require.Len(t, actions, 3)
	assert.Equal(t, "status", actions[0].Did)
	assert.Equal(t, "default", actions[0].This)
	assert.Equal(t, model.StatusComplete, actions[0].Status)
	assert.Equal(t, "restart", actions[1].Did)
	assert.Equal(t, model.StatusError, actions[1].Status)
	assert.Equal(t, model.StatusError, actions[2].Status)
}

func TestRunCode(t *testing.T) {
	reg, kc, mem := setup(t, kernels.Options{})

	out, err := call(t, reg, kc, kernels.RunCode, map[string]any{
		"code":  "event: x: int\noutput: event.x + 1",
		"input": map[string]any{"x": 41},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 42.0, out["output"])

	execs := mem.ByType(model.EntityExecution)
	require.Len(t, execs, 1)
	assert.Equal(t, "user:ops", execs[0].Who)
	assert.Equal(t, model.StatusComplete, execs[0].Status)
	assert.NotNil(t, execs[0].DurationMs)
}

func TestRunCode_FailureIsRecorded(t *testing.T) {
	reg, kc, mem := setup(t, kernels.Options{})

	out, err := call(t, reg, kc, kernels.RunCode, map[string]any{"body": map[string]any{"code": "output: {"}})
	require.NoError(t, err)
	assert.Equal(t, false, out["success"])

	execs := mem.ByType(model.EntityExecution)
	require.Len(t, execs, 1)
	assert.Equal(t, model.StatusError, execs[0].Status)
	assert.Equal(t, "failed", execs[0].Did)
}

func TestRunCode_TruncatesStoredCode(t *testing.T) {
	reg, kc, mem := setup(t, kernels.Options{})
	code := "output: 1\n// " + strings.Repeat("é", 2000)

	_, err := call(t, reg, kc, kernels.RunCode, map[string]any{"code": code})
	require.NoError(t, err)
	stored := mem.ByType(model.EntityExecution)[0].Input.(map[string]any)["code"].(string)
	assert.Equal(t, 1000, len([]rune(stored)))
}

func TestRunCode_RequiresCode(t *testing.T) {
	reg, kc, _ := setup(t, kernels.Options{})
	_, err := call(t, reg, kc, kernels.RunCode, map[string]any{})
	assert.ErrorContains(t, err, "no code provided")
}
