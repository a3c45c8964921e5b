package manifest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/ledger"
	"github.com/ashita-ai/spanledger/internal/ledger/ledgertest"
	"github.com/ashita-ai/spanledger/internal/manifest"
	"github.com/ashita-ai/spanledger/internal/model"
	"github.com/ashita-ai/spanledger/internal/testutil"
)

func manifestSpan(id string, at time.Time, meta map[string]any) model.Span {
	return model.Span{ID: id, EntityType: model.EntityManifest, Who: "user:admin", This: "boot", At: at, Metadata: meta}
}

func TestLatest_NoManifest(t *testing.T) {
	mem := ledgertest.New()
	r := manifest.NewResolver(ledger.New(mem, ledger.Options{}), testutil.TestLogger())

	m, err := r.Latest(context.Background())
	require.NoError(t, err)
	assert.Empty(t, m.AllowedBootIDs)
	assert.False(t, m.Allows("fn-a"))
	assert.Equal(t, manifest.DefaultSlowMs, m.Policy.SlowMs)
}

func TestLatest_PicksNewest(t *testing.T) {
	mem := ledgertest.New()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mem.Put(
		manifestSpan("m1", t0, map[string]any{"allowed_boot_ids": []any{"old"}}),
		manifestSpan("m2", t0.Add(time.Hour), map[string]any{
			"allowed_boot_ids": []any{"fn-a"},
			"policy":           map[string]any{"slow_ms": 250.0, "max_retries": 3.0},
		}),
	)
	r := manifest.NewResolver(ledger.New(mem, ledger.Options{}), testutil.TestLogger())

	m, err := r.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m2", m.SpanID)
	assert.True(t, m.Allows("fn-a"))
	assert.False(t, m.Allows("old"))
	assert.Equal(t, int64(250), m.Policy.SlowMs)
	assert.Equal(t, 3.0, m.Knob("max_retries"))
	assert.Nil(t, m.Knob("unknown"))
}

func TestLatest_TamperedManifest(t *testing.T) {
	signer, err := integrity.GenerateSigner()
	require.NoError(t, err)
	s := manifestSpan("m1", time.Now().UTC(), map[string]any{"allowed_boot_ids": []any{"fn-a"}})
	require.NoError(t, signer.Sign(&s))
	s.Metadata = map[string]any{"allowed_boot_ids": []any{"fn-a", "fn-evil"}}

	mem := ledgertest.New()
	mem.Put(s)
	r := manifest.NewResolver(ledger.New(mem, ledger.Options{}), testutil.TestLogger())

	_, err = r.Latest(context.Background())
	assert.True(t, model.IsKind(err, model.KindIntegrity))
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]any{
		"metadata not object":   "nope",
		"allowlist not array":   map[string]any{"allowed_boot_ids": "fn-a"},
		"allowlist not strings": map[string]any{"allowed_boot_ids": []any{1.0}},
		"slow_ms not number":    map[string]any{"policy": map[string]any{"slow_ms": "fast"}},
	}
	for name, meta := range cases {
		_, err := manifest.Decode(model.Span{Metadata: meta})
		assert.Error(t, err, name)
	}
}
