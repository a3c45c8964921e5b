package seed_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/ledger"
	"github.com/ashita-ai/spanledger/internal/ledger/ledgertest"
	"github.com/ashita-ai/spanledger/internal/manifest"
	"github.com/ashita-ai/spanledger/internal/model"
	"github.com/ashita-ai/spanledger/internal/seed"
	"github.com/ashita-ai/spanledger/internal/testutil"
)

func newLedger(t *testing.T) (*ledger.Ledger, *ledgertest.Memory) {
	t.Helper()
	signer, err := integrity.GenerateSigner()
	require.NoError(t, err)
	mem := ledgertest.New()
	return ledger.New(mem, ledger.Options{
		Signer:   signer,
		Identity: model.Identity{UserID: "user:ops"},
		Clock:    func() time.Time { return time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC) },
		Logger:   testutil.TestLogger(),
	}), mem
}

func TestLoadDir(t *testing.T) {
	files, err := seed.LoadDir("testdata")
	require.NoError(t, err)
	require.Len(t, files, 1, "non-yaml files are ignored")
	spans := files[0].Spans
	require.Len(t, spans, 2)
	assert.Equal(t, "fn-observer", spans[0].ID)
	assert.Equal(t, "observer_bot", spans[0].Code)
	assert.NotEmpty(t, spans[1].ID, "ids are derived when absent")

	again, err := seed.Load(filepath.Join("testdata", "functions.yaml"))
	require.NoError(t, err)
	assert.Equal(t, spans[1].ID, again.Spans[1].ID, "derived ids are stable")
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("spans:\n  - id: x\n    colour: red\n"), 0o600))
	_, err := seed.Load(path)
	assert.ErrorContains(t, err, "colour")
}

func TestApply_Idempotent(t *testing.T) {
	l, mem := newLedger(t)
	files, err := seed.LoadDir("testdata")
	require.NoError(t, err)
	ctx := context.Background()

	rep, err := seed.Apply(ctx, l, files, testutil.TestLogger())
	require.NoError(t, err)
	assert.Equal(t, seed.Report{Appended: 2}, rep)

	rep, err = seed.Apply(ctx, l, files, testutil.TestLogger())
	require.NoError(t, err)
	assert.Equal(t, seed.Report{Unchanged: 2}, rep)
	assert.Len(t, mem.Spans(), 2)

	for _, s := range mem.Spans() {
		assert.True(t, s.Signed())
		assert.NoError(t, integrity.Verify(s))
	}

	m, err := manifest.NewResolver(l, testutil.TestLogger()).Latest(ctx)
	require.NoError(t, err)
	assert.True(t, m.Allows("fn-observer"))
	assert.Equal(t, int64(2500), m.Policy.SlowMs)
}

func TestApply_ChangedSpanAppendsRevision(t *testing.T) {
	l, mem := newLedger(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "fn.yml")
	write := func(code string) []seed.File {
		body := "spans:\n  - id: fn-x\n    entity_type: function\n    who: user:ops\n    this: fn-x\n    code: " + code + "\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		files, err := seed.LoadDir(dir)
		require.NoError(t, err)
		return files
	}

	_, err := seed.Apply(ctx, l, write("observer_bot"), testutil.TestLogger())
	require.NoError(t, err)
	rep, err := seed.Apply(ctx, l, write("policy_agent"), testutil.TestLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Appended)

	latest, err := l.Latest(ctx, "fn-x", model.EntityFunction)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Seq)
	assert.Equal(t, "policy_agent", latest.Code)
	assert.Len(t, mem.Spans(), 2)
}

func TestApply_TamperedPresignedSpan(t *testing.T) {
	l, _ := newLedger(t)
	signer, err := integrity.GenerateSigner()
	require.NoError(t, err)
	s := model.Span{ID: "fn-y", EntityType: model.EntityFunction, Who: "user:ops", This: "fn-y", Code: "a",
		At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, signer.Sign(&s))
	s.Code = "b"

	_, err = seed.Apply(context.Background(), l, []seed.File{{Path: "inline", Spans: []model.Span{s}}}, testutil.TestLogger())
	assert.True(t, model.IsKind(err, model.KindIntegrity))
}

func TestApply_PresignedSpanKeepsItsSignature(t *testing.T) {
	l, mem := newLedger(t)
	author, err := integrity.GenerateSigner()
	require.NoError(t, err)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	apply := func(s model.Span) error {
		_, err := seed.Apply(context.Background(), l, []seed.File{{Path: "inline", Spans: []model.Span{s}}}, testutil.TestLogger())
		return err
	}

	ownerless := model.Span{ID: "fn-z", EntityType: model.EntityFunction, Who: "user:ops", This: "fn-z", Code: "a", At: at}
	require.NoError(t, author.Sign(&ownerless))
	err = apply(ownerless)
	assert.True(t, model.IsKind(err, model.KindValidation), "got %v", err)
	assert.Empty(t, mem.Spans())

	owned := model.Span{ID: "fn-z", EntityType: model.EntityFunction, Who: "user:ops", This: "fn-z", Code: "a", At: at,
		OwnerID: "user:ops", Visibility: model.VisibilityPublic}
	require.NoError(t, author.Sign(&owned))
	require.NoError(t, apply(owned))
	require.Len(t, mem.Spans(), 1)
	assert.Equal(t, author.PublicKeyHex(), mem.Spans()[0].PublicKey)
	assert.NoError(t, integrity.Verify(mem.Spans()[0]))
}

func TestApply_ValidationError(t *testing.T) {
	l, mem := newLedger(t)
	_, err := seed.Apply(context.Background(), l, []seed.File{{Path: "inline", Spans: []model.Span{{ID: "x", EntityType: "note"}}}}, testutil.TestLogger())
	assert.True(t, model.IsKind(err, model.KindValidation))
	assert.Empty(t, mem.Spans())
}
