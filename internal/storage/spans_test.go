package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/model"
	"github.com/ashita-ai/spanledger/internal/storage"
	"github.com/ashita-ai/spanledger/internal/testutil"
)

// container is nil when no container runtime is available; integration tests
// skip themselves in that case.
var container *testutil.TestContainer

func TestMain(m *testing.M) {
	tc, err := testutil.StartPostgres()
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage: integration tests disabled: %v\n", err)
	}
	container = tc
	code := m.Run()
	if container != nil {
		container.Terminate()
	}
	os.Exit(code)
}

func openDB(t *testing.T, session storage.Session) *storage.DB {
	t.Helper()
	if container == nil {
		t.Skip("no container runtime")
	}
	ctx := context.Background()
	db, err := container.NewTestDB(ctx, session, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(ctx) })
	return db
}

func newSpan(entityType string) model.Span {
	return model.Span{
		ID:         uuid.NewString(),
		EntityType: entityType,
		Who:        "user:alice",
		Did:        "wrote",
		This:       "thing",
		At:         time.Now().UTC().Truncate(time.Microsecond),
		Visibility: model.VisibilityPublic,
	}
}

func TestInsertSpan_RoundTripVerifies(t *testing.T) {
	db := openDB(t, storage.Session{UserID: "user:alice"})
	ctx := context.Background()
	signer, err := integrity.GenerateSigner()
	require.NoError(t, err)

	s := newSpan("function")
	s.Input = map[string]any{"n": 1.0, "tags": []any{"a"}}
	s.Metadata = map[string]any{"runtime": "go"}
	s.DurationMs = model.Ptr(int64(12))
	s.RelatedTo = []string{"x", "y"}
	require.NoError(t, signer.Sign(&s))

	got, err := db.InsertSpan(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.At, got.At)
	assert.Equal(t, []string{"x", "y"}, got.RelatedTo)
	assert.NoError(t, integrity.Verify(got), "persisted row must verify against its signature")

	read, err := db.QuerySpans(ctx, model.SpanFilter{ID: &s.ID})
	require.NoError(t, err)
	require.Len(t, read, 1)
	assert.NoError(t, integrity.Verify(read[0]))
	assert.Equal(t, "", read[0].ParentID)
	assert.Nil(t, read[0].Output)
}

func TestInsertSpan_DuplicateRevision(t *testing.T) {
	db := openDB(t, storage.Session{UserID: "user:alice"})
	ctx := context.Background()

	s := newSpan("request")
	_, err := db.InsertSpan(ctx, s)
	require.NoError(t, err)

	_, err = db.InsertSpan(ctx, s)
	assert.ErrorIs(t, err, model.ErrDuplicate)

	s.Seq = 1
	_, err = db.InsertSpan(ctx, s)
	assert.NoError(t, err, "a higher seq is a new revision")
}

func TestRegistry_AppendOnly(t *testing.T) {
	db := openDB(t, storage.Session{UserID: "user:alice"})
	ctx := context.Background()

	s := newSpan("request")
	_, err := db.InsertSpan(ctx, s)
	require.NoError(t, err)

	_, err = db.Pool().Exec(ctx, `UPDATE ledger.universal_registry SET who = 'user:mallory' WHERE id = $1`, s.ID)
	assert.ErrorContains(t, err, "append-only")

	_, err = db.Pool().Exec(ctx, `DELETE FROM ledger.universal_registry WHERE id = $1`, s.ID)
	assert.ErrorContains(t, err, "append-only")
}

func TestVisibleTimeline_ScopesBySession(t *testing.T) {
	alice := openDB(t, storage.Session{UserID: "user:alice", TenantID: "acme"})
	bob := openDB(t, storage.Session{UserID: "user:bob", TenantID: "acme"})
	eve := openDB(t, storage.Session{UserID: "user:eve", TenantID: "other"})
	ctx := context.Background()

	private := newSpan("note")
	private.OwnerID, private.TenantID, private.Visibility = "user:alice", "acme", model.VisibilityPrivate
	shared := newSpan("note")
	shared.OwnerID, shared.TenantID, shared.Visibility = "user:alice", "acme", model.VisibilityShared
	public := newSpan("note")
	public.OwnerID, public.Visibility = "user:alice", model.VisibilityPublic

	for _, s := range []model.Span{private, shared, public} {
		_, err := alice.InsertSpan(ctx, s)
		require.NoError(t, err)
	}

	visible := func(db *storage.DB, id string) bool {
		spans, err := db.QuerySpans(ctx, model.SpanFilter{ID: &id})
		require.NoError(t, err)
		return len(spans) == 1
	}

	assert.True(t, visible(alice, private.ID))
	assert.False(t, visible(bob, private.ID))
	assert.True(t, visible(bob, shared.ID))
	assert.False(t, visible(eve, shared.ID))
	assert.True(t, visible(eve, public.ID))
}

func TestQuerySpans_LatestOnly(t *testing.T) {
	db := openDB(t, storage.Session{UserID: "user:alice"})
	ctx := context.Background()

	s := newSpan("request")
	s.Status = model.StatusPending
	_, err := db.InsertSpan(ctx, s)
	require.NoError(t, err)

	pending := model.SpanFilter{ID: &s.ID, Status: model.Ptr(model.StatusPending), LatestOnly: true}
	spans, err := db.QuerySpans(ctx, pending)
	require.NoError(t, err)
	assert.Len(t, spans, 1)

	done := s
	done.Seq = 1
	done.Status = model.StatusComplete
	_, err = db.InsertSpan(ctx, done)
	require.NoError(t, err)

	spans, err = db.QuerySpans(ctx, pending)
	require.NoError(t, err)
	assert.Empty(t, spans, "a newer revision supersedes the pending one")
}

func TestWaitForSpan(t *testing.T) {
	db := openDB(t, storage.Session{UserID: "user:alice"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.True(t, db.HasNotify())
	require.NoError(t, db.ListenSpans(ctx))

	s := newSpan("request")
	s.Status = model.StatusPending
	_, err := db.InsertSpan(ctx, s)
	require.NoError(t, err)

	entityType, status, err := db.WaitForSpan(ctx)
	require.NoError(t, err)
	assert.Equal(t, "request", entityType)
	assert.Equal(t, model.StatusPending, status)
}
