package usage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func event(userID, model, node string, prompt, completion int) Event {
	return Event{
		UserID:           userID,
		Model:            model,
		Node:             node,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestStore_RecordAndTotals(t *testing.T) {
	// Given three calls by one user and one by another
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, event("u1", "qwen-max", "query_or_respond", 100, 20)))
	require.NoError(t, s.Record(ctx, event("u1", "qwen-max", "grade_documents", 50, 1)))
	require.NoError(t, s.Record(ctx, event("u1", "qwen-max", "generate_answer", 200, 80)))
	require.NoError(t, s.Record(ctx, event("u2", "qwen-max", "generate_answer", 10, 10)))

	// When summing the first user's events
	got, err := s.Totals(ctx, "u1", time.Time{})
	require.NoError(t, err)

	// Then only that user's calls are counted
	assert.Equal(t, Totals{Calls: 3, PromptTokens: 350, CompletionTokens: 101, TotalTokens: 451}, got)

	all, err := s.Totals(ctx, "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), all.Calls)
	assert.Equal(t, int64(471), all.TotalTokens)
}

func TestStore_TotalsSinceFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := event("u1", "qwen-max", "generate_answer", 100, 100)
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.Record(ctx, old))
	require.NoError(t, s.Record(ctx, event("u1", "qwen-max", "generate_answer", 5, 5)))

	got, err := s.Totals(ctx, "u1", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Calls)
	assert.Equal(t, int64(10), got.TotalTokens)
}

func TestStore_RecordDerivesTotalFromParts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Providers that report only the parts leave TotalTokens zero.
	require.NoError(t, s.Record(ctx, Event{UserID: "u1", Model: "m", PromptTokens: 7, CompletionTokens: 5}))

	got, err := s.Totals(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.TotalTokens)
}

func TestStore_ByModelHeaviestFirst(t *testing.T) {
	// Given two models with different consumption
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, event("u1", "qwen-turbo", "grade_documents", 40, 10)))
	require.NoError(t, s.Record(ctx, event("u1", "qwen-turbo", "grade_documents", 40, 10)))
	require.NoError(t, s.Record(ctx, event("u1", "qwen-max", "generate_answer", 200, 100)))

	// When breaking usage down per model
	got, err := s.ByModel(ctx, "", time.Time{})
	require.NoError(t, err)

	// Then the heaviest model leads
	require.Len(t, got, 2)
	assert.Equal(t, "qwen-max", got[0].Key)
	assert.Equal(t, int64(1), got[0].Calls)
	assert.Equal(t, int64(300), got[0].TotalTokens)
	assert.Equal(t, "qwen-turbo", got[1].Key)
	assert.Equal(t, int64(2), got[1].Calls)
	assert.Equal(t, int64(100), got[1].TotalTokens)
}

func TestStore_ByNodeGroupsCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, event("u1", "qwen-max", "query_or_respond", 30, 5)))
	require.NoError(t, s.Record(ctx, event("u1", "qwen-max", "query_or_respond", 30, 5)))
	require.NoError(t, s.Record(ctx, event("u1", "qwen-max", "generate_answer", 100, 200)))
	require.NoError(t, s.Record(ctx, event("u2", "qwen-max", "generate_answer", 1, 1)))

	got, err := s.ByNode(ctx, "u1", time.Time{})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "generate_answer", got[0].Key)
	assert.Equal(t, int64(300), got[0].TotalTokens)
	assert.Equal(t, "query_or_respond", got[1].Key)
	assert.Equal(t, int64(2), got[1].Calls)
}

func TestStore_EmptyTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Totals(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, Totals{}, got)

	byModel, err := s.ByModel(ctx, "", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, byModel)
}

func TestStore_PruneDeletesOldEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		old := event("u1", "qwen-max", "generate_answer", 10, 10)
		old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
		require.NoError(t, s.Record(ctx, old))
	}
	require.NoError(t, s.Record(ctx, event("u1", "qwen-max", "generate_answer", 10, 10)))

	n, err := s.Prune(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.Totals(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Calls)
}

// The database file must stay readable by standard sqlite tooling, so
// verify through an independent driver.
func TestStore_ReadableByIndependentDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	s, err := Open(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Record(ctx, event("u1", "qwen-max", "generate_answer", 100, 50)))
	require.NoError(t, s.Record(ctx, event("u1", "qwen-max", "grade_documents", 20, 1)))
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM usage_events WHERE user_id = 'u1'`).Scan(&count))
	assert.Equal(t, 2, count)

	var total int64
	require.NoError(t, db.QueryRow(`SELECT SUM(total_tokens) FROM usage_events`).Scan(&total))
	assert.Equal(t, int64(171), total)
}
