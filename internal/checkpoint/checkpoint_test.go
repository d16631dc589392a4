package checkpoint

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/llm"
)

func history() []llm.Message {
	return []llm.Message{
		llm.User("什么是父子分块?"),
		{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "retrieve_documents", Arguments: `{"query":"父子分块"}`},
			},
		},
		llm.ToolResult("call_1", "[Document 1] ..."),
		llm.Assistant("父子分块将文档切成大小两级。"),
	}
}

func TestThreadID_Formats(t *testing.T) {
	assert.Equal(t, "user_u1_session_s9", ThreadID("u1", "s9"))

	temp := TempThreadID("u1")
	assert.Regexp(t, regexp.MustCompile(`^temp_u1_[0-9a-f-]{8}$`), temp)
	assert.NotEqual(t, temp, TempThreadID("u1"))
}

func TestMemorySaver_RoundTrip(t *testing.T) {
	// Given a saved checkpoint
	// When loading it back
	// Then the full history including tool calls survives
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Save(ctx, "user_u1_session_s1", &Checkpoint{Messages: history()}))

	got, err := s.Load(ctx, "user_u1_session_s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, history(), got.Messages)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestMemorySaver_LoadMissingReturnsNil(t *testing.T) {
	got, err := NewMemory().Load(context.Background(), "user_u1_session_nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemorySaver_LoadedStateIsIsolated(t *testing.T) {
	// Given a loaded checkpoint
	// When the caller mutates it
	// Then the stored copy is unaffected
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Save(ctx, "t1", &Checkpoint{Messages: history()}))

	first, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	first.Messages[0].Content = "mutated"
	first.Messages[1].ToolCalls[0].ID = "mutated"

	second, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "什么是父子分块?", second.Messages[0].Content)
	assert.Equal(t, "call_1", second.Messages[1].ToolCalls[0].ID)
}

func TestMemorySaver_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Save(ctx, "t1", &Checkpoint{Messages: []llm.Message{llm.User("first")}}))
	require.NoError(t, s.Save(ctx, "t1", &Checkpoint{Messages: []llm.Message{llm.User("second")}}))

	got, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "second", got.Messages[0].Content)
}

func TestMemorySaver_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Save(ctx, "t1", &Checkpoint{Messages: history()}))

	require.NoError(t, s.Delete(ctx, "t1"))

	got, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, s.Len())
}

func TestSQLiteSaver_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Save(ctx, "user_u1_session_s1", &Checkpoint{Messages: history()}))

	got, err := s.Load(ctx, "user_u1_session_s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, history(), got.Messages)

	missing, err := s.Load(ctx, "user_u1_session_other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteSaver_SurvivesReopen(t *testing.T) {
	// Given a checkpoint written to a database file
	// When the saver is closed and reopened
	// Then the history is still there
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "t1", &Checkpoint{Messages: history()}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Load(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, history(), got.Messages)
}

func TestSQLiteSaver_OverwriteAndDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Save(ctx, "t1", &Checkpoint{Messages: []llm.Message{llm.User("first")}}))
	require.NoError(t, s.Save(ctx, "t1", &Checkpoint{Messages: []llm.Message{llm.User("second")}}))

	got, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "second", got.Messages[0].Content)

	require.NoError(t, s.Delete(ctx, "t1"))
	got, err = s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNew_FallsBackToMemory(t *testing.T) {
	// Given an unrecognized checkpoint type
	// When building the saver
	// Then chat still works on the in-memory implementation
	cfg := config.NewConfig()
	cfg.Graph.CheckpointType = "etcd"

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.IsType(t, &MemorySaver{}, s)
}

func TestNew_PostgresWithoutURLFallsBackToSQLite(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Graph.CheckpointType = TypePostgres
	cfg.Database.URL = ""
	cfg.Storage.DataDir = t.TempDir()

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.IsType(t, &SQLiteSaver{}, s)
}
