package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/checkpoint"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/graph"
	"github.com/lorekeep/lorekeep/internal/retrieve"
	"github.com/lorekeep/lorekeep/internal/store"
)

// fakeRunner returns a canned outcome, recording the request it saw.
type fakeRunner struct {
	out *graph.Outcome
	err error
	req graph.Request
}

func (f *fakeRunner) Run(_ context.Context, req graph.Request) (*graph.Outcome, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func newService(t *testing.T, runner Runner) (*Service, store.Store) {
	t.Helper()
	meta, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	return NewService(meta, runner), meta
}

func successOutcome(answer string) *graph.Outcome {
	return &graph.Outcome{
		Answer:     answer,
		Documents:  []retrieve.Document{{Source: "guide.md", Content: "父子分块说明"}},
		Steps:      []graph.Step{{Step: 1, Action: "分析问题"}},
		TokensUsed: 42,
		Elapsed:    1500 * time.Millisecond,
	}
}

func TestRespond_NewSessionPersistsAssistantTurn(t *testing.T) {
	// Given a turn without a session
	runner := &fakeRunner{out: successOutcome("父子分块是一种检索策略。")}
	svc, meta := newService(t, runner)
	ctx := context.Background()

	// When the service responds
	reply, err := svc.Respond(ctx, Turn{
		UserID:  "u1",
		Message: "什么是父子分块?",
	})
	require.NoError(t, err)
	require.NotEmpty(t, reply.SessionID)

	// Then a session exists, titled from the first message
	session, err := meta.GetSession(ctx, reply.SessionID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "什么是父子分块", session.Title)

	// the graph saw the session thread
	assert.Equal(t, checkpoint.ThreadID("u1", reply.SessionID), runner.req.ThreadID)
	assert.Equal(t, "什么是父子分块?", runner.req.Question)

	// and only the assistant turn was persisted here
	msgs, err := meta.ListMessages(ctx, reply.SessionID, "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, "父子分块是一种检索策略。", msgs[0].Content)

	assert.Equal(t, 42, reply.TokensUsed)
	assert.Len(t, reply.Documents, 1)
}

func TestRespond_ExistingSessionReused(t *testing.T) {
	runner := &fakeRunner{out: successOutcome("好的。")}
	svc, meta := newService(t, runner)
	ctx := context.Background()

	sid, err := svc.EnsureSession(ctx, "u1", "", "第一个问题")
	require.NoError(t, err)

	reply, err := svc.Respond(ctx, Turn{UserID: "u1", SessionID: sid, Message: "继续"})
	require.NoError(t, err)
	assert.Equal(t, sid, reply.SessionID)

	sessions, err := meta.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestRespond_FailureWritesApology(t *testing.T) {
	// Given a graph run that fails
	runner := &fakeRunner{err: errors.Newf(errors.KindLLMProviderFailed, "provider unavailable")}
	svc, meta := newService(t, runner)
	ctx := context.Background()

	sid, err := svc.EnsureSession(ctx, "u1", "", "会失败的问题")
	require.NoError(t, err)

	// When the turn runs
	_, err = svc.Respond(ctx, Turn{UserID: "u1", SessionID: sid, Message: "会失败的问题"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindLLMProviderFailed))

	// Then the session carries an apology row instead of silence
	msgs, listErr := meta.ListMessages(ctx, sid, "u1")
	require.NoError(t, listErr)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, "抱歉，本次回答失败：[llm_provider_failed] provider unavailable", msgs[0].Content)
}

func TestRespond_EmptyMessageRejected(t *testing.T) {
	svc, _ := newService(t, &fakeRunner{out: successOutcome("x")})

	_, err := svc.Respond(context.Background(), Turn{UserID: "u1", Message: "   "})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))
}

func TestSaveTurn_TouchesSession(t *testing.T) {
	svc, meta := newService(t, &fakeRunner{})
	ctx := context.Background()

	sid, err := svc.EnsureSession(ctx, "u1", "", "第一个问题")
	require.NoError(t, err)
	before, err := meta.GetSession(ctx, sid, "u1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, svc.SaveTurn(ctx, "u1", sid, RoleUser, "第一个问题"))

	after, err := meta.GetSession(ctx, sid, "u1")
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestMessages_RequiresOwnedSession(t *testing.T) {
	svc, _ := newService(t, &fakeRunner{})
	ctx := context.Background()

	sid, err := svc.EnsureSession(ctx, "u1", "", "问题")
	require.NoError(t, err)

	_, err = svc.Messages(ctx, sid, "u2")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestDeleteSession_CascadesMessages(t *testing.T) {
	svc, meta := newService(t, &fakeRunner{})
	ctx := context.Background()

	sid, err := svc.EnsureSession(ctx, "u1", "", "问题")
	require.NoError(t, err)
	require.NoError(t, svc.SaveTurn(ctx, "u1", sid, RoleUser, "问题"))
	require.NoError(t, svc.SaveTurn(ctx, "u1", sid, RoleAssistant, "回答"))

	require.NoError(t, svc.DeleteSession(ctx, sid, "u1"))

	msgs, err := meta.ListMessages(ctx, sid, "u1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSessionTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"short question kept", "什么是父子分块", "什么是父子分块"},
		{"punctuation stripped", "什么是父子分块?!", "什么是父子分块"},
		{"long title truncated", strings.Repeat("知", 25), strings.Repeat("知", 20) + "..."},
		{"only symbols falls back", "???!!!", "新建对话"},
		{"mixed latin kept", "RAG 检索流程_v2", "RAG 检索流程_v2"},
		{"surrounding space trimmed", "  你好  ", "你好"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SessionTitle(tt.input))
		})
	}
}

func TestGroupSessions(t *testing.T) {
	now := time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)
	mk := func(id string, updated time.Time) *store.Session {
		return &store.Session{ID: id, UserID: "u1", UpdatedAt: updated}
	}

	sessions := []*store.Session{
		mk("today-late", now.Add(-1*time.Hour)),
		mk("today-early", now.Add(-13*time.Hour)),
		mk("yesterday", now.AddDate(0, 0, -1)),
		mk("this-week", now.AddDate(0, 0, -5)),
		mk("earlier", now.AddDate(0, 0, -30)),
	}

	groups := GroupSessions(sessions, now)
	require.Len(t, groups, 4)

	assert.Equal(t, BucketToday, groups[0].Group)
	require.Len(t, groups[0].Sessions, 2)
	assert.Equal(t, "today-late", groups[0].Sessions[0].ID)
	assert.Equal(t, "today-early", groups[0].Sessions[1].ID)

	assert.Equal(t, BucketYesterday, groups[1].Group)
	assert.Equal(t, "yesterday", groups[1].Sessions[0].ID)

	assert.Equal(t, BucketThisWeek, groups[2].Group)
	assert.Equal(t, "this-week", groups[2].Sessions[0].ID)

	assert.Equal(t, BucketEarlier, groups[3].Group)
	assert.Equal(t, "earlier", groups[3].Sessions[0].ID)
}

func TestGroupSessions_EmptyBucketsDropped(t *testing.T) {
	now := time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)
	sessions := []*store.Session{
		{ID: "only", UserID: "u1", UpdatedAt: now},
	}

	groups := GroupSessions(sessions, now)
	require.Len(t, groups, 1)
	assert.Equal(t, BucketToday, groups[0].Group)
}
