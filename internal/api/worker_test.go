package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/blob"
	"github.com/lorekeep/lorekeep/internal/chat"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/embed"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/graph"
	"github.com/lorekeep/lorekeep/internal/ingest"
	"github.com/lorekeep/lorekeep/internal/keyword"
	"github.com/lorekeep/lorekeep/internal/llm"
	"github.com/lorekeep/lorekeep/internal/metrics"
	"github.com/lorekeep/lorekeep/internal/retrieve"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/vector"
)

// scriptRunner plays back a scripted turn: thinking steps, streamed
// tokens, then the outcome or error.
type scriptRunner struct {
	out   *graph.Outcome
	err   error
	steps []graph.Step
	toks  []string

	mu   sync.Mutex
	reqs []graph.Request
}

func (r *scriptRunner) Run(ctx context.Context, req graph.Request) (*graph.Outcome, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()

	for _, step := range r.steps {
		if req.OnStep != nil {
			req.OnStep(step)
		}
	}
	for _, tok := range r.toks {
		if req.OnToken != nil {
			if err := req.OnToken(ctx, tok); err != nil {
				return nil, err
			}
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.out, nil
}

type fakeLLM struct {
	up bool
}

func (f *fakeLLM) Generate(context.Context, []llm.Message, ...llm.Option) (*llm.Response, error) {
	return nil, errors.Newf(errors.KindLLMProviderFailed, "not wired in this test")
}

func (f *fakeLLM) ModelName() string { return "qwen-max" }

func (f *fakeLLM) Available(context.Context) bool { return f.up }

func (f *fakeLLM) Close() error { return nil }

type workerEnv struct {
	srv     *httptest.Server
	meta    store.Store
	blobs   blob.Store
	vectors vector.Store
	runner  *scriptRunner
	model   *fakeLLM
	w       *Worker
}

func newWorkerEnv(t *testing.T, runner *scriptRunner) *workerEnv {
	t.Helper()

	meta, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	vectors, err := vector.NewChromem(vector.ChromemConfig{Dimensions: embed.StaticDimensions})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })
	keywords := keyword.NewManager("", 0, 0)
	embedder := embed.NewStatic()

	cfg := config.NewConfig()
	cfg.Ingest.Workers = 1
	pool := ingest.NewPool(cfg, ingest.NewPipeline(cfg, blobs, meta, embedder, vectors, keywords))
	t.Cleanup(pool.Stop)

	model := &fakeLLM{up: true}
	w := NewWorker(cfg, meta, chat.NewService(meta, runner), pool,
		vectors, keywords, embedder, model, metrics.New("worker"))
	srv := httptest.NewServer(w.Router(false))
	t.Cleanup(srv.Close)

	return &workerEnv{srv: srv, meta: meta, blobs: blobs,
		vectors: vectors, runner: runner, model: model, w: w}
}

func (env *workerEnv) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := env.srv.Client().Post(env.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// parseFrames splits an SSE body into its decoded data records.
func parseFrames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for _, line := range strings.Split(body, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			frame := map[string]any{}
			require.NoError(t, json.Unmarshal([]byte(data), &frame))
			frames = append(frames, frame)
		}
	}
	return frames
}

func scriptedOutcome(answer string) *graph.Outcome {
	return &graph.Outcome{
		Answer:     answer,
		Documents:  []retrieve.Document{{Source: "guide.md", Content: "父子分块说明"}},
		Steps:      []graph.Step{{Step: 1, Action: "分析问题"}},
		TokensUsed: 42,
		Elapsed:    900 * time.Millisecond,
	}
}

func TestWorkerChatMessage_AcceptsAndAnswersInBackground(t *testing.T) {
	// Given a worker whose graph answers
	runner := &scriptRunner{out: scriptedOutcome("父子分块是一种检索策略。")}
	env := newWorkerEnv(t, runner)

	// When a turn arrives without a session
	status, body := env.post(t, "/api/chat/message", map[string]any{
		"user_id": "u1",
		"message": "什么是父子分块？",
	})

	// Then it is accepted immediately with the new session id
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "已开始处理", body["message"])
	sessionID := body["session_id"].(string)
	require.NotEmpty(t, sessionID)

	// and the assistant row lands once the background run finishes
	require.Eventually(t, func() bool {
		msgs, err := env.meta.ListMessages(context.Background(), sessionID, "u1")
		return err == nil && len(msgs) == 1 && msgs[0].Role == chat.RoleAssistant
	}, 3*time.Second, 20*time.Millisecond)

	msgs, err := env.meta.ListMessages(context.Background(), sessionID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "父子分块是一种检索策略。", msgs[0].Content)
}

func TestWorkerChatMessage_ReusesGivenSession(t *testing.T) {
	runner := &scriptRunner{out: scriptedOutcome("继续之前的话题。")}
	env := newWorkerEnv(t, runner)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, env.meta.CreateSession(ctx, &store.Session{
		ID: "s1", UserID: "u1", Title: "既有会话", CreatedAt: now, UpdatedAt: now,
	}))

	status, body := env.post(t, "/api/chat/message", map[string]any{
		"user_id":    "u1",
		"session_id": "s1",
		"message":    "然后呢？",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "s1", body["session_id"])

	require.Eventually(t, func() bool {
		msgs, err := env.meta.ListMessages(ctx, "s1", "u1")
		return err == nil && len(msgs) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWorkerChatMessage_Validation(t *testing.T) {
	env := newWorkerEnv(t, &scriptRunner{out: scriptedOutcome("ok")})

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing user_id", map[string]any{"message": "hi"}},
		{"missing message", map[string]any{"user_id": "u1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.post(t, "/api/chat/message", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "invalid_input", body["kind"])
		})
	}
}

func TestWorkerChatStream_EmitsThinkingChunksComplete(t *testing.T) {
	// Given a graph that streams two tokens after a thinking step
	runner := &scriptRunner{
		out:   scriptedOutcome("父子分块"),
		steps: []graph.Step{{Step: 1, Action: "分析问题", Description: "正在理解您的问题"}},
		toks:  []string{"父子", "分块"},
	}
	env := newWorkerEnv(t, runner)

	// When the stream endpoint runs the turn
	raw, _ := json.Marshal(map[string]any{"user_id": "u1", "message": "什么是父子分块？"})
	resp, err := env.srv.Client().Post(env.srv.URL+"/api/chat/stream", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := parseFrames(t, string(body))

	// Then the frames arrive in order: thinking, chunks, complete
	require.Len(t, frames, 4)
	assert.Equal(t, "thinking", frames[0]["type"])
	assert.Equal(t, "chunk", frames[1]["type"])
	assert.Equal(t, "父子", frames[1]["content"])
	assert.Equal(t, "chunk", frames[2]["type"])
	assert.Equal(t, "分块", frames[2]["content"])
	assert.Equal(t, "complete", frames[3]["type"])
	assert.Equal(t, "父子分块", frames[3]["answer"])
	assert.NotEmpty(t, frames[3]["session_id"])

	// every frame names the same session
	session := frames[0]["session_id"]
	for _, frame := range frames {
		assert.Equal(t, session, frame["session_id"])
	}
}

func TestWorkerChatStream_RechunksUnstreamedAnswer(t *testing.T) {
	// Given a provider that returned the whole answer in one piece
	answer := strings.Repeat("检索增强生成", 12) // 72 runes
	runner := &scriptRunner{out: scriptedOutcome(answer)}
	env := newWorkerEnv(t, runner)

	raw, _ := json.Marshal(map[string]any{"user_id": "u1", "message": "介绍一下RAG"})
	resp, err := env.srv.Client().Post(env.srv.URL+"/api/chat/stream", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := parseFrames(t, string(body))

	// 72 runes re-chunked at 50 make two chunk frames plus complete
	require.Len(t, frames, 3)
	assert.Equal(t, "chunk", frames[0]["type"])
	assert.Len(t, []rune(frames[0]["content"].(string)), 50)
	assert.Equal(t, "chunk", frames[1]["type"])
	assert.Len(t, []rune(frames[1]["content"].(string)), 22)
	assert.Equal(t, "complete", frames[2]["type"])
}

func TestWorkerChatStream_ErrorFrameAndApologyRow(t *testing.T) {
	// Given a graph that fails mid-run
	runner := &scriptRunner{err: errors.Newf(errors.KindLLMProviderFailed, "provider unavailable")}
	env := newWorkerEnv(t, runner)

	raw, _ := json.Marshal(map[string]any{"user_id": "u1", "message": "这会失败"})
	resp, err := env.srv.Client().Post(env.srv.URL+"/api/chat/stream", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := parseFrames(t, string(body))

	// Then the stream ends with an error frame
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, "error", last["type"])
	assert.Contains(t, last["message"], "provider unavailable")

	// and the session shows the apology instead of silence
	sessionID := last["session_id"].(string)
	msgs, err := env.meta.ListMessages(context.Background(), sessionID, "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleAssistant, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "抱歉")
}

func TestWorkerProcess_IngestsDocument(t *testing.T) {
	// Given an uploaded blob and its processing row
	env := newWorkerEnv(t, &scriptRunner{out: scriptedOutcome("ok")})
	ctx := context.Background()
	content := strings.Repeat("父子分块将文档切成两级，粗块供阅读，细块供召回。", 40)
	doc := &store.Document{
		ID:               uuid.NewString(),
		UserID:           "u1",
		OriginalFilename: "分块说明.txt",
		StoragePath:      blob.ObjectKey("u1", "分块说明.txt"),
		FileSize:         int64(len(content)),
		FileType:         ".txt",
		Status:           store.StatusProcessing,
		VectorCollection: vector.DefaultCollection,
		UploadAt:         time.Now().UTC(),
	}
	require.NoError(t, env.blobs.Put(ctx, doc.StoragePath,
		strings.NewReader(content), int64(len(content)), "text/plain"))
	require.NoError(t, env.meta.CreateDocument(ctx, doc))

	// When the process endpoint dispatches it
	status, body := env.post(t, "/api/documents/"+doc.ID+"/process", map[string]any{
		"user_id":   "u1",
		"doc_id":    doc.ID,
		"filepath":  doc.StoragePath,
		"file_type": ".txt",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "processing", body["status"])

	// Then the pipeline finishes and the row flips to active
	require.Eventually(t, func() bool {
		got, err := env.meta.GetDocument(ctx, doc.ID, "u1")
		return err == nil && got.Status == store.StatusActive
	}, 10*time.Second, 50*time.Millisecond)

	got, err := env.meta.GetDocument(ctx, doc.ID, "u1")
	require.NoError(t, err)
	assert.Greater(t, got.ChunkCount, 0)
}

func TestWorkerProcess_RejectsMismatchedBody(t *testing.T) {
	env := newWorkerEnv(t, &scriptRunner{out: scriptedOutcome("ok")})

	status, body := env.post(t, "/api/documents/doc-a/process", map[string]any{
		"user_id": "u1",
		"doc_id":  "doc-b",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["message"], "does not match")
}

func TestWorkerProcess_UnknownDocument(t *testing.T) {
	env := newWorkerEnv(t, &scriptRunner{out: scriptedOutcome("ok")})

	status, _ := env.post(t, "/api/documents/ghost/process", map[string]any{
		"user_id": "u1",
	})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWorkerDeleteVectors_ClearsTenantFootprint(t *testing.T) {
	// Given stored vectors for one document
	env := newWorkerEnv(t, &scriptRunner{out: scriptedOutcome("ok")})
	ctx := context.Background()
	embedder := embed.NewStatic()
	vec, err := embedder.Embed(ctx, "父子分块")
	require.NoError(t, err)
	require.NoError(t, env.vectors.Upsert(ctx, []vector.Record{{
		ID:      vector.ID("doc-1", 0),
		Vector:  vec,
		Content: "父子分块说明",
		Metadata: vector.Metadata{
			UserID: "u1", DocID: "doc-1", ParentID: "p1", ChunkID: 0,
		},
	}}))

	// When delete-vectors runs
	req, err := http.NewRequest(http.MethodDelete,
		env.srv.URL+"/api/documents/doc-1/delete-vectors?user_id=u1", nil)
	require.NoError(t, err)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Then nothing remains for the tenant
	hits, err := env.vectors.Search(ctx, vec, 5, vector.Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestWorkerDeleteVectors_RequiresUserID(t *testing.T) {
	env := newWorkerEnv(t, &scriptRunner{out: scriptedOutcome("ok")})

	req, err := http.NewRequest(http.MethodDelete,
		env.srv.URL+"/api/documents/doc-1/delete-vectors", nil)
	require.NoError(t, err)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkerHealth_WarmupAndComponents(t *testing.T) {
	// Given a worker that has not finished warmup
	env := newWorkerEnv(t, &scriptRunner{out: scriptedOutcome("ok")})

	resp, err := env.srv.Client().Get(env.srv.URL + "/health")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()

	// all components answer, so the worker is healthy but not warm
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["warmup_complete"])
	components := body["components"].(map[string]any)
	for name, up := range components {
		assert.Equal(t, true, up, "component %s", name)
	}

	// When warmup completes the flag flips
	env.w.SetWarm()
	resp, err = env.srv.Client().Get(env.srv.URL + "/health")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, true, body["warmup_complete"])

	// and a dead provider degrades the worker
	env.model.up = false
	resp, err = env.srv.Client().Get(env.srv.URL + "/health")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}
