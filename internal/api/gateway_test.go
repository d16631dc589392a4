package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/auth"
	"github.com/lorekeep/lorekeep/internal/blob"
	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/chat"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/metrics"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/worker"
)

// fakeWorkerService stands in for the worker process, recording what
// the gateway sends it.
type fakeWorkerService struct {
	mu          sync.Mutex
	chatBodies  []map[string]any
	processing  []map[string]any
	deleted     []string
	failChat    bool
	streamBody  string
	streamCalls int
}

func (f *fakeWorkerService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/chat/message":
		if f.failChat {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.chatBodies = append(f.chatBodies, body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"success":true,"session_id":%q}`, body["session_id"])

	case r.Method == http.MethodPost && r.URL.Path == "/api/chat/stream":
		f.streamCalls++
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, f.streamBody)

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/process"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.processing = append(f.processing, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"status":"processing"}`)

	case r.Method == http.MethodDelete && strings.HasSuffix(r.URL.Path, "/delete-vectors"):
		f.deleted = append(f.deleted, r.URL.Path+"?"+r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true}`)

	case r.URL.Path == "/health":
		_, _ = io.WriteString(w, `{"status":"healthy"}`)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeWorkerService) processJobs() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.processing...)
}

func (f *fakeWorkerService) chatCalls() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.chatBodies...)
}

func (f *fakeWorkerService) vectorDeletes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type gatewayEnv struct {
	srv    *httptest.Server
	meta   store.Store
	blobs  blob.Store
	worker *fakeWorkerService
	cfg    *config.Config
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()

	meta, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	authn, err := auth.New("gateway-test-secret", time.Hour)
	require.NoError(t, err)

	fw := &fakeWorkerService{}
	workerSrv := httptest.NewServer(fw)
	t.Cleanup(workerSrv.Close)
	wc, err := worker.NewClient(worker.Config{BaseURL: workerSrv.URL})
	require.NoError(t, err)

	cfg := config.NewConfig()
	cfg.Storage.S3Bucket = "lorekeep-test"
	cfg.Storage.S3Endpoint = "http://minio.internal:9000"

	gw := NewGateway(cfg, meta, blobs, authn, chat.NewService(meta, nil), wc,
		cache.NewMemory(time.Minute), metrics.New("gateway"))
	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)

	return &gatewayEnv{srv: srv, meta: meta, blobs: blobs, worker: fw, cfg: cfg}
}

// call sends a JSON request and decodes the JSON response.
func (env *gatewayEnv) call(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, payload)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	} else if len(raw) > 0 {
		out["_raw"] = string(raw)
	}
	return resp.StatusCode, out
}

// register creates an account and returns its token and user id.
func (env *gatewayEnv) register(t *testing.T, username string) (token, userID string) {
	t.Helper()
	status, body := env.call(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"username": username,
		"password": "secret123",
	})
	require.Equal(t, http.StatusOK, status, "register: %v", body)
	user := body["user"].(map[string]any)
	return body["token"].(string), user["user_id"].(string)
}

func TestRegisterAndLogin_RoundTrip(t *testing.T) {
	// Given a fresh deployment
	env := newGatewayEnv(t)

	// When a user registers
	status, body := env.call(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"username":     "zhang_wei",
		"password":     "secret123",
		"display_name": "张伟",
	})

	// Then they get a token and their profile back
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["token"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "zhang_wei", user["username"])
	assert.Equal(t, "张伟", user["display_name"])

	// and can log in with the same credentials
	status, body = env.call(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"username": "zhang_wei",
		"password": "secret123",
	})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["token"])
	assert.NotEmpty(t, body["user"].(map[string]any)["last_login"])
}

func TestRegister_Validation(t *testing.T) {
	env := newGatewayEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"short username", map[string]any{"username": "ab", "password": "secret123"}},
		{"short password", map[string]any{"username": "valid_name", "password": "123"}},
		{"bad email", map[string]any{"username": "valid_name", "password": "secret123", "email": "not-an-email"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := env.call(t, http.MethodPost, "/api/auth/register", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	env := newGatewayEnv(t)
	env.register(t, "zhang_wei")

	status, body := env.call(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"username": "zhang_wei",
		"password": "different456",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["message"], "already taken")
}

func TestLogin_BadCredentialsAnswerAlike(t *testing.T) {
	// A wrong password and an unknown user must be indistinguishable.
	env := newGatewayEnv(t)
	env.register(t, "zhang_wei")

	wrongPass, bodyA := env.call(t, http.MethodPost, "/api/auth/login", "",
		map[string]any{"username": "zhang_wei", "password": "nope"})
	noUser, bodyB := env.call(t, http.MethodPost, "/api/auth/login", "",
		map[string]any{"username": "ghost", "password": "nope"})

	assert.Equal(t, http.StatusUnauthorized, wrongPass)
	assert.Equal(t, http.StatusUnauthorized, noUser)
	assert.Equal(t, bodyA["message"], bodyB["message"])
}

func TestLogin_DisabledAccount(t *testing.T) {
	env := newGatewayEnv(t)
	hash, err := auth.HashPassword("secret123")
	require.NoError(t, err)
	require.NoError(t, env.meta.CreateUser(context.Background(), &store.User{
		ID:           "u-frozen",
		Username:     "frozen",
		PasswordHash: hash,
		IsActive:     false,
		CreatedAt:    time.Now().UTC(),
	}))

	status, _ := env.call(t, http.MethodPost, "/api/auth/login", "",
		map[string]any{"username": "frozen", "password": "secret123"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestAuthMe_RequiresBearerToken(t *testing.T) {
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")

	status, _ := env.call(t, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := env.call(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, userID, body["user_id"])
}

func TestUploadURL_CreatesProcessingRow(t *testing.T) {
	// Given an authenticated user on a local deployment
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")

	// When they ask for an upload URL
	status, body := env.call(t, http.MethodPost, "/api/documents/upload-url", token, map[string]any{
		"filename":  "入门指南.pdf",
		"file_size": 2048,
	})

	// Then a processing row exists; local blobs cannot presign, so the
	// URL is empty and the client falls back to the content endpoint.
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "", body["upload_url"])
	assert.Equal(t, "processing", body["status"])
	docID := body["doc_id"].(string)
	require.NotEmpty(t, docID)

	doc, err := env.meta.GetDocument(context.Background(), docID, userID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, doc.Status)
	assert.Equal(t, "入门指南.pdf", doc.OriginalFilename)
	assert.Equal(t, ".pdf", doc.FileType)
	assert.True(t, strings.HasPrefix(doc.StoragePath, "user_"+userID+"/"))
}

func TestUploadIntent_RejectsBadFiles(t *testing.T) {
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
	}{
		{"unsupported extension", map[string]any{"filename": "virus.exe", "file_size": 100}, http.StatusBadRequest},
		{"oversized", map[string]any{"filename": "big.pdf", "file_size": env.cfg.Storage.MaxFileSize + 1}, http.StatusRequestEntityTooLarge},
		{"zero size", map[string]any{"filename": "empty.pdf", "file_size": 0}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := env.call(t, http.MethodPost, "/api/documents/upload-url", token, tt.body)
			assert.Equal(t, tt.wantStatus, status)
		})
	}

	// no rows were left behind
	docs, err := env.meta.ListDocuments(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestTusInit_ReturnsStoreCoordinates(t *testing.T) {
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")

	status, body := env.call(t, http.MethodPost, "/api/documents/tus-init", token, map[string]any{
		"filename":  "handbook.pdf",
		"file_size": 4096,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "http://minio.internal:9000", body["endpoint"])
	assert.Equal(t, "lorekeep-test", body["bucket"])
	assert.True(t, strings.HasPrefix(body["object_name"].(string), "user_"+userID+"/"))
	assert.EqualValues(t, env.cfg.Storage.MaxFileSize, body["max_file_size"])
	assert.NotEmpty(t, body["doc_id"])
}

func TestUploadContentAndConfirm_DispatchesProcessing(t *testing.T) {
	// Given an upload intent
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")
	content := "父子分块将文档切成大小两级。"
	_, body := env.call(t, http.MethodPost, "/api/documents/upload-url", token, map[string]any{
		"filename":  "notes.txt",
		"file_size": len(content),
	})
	docID := body["doc_id"].(string)

	// When the bytes arrive through the fallback PUT
	req, err := http.NewRequest(http.MethodPut,
		env.srv.URL+"/api/documents/"+docID+"/content", strings.NewReader(content))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// and the client confirms
	status, body := env.call(t, http.MethodPost, "/api/documents/"+docID+"/confirm-upload", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "processing", body["status"])

	// Then the worker received the process job with the blob key
	jobs := env.worker.processJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, docID, jobs[0]["doc_id"])
	assert.Equal(t, userID, jobs[0]["user_id"])
	assert.NotEmpty(t, jobs[0]["filepath"])
	assert.Equal(t, ".txt", jobs[0]["file_type"])
}

func TestConfirmUpload_WithoutBytes(t *testing.T) {
	env := newGatewayEnv(t)
	token, _ := env.register(t, "zhang_wei")
	_, body := env.call(t, http.MethodPost, "/api/documents/upload-url", token, map[string]any{
		"filename":  "notes.txt",
		"file_size": 10,
	})
	docID := body["doc_id"].(string)

	status, body := env.call(t, http.MethodPost, "/api/documents/"+docID+"/confirm-upload", token, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["message"], "no uploaded content")
	assert.Empty(t, env.worker.processJobs())
}

func TestDirectUpload_OneShot(t *testing.T) {
	// Given a multipart upload
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "速查表.md")
	require.NoError(t, err)
	_, err = part.Write([]byte("# 检索速查表\n\n混合检索融合密集与稀疏召回。"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/documents/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	// When it lands
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	// Then the bytes are stored and processing was dispatched
	docID := body["doc_id"].(string)
	doc, err := env.meta.GetDocument(context.Background(), docID, userID)
	require.NoError(t, err)
	exists, err := env.blobs.Exists(context.Background(), doc.StoragePath)
	require.NoError(t, err)
	assert.True(t, exists)
	require.Len(t, env.worker.processJobs(), 1)
}

func TestDocumentList_FormatsSizes(t *testing.T) {
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")
	seedDocumentRow(t, env.meta, userID, "guide.pdf", store.StatusActive, 3, 1536)

	status, _ := env.call(t, http.MethodGet, "/api/documents", token, nil)
	require.Equal(t, http.StatusOK, status)

	// list endpoints return arrays; re-fetch raw to inspect
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var docs []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&docs))

	require.Len(t, docs, 1)
	assert.Equal(t, "guide.pdf", docs[0]["filename"])
	assert.Equal(t, "1.5 KB", docs[0]["file_size_formatted"])
	assert.EqualValues(t, 3, docs[0]["chunk_count"])
}

func TestDocumentStatus_SurfacesErrorMessage(t *testing.T) {
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")
	docID := seedDocumentRow(t, env.meta, userID, "bad.pdf", store.StatusProcessing, 0, 100)
	require.NoError(t, env.meta.MarkDocumentError(context.Background(), docID, userID, "no extractable text"))

	status, body := env.call(t, http.MethodGet, "/api/documents/"+docID+"/status", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "no extractable text", body["error_message"])
}

func TestDeleteDocument_CleansUpEverywhere(t *testing.T) {
	// Given an active document with stats counted
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")
	ctx := context.Background()
	docID := seedDocumentRow(t, env.meta, userID, "guide.pdf", store.StatusActive, 5, 2048)
	doc, err := env.meta.GetDocument(ctx, docID, userID)
	require.NoError(t, err)
	require.NoError(t, env.blobs.Put(ctx, doc.StoragePath, strings.NewReader("pdfpdf"), 6, "application/pdf"))
	require.NoError(t, env.meta.AddUserStats(ctx, userID, 1, 5, 2048))

	// When the document is deleted
	status, body := env.call(t, http.MethodDelete, "/api/documents/"+docID, token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	// Then the row is gone from the list and reads 404
	status, _ = env.call(t, http.MethodGet, "/api/documents/"+docID+"/status", token, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// the worker was told to clear vectors for this tenant
	deletes := env.worker.vectorDeletes()
	require.Len(t, deletes, 1)
	assert.Contains(t, deletes[0], docID)
	assert.Contains(t, deletes[0], "user_id="+userID)

	// the blob is gone
	exists, err := env.blobs.Exists(ctx, doc.StoragePath)
	require.NoError(t, err)
	assert.False(t, exists)

	// and the stats moved back down
	stats, err := env.meta.GetUserStats(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.DocumentCount)
	assert.Equal(t, 0, stats.TotalChunks)
}

func TestDeleteDocument_ProcessingRowLeavesStatsAlone(t *testing.T) {
	// Rows that never finished ingestion were never counted.
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")
	ctx := context.Background()
	docID := seedDocumentRow(t, env.meta, userID, "pending.pdf", store.StatusProcessing, 0, 512)
	require.NoError(t, env.meta.AddUserStats(ctx, userID, 2, 10, 4096))

	status, _ := env.call(t, http.MethodDelete, "/api/documents/"+docID, token, nil)
	require.Equal(t, http.StatusOK, status)

	stats, err := env.meta.GetUserStats(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.DocumentCount)
	assert.Equal(t, 10, stats.TotalChunks)
}

func TestChatMessage_ForwardsTurnToWorker(t *testing.T) {
	// Given an authenticated user
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")

	// When they send a first message without a session
	status, body := env.call(t, http.MethodPost, "/api/chat/message", token, map[string]any{
		"message": "什么是父子分块？",
	})

	// Then a session was created and named in the response
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	sessionID := body["session_id"].(string)
	require.NotEmpty(t, sessionID)

	// the user turn is persisted on the gateway side
	msgs, err := env.meta.ListMessages(context.Background(), sessionID, userID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, "什么是父子分块？", msgs[0].Content)

	// and the worker saw the same turn under the same session
	calls := env.worker.chatCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, userID, calls[0]["user_id"])
	assert.Equal(t, sessionID, calls[0]["session_id"])
	assert.Equal(t, "什么是父子分块？", calls[0]["message"])
}

func TestChatMessage_WorkerDownKeepsUserTurn(t *testing.T) {
	// Given a worker that refuses the turn
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")
	env.worker.failChat = true

	// When the message is sent
	status, body := env.call(t, http.MethodPost, "/api/chat/message", token, map[string]any{
		"message": "这条消息会被拒绝",
	})

	// Then the gateway reports the worker failure
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "worker_unavailable", body["kind"])

	// but the user turn survived, so a retry lands in the same session
	sessions, err := env.meta.ListSessions(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	msgs, err := env.meta.ListMessages(context.Background(), sessions[0].ID, userID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestChatStream_ProxiesFramesVerbatim(t *testing.T) {
	// Given a worker that streams two frames
	env := newGatewayEnv(t)
	token, _ := env.register(t, "zhang_wei")
	env.worker.streamBody = "data: {\"type\":\"chunk\",\"content\":\"父子\"}\n\n" +
		"data: {\"type\":\"complete\",\"answer\":\"父子分块\"}\n\n"

	// When the client opens the gateway stream
	raw, err := json.Marshal(map[string]any{"message": "什么是父子分块？"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/chat/stream", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Then the frames pass through untouched
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, env.worker.streamBody, string(body))
}

func TestSessions_GroupedByRecency(t *testing.T) {
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, env.meta.CreateSession(ctx, &store.Session{
		ID: "s-today", UserID: userID, Title: "今天的问题",
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, env.meta.CreateSession(ctx, &store.Session{
		ID: "s-old", UserID: userID, Title: "上个月的问题",
		CreatedAt: now.AddDate(0, -1, 0), UpdatedAt: now.AddDate(0, -1, 0),
	}))

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/chat/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var groups []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&groups))

	require.Len(t, groups, 2)
	assert.Equal(t, chat.BucketToday, groups[0]["group"])
	assert.Equal(t, chat.BucketEarlier, groups[1]["group"])
	first := groups[0]["sessions"].([]any)[0].(map[string]any)
	assert.Equal(t, "s-today", first["session_id"])
	assert.Equal(t, "今天的问题", first["title"])
}

func TestSessionMessages_ForeignSessionReads404(t *testing.T) {
	env := newGatewayEnv(t)
	_, ownerID := env.register(t, "zhang_wei")
	intruderToken, _ := env.register(t, "li_na")
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, env.meta.CreateSession(ctx, &store.Session{
		ID: "s-private", UserID: ownerID, Title: "私密会话", CreatedAt: now, UpdatedAt: now,
	}))

	status, _ := env.call(t, http.MethodGet, "/api/chat/sessions/s-private/messages", intruderToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDeleteSession_RemovesMessages(t *testing.T) {
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")
	_, body := env.call(t, http.MethodPost, "/api/chat/message", token, map[string]any{
		"message": "删除我",
	})
	sessionID := body["session_id"].(string)

	status, _ := env.call(t, http.MethodDelete, "/api/chat/sessions/"+sessionID, token, nil)
	require.Equal(t, http.StatusOK, status)

	sessions, err := env.meta.ListSessions(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestStats_ReadsThroughCache(t *testing.T) {
	env := newGatewayEnv(t)
	token, userID := env.register(t, "zhang_wei")
	ctx := context.Background()
	require.NoError(t, env.meta.AddUserStats(ctx, userID, 3, 42, 1536))

	status, body := env.call(t, http.MethodGet, "/api/stats", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["document_count"])
	assert.EqualValues(t, 42, body["total_chunks"])
	assert.Equal(t, "1.5 KB", body["storage_used_formatted"])

	// a direct write is invisible until the cache entry expires or a
	// gateway write invalidates it
	require.NoError(t, env.meta.AddUserStats(ctx, userID, 1, 1, 1), "seed second write")
	_, body = env.call(t, http.MethodGet, "/api/stats", token, nil)
	assert.EqualValues(t, 3, body["document_count"])
}

func TestGatewayHealth_ReportsComponents(t *testing.T) {
	env := newGatewayEnv(t)

	status, body := env.call(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	components := body["components"].(map[string]any)
	assert.Equal(t, true, components["store"])
	assert.Equal(t, true, components["worker"])
}

// seedDocumentRow inserts a document row directly, bypassing the upload
// endpoints.
func seedDocumentRow(t *testing.T, meta store.Store, userID, filename string,
	status store.Status, chunks int, size int64) string {
	t.Helper()
	doc := &store.Document{
		ID:               "doc-" + strings.TrimSuffix(filename, ".pdf"),
		UserID:           userID,
		OriginalFilename: filename,
		StoragePath:      blob.ObjectKey(userID, filename),
		FileSize:         size,
		FileType:         ".pdf",
		ChunkCount:       chunks,
		Status:           status,
		VectorCollection: "documents",
		UploadAt:         time.Now().UTC(),
	}
	require.NoError(t, meta.CreateDocument(context.Background(), doc))
	return doc.ID
}
