package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/lorekeep/lorekeep/internal/chat"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/embed"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/graph"
	"github.com/lorekeep/lorekeep/internal/ingest"
	"github.com/lorekeep/lorekeep/internal/keyword"
	"github.com/lorekeep/lorekeep/internal/llm"
	"github.com/lorekeep/lorekeep/internal/metrics"
	"github.com/lorekeep/lorekeep/internal/sse"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/vector"
)

// Worker is the internal HTTP surface: graph runs, ingestion dispatch,
// and vector lifecycle. It trusts the gateway's user_id; the network
// boundary is the deployment's, not this handler's.
type Worker struct {
	cfg      *config.Config
	meta     store.Store
	chats    *chat.Service
	pool     *ingest.Pool
	vectors  vector.Store
	keywords *keyword.Manager
	embedder embed.Embedder
	model    llm.Client
	m        *metrics.Metrics

	warm atomic.Bool
}

// NewWorker wires the worker's collaborators. keywords may be nil when
// hybrid retrieval is off.
func NewWorker(cfg *config.Config, meta store.Store, chats *chat.Service,
	pool *ingest.Pool, vectors vector.Store, keywords *keyword.Manager,
	embedder embed.Embedder, model llm.Client, m *metrics.Metrics) *Worker {
	return &Worker{
		cfg:      cfg,
		meta:     meta,
		chats:    chats,
		pool:     pool,
		vectors:  vectors,
		keywords: keywords,
		embedder: embedder,
		model:    model,
		m:        m,
	}
}

// SetWarm flips the readiness flag once startup warmup has finished.
func (s *Worker) SetWarm() {
	s.warm.Store(true)
}

// Router builds the worker's route tree. pprof mounts the net/http/pprof
// handlers under /debug when enabled.
func (s *Worker) Router(pprof bool) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLog)
	r.Use(s.m.Middleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.m.Handler())
	if pprof {
		r.Mount("/debug", chimw.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat/message", s.handleChatMessage)
		r.Post("/chat/stream", s.handleChatStream)
		r.Post("/documents/{docID}/process", s.handleProcess)
		r.Delete("/documents/{docID}/delete-vectors", s.handleDeleteVectors)
	})

	return r
}

type workerChatRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (req workerChatRequest) validate() error {
	if req.UserID == "" {
		return errors.InvalidInput("user_id is required")
	}
	if req.Message == "" {
		return errors.InvalidInput("message is required")
	}
	return nil
}

// handleChatMessage accepts a turn and runs the graph in the
// background; the gateway polls the session for the reply. The session
// is ensured up front so the accept response can name it.
func (s *Worker) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	var req workerChatRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, err)
		return
	}

	sessionID, err := s.chats.EnsureSession(r.Context(), req.UserID, req.SessionID, req.Message)
	if err != nil {
		respondError(w, err)
		return
	}

	// The run outlives the HTTP exchange. Respond writes the assistant
	// row, or the apology row on failure.
	go func() {
		ctx := context.Background()
		if _, err := s.chats.Respond(ctx, chat.Turn{
			UserID:    req.UserID,
			SessionID: sessionID,
			Message:   req.Message,
		}); err != nil {
			slog.Error("background turn failed",
				slog.String("session_id", sessionID), slog.Any("error", err))
		}
	}()

	respond(w, http.StatusOK, map[string]any{
		"success":    true,
		"status":     "accepted",
		"session_id": sessionID,
		"message":    "已开始处理",
	})
}

// handleChatStream runs the graph inline, forwarding thinking steps and
// answer tokens as SSE frames. Providers that return the answer in one
// piece are re-chunked so the client sees the same event shape.
func (s *Worker) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req workerChatRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, err)
		return
	}

	// Ensure the session before committing to the stream so setup
	// failures still produce a JSON error with a proper status.
	sessionID, err := s.chats.EnsureSession(r.Context(), req.UserID, req.SessionID, req.Message)
	if err != nil {
		respondError(w, err)
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		respondError(w, err)
		return
	}

	var streamed bool
	reply, err := s.chats.Respond(r.Context(), chat.Turn{
		UserID:    req.UserID,
		SessionID: sessionID,
		Message:   req.Message,
		OnStep: func(step graph.Step) {
			_ = sw.Send(sse.Thinking([]graph.Step{step}, sessionID))
		},
		OnToken: func(_ context.Context, token string) error {
			streamed = true
			return sw.Send(sse.Chunk(token, sessionID))
		},
	})
	if err != nil {
		_ = sw.Send(sse.Error(err.Error(), sessionID))
		return
	}

	if !streamed {
		for _, piece := range sse.ChunkText(reply.Answer, sse.FallbackChunkSize) {
			if err := sw.Send(sse.Chunk(piece, sessionID)); err != nil {
				return
			}
		}
	}
	_ = sw.Send(sse.Complete(sessionID, reply.Answer, reply.Documents,
		reply.Steps, reply.TokensUsed, reply.Elapsed))
}

// handleProcess enqueues one document for ingestion. The metadata row
// is authoritative for the blob key and file type; the body's doc_id,
// when present, must agree with the path.
func (s *Worker) handleProcess(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	var req struct {
		DocID    string `json:"doc_id"`
		UserID   string `json:"user_id"`
		Filepath string `json:"filepath"`
		FileType string `json:"file_type"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.UserID == "" {
		respondError(w, errors.InvalidInput("user_id is required"))
		return
	}
	if req.DocID != "" && req.DocID != docID {
		respondError(w, errors.InvalidInput("doc_id does not match the request path"))
		return
	}

	doc, err := s.meta.GetDocument(r.Context(), docID, req.UserID)
	if err != nil {
		respondError(w, err)
		return
	}

	accepted := s.pool.Enqueue(ingest.Job{
		UserID:      doc.UserID,
		DocID:       doc.ID,
		StoragePath: doc.StoragePath,
		FileType:    doc.FileType,
	})
	if !accepted {
		respondError(w, errors.Newf(errors.KindInternal, "ingest queue is full"))
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  "processing",
		"doc_id":  doc.ID,
	})
}

// handleDeleteVectors clears a document's footprint in the vector and
// keyword indexes. Index failures are logged, not surfaced: the
// metadata row is already gone and a retry would find nothing new.
func (s *Worker) handleDeleteVectors(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, errors.InvalidInput("user_id is required"))
		return
	}

	if err := s.vectors.Delete(r.Context(), vector.Filter{UserID: userID, DocID: docID}); err != nil {
		slog.Warn("vector delete failed",
			slog.String("doc_id", docID), slog.Any("error", err))
	}
	if s.keywords != nil {
		if idx, err := s.keywords.ForUser(userID); err != nil {
			slog.Warn("keyword index unavailable",
				slog.String("user_id", userID), slog.Any("error", err))
		} else if err := idx.DeleteDocument(r.Context(), docID); err != nil {
			slog.Warn("keyword delete failed",
				slog.String("doc_id", docID), slog.Any("error", err))
		}
	}
	respond(w, http.StatusOK, map[string]any{"success": true})
}

// handleHealth probes each collaborator. The vector probe is a real
// search under a user id that owns nothing, so it exercises the backend
// without touching tenant data.
func (s *Worker) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]bool{
		"store":    s.meta.Ping(ctx) == nil,
		"vector":   s.vectorReady(ctx),
		"embedder": s.embedder.Available(ctx),
		"llm":      s.model.Available(ctx),
	}

	status := "healthy"
	code := http.StatusOK
	for _, ok := range components {
		if !ok {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}

	respond(w, code, map[string]any{
		"status":          status,
		"warmup_complete": s.warm.Load(),
		"components":      components,
		"embedding_model": s.embedder.ModelName(),
		"llm_model":       s.model.ModelName(),
	})
}

func (s *Worker) vectorReady(ctx context.Context) bool {
	probe := make([]float32, s.embedder.Dimensions())
	_, err := s.vectors.Search(ctx, probe, 1, vector.Filter{UserID: "_health"})
	return err == nil
}
