package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorekeep/lorekeep/internal/auth"
	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/chat"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/validation"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type sessionPayload struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type sessionGroupPayload struct {
	Group    string           `json:"group"`
	Sessions []sessionPayload `json:"sessions"`
}

type messagePayload struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// handleChatMessage persists the user turn and forwards it to the
// worker. The assistant reply lands later through the session poll or
// the stream; this endpoint only accepts.
func (g *Gateway) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	sessionID, message, ok := g.acceptTurn(w, r, userID)
	if !ok {
		return
	}

	// The user turn stays persisted even when forwarding fails, so a
	// retry lands in the same session.
	if err := g.work.SendMessage(r.Context(), userID, sessionID, message); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"success": true, "session_id": sessionID})
}

// handleChatStream is the streaming variant: same turn bookkeeping,
// then the worker's SSE body is copied through unbuffered.
func (g *Gateway) handleChatStream(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	sessionID, message, ok := g.acceptTurn(w, r, userID)
	if !ok {
		return
	}

	upstream, err := g.work.OpenStream(r.Context(), userID, sessionID, message)
	if err != nil {
		respondError(w, err)
		return
	}
	defer upstream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, errors.Newf(errors.KindInternal, "response writer does not support streaming"))
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := make([]byte, 4096)
	for {
		n, rerr := upstream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return // client went away
			}
			flusher.Flush()
		}
		if rerr != nil {
			return
		}
	}
}

func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	groups, err := cache.Through(r.Context(), g.caches, cache.SessionsKey(userID),
		func() ([]sessionGroupPayload, error) {
			grouped, err := g.chats.Sessions(r.Context(), userID)
			if err != nil {
				return nil, err
			}
			return sessionGroupsToPayload(grouped), nil
		})
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, groups)
}

func (g *Gateway) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	msgs, err := g.chats.Messages(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]messagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messagePayload{
			MessageID: m.ID,
			SessionID: m.SessionID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	respond(w, http.StatusOK, out)
}

func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if err := g.chats.DeleteSession(r.Context(), chi.URLParam(r, "sessionID"), userID); err != nil {
		respondError(w, err)
		return
	}
	g.caches.Delete(r.Context(), cache.SessionsKey(userID))
	respond(w, http.StatusOK, map[string]any{"success": true})
}

func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if err := g.chats.DeleteMessage(r.Context(), chi.URLParam(r, "messageID"), userID); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"success": true})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	stats, err := cache.Through(r.Context(), g.caches, cache.StatsKey(userID),
		func() (map[string]any, error) {
			s, err := g.meta.GetUserStats(r.Context(), userID)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"document_count":         s.DocumentCount,
				"total_chunks":           s.TotalChunks,
				"storage_used":           s.StorageBytes,
				"storage_used_formatted": validation.FormatFileSize(s.StorageBytes),
			}, nil
		})
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

// acceptTurn validates a chat request, ensures its session, and
// persists the user turn. When ok is false a response has already been
// written.
func (g *Gateway) acceptTurn(w http.ResponseWriter, r *http.Request, userID string) (sessionID, message string, ok bool) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return "", "", false
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, errors.InvalidInput("message must not be empty"))
		return "", "", false
	}

	sessionID, err := g.chats.EnsureSession(r.Context(), userID, req.SessionID, req.Message)
	if err != nil {
		respondError(w, err)
		return "", "", false
	}
	if err := g.chats.SaveTurn(r.Context(), userID, sessionID, chat.RoleUser, req.Message); err != nil {
		respondError(w, err)
		return "", "", false
	}
	g.caches.Delete(r.Context(), cache.SessionsKey(userID))
	return sessionID, req.Message, true
}

func sessionGroupsToPayload(groups []chat.SessionGroup) []sessionGroupPayload {
	out := make([]sessionGroupPayload, 0, len(groups))
	for _, grp := range groups {
		sessions := make([]sessionPayload, 0, len(grp.Sessions))
		for _, s := range grp.Sessions {
			sessions = append(sessions, sessionPayload{
				SessionID: s.ID,
				Title:     s.Title,
				CreatedAt: s.CreatedAt,
				UpdatedAt: s.UpdatedAt,
			})
		}
		out = append(out, sessionGroupPayload{Group: grp.Group, Sessions: sessions})
	}
	return out
}
