package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/auth"
	"github.com/lorekeep/lorekeep/internal/blob"
	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/chat"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/metrics"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/validation"
	"github.com/lorekeep/lorekeep/internal/worker"
)

// Gateway is the public HTTP surface. It owns auth and tenant metadata
// and brokers uploads and chat turns to the worker; it never touches
// vectors or the graph itself.
type Gateway struct {
	cfg    *config.Config
	meta   store.Store
	blobs  blob.Store
	authn  *auth.Authenticator
	chats  *chat.Service
	work   *worker.Client
	caches cache.Cache
	m      *metrics.Metrics
}

// NewGateway wires the gateway's collaborators. chats is used for its
// session bookkeeping only; the graph side of the service stays nil.
func NewGateway(cfg *config.Config, meta store.Store, blobs blob.Store,
	authn *auth.Authenticator, chats *chat.Service, work *worker.Client,
	caches cache.Cache, m *metrics.Metrics) *Gateway {
	return &Gateway{
		cfg:    cfg,
		meta:   meta,
		blobs:  blobs,
		authn:  authn,
		chats:  chats,
		work:   work,
		caches: caches,
		m:      m,
	}
}

// Router builds the gateway's route tree. Everything under /api except
// the auth endpoints requires a bearer token.
func (g *Gateway) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLog)
	r.Use(g.m.Middleware)

	r.Get("/health", g.handleHealth)
	r.Method(http.MethodGet, "/metrics", g.m.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", g.handleRegister)
		r.Post("/auth/login", g.handleLogin)
		r.Post("/auth/logout", g.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(g.authn))

			r.Get("/auth/me", g.handleMe)

			r.Get("/documents", g.handleListDocuments)
			r.Post("/documents/upload", g.handleDirectUpload)
			r.Post("/documents/upload-url", g.handleUploadURL)
			r.Post("/documents/tus-init", g.handleTusInit)
			r.Put("/documents/{docID}/content", g.handleUploadContent)
			r.Post("/documents/{docID}/confirm-upload", g.handleConfirmUpload)
			r.Get("/documents/{docID}/status", g.handleDocumentStatus)
			r.Delete("/documents/{docID}", g.handleDeleteDocument)

			r.Post("/chat/message", g.handleChatMessage)
			r.Post("/chat/stream", g.handleChatStream)
			r.Get("/chat/sessions", g.handleSessions)
			r.Get("/chat/sessions/{sessionID}/messages", g.handleSessionMessages)
			r.Delete("/chat/sessions/{sessionID}", g.handleDeleteSession)
			r.Delete("/chat/messages/{messageID}", g.handleDeleteMessage)

			r.Get("/stats", g.handleStats)
		})
	})

	return r
}

// userPayload is the wire form of an account, everywhere a user is
// returned: login, register, and /auth/me.
type userPayload struct {
	UserID      string     `json:"user_id"`
	Username    string     `json:"username"`
	Email       string     `json:"email,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
}

func userToPayload(u *store.User) userPayload {
	return userPayload{
		UserID:      u.ID,
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
		LastLogin:   u.LastLoginAt,
	}
}

type loginResponse struct {
	Success bool        `json:"success"`
	Token   string      `json:"token"`
	User    userPayload `json:"user"`
	Message string      `json:"message"`
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := validateRegistration(req.Username, req.Password, req.Email); err != nil {
		respondError(w, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, err)
		return
	}
	user := &store.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		PasswordHash: hash,
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := g.meta.CreateUser(r.Context(), user); err != nil {
		respondError(w, err)
		return
	}

	token, err := g.authn.CreateToken(user.ID, user.Username, user.DisplayName)
	if err != nil {
		respondError(w, err)
		return
	}
	slog.Info("user registered",
		slog.String("user_id", user.ID), slog.String("username", user.Username))
	respond(w, http.StatusOK, loginResponse{
		Success: true,
		Token:   token,
		User:    userToPayload(user),
		Message: "注册成功",
	})
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}

	user, err := g.meta.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		// A missing user and a bad password answer identically.
		respondError(w, errors.Unauthorized("incorrect username or password"))
		return
	}
	if !auth.VerifyPassword(req.Password, user.PasswordHash) {
		respondError(w, errors.Unauthorized("incorrect username or password"))
		return
	}
	if !user.IsActive {
		respondError(w, errors.Forbidden("account is disabled"))
		return
	}

	now := time.Now().UTC()
	if err := g.meta.UpdateLastLogin(r.Context(), user.ID, now); err != nil {
		slog.Warn("last login update failed",
			slog.String("user_id", user.ID), slog.Any("error", err))
	}
	user.LastLoginAt = &now

	token, err := g.authn.CreateToken(user.ID, user.Username, user.DisplayName)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, loginResponse{
		Success: true,
		Token:   token,
		User:    userToPayload(user),
		Message: "登录成功",
	})
}

// handleLogout exists for client symmetry. Tokens are stateless, so
// there is nothing to revoke server side.
func (g *Gateway) handleLogout(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]any{"success": true, "message": "登出成功"})
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := g.meta.GetUserByID(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, userToPayload(user))
}

// handleHealth reports the gateway's own dependencies: the metadata
// store and the worker link.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeOK := g.meta.Ping(r.Context()) == nil
	workerOK := g.work.Available(r.Context())

	status := "healthy"
	code := http.StatusOK
	if !storeOK || !workerOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respond(w, code, map[string]any{
		"status": status,
		"components": map[string]bool{
			"store":  storeOK,
			"worker": workerOK,
		},
	})
}

func validateRegistration(username, password, email string) error {
	if err := validation.ValidateUsername(username); err != nil {
		return err
	}
	if err := validation.ValidatePassword(password); err != nil {
		return err
	}
	if strings.TrimSpace(email) != "" {
		return validation.ValidateEmail(email)
	}
	return nil
}
