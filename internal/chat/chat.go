// Package chat orchestrates conversation turns around the retrieval
// graph: session bootstrap, message persistence, and the apology row
// written when a run fails after the turn was accepted.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/checkpoint"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/graph"
	"github.com/lorekeep/lorekeep/internal/llm"
	"github.com/lorekeep/lorekeep/internal/retrieve"
	"github.com/lorekeep/lorekeep/internal/store"
)

const (
	// maxTitleRunes bounds session titles derived from the first turn.
	maxTitleRunes = 20

	// defaultTitle is used when the first turn is nothing but symbols.
	defaultTitle = "新建对话"

	// RoleUser and RoleAssistant are the two persisted message roles.
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Runner executes one retrieval-graph turn. Satisfied by *graph.Graph.
type Runner interface {
	Run(ctx context.Context, req graph.Request) (*graph.Outcome, error)
}

// Service handles chat turns for one deployment. One Service serves all
// users; per-turn state stays on the stack.
type Service struct {
	meta   store.Store
	runner Runner
}

// NewService wires the chat service.
func NewService(meta store.Store, runner Runner) *Service {
	return &Service{meta: meta, runner: runner}
}

// Turn is one inbound chat request. An empty SessionID creates a new
// session titled after the message.
type Turn struct {
	UserID    string
	SessionID string
	Message   string

	// OnStep and OnToken forward progress to a streaming client.
	OnStep  func(graph.Step)
	OnToken llm.StreamFunc
}

// Reply is a completed turn.
type Reply struct {
	SessionID  string
	Answer     string
	Documents  []retrieve.Document
	Steps      []graph.Step
	TokensUsed int
	Elapsed    time.Duration
}

// EnsureSession returns the turn's session id, creating the session when
// the id is empty. The new session's title comes from the first message.
func (s *Service) EnsureSession(ctx context.Context, userID, sessionID, firstMessage string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	now := time.Now().UTC()
	session := &store.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     SessionTitle(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.meta.CreateSession(ctx, session); err != nil {
		return "", err
	}
	slog.Info("session created",
		slog.String("session_id", session.ID),
		slog.String("user_id", userID))
	return session.ID, nil
}

// SaveTurn persists one message row and bumps the session's updated_at,
// which drives the recency buckets in the session list.
func (s *Service) SaveTurn(ctx context.Context, userID, sessionID, role, content string) error {
	now := time.Now().UTC()
	msg := &store.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}
	if err := s.meta.CreateMessage(ctx, msg); err != nil {
		return err
	}
	if err := s.meta.TouchSession(ctx, sessionID, userID, now); err != nil {
		slog.Warn("session touch failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}
	return nil
}

// Respond runs one turn through the graph and persists the assistant
// reply. When the run fails an apology row is written instead, so a
// client polling the session sees the failure rather than silence.
func (s *Service) Respond(ctx context.Context, turn Turn) (*Reply, error) {
	if strings.TrimSpace(turn.Message) == "" {
		return nil, errors.Newf(errors.KindInvalidInput, "message must not be empty")
	}

	sessionID, err := s.EnsureSession(ctx, turn.UserID, turn.SessionID, turn.Message)
	if err != nil {
		return nil, err
	}

	out, err := s.runner.Run(ctx, graph.Request{
		UserID:   turn.UserID,
		ThreadID: checkpoint.ThreadID(turn.UserID, sessionID),
		Question: turn.Message,
		OnStep:   turn.OnStep,
		OnToken:  turn.OnToken,
	})
	if err != nil {
		apology := fmt.Sprintf("抱歉，本次回答失败：%s", err.Error())
		if saveErr := s.SaveTurn(ctx, turn.UserID, sessionID, RoleAssistant, apology); saveErr != nil {
			slog.Error("could not record failed turn",
				slog.String("session_id", sessionID), slog.Any("error", saveErr))
		}
		return nil, err
	}

	if err := s.SaveTurn(ctx, turn.UserID, sessionID, RoleAssistant, out.Answer); err != nil {
		return nil, err
	}

	return &Reply{
		SessionID:  sessionID,
		Answer:     out.Answer,
		Documents:  out.Documents,
		Steps:      out.Steps,
		TokensUsed: out.TokensUsed,
		Elapsed:    out.Elapsed,
	}, nil
}

// SessionTitle derives a session title from the first user turn:
// punctuation is stripped, the rest truncated to 20 runes.
func SessionTitle(firstMessage string) string {
	var b strings.Builder
	for _, r := range firstMessage {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	title := strings.TrimSpace(b.String())
	if title == "" {
		return defaultTitle
	}
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes]) + "..."
	}
	return title
}
