// Package checkpoint persists conversation history between chat turns.
// Each thread holds the full message list; per-request fields (current
// query, retry budget) are never stored. Savers are last-writer-wins;
// concurrent turns on one thread are rare and the newer history simply
// replaces the older one.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/llm"
)

// Checkpoint types accepted by New.
const (
	TypeMemory   = "memory"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

// Checkpoint is the persisted state of one conversation thread.
type Checkpoint struct {
	Messages  []llm.Message `json:"messages"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// clone deep-copies so callers can mutate loaded state freely.
func (c *Checkpoint) clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := &Checkpoint{UpdatedAt: c.UpdatedAt}
	out.Messages = make([]llm.Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	for i, m := range c.Messages {
		if len(m.ToolCalls) > 0 {
			out.Messages[i].ToolCalls = make([]llm.ToolCall, len(m.ToolCalls))
			copy(out.Messages[i].ToolCalls, m.ToolCalls)
		}
	}
	return out
}

// Saver stores and retrieves checkpoints by thread id.
type Saver interface {
	// Load returns the thread's checkpoint, or nil when none exists.
	Load(ctx context.Context, threadID string) (*Checkpoint, error)

	// Save overwrites the thread's checkpoint.
	Save(ctx context.Context, threadID string, cp *Checkpoint) error

	// Delete removes the thread's checkpoint if present.
	Delete(ctx context.Context, threadID string) error

	Close() error
}

// ThreadID keys a user's session conversation.
func ThreadID(userID, sessionID string) string {
	return fmt.Sprintf("user_%s_session_%s", userID, sessionID)
}

// TempThreadID keys a sessionless run. The suffix keeps concurrent
// sessionless requests from one user apart.
func TempThreadID(userID string) string {
	return fmt.Sprintf("temp_%s_%s", userID, uuid.NewString()[:8])
}

// New builds the saver named by the configuration. Postgres without a
// DATABASE_URL falls back to sqlite; an unrecognized type falls back to
// memory so a misconfigured worker still serves chat.
func New(ctx context.Context, cfg *config.Config) (Saver, error) {
	switch cfg.Graph.CheckpointType {
	case TypePostgres:
		if cfg.Database.URL == "" {
			slog.Warn("checkpoint type postgres without DATABASE_URL, falling back to sqlite")
			return NewSQLite(cfg.CheckpointPath())
		}
		return NewPostgres(ctx, cfg.Database.URL)
	case TypeSQLite:
		return NewSQLite(cfg.CheckpointPath())
	case TypeMemory, "":
		return NewMemory(), nil
	default:
		slog.Warn("unknown checkpoint type, falling back to memory",
			slog.String("type", cfg.Graph.CheckpointType))
		return NewMemory(), nil
	}
}
