package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lkerrors "github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/llm"
	_ "modernc.org/sqlite"
)

// SQLiteSaver persists checkpoints to a local database file, separate
// from the metadata database so chat history and document metadata can
// be wiped independently.
type SQLiteSaver struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	closed bool
}

var _ Saver = (*SQLiteSaver)(nil)

// NewSQLite opens (or creates) the checkpoint database at path. An
// empty path uses an in-memory database.
func NewSQLite(path string) (*SQLiteSaver, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, lkerrors.Wrap(lkerrors.KindDBConnectionFailed, err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id  TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteSaver{db: db, path: path}, nil
}

func (s *SQLiteSaver) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, lkerrors.New(lkerrors.KindDBConnectionFailed, "checkpoint saver is closed", nil)
	}

	var (
		state     string
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT state, updated_at FROM checkpoints WHERE thread_id = ?", threadID,
	).Scan(&state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, lkerrors.Wrapf(lkerrors.KindDBConnectionFailed, err, "load checkpoint %s", threadID)
	}

	var messages []llm.Message
	if err := json.Unmarshal([]byte(state), &messages); err != nil {
		return nil, lkerrors.Wrapf(lkerrors.KindInternal, err, "decode checkpoint %s", threadID)
	}
	return &Checkpoint{Messages: messages, UpdatedAt: updatedAt}, nil
}

func (s *SQLiteSaver) Save(ctx context.Context, threadID string, cp *Checkpoint) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return lkerrors.New(lkerrors.KindDBConnectionFailed, "checkpoint saver is closed", nil)
	}

	var messages []llm.Message
	if cp != nil {
		messages = cp.Messages
	}
	state, err := json.Marshal(messages)
	if err != nil {
		return lkerrors.Wrapf(lkerrors.KindInternal, err, "encode checkpoint %s", threadID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		threadID, string(state), time.Now().UTC())
	if err != nil {
		return lkerrors.Wrapf(lkerrors.KindDBConnectionFailed, err, "save checkpoint %s", threadID)
	}
	return nil
}

func (s *SQLiteSaver) Delete(ctx context.Context, threadID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return lkerrors.New(lkerrors.KindDBConnectionFailed, "checkpoint saver is closed", nil)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE thread_id = ?", threadID); err != nil {
		return lkerrors.Wrapf(lkerrors.KindDBConnectionFailed, err, "delete checkpoint %s", threadID)
	}
	return nil
}

func (s *SQLiteSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
