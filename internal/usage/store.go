// Package usage records token consumption per model call. Every
// generation writes one event row; aggregate readers break the totals
// down by model and by graph node for capacity review.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lkerrors "github.com/lorekeep/lorekeep/internal/errors"
	_ "modernc.org/sqlite"
)

// Event is the token usage of one model call.
type Event struct {
	UserID           string
	Model            string
	Node             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}

// Totals aggregates events over one slice of the table.
type Totals struct {
	Calls            int64 `json:"calls"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Breakdown is Totals keyed by one grouping dimension.
type Breakdown struct {
	Key string `json:"key"`
	Totals
}

// Store persists usage events in its own sqlite database, kept apart
// from the metadata store so accounting writes never contend with
// request-path transactions.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the usage database at path. An empty path
// selects an in-memory database; tests rely on this.
func Open(path string) (*Store, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
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

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		node TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_events_user_time
		ON usage_events(user_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one event. A zero CreatedAt is stamped with the
// current time; a zero TotalTokens is derived from the parts, the way
// providers that only report prompt and completion counts expect.
func (s *Store) Record(ctx context.Context, e Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.TotalTokens == 0 {
		e.TotalTokens = e.PromptTokens + e.CompletionTokens
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (user_id, model, node, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.UserID, e.Model, e.Node, e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record usage event: %w", err)
	}
	return nil
}

// Totals sums events matching the filter. An empty userID spans all
// users; a zero since spans all time. No matching rows yields zeroes.
func (s *Store) Totals(ctx context.Context, userID string, since time.Time) (Totals, error) {
	where, args := eventFilter(userID, since)

	var t Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(total_tokens), 0)
		FROM usage_events`+where, args...,
	).Scan(&t.Calls, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to sum usage events: %w", err)
	}
	return t, nil
}

// ByModel breaks the totals down per model, heaviest first.
func (s *Store) ByModel(ctx context.Context, userID string, since time.Time) ([]Breakdown, error) {
	return s.breakdown(ctx, "model", userID, since)
}

// ByNode breaks the totals down per graph node, heaviest first.
func (s *Store) ByNode(ctx context.Context, userID string, since time.Time) ([]Breakdown, error) {
	return s.breakdown(ctx, "node", userID, since)
}

func (s *Store) breakdown(ctx context.Context, column, userID string, since time.Time) ([]Breakdown, error) {
	where, args := eventFilter(userID, since)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+column+`,
		       COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(total_tokens), 0)
		FROM usage_events`+where+`
		GROUP BY `+column+`
		ORDER BY SUM(total_tokens) DESC, `+column, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage breakdown: %w", err)
	}
	defer rows.Close()

	var out []Breakdown
	for rows.Next() {
		var b Breakdown
		if err := rows.Scan(&b.Key, &b.Calls, &b.PromptTokens, &b.CompletionTokens, &b.TotalTokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage breakdown: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// eventFilter builds the WHERE clause shared by the readers.
func eventFilter(userID string, since time.Time) (string, []any) {
	var conds []string
	var args []any
	if userID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, userID)
	}
	if !since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, since)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Prune deletes events older than before and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_events WHERE created_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
