package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	lkerrors "github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/llm"
)

// PostgresSaver persists checkpoints to the shared cloud database.
type PostgresSaver struct {
	pool *pgxpool.Pool
}

var _ Saver = (*PostgresSaver)(nil)

// NewPostgres connects to postgres and ensures the checkpoints table
// exists.
func NewPostgres(ctx context.Context, dsn string) (*PostgresSaver, error) {
	if dsn == "" {
		return nil, lkerrors.New(lkerrors.KindConfig, "DATABASE_URL is required for postgres checkpoints", nil)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, lkerrors.Wrap(lkerrors.KindConfig, err)
	}
	cfg.MinConns = 1
	cfg.MaxConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, lkerrors.Wrap(lkerrors.KindDBConnectionFailed, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, lkerrors.Wrap(lkerrors.KindDBConnectionFailed, err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id  TEXT PRIMARY KEY,
		state      JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, lkerrors.Wrapf(lkerrors.KindDBConnectionFailed, err, "initialize checkpoint schema")
	}

	return &PostgresSaver{pool: pool}, nil
}

func (s *PostgresSaver) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	var (
		state     []byte
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		"SELECT state, updated_at FROM checkpoints WHERE thread_id = $1", threadID,
	).Scan(&state, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, lkerrors.Wrapf(lkerrors.KindDBConnectionFailed, err, "load checkpoint %s", threadID)
	}

	var messages []llm.Message
	if err := json.Unmarshal(state, &messages); err != nil {
		return nil, lkerrors.Wrapf(lkerrors.KindInternal, err, "decode checkpoint %s", threadID)
	}
	return &Checkpoint{Messages: messages, UpdatedAt: updatedAt}, nil
}

func (s *PostgresSaver) Save(ctx context.Context, threadID string, cp *Checkpoint) error {
	var messages []llm.Message
	if cp != nil {
		messages = cp.Messages
	}
	state, err := json.Marshal(messages)
	if err != nil {
		return lkerrors.Wrapf(lkerrors.KindInternal, err, "encode checkpoint %s", threadID)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (thread_id, state, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (thread_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		threadID, state, time.Now().UTC())
	if err != nil {
		return lkerrors.Wrapf(lkerrors.KindDBConnectionFailed, err, "save checkpoint %s", threadID)
	}
	return nil
}

func (s *PostgresSaver) Delete(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM checkpoints WHERE thread_id = $1", threadID); err != nil {
		return lkerrors.Wrapf(lkerrors.KindDBConnectionFailed, err, "delete checkpoint %s", threadID)
	}
	return nil
}

func (s *PostgresSaver) Close() error {
	s.pool.Close()
	return nil
}
