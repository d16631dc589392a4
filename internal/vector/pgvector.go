package vector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// PgvectorConfig configures the cloud backend.
type PgvectorConfig struct {
	// URL is the postgres DSN, shared with the metadata store.
	URL string

	// Dimensions fixes the vector column width at table creation.
	Dimensions int

	// MaxConns caps the pool. Zero takes the pgx default.
	MaxConns int32
}

// Pgvector stores chunks in postgres with the pgvector extension. Tenant
// filtering is a WHERE clause, so isolation holds even if the process is
// compromised into issuing raw searches.
type Pgvector struct {
	pool *pgxpool.Pool
	cfg  PgvectorConfig

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*Pgvector)(nil)

// NewPgvector connects and ensures the schema. The ivfflat index is best
// effort: it needs rows to train on and fails harmlessly on empty tables.
func NewPgvector(ctx context.Context, cfg PgvectorConfig) (*Pgvector, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.KindConfig, "database url is required for pgvector", nil)
	}
	if cfg.Dimensions <= 0 {
		return nil, errors.New(errors.KindConfig, "vector dimensions must be positive", nil)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrapf(errors.KindConfig, err, "parse database url")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrapf(errors.KindDBConnectionFailed, err, "connect postgres")
	}

	s := &Pgvector{pool: pool, cfg: cfg}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Pgvector) ensureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS child_chunks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	parent_id TEXT NOT NULL,
	chunk_id INTEGER NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	embedding vector(%d) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS child_chunks_user_idx ON child_chunks (user_id);
CREATE INDEX IF NOT EXISTS child_chunks_user_doc_idx ON child_chunks (user_id, doc_id);
`, s.cfg.Dimensions)

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.Wrapf(errors.KindDBConnectionFailed, err, "ensure pgvector schema")
	}

	const ivf = `CREATE INDEX IF NOT EXISTS child_chunks_embedding_idx
		ON child_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`
	if _, err := s.pool.Exec(ctx, ivf); err != nil && !strings.Contains(err.Error(), "ivfflat") {
		return errors.Wrapf(errors.KindDBConnectionFailed, err, "create ivfflat index")
	}
	return nil
}

// Upsert replaces rows sharing an id inside one transaction.
func (s *Pgvector) Upsert(ctx context.Context, records []Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	for _, rec := range records {
		if len(rec.Vector) != s.cfg.Dimensions {
			return errors.Newf(errors.KindInvalidInput,
				"vector dimension mismatch: want %d, got %d", s.cfg.Dimensions, len(rec.Vector))
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrapf(errors.KindVectorUpsertFailed, err, "begin upsert")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	const insert = `
		INSERT INTO child_chunks (id, user_id, doc_id, parent_id, chunk_id, source, title, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			doc_id = EXCLUDED.doc_id,
			parent_id = EXCLUDED.parent_id,
			chunk_id = EXCLUDED.chunk_id,
			source = EXCLUDED.source,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding`
	for _, rec := range records {
		m := rec.Metadata
		batch.Queue(insert, rec.ID, m.UserID, m.DocID, m.ParentID, m.ChunkID,
			m.Source, m.Title, rec.Content, pgvector.NewVector(rec.Vector))
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrapf(errors.KindVectorUpsertFailed, err, "upsert %d vectors", len(records))
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrapf(errors.KindVectorUpsertFailed, err, "commit upsert")
	}
	return nil
}

// Search runs cosine nearest-neighbor scoped to the tenant.
func (s *Pgvector) Search(ctx context.Context, vec []float32, k int, filter Filter) ([]Hit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := filter.validate(); err != nil {
		return nil, err
	}
	if len(vec) != s.cfg.Dimensions {
		return nil, errors.Newf(errors.KindInvalidInput,
			"query dimension mismatch: want %d, got %d", s.cfg.Dimensions, len(vec))
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	query := `
		SELECT id, user_id, doc_id, parent_id, chunk_id, source, title, content,
			1 - (embedding <=> $1) AS score
		FROM child_chunks
		WHERE user_id = $2`
	args := []any{pgvector.NewVector(vec), filter.UserID}
	if filter.DocID != "" {
		query += " AND doc_id = $3"
		args = append(args, filter.DocID)
	}
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT %d", k)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "pgvector search")
	}
	defer rows.Close()

	hits := make([]Hit, 0, k)
	for rows.Next() {
		var (
			hit   Hit
			m     Metadata
			score float64
		)
		if err := rows.Scan(&hit.ID, &m.UserID, &m.DocID, &m.ParentID, &m.ChunkID,
			&m.Source, &m.Title, &hit.Content, &score); err != nil {
			return nil, errors.Wrapf(errors.KindInternal, err, "scan hit")
		}
		hit.Score = float32(score)
		hit.Metadata = m
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "iterate hits")
	}
	return hits, nil
}

// Delete removes every row matching the filter.
func (s *Pgvector) Delete(ctx context.Context, filter Filter) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := filter.validate(); err != nil {
		return err
	}

	var err error
	if filter.DocID != "" {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM child_chunks WHERE user_id = $1 AND doc_id = $2`,
			filter.UserID, filter.DocID)
	} else {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM child_chunks WHERE user_id = $1`, filter.UserID)
	}
	if err != nil {
		return errors.Wrapf(errors.KindInternal, err, "pgvector delete")
	}
	return nil
}

func (s *Pgvector) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New(errors.KindInternal, "vector store is closed", nil)
	}
	return nil
}

// Close releases the pool.
func (s *Pgvector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pool.Close()
	return nil
}
