package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	lkerrors "github.com/lorekeep/lorekeep/internal/errors"
)

// PostgresStore is the cloud metadata backend. The pool is safe for
// concurrent use; no store-level locking is needed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, lkerrors.New(lkerrors.KindConfig, "DATABASE_URL is required in cloud database mode", nil)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, lkerrors.Wrap(lkerrors.KindConfig, err)
	}
	cfg.MinConns = 1
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classifyConnError(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classifyConnError(err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		email         TEXT NOT NULL DEFAULT '',
		display_name  TEXT NOT NULL DEFAULT '',
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL,
		last_login_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS documents (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		storage_path      TEXT NOT NULL,
		file_size         BIGINT NOT NULL,
		file_type         TEXT NOT NULL,
		page_count        INTEGER NOT NULL DEFAULT 0,
		chunk_count       INTEGER NOT NULL DEFAULT 0,
		status            TEXT NOT NULL,
		error_message     TEXT NOT NULL DEFAULT '',
		vector_collection TEXT NOT NULL DEFAULT '',
		upload_at         TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id, upload_at);

	CREATE TABLE IF NOT EXISTS parent_child_maps (
		user_id   TEXT NOT NULL,
		doc_id    TEXT NOT NULL,
		parent_id TEXT NOT NULL,
		content   TEXT NOT NULL,
		metadata  TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (user_id, parent_id)
	);
	CREATE INDEX IF NOT EXISTS idx_parent_maps_doc ON parent_child_maps(user_id, doc_id);

	CREATE TABLE IF NOT EXISTS user_stats (
		user_id        TEXT PRIMARY KEY,
		document_count INTEGER NOT NULL DEFAULT 0,
		total_chunks   INTEGER NOT NULL DEFAULT 0,
		storage_bytes  BIGINT NOT NULL DEFAULT 0,
		updated_at     TIMESTAMPTZ NOT NULL
	);
	`
	// No args, so pgx uses the simple protocol and accepts the
	// multi-statement string.
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// --- User operations ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.pool.Exec(ctx, rewriteParams(sqlInsertUser),
		user.ID, user.Username, user.PasswordHash, user.Email,
		user.DisplayName, user.IsActive, user.CreatedAt, nullableTime(user.LastLoginAt))
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return lkerrors.Newf(lkerrors.KindInvalidInput, "username already taken: %s", user.Username)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, rewriteParams(sqlSelectUserByID), userID), userID)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, rewriteParams(sqlSelectUserByUsername), username), username)
}

func (s *PostgresStore) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	return s.execExpectingRow(ctx, rewriteParams(sqlUpdateLastLogin), "user", userID, at, userID)
}

// --- Session operations ---

func (s *PostgresStore) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.pool.Exec(ctx, rewriteParams(sqlInsertSession),
		session.ID, session.UserID, session.Title, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID, userID string) (*Session, error) {
	sess := &Session{}
	err := s.pool.QueryRow(ctx, rewriteParams(sqlSelectSession), sessionID, userID).
		Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lkerrors.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, rewriteParams(sqlListSessions), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) TouchSession(ctx context.Context, sessionID, userID string, at time.Time) error {
	return s.execExpectingRow(ctx, rewriteParams(sqlTouchSession), "session", sessionID, at, sessionID, userID)
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, rewriteParams(sqlDeleteSession), sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lkerrors.NotFound("session", sessionID)
	}

	if _, err := tx.Exec(ctx, rewriteParams(sqlDeleteSessionMessages), sessionID, userID); err != nil {
		return fmt.Errorf("failed to delete session messages: %w", err)
	}
	return tx.Commit(ctx)
}

// --- Message operations ---

func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) error {
	_, err := s.pool.Exec(ctx, rewriteParams(sqlInsertMessage),
		msg.ID, msg.SessionID, msg.UserID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID, userID string) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, rewriteParams(sqlListMessages), sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID, userID string) error {
	return s.execExpectingRow(ctx, rewriteParams(sqlDeleteMessage), "message", messageID, messageID, userID)
}

// --- Document operations ---

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *Document) error {
	_, err := s.pool.Exec(ctx, rewriteParams(sqlInsertDocument),
		doc.ID, doc.UserID, doc.OriginalFilename, doc.StoragePath,
		doc.FileSize, doc.FileType, doc.PageCount, doc.ChunkCount,
		string(doc.Status), doc.ErrorMessage, doc.VectorCollection, doc.UploadAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, docID, userID string) (*Document, error) {
	return scanDocument(s.pool.QueryRow(ctx, rewriteParams(sqlSelectDocument), docID, userID), docID)
}

func (s *PostgresStore) ListDocuments(ctx context.Context, userID string) ([]*Document, error) {
	rows, err := s.pool.Query(ctx, rewriteParams(sqlListDocuments), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []*Document{}
	for rows.Next() {
		doc, err := scanDocumentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) MarkDocumentActive(ctx context.Context, docID, userID string, chunkCount, pageCount int) error {
	return s.execExpectingRow(ctx, rewriteParams(sqlMarkDocumentActive), "document", docID,
		chunkCount, pageCount, docID, userID)
}

func (s *PostgresStore) MarkDocumentError(ctx context.Context, docID, userID, message string) error {
	return s.execExpectingRow(ctx, rewriteParams(sqlMarkDocumentError), "document", docID,
		sanitizeDiagnostic(message), docID, userID)
}

func (s *PostgresStore) SoftDeleteDocument(ctx context.Context, docID, userID string) error {
	return s.execExpectingRow(ctx, rewriteParams(sqlSoftDeleteDocument), "document", docID, docID, userID)
}

func (s *PostgresStore) HardDeleteDocument(ctx context.Context, docID, userID string) error {
	_, err := s.pool.Exec(ctx, rewriteParams(sqlHardDeleteDocument), docID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete document row: %w", err)
	}
	return nil
}

// --- Parent map operations ---

// SaveParentMap replaces all blocks for (userID, docID). Inserts go through
// one pgx batch inside the transaction.
func (s *PostgresStore) SaveParentMap(ctx context.Context, userID, docID string, blocks []*ParentBlock) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, rewriteParams(sqlDeleteParentMap), userID, docID); err != nil {
		return fmt.Errorf("failed to clear parent map: %w", err)
	}

	batch := &pgx.Batch{}
	insert := rewriteParams(sqlInsertParent)
	for _, block := range blocks {
		meta, err := encodeMetadata(block.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for parent %s: %w", block.ParentID, err)
		}
		content := strings.ReplaceAll(block.Content, "\x00", "")
		batch.Queue(insert, userID, docID, block.ParentID, content, meta)
	}

	br := tx.SendBatch(ctx, batch)
	for range blocks {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to insert parent block: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetParentMapForUser(ctx context.Context, userID string) (map[string]*ParentBlock, error) {
	rows, err := s.pool.Query(ctx, rewriteParams(sqlSelectParentMapForUser), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load parent map: %w", err)
	}
	defer rows.Close()

	return collectParentMap(rows, userID)
}

func (s *PostgresStore) DeleteParentMap(ctx context.Context, userID, docID string) error {
	_, err := s.pool.Exec(ctx, rewriteParams(sqlDeleteParentMap), userID, docID)
	if err != nil {
		return fmt.Errorf("failed to delete parent map: %w", err)
	}
	return nil
}

// --- Stats operations ---

func (s *PostgresStore) AddUserStats(ctx context.Context, userID string, docDelta, chunkDelta int, byteDelta int64) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, rewriteParams(postgresUpsertStats),
		userID, docDelta, chunkDelta, byteDelta, now,
		docDelta, chunkDelta, byteDelta, now)
	if err != nil {
		return fmt.Errorf("failed to update user stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	stats := &UserStats{}
	err := s.pool.QueryRow(ctx, rewriteParams(sqlSelectUserStats), userID).
		Scan(&stats.UserID, &stats.DocumentCount, &stats.TotalChunks, &stats.StorageBytes, &stats.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &UserStats{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}
	return stats, nil
}

// --- Lifecycle ---

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- helpers ---

func (s *PostgresStore) execExpectingRow(ctx context.Context, query, entity, id string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return lkerrors.NotFound(entity, id)
	}
	return nil
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// classifyConnError maps common connection failures to actionable errors.
func classifyConnError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return lkerrors.Wrap(lkerrors.KindDBConnectionFailed, err).
			WithDetail("host", dnsErr.Name).
			WithSuggestion("check the DATABASE_URL host")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01":
			return lkerrors.Wrap(lkerrors.KindDBConnectionFailed, err).
				WithSuggestion("check the DATABASE_URL credentials")
		case "3D000":
			return lkerrors.Wrap(lkerrors.KindDBConnectionFailed, err).
				WithSuggestion("create the database named in DATABASE_URL first")
		}
	}

	if strings.Contains(err.Error(), "connection refused") {
		return lkerrors.Wrap(lkerrors.KindDBConnectionFailed, err).
			WithSuggestion("check that postgres is running and reachable")
	}
	return lkerrors.Wrap(lkerrors.KindDBConnectionFailed, err)
}
