package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lkerrors "github.com/lorekeep/lorekeep/internal/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the local metadata backend.
// Single-writer WAL mode; safe for concurrent use.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the metadata database at path.
// If path is empty, an in-memory database is used; tests rely on this.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
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

	// WAL mode must be set via PRAGMA for modernc.org/sqlite
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		email         TEXT NOT NULL DEFAULT '',
		display_name  TEXT NOT NULL DEFAULT '',
		is_active     INTEGER NOT NULL DEFAULT 1,
		created_at    TIMESTAMP NOT NULL,
		last_login_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS documents (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		storage_path      TEXT NOT NULL,
		file_size         INTEGER NOT NULL,
		file_type         TEXT NOT NULL,
		page_count        INTEGER NOT NULL DEFAULT 0,
		chunk_count       INTEGER NOT NULL DEFAULT 0,
		status            TEXT NOT NULL,
		error_message     TEXT NOT NULL DEFAULT '',
		vector_collection TEXT NOT NULL DEFAULT '',
		upload_at         TIMESTAMP NOT NULL
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
		storage_bytes  INTEGER NOT NULL DEFAULT 0,
		updated_at     TIMESTAMP NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- User operations ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, sqlInsertUser,
		user.ID, user.Username, user.PasswordHash, user.Email,
		user.DisplayName, user.IsActive, user.CreatedAt, nullableTime(user.LastLoginAt))
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return lkerrors.Newf(lkerrors.KindInvalidInput, "username already taken: %s", user.Username)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	return scanUser(s.db.QueryRowContext(ctx, sqlSelectUserByID, userID), userID)
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	return scanUser(s.db.QueryRowContext(ctx, sqlSelectUserByUsername, username), username)
}

func (s *SQLiteStore) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return execExpectingRow(ctx, s.db, sqlUpdateLastLogin, "user", userID, at, userID)
}

// --- Session operations ---

func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, sqlInsertSession,
		session.ID, session.UserID, session.Title, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID, userID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	sess := &Session{}
	err := s.db.QueryRowContext(ctx, sqlSelectSession, sessionID, userID).
		Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lkerrors.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, sqlListSessions, userID)
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

func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return execExpectingRow(ctx, s.db, sqlTouchSession, "session", sessionID, at, sessionID, userID)
}

// DeleteSession removes the session and its messages in one transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, sqlDeleteSession, sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return lkerrors.NotFound("session", sessionID)
	}

	if _, err := tx.ExecContext(ctx, sqlDeleteSessionMessages, sessionID, userID); err != nil {
		return fmt.Errorf("failed to delete session messages: %w", err)
	}
	return tx.Commit()
}

// --- Message operations ---

func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, sqlInsertMessage,
		msg.ID, msg.SessionID, msg.UserID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID, userID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, sqlListMessages, sessionID, userID)
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

func (s *SQLiteStore) DeleteMessage(ctx context.Context, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return execExpectingRow(ctx, s.db, sqlDeleteMessage, "message", messageID, messageID, userID)
}

// --- Document operations ---

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, sqlInsertDocument,
		doc.ID, doc.UserID, doc.OriginalFilename, doc.StoragePath,
		doc.FileSize, doc.FileType, doc.PageCount, doc.ChunkCount,
		string(doc.Status), doc.ErrorMessage, doc.VectorCollection, doc.UploadAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, docID, userID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	return scanDocument(s.db.QueryRowContext(ctx, sqlSelectDocument, docID, userID), docID)
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, userID string) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, sqlListDocuments, userID)
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

func (s *SQLiteStore) MarkDocumentActive(ctx context.Context, docID, userID string, chunkCount, pageCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return execExpectingRow(ctx, s.db, sqlMarkDocumentActive, "document", docID,
		chunkCount, pageCount, docID, userID)
}

func (s *SQLiteStore) MarkDocumentError(ctx context.Context, docID, userID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return execExpectingRow(ctx, s.db, sqlMarkDocumentError, "document", docID,
		sanitizeDiagnostic(message), docID, userID)
}

func (s *SQLiteStore) SoftDeleteDocument(ctx context.Context, docID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return execExpectingRow(ctx, s.db, sqlSoftDeleteDocument, "document", docID, docID, userID)
}

func (s *SQLiteStore) HardDeleteDocument(ctx context.Context, docID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	_, err := s.db.ExecContext(ctx, sqlHardDeleteDocument, docID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete document row: %w", err)
	}
	return nil
}

// --- Parent map operations ---

// SaveParentMap replaces all blocks for (userID, docID): delete then insert,
// one transaction, prepared insert reused per block.
func (s *SQLiteStore) SaveParentMap(ctx context.Context, userID, docID string, blocks []*ParentBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, sqlDeleteParentMap, userID, docID); err != nil {
		return fmt.Errorf("failed to clear parent map: %w", err)
	}

	insertStmt, err := tx.PrepareContext(ctx, sqlInsertParent)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer insertStmt.Close()

	for _, block := range blocks {
		meta, err := encodeMetadata(block.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for parent %s: %w", block.ParentID, err)
		}
		content := strings.ReplaceAll(block.Content, "\x00", "")
		if _, err := insertStmt.ExecContext(ctx, userID, docID, block.ParentID, content, meta); err != nil {
			return fmt.Errorf("failed to insert parent %s: %w", block.ParentID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetParentMapForUser(ctx context.Context, userID string) (map[string]*ParentBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, sqlSelectParentMapForUser, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load parent map: %w", err)
	}
	defer rows.Close()

	return collectParentMap(rows, userID)
}

func (s *SQLiteStore) DeleteParentMap(ctx context.Context, userID, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	_, err := s.db.ExecContext(ctx, sqlDeleteParentMap, userID, docID)
	if err != nil {
		return fmt.Errorf("failed to delete parent map: %w", err)
	}
	return nil
}

// --- Stats operations ---

func (s *SQLiteStore) AddUserStats(ctx context.Context, userID string, docDelta, chunkDelta int, byteDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, sqliteUpsertStats,
		userID, docDelta, chunkDelta, byteDelta, now,
		docDelta, chunkDelta, byteDelta, now)
	if err != nil {
		return fmt.Errorf("failed to update user stats: %w", err)
	}
	return nil
}

// GetUserStats returns zeroed counters when no row exists yet.
func (s *SQLiteStore) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	stats := &UserStats{}
	err := s.db.QueryRowContext(ctx, sqlSelectUserStats, userID).
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return s.db.PingContext(ctx)
}

// Close checkpoints the WAL and closes the database. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.path != "" {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

// execExpectingRow runs a write that must touch exactly one row; zero rows
// means the entity does not exist for this user.
func execExpectingRow(ctx context.Context, db *sql.DB, query, entity, id string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return lkerrors.NotFound(entity, id)
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
