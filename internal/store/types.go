// Package store persists tenant metadata: users, sessions, messages,
// document rows, parent blocks, and usage counters. Two implementations
// share one interface: sqlite for local deployments, postgres for cloud.
package store

import (
	"context"
	"time"
)

// Status is the document ingestion lifecycle state.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusActive     Status = "active"
	StatusError      Status = "error"
	StatusDeleted    Status = "deleted"
)

// Document is the metadata row for one uploaded document.
type Document struct {
	ID               string // UUID
	UserID           string
	OriginalFilename string
	StoragePath      string // blob key
	FileSize         int64
	FileType         string // normalized extension, e.g. ".pdf"
	PageCount        int    // 0 when unknown (non-PDF)
	ChunkCount       int
	Status           Status
	ErrorMessage     string // bounded diagnostic, set on status error
	VectorCollection string
	UploadAt         time.Time
}

// ParentBlock is one coarse retrieval block. Children carry its ParentID in
// the vector store; retrieval projects child hits back onto these rows.
type ParentBlock struct {
	UserID   string
	DocID    string
	ParentID string // UUID
	Content  string
	Metadata map[string]string
}

// User is an account row. Email and DisplayName are optional.
type User struct {
	ID           string // UUID
	Username     string
	PasswordHash string
	Email        string
	DisplayName  string
	IsActive     bool
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// Session is one conversation thread.
type Session struct {
	ID        string // UUID
	UserID    string
	Title     string // first user turn, truncated
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one persisted chat turn. Role is "user" or "assistant".
type Message struct {
	ID        string // UUID
	SessionID string
	UserID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// UserStats are per-tenant counters, maintained additively on ingest
// finalize and document delete.
type UserStats struct {
	UserID        string
	DocumentCount int
	TotalChunks   int
	StorageBytes  int64
	UpdatedAt     time.Time
}

// Store persists tenant metadata. Every read and write is scoped by
// user_id; cross-tenant access is impossible through this interface.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, userID string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error

	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, sessionID, userID string) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]*Session, error)
	TouchSession(ctx context.Context, sessionID, userID string, at time.Time) error
	DeleteSession(ctx context.Context, sessionID, userID string) error

	// Message operations
	CreateMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, sessionID, userID string) ([]*Message, error)
	DeleteMessage(ctx context.Context, messageID, userID string) error

	// Document operations
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, docID, userID string) (*Document, error)
	ListDocuments(ctx context.Context, userID string) ([]*Document, error)
	MarkDocumentActive(ctx context.Context, docID, userID string, chunkCount, pageCount int) error
	MarkDocumentError(ctx context.Context, docID, userID, message string) error
	SoftDeleteDocument(ctx context.Context, docID, userID string) error
	HardDeleteDocument(ctx context.Context, docID, userID string) error

	// Parent map operations. SaveParentMap replaces all rows for
	// (user_id, doc_id) in one transaction.
	SaveParentMap(ctx context.Context, userID, docID string, blocks []*ParentBlock) error
	GetParentMapForUser(ctx context.Context, userID string) (map[string]*ParentBlock, error)
	DeleteParentMap(ctx context.Context, userID, docID string) error

	// Stats operations. Deltas may be negative; counters floor at zero.
	AddUserStats(ctx context.Context, userID string, docDelta, chunkDelta int, byteDelta int64) error
	GetUserStats(ctx context.Context, userID string) (*UserStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
