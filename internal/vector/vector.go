// Package vector stores child-chunk embeddings and serves filtered
// nearest-neighbor search.
//
// Three backends: chromem (embedded, persistent, the local default), hnsw
// (in-memory graph with optional snapshot file), and pgvector (postgres,
// cloud mode). Every search and delete carries a tenant filter; a missing
// user_id is rejected, not treated as "all users".
package vector

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/errors"
)

// DefaultCollection names the single chunk collection. Document rows
// record it so a future multi-collection layout can migrate per document.
const DefaultCollection = "documents"

// Metadata travels with every stored chunk and comes back on every hit.
type Metadata struct {
	UserID   string
	DocID    string
	ParentID string
	ChunkID  int
	Source   string
	Title    string
}

// Record is one child chunk to store.
type Record struct {
	// ID is deterministic: ID(docID, chunkID). Re-ingesting a document
	// overwrites rather than duplicates.
	ID       string
	Vector   []float32
	Content  string
	Metadata Metadata
}

// Hit is one search result, best first.
type Hit struct {
	ID       string
	Score    float32
	Content  string
	Metadata Metadata
}

// Filter scopes searches and deletes to a tenant, optionally narrowed to
// one document.
type Filter struct {
	UserID string
	DocID  string
}

func (f Filter) validate() error {
	if strings.TrimSpace(f.UserID) == "" {
		return errors.New(errors.KindInvalidInput, "vector filter requires user_id", nil)
	}
	return nil
}

// matches reports whether metadata satisfies the filter.
func (f Filter) matches(m Metadata) bool {
	if m.UserID != f.UserID {
		return false
	}
	if f.DocID != "" && m.DocID != f.DocID {
		return false
	}
	return true
}

// Store is the vector index shared by ingestion and retrieval.
type Store interface {
	// Upsert stores records, overwriting existing ids.
	Upsert(ctx context.Context, records []Record) error

	// Search returns up to k nearest neighbors within the filter scope,
	// sorted by similarity descending.
	Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error)

	// Delete removes every record matching the filter.
	Delete(ctx context.Context, filter Filter) error

	// Close releases resources, flushing file-backed indexes.
	Close() error
}

// ID builds the deterministic vector id for a child chunk.
func ID(docID string, chunkID int) string {
	return fmt.Sprintf("%s_%d", docID, chunkID)
}

// Open builds the configured vector store. Cloud mode uses pgvector over
// the metadata database URL; local mode picks the embedded backend.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.Vector.Mode == config.ModeCloud {
		return NewPgvector(ctx, PgvectorConfig{
			URL:        cfg.Database.URL,
			Dimensions: cfg.Embedding.Dim,
		})
	}

	switch cfg.Vector.Backend {
	case "hnsw":
		return NewHNSW(HNSWConfig{
			Path:       filepath.Join(cfg.VectorDir(), "children.hnsw"),
			Dimensions: cfg.Embedding.Dim,
		})
	case "", "chromem":
		return NewChromem(ChromemConfig{
			Dir:        filepath.Join(cfg.VectorDir(), "chromem"),
			Dimensions: cfg.Embedding.Dim,
		})
	default:
		return nil, errors.Newf(errors.KindConfig, "unknown vector backend: %s", cfg.Vector.Backend)
	}
}
