package vector

import (
	"context"
	"runtime"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// Metadata keys inside the chromem collection.
const (
	metaUserID   = "user_id"
	metaDocID    = "doc_id"
	metaParentID = "parent_id"
	metaChunkID  = "chunk_id"
	metaSource   = "source"
	metaTitle    = "title"
)

// ChromemConfig configures the embedded chromem backend.
type ChromemConfig struct {
	// Dir persists the collection on disk. Empty keeps it in memory.
	Dir string

	// Dimensions is the embedding width; mismatched vectors are rejected.
	Dimensions int

	// Collection overrides DefaultCollection.
	Collection string
}

// Chromem is the embedded vector store used in local mode. All vectors
// arrive precomputed; the collection never embeds on its own.
type Chromem struct {
	col  *chromem.Collection
	cfg  ChromemConfig
	name string

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*Chromem)(nil)

// NewChromem opens (or creates) the collection.
func NewChromem(cfg ChromemConfig) (*Chromem, error) {
	if cfg.Dimensions <= 0 {
		return nil, errors.New(errors.KindConfig, "vector dimensions must be positive", nil)
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Dir != "" {
		db, err = chromem.NewPersistentDB(cfg.Dir, false)
		if err != nil {
			return nil, errors.Wrapf(errors.KindDBConnectionFailed, err, "open chromem at %s", cfg.Dir)
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors are always precomputed; a nil func would fall back to
	// chromem's OpenAI default, so install one that refuses instead.
	col, err := db.GetOrCreateCollection(cfg.Collection, nil, rejectEmbedding)
	if err != nil {
		return nil, errors.Wrapf(errors.KindDBConnectionFailed, err, "open chromem collection %s", cfg.Collection)
	}

	return &Chromem{col: col, cfg: cfg, name: cfg.Collection}, nil
}

func rejectEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New(errors.KindInternal, "chromem asked to embed; vectors must be precomputed", nil)
}

// Upsert stores records, overwriting documents that share an id.
func (c *Chromem) Upsert(ctx context.Context, records []Record) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, rec := range records {
		if len(rec.Vector) != c.cfg.Dimensions {
			return errors.Newf(errors.KindInvalidInput,
				"vector dimension mismatch: want %d, got %d", c.cfg.Dimensions, len(rec.Vector))
		}
		docs = append(docs, chromem.Document{
			ID:        rec.ID,
			Embedding: rec.Vector,
			Content:   rec.Content,
			Metadata:  metadataMap(rec.Metadata),
		})
	}

	concurrency := runtime.NumCPU()
	if concurrency > len(docs) {
		concurrency = len(docs)
	}
	if err := c.col.AddDocuments(ctx, docs, concurrency); err != nil {
		return errors.Wrapf(errors.KindVectorUpsertFailed, err, "upsert %d vectors", len(docs))
	}
	return nil
}

// Search returns the nearest chunks within the filter scope.
func (c *Chromem) Search(ctx context.Context, vec []float32, k int, filter Filter) ([]Hit, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := filter.validate(); err != nil {
		return nil, err
	}
	if len(vec) != c.cfg.Dimensions {
		return nil, errors.Newf(errors.KindInvalidInput,
			"query dimension mismatch: want %d, got %d", c.cfg.Dimensions, len(vec))
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	// chromem rejects nResults above the collection size.
	if count := c.col.Count(); k > count {
		if count == 0 {
			return []Hit{}, nil
		}
		k = count
	}

	where := map[string]string{metaUserID: filter.UserID}
	if filter.DocID != "" {
		where[metaDocID] = filter.DocID
	}

	results, err := c.col.QueryEmbedding(ctx, vec, k, where, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "chromem query")
	}

	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, Hit{
			ID:       res.ID,
			Score:    res.Similarity,
			Content:  res.Content,
			Metadata: metadataFromMap(res.Metadata),
		})
	}
	return hits, nil
}

// Delete removes every chunk matching the filter.
func (c *Chromem) Delete(ctx context.Context, filter Filter) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := filter.validate(); err != nil {
		return err
	}

	where := map[string]string{metaUserID: filter.UserID}
	if filter.DocID != "" {
		where[metaDocID] = filter.DocID
	}

	if err := c.col.Delete(ctx, where, nil); err != nil {
		return errors.Wrapf(errors.KindInternal, err, "chromem delete")
	}
	return nil
}

func (c *Chromem) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New(errors.KindInternal, "vector store is closed", nil)
	}
	return nil
}

// Close marks the store closed. Persistence happens per write, so there
// is nothing to flush.
func (c *Chromem) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func metadataMap(m Metadata) map[string]string {
	return map[string]string{
		metaUserID:   m.UserID,
		metaDocID:    m.DocID,
		metaParentID: m.ParentID,
		metaChunkID:  strconv.Itoa(m.ChunkID),
		metaSource:   m.Source,
		metaTitle:    m.Title,
	}
}

func metadataFromMap(m map[string]string) Metadata {
	chunkID, _ := strconv.Atoi(m[metaChunkID])
	return Metadata{
		UserID:   m[metaUserID],
		DocID:    m[metaDocID],
		ParentID: m[metaParentID],
		ChunkID:  chunkID,
		Source:   m[metaSource],
		Title:    m[metaTitle],
	}
}
