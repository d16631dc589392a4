package keyword

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// Chunk is one child chunk in the keyword index. IDs match the vector
// store so fusion can join the two legs.
type Chunk struct {
	ID       string
	Content  string
	DocID    string
	ParentID string
	ChunkID  int
	Source   string
	Title    string
}

// Result is one BM25 hit, best first.
type Result struct {
	Chunk
	Score float64
}

type chunkDoc struct {
	Content  string `json:"content"`
	DocID    string `json:"doc_id"`
	ParentID string `json:"parent_id"`
	ChunkID  int    `json:"chunk_id"`
	Source   string `json:"source"`
	Title    string `json:"title"`
}

var hitFields = []string{"content", "doc_id", "parent_id", "chunk_id", "source", "title"}

// Index is one user's BM25 index.
type Index struct {
	mu     sync.RWMutex
	idx    bleve.Index
	path   string
	closed bool
}

// Open opens or creates an index. Empty path keeps it in memory. A
// corrupted on-disk index is cleared and recreated; the next ingest
// repopulates it, and retrieval degrades to pure dense until then.
func Open(path string) (*Index, error) {
	im, err := buildMapping()
	if err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "build index mapping")
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(im)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, errors.Wrapf(errors.KindInternal, mkErr, "create index directory")
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			slog.Warn("keyword index corrupted, clearing",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, errors.Wrapf(errors.KindInternal, rmErr, "clear corrupted index %s", path)
			}
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, im)
		} else if err != nil && isCorruptionError(err) {
			slog.Warn("keyword index open failed, recreating",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, errors.Wrapf(errors.KindInternal, rmErr, "clear corrupted index %s", path)
			}
			idx, err = bleve.New(path, im)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "open keyword index")
	}

	return &Index{idx: idx, path: path}, nil
}

// validateIndexIntegrity catches a half-written index before bleve trips
// over it: the meta file must exist, be non-empty, and parse.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return errors.New(errors.KindInternal, "index_meta.json missing", nil)
	}
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New(errors.KindInternal, "index_meta.json is empty", nil)
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return err
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return errors.Wrapf(errors.KindInternal, err, "index_meta.json is corrupt")
	}
	return nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt") ||
		strings.Contains(msg, "no such file or directory") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// Upsert indexes chunks, overwriting entries that share an id.
func (x *Index) Upsert(_ context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return errors.New(errors.KindInternal, "keyword index is closed", nil)
	}

	batch := x.idx.NewBatch()
	for _, chunk := range chunks {
		doc := chunkDoc{
			Content:  chunk.Content,
			DocID:    chunk.DocID,
			ParentID: chunk.ParentID,
			ChunkID:  chunk.ChunkID,
			Source:   chunk.Source,
			Title:    chunk.Title,
		}
		if err := batch.Index(chunk.ID, doc); err != nil {
			return errors.Wrapf(errors.KindInternal, err, "index chunk %s", chunk.ID)
		}
	}
	if err := x.idx.Batch(batch); err != nil {
		return errors.Wrapf(errors.KindInternal, err, "execute index batch")
	}
	return nil
}

// Search returns up to limit BM25 hits for the query.
func (x *Index) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, errors.New(errors.KindInternal, "keyword index is closed", nil)
	}
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []Result{}, nil
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = limit
	req.Fields = hitFields

	res, err := x.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "keyword search")
	}

	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, resultFromHit(hit))
	}
	return results, nil
}

func resultFromHit(hit *search.DocumentMatch) Result {
	r := Result{Score: hit.Score}
	r.ID = hit.ID
	r.Content, _ = hit.Fields["content"].(string)
	r.DocID, _ = hit.Fields["doc_id"].(string)
	r.ParentID, _ = hit.Fields["parent_id"].(string)
	r.Source, _ = hit.Fields["source"].(string)
	r.Title, _ = hit.Fields["title"].(string)
	if f, ok := hit.Fields["chunk_id"].(float64); ok {
		r.ChunkID = int(f)
	}
	return r
}

// DeleteDocument removes every chunk of one document.
func (x *Index) DeleteDocument(ctx context.Context, docID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return errors.New(errors.KindInternal, "keyword index is closed", nil)
	}

	count, err := x.idx.DocCount()
	if err != nil {
		return errors.Wrapf(errors.KindInternal, err, "count documents")
	}
	if count == 0 {
		return nil
	}

	term := bleve.NewTermQuery(docID)
	term.SetField("doc_id")
	req := bleve.NewSearchRequest(term)
	req.Size = int(count)

	res, err := x.idx.SearchInContext(ctx, req)
	if err != nil {
		return errors.Wrapf(errors.KindInternal, err, "find chunks of %s", docID)
	}
	if len(res.Hits) == 0 {
		return nil
	}

	batch := x.idx.NewBatch()
	for _, hit := range res.Hits {
		batch.Delete(hit.ID)
	}
	if err := x.idx.Batch(batch); err != nil {
		return errors.Wrapf(errors.KindInternal, err, "delete chunks of %s", docID)
	}
	return nil
}

// Count returns the number of indexed chunks.
func (x *Index) Count() (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0, errors.New(errors.KindInternal, "keyword index is closed", nil)
	}
	n, err := x.idx.DocCount()
	if err != nil {
		return 0, errors.Wrapf(errors.KindInternal, err, "count documents")
	}
	return int(n), nil
}

func (x *Index) isClosed() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.closed
}

// Close releases the bleve handle.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	return x.idx.Close()
}
