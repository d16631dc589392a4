package vector

import (
	"bufio"
	"context"
	"encoding/gob"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// HNSWConfig configures the in-memory graph backend.
type HNSWConfig struct {
	// Path is the snapshot file. Empty keeps the index memory-only, which
	// is what the scenario tests use.
	Path string

	// Dimensions is the embedding width.
	Dimensions int

	// M and EfSearch tune the graph. Zero takes the library defaults.
	M        int
	EfSearch int
}

type storedChunk struct {
	Content  string
	Metadata Metadata
}

// hnswSnapshot is the gob sidecar next to the exported graph. The graph
// holds keys and vectors; everything stringly lives here.
type hnswSnapshot struct {
	IDMap      map[string]uint64
	Chunks     map[string]storedChunk
	NextKey    uint64
	Dimensions int
}

// HNSW is a cosine-distance graph index with tenant filtering layered on
// top. Deletes are lazy: nodes stay in the graph as orphans and are
// filtered out of results, which sidesteps graph corruption when the last
// node is removed.
type HNSW struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	cfg   HNSWConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	chunks  map[string]storedChunk
	nextKey uint64
	closed  bool
}

var _ Store = (*HNSW)(nil)

// NewHNSW builds the graph, loading the snapshot when Path names one.
func NewHNSW(cfg HNSWConfig) (*HNSW, error) {
	if cfg.Dimensions <= 0 {
		return nil, errors.New(errors.KindConfig, "vector dimensions must be positive", nil)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	s := &HNSW{
		graph:  graph,
		cfg:    cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		chunks: make(map[string]storedChunk),
	}

	if cfg.Path != "" {
		if _, err := os.Stat(cfg.Path); err == nil {
			if err := s.load(cfg.Path); err != nil {
				return nil, errors.Wrapf(errors.KindDBConnectionFailed, err, "load hnsw snapshot %s", cfg.Path)
			}
		}
	}

	return s, nil
}

// Upsert stores records. Existing ids are orphaned in the graph and
// re-added under a fresh key.
func (s *HNSW) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.KindInternal, "vector store is closed", nil)
	}

	for _, rec := range records {
		if len(rec.Vector) != s.cfg.Dimensions {
			return errors.Newf(errors.KindInvalidInput,
				"vector dimension mismatch: want %d, got %d", s.cfg.Dimensions, len(rec.Vector))
		}
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		if oldKey, exists := s.idMap[rec.ID]; exists {
			delete(s.keyMap, oldKey)
			delete(s.idMap, rec.ID)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		normalizeInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[rec.ID] = key
		s.keyMap[key] = rec.ID
		s.chunks[rec.ID] = storedChunk{Content: rec.Content, Metadata: rec.Metadata}
	}

	if s.cfg.Path != "" {
		if err := s.saveLocked(s.cfg.Path); err != nil {
			return errors.Wrapf(errors.KindVectorUpsertFailed, err, "persist hnsw snapshot")
		}
	}
	return nil
}

// Search over-fetches from the graph and filters by tenant, escalating to
// a full sweep when filtering starves the result set.
func (s *HNSW) Search(_ context.Context, vec []float32, k int, filter Filter) ([]Hit, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.New(errors.KindInternal, "vector store is closed", nil)
	}
	if len(vec) != s.cfg.Dimensions {
		return nil, errors.Newf(errors.KindInvalidInput,
			"query dimension mismatch: want %d, got %d", s.cfg.Dimensions, len(vec))
	}
	if k <= 0 || len(s.idMap) == 0 {
		return []Hit{}, nil
	}

	query := make([]float32, len(vec))
	copy(query, vec)
	normalizeInPlace(query)

	total := s.graph.Len()
	fetch := k * 4
	if fetch > total {
		fetch = total
	}

	hits := s.collect(query, fetch, k, filter)
	if len(hits) < k && fetch < total {
		hits = s.collect(query, total, k, filter)
	}
	return hits, nil
}

func (s *HNSW) collect(query []float32, fetch, k int, filter Filter) []Hit {
	nodes := s.graph.Search(query, fetch)

	hits := make([]Hit, 0, k)
	for _, node := range nodes {
		id, ok := s.keyMap[node.Key]
		if !ok {
			// Orphaned by a lazy delete or overwrite.
			continue
		}
		chunk, ok := s.chunks[id]
		if !ok || !filter.matches(chunk.Metadata) {
			continue
		}

		distance := s.graph.Distance(query, node.Value)
		hits = append(hits, Hit{
			ID:       id,
			Score:    1.0 - distance/2.0,
			Content:  chunk.Content,
			Metadata: chunk.Metadata,
		})
		if len(hits) == k {
			break
		}
	}
	return hits
}

// Delete orphans every record matching the filter.
func (s *HNSW) Delete(_ context.Context, filter Filter) error {
	if err := filter.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.KindInternal, "vector store is closed", nil)
	}

	for id, chunk := range s.chunks {
		if !filter.matches(chunk.Metadata) {
			continue
		}
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
		delete(s.chunks, id)
	}

	if s.cfg.Path != "" {
		if err := s.saveLocked(s.cfg.Path); err != nil {
			return errors.Wrapf(errors.KindInternal, err, "persist hnsw snapshot")
		}
	}
	return nil
}

// saveLocked writes the graph and its sidecar atomically. Callers hold
// the write lock.
func (s *HNSW) saveLocked(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := s.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	metaTmp := path + ".meta.tmp"
	metaFile, err := os.Create(metaTmp)
	if err != nil {
		return err
	}
	snap := hnswSnapshot{
		IDMap:      s.idMap,
		Chunks:     s.chunks,
		NextKey:    s.nextKey,
		Dimensions: s.cfg.Dimensions,
	}
	if err := gob.NewEncoder(metaFile).Encode(snap); err != nil {
		_ = metaFile.Close()
		_ = os.Remove(metaTmp)
		return err
	}
	if err := metaFile.Close(); err != nil {
		_ = os.Remove(metaTmp)
		return err
	}
	return os.Rename(metaTmp, path+".meta")
}

func (s *HNSW) load(path string) error {
	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return err
	}
	defer func() { _ = metaFile.Close() }()

	var snap hnswSnapshot
	if err := gob.NewDecoder(metaFile).Decode(&snap); err != nil {
		return err
	}
	if snap.Dimensions != s.cfg.Dimensions {
		return errors.Newf(errors.KindConfig,
			"hnsw snapshot has %d dimensions, config wants %d", snap.Dimensions, s.cfg.Dimensions)
	}

	s.idMap = snap.IDMap
	s.chunks = snap.Chunks
	s.nextKey = snap.NextKey
	s.keyMap = make(map[uint64]string, len(snap.IDMap))
	for id, key := range snap.IDMap {
		s.keyMap[key] = id
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	// Import needs an io.ByteReader.
	return s.graph.Import(bufio.NewReader(file))
}

// Close flushes the snapshot and releases the graph.
func (s *HNSW) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if s.cfg.Path != "" && len(s.idMap) > 0 {
		if err := s.saveLocked(s.cfg.Path); err != nil {
			return err
		}
	}
	s.closed = true
	s.graph = nil
	return nil
}

func normalizeInPlace(v []float32) {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
