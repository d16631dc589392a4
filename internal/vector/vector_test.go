package vector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/errors"
)

const testDims = 4

// embeddedBackends builds one of each in-memory backend so the shared
// scenarios run against both.
func embeddedBackends(t *testing.T) map[string]Store {
	t.Helper()

	chromemStore, err := NewChromem(ChromemConfig{Dimensions: testDims})
	require.NoError(t, err)
	hnswStore, err := NewHNSW(HNSWConfig{Dimensions: testDims})
	require.NoError(t, err)

	backends := map[string]Store{"chromem": chromemStore, "hnsw": hnswStore}
	t.Cleanup(func() {
		for _, s := range backends {
			_ = s.Close()
		}
	})
	return backends
}

func rec(userID, docID string, chunkID int, vec []float32, content string) Record {
	return Record{
		ID:      ID(docID, chunkID),
		Vector:  vec,
		Content: content,
		Metadata: Metadata{
			UserID:   userID,
			DocID:    docID,
			ParentID: "parent-" + docID,
			ChunkID:  chunkID,
			Source:   docID + ".pdf",
			Title:    docID,
		},
	}
}

func TestID_Deterministic(t *testing.T) {
	// Given: a document and chunk id

	// Then: the vector id is the stable doc_chunk composite
	assert.Equal(t, "doc-1_0", ID("doc-1", 0))
	assert.Equal(t, "doc-1_17", ID("doc-1", 17))
}

func TestStores_TenantIsolation(t *testing.T) {
	for name, store := range embeddedBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Given: chunks from two users
			require.NoError(t, store.Upsert(ctx, []Record{
				rec("alice", "doc-a", 0, []float32{1, 0, 0, 0}, "alice first"),
				rec("alice", "doc-a", 1, []float32{0.9, 0.1, 0, 0}, "alice second"),
				rec("bob", "doc-b", 0, []float32{1, 0, 0, 0}, "bob only"),
			}))

			// When: searching as each user
			aliceHits, err := store.Search(ctx, []float32{1, 0, 0, 0}, 10, Filter{UserID: "alice"})
			require.NoError(t, err)
			bobHits, err := store.Search(ctx, []float32{1, 0, 0, 0}, 10, Filter{UserID: "bob"})
			require.NoError(t, err)

			// Then: neither sees the other's chunks
			require.Len(t, aliceHits, 2)
			for _, hit := range aliceHits {
				assert.Equal(t, "alice", hit.Metadata.UserID)
			}
			require.Len(t, bobHits, 1)
			assert.Equal(t, "bob only", bobHits[0].Content)
		})
	}
}

func TestStores_SearchOrdersBySimilarity(t *testing.T) {
	for name, store := range embeddedBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Given: one near match and one orthogonal chunk
			require.NoError(t, store.Upsert(ctx, []Record{
				rec("u", "doc", 0, []float32{0, 1, 0, 0}, "orthogonal"),
				rec("u", "doc", 1, []float32{0.95, 0.05, 0, 0}, "near"),
			}))

			// When: searching along the first axis
			hits, err := store.Search(ctx, []float32{1, 0, 0, 0}, 2, Filter{UserID: "u"})
			require.NoError(t, err)

			// Then: the near chunk ranks first with the higher score
			require.Len(t, hits, 2)
			assert.Equal(t, "near", hits[0].Content)
			assert.Greater(t, hits[0].Score, hits[1].Score)
		})
	}
}

func TestStores_DeleteByDocumentAndUser(t *testing.T) {
	for name, store := range embeddedBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Given: two documents for one user
			require.NoError(t, store.Upsert(ctx, []Record{
				rec("u", "doc-1", 0, []float32{1, 0, 0, 0}, "from doc-1"),
				rec("u", "doc-2", 0, []float32{0.9, 0.1, 0, 0}, "from doc-2"),
			}))

			// When: deleting one document
			require.NoError(t, store.Delete(ctx, Filter{UserID: "u", DocID: "doc-1"}))

			// Then: only the other document's chunks remain
			hits, err := store.Search(ctx, []float32{1, 0, 0, 0}, 10, Filter{UserID: "u"})
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "doc-2", hits[0].Metadata.DocID)

			// When: deleting the whole tenant
			require.NoError(t, store.Delete(ctx, Filter{UserID: "u"}))

			// Then: nothing is left
			hits, err = store.Search(ctx, []float32{1, 0, 0, 0}, 10, Filter{UserID: "u"})
			require.NoError(t, err)
			assert.Empty(t, hits)
		})
	}
}

func TestStores_UpsertOverwritesByID(t *testing.T) {
	for name, store := range embeddedBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Given: a chunk that gets re-ingested with new content
			require.NoError(t, store.Upsert(ctx, []Record{
				rec("u", "doc", 0, []float32{1, 0, 0, 0}, "old content"),
			}))
			require.NoError(t, store.Upsert(ctx, []Record{
				rec("u", "doc", 0, []float32{1, 0, 0, 0}, "new content"),
			}))

			// When: searching
			hits, err := store.Search(ctx, []float32{1, 0, 0, 0}, 10, Filter{UserID: "u"})
			require.NoError(t, err)

			// Then: exactly one hit with the newer content
			require.Len(t, hits, 1)
			assert.Equal(t, "new content", hits[0].Content)
		})
	}
}

func TestStores_FilterRequiresUserID(t *testing.T) {
	for name, store := range embeddedBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// When: searching and deleting without a tenant
			_, searchErr := store.Search(ctx, []float32{1, 0, 0, 0}, 5, Filter{})
			deleteErr := store.Delete(ctx, Filter{DocID: "doc"})

			// Then: both are rejected as invalid input
			assert.True(t, errors.IsKind(searchErr, errors.KindInvalidInput))
			assert.True(t, errors.IsKind(deleteErr, errors.KindInvalidInput))
		})
	}
}

func TestStores_DimensionMismatchRejected(t *testing.T) {
	for name, store := range embeddedBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// When: upserting and querying with the wrong width
			upsertErr := store.Upsert(ctx, []Record{
				rec("u", "doc", 0, []float32{1, 0}, "short vector"),
			})
			_, searchErr := store.Search(ctx, []float32{1, 0}, 5, Filter{UserID: "u"})

			// Then: both fail as invalid input
			assert.True(t, errors.IsKind(upsertErr, errors.KindInvalidInput))
			assert.True(t, errors.IsKind(searchErr, errors.KindInvalidInput))
		})
	}
}

func TestStores_KLargerThanCorpus(t *testing.T) {
	for name, store := range embeddedBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Given: fewer chunks than the requested k
			require.NoError(t, store.Upsert(ctx, []Record{
				rec("u", "doc", 0, []float32{1, 0, 0, 0}, "only chunk"),
			}))

			// When: asking for twenty
			hits, err := store.Search(ctx, []float32{1, 0, 0, 0}, 20, Filter{UserID: "u"})

			// Then: everything available comes back without error
			require.NoError(t, err)
			assert.Len(t, hits, 1)
		})
	}
}

func TestHNSW_SnapshotRoundTrip(t *testing.T) {
	// Given: a file-backed index with data
	path := filepath.Join(t.TempDir(), "children.hnsw")
	store, err := NewHNSW(HNSWConfig{Path: path, Dimensions: testDims})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, []Record{
		rec("u", "doc", 0, []float32{1, 0, 0, 0}, "persisted chunk"),
	}))
	require.NoError(t, store.Close())

	// When: reopening from the snapshot
	reopened, err := NewHNSW(HNSWConfig{Path: path, Dimensions: testDims})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	// Then: search finds the persisted chunk with metadata intact
	hits, err := reopened.Search(ctx, []float32{1, 0, 0, 0}, 5, Filter{UserID: "u"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "persisted chunk", hits[0].Content)
	assert.Equal(t, "doc.pdf", hits[0].Metadata.Source)
}

func TestHNSW_SnapshotDimensionMismatch(t *testing.T) {
	// Given: a snapshot written at one width
	path := filepath.Join(t.TempDir(), "children.hnsw")
	store, err := NewHNSW(HNSWConfig{Path: path, Dimensions: testDims})
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), []Record{
		rec("u", "doc", 0, []float32{1, 0, 0, 0}, "chunk"),
	}))
	require.NoError(t, store.Close())

	// When: reopening at a different width
	_, err = NewHNSW(HNSWConfig{Path: path, Dimensions: 8})

	// Then: the mismatch is an error instead of silent corruption
	require.Error(t, err)
}

func TestChromem_PersistentRoundTrip(t *testing.T) {
	// Given: a persistent collection with data
	dir := t.TempDir()
	store, err := NewChromem(ChromemConfig{Dir: dir, Dimensions: testDims})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, []Record{
		rec("u", "doc", 0, []float32{1, 0, 0, 0}, "durable chunk"),
	}))
	require.NoError(t, store.Close())

	// When: reopening the same directory
	reopened, err := NewChromem(ChromemConfig{Dir: dir, Dimensions: testDims})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	// Then: the chunk survives the restart
	hits, err := reopened.Search(ctx, []float32{1, 0, 0, 0}, 5, Filter{UserID: "u"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "durable chunk", hits[0].Content)
}

func TestNewPgvector_ValidatesConfig(t *testing.T) {
	// When: constructing without a DSN
	_, err := NewPgvector(context.Background(), PgvectorConfig{Dimensions: 4})

	// Then: a config error
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	// When: constructing without dimensions
	_, err = NewPgvector(context.Background(), PgvectorConfig{URL: "postgres://localhost/x"})

	// Then: also a config error
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}
