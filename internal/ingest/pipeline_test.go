package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/blob"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/embed"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/keyword"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/vector"
)

// pipelineEnv wires a Pipeline over real in-memory backends.
type pipelineEnv struct {
	pipeline *Pipeline
	blobs    blob.Store
	meta     store.Store
	embedder embed.Embedder
	vectors  vector.Store
	keywords *keyword.Manager
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()

	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	meta, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	vectors, err := vector.NewChromem(vector.ChromemConfig{Dimensions: embed.StaticDimensions})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })
	keywords := keyword.NewManager("", 0, 0)

	embedder := embed.NewStatic()
	return &pipelineEnv{
		pipeline: NewPipeline(config.NewConfig(), blobs, meta, embedder, vectors, keywords),
		blobs:    blobs,
		meta:     meta,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
	}
}

// seedDocument uploads content and creates the matching processing row,
// the state a document is in right after the upload endpoint accepts it.
func (env *pipelineEnv) seedDocument(t *testing.T, userID, name, content string) *store.Document {
	t.Helper()
	ctx := context.Background()

	key := blob.ObjectKey(userID, name)
	require.NoError(t, env.blobs.Put(ctx, key, strings.NewReader(content), int64(len(content)), ""))

	doc := &store.Document{
		ID:               uuid.NewString(),
		UserID:           userID,
		OriginalFilename: name,
		StoragePath:      key,
		FileSize:         int64(len(content)),
		FileType:         strings.ToLower(filepath.Ext(name)),
		Status:           store.StatusProcessing,
		VectorCollection: vector.DefaultCollection,
		UploadAt:         time.Now().UTC(),
	}
	require.NoError(t, env.meta.CreateDocument(ctx, doc))
	return doc
}

func (env *pipelineEnv) job(doc *store.Document) Job {
	return Job{
		UserID:      doc.UserID,
		DocID:       doc.ID,
		StoragePath: doc.StoragePath,
		FileType:    doc.FileType,
	}
}

// docText builds prose long enough to survive the parent and child
// length filters.
func docText() string {
	var b strings.Builder
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, "第%d节：父子分块将文档切成较大的父块与较小的子块，检索时先匹配子块，再回溯到父块补全上下文，既保证检索精度又保证生成质量。", i+1)
	}
	return b.String()
}

func TestProcess_TextDocument(t *testing.T) {
	// Given an uploaded text document in processing state
	env := newPipelineEnv(t)
	ctx := context.Background()
	doc := env.seedDocument(t, "u1", "guide.txt", docText())

	// When the pipeline processes it
	require.NoError(t, env.pipeline.Process(ctx, env.job(doc)))

	// Then the document is active with its chunk count recorded
	got, err := env.meta.GetDocument(ctx, doc.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, got.Status)
	assert.Greater(t, got.ChunkCount, 0)
	assert.Equal(t, 0, got.PageCount)
	assert.Empty(t, got.ErrorMessage)

	// parent map saved
	parents, err := env.meta.GetParentMapForUser(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, parents)

	// children searchable through both legs
	vec, err := env.embedder.Embed(ctx, "父子分块")
	require.NoError(t, err)
	hits, err := env.vectors.Search(ctx, vec, 5, vector.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, doc.ID, hits[0].Metadata.DocID)
	assert.Equal(t, "guide.txt", hits[0].Metadata.Title)

	idx, err := env.keywords.ForUser("u1")
	require.NoError(t, err)
	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, got.ChunkCount, count)

	// stats reflect the new chunks
	stats, err := env.meta.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, got.ChunkCount, stats.TotalChunks)
}

func TestProcess_ReingestReplacesChunks(t *testing.T) {
	// Given a document that was already ingested once
	env := newPipelineEnv(t)
	ctx := context.Background()
	doc := env.seedDocument(t, "u1", "guide.txt", docText())
	require.NoError(t, env.pipeline.Process(ctx, env.job(doc)))

	first, err := env.meta.GetDocument(ctx, doc.ID, "u1")
	require.NoError(t, err)

	// When it is processed again
	require.NoError(t, env.pipeline.Process(ctx, env.job(doc)))

	// Then chunks are replaced, not duplicated
	second, err := env.meta.GetDocument(ctx, doc.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ChunkCount, second.ChunkCount)

	idx, err := env.keywords.ForUser("u1")
	require.NoError(t, err)
	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, second.ChunkCount, count)

	// and the chunk stats were not double counted
	stats, err := env.meta.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, second.ChunkCount, stats.TotalChunks)
}

func TestProcess_MarksDocumentError(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		kind    errors.Kind
	}{
		{
			name:    "whitespace only document",
			file:    "blank.txt",
			content: "  \n\n\t  \n",
			kind:    errors.KindEmptyDocument,
		},
		{
			name:    "too short for any chunk",
			file:    "short.txt",
			content: "只有一句话。",
			kind:    errors.KindEmptyDocument,
		},
		{
			name:    "unsupported extension",
			file:    "tool.exe",
			content: docText(),
			kind:    errors.KindUnsupportedFileType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newPipelineEnv(t)
			ctx := context.Background()
			doc := env.seedDocument(t, "u1", tt.file, tt.content)

			err := env.pipeline.Process(ctx, env.job(doc))
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, tt.kind), "got %v", err)

			got, getErr := env.meta.GetDocument(ctx, doc.ID, "u1")
			require.NoError(t, getErr)
			assert.Equal(t, store.StatusError, got.Status)
			assert.NotEmpty(t, got.ErrorMessage)
		})
	}
}

func TestProcess_MissingBlobMarksError(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	doc := env.seedDocument(t, "u1", "guide.txt", docText())
	require.NoError(t, env.blobs.Delete(ctx, doc.StoragePath))

	err := env.pipeline.Process(ctx, env.job(doc))
	require.Error(t, err)

	got, getErr := env.meta.GetDocument(ctx, doc.ID, "u1")
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusError, got.Status)
}

func TestProcess_UnknownDocument(t *testing.T) {
	env := newPipelineEnv(t)

	err := env.pipeline.Process(context.Background(), Job{
		UserID:      "u1",
		DocID:       uuid.NewString(),
		StoragePath: "user_u1/nothing.txt",
		FileType:    ".txt",
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestBoundedMessage(t *testing.T) {
	withNul := errors.Newf(errors.KindParseFailed, "bad byte \x00 in stream")
	assert.Equal(t, "[parse_failed] bad byte  in stream", boundedMessage(withNul))

	long := errors.Newf(errors.KindParseFailed, "%s", strings.Repeat("长", 600))
	got := boundedMessage(long)
	assert.Equal(t, maxErrorMessage, len([]rune(got)))
}
