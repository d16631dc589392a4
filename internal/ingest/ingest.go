// Package ingest turns uploaded documents into retrievable chunks: fetch
// the blob, extract and clean the text, split it into parent blocks and
// child chunks, persist the parent map, then embed and upsert the
// children in batches. Jobs run on a fixed worker pool; a drop-folder
// watcher can feed the same pipeline from the local filesystem.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lorekeep/lorekeep/internal/blob"
	"github.com/lorekeep/lorekeep/internal/clean"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/embed"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/extract"
	"github.com/lorekeep/lorekeep/internal/keyword"
	"github.com/lorekeep/lorekeep/internal/split"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/vector"
)

// maxErrorMessage bounds the diagnostic written to the document row.
const maxErrorMessage = 500

// Job identifies one document to process. The document row must already
// exist in processing state.
type Job struct {
	UserID      string
	DocID       string
	StoragePath string
	FileType    string
}

// Pipeline executes ingestion jobs end to end. One Pipeline serves all
// workers; it holds no per-job state.
type Pipeline struct {
	blobs     blob.Store
	meta      store.Store
	embedder  embed.Embedder
	vectors   vector.Store
	keywords  *keyword.Manager
	splitOpts split.Options
	batchSize int
}

// NewPipeline wires the pipeline's collaborators. A nil keyword manager
// disables the sparse leg; retrieval degrades to dense-only for the
// affected documents.
func NewPipeline(cfg *config.Config, blobs blob.Store, meta store.Store, embedder embed.Embedder, vectors vector.Store, keywords *keyword.Manager) *Pipeline {
	batch := cfg.Embedding.BatchSize
	if batch <= 0 {
		batch = embed.DefaultBatchSize
	}
	return &Pipeline{
		blobs:    blobs,
		meta:     meta,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		splitOpts: split.Options{
			ParentSize: cfg.Chunking.ParentChunkSize,
			ChildSize:  cfg.Chunking.ChildChunkSize,
		},
		batchSize: batch,
	}
}

// Process runs one job. Success marks the document active with its final
// chunk count; any stage failure marks it error with a bounded
// diagnostic and returns the original error.
func (p *Pipeline) Process(ctx context.Context, job Job) error {
	start := time.Now()

	doc, err := p.meta.GetDocument(ctx, job.DocID, job.UserID)
	if err != nil {
		return err
	}

	chunks, pages, err := p.run(ctx, job, doc)
	if err != nil {
		slog.Error("document processing failed",
			slog.String("doc_id", job.DocID),
			slog.String("user_id", job.UserID),
			slog.Any("error", err))
		if markErr := p.meta.MarkDocumentError(ctx, job.DocID, job.UserID, boundedMessage(err)); markErr != nil {
			slog.Error("failed to record document error",
				slog.String("doc_id", job.DocID),
				slog.Any("error", markErr))
		}
		return err
	}

	if err := p.meta.MarkDocumentActive(ctx, job.DocID, job.UserID, chunks, pages); err != nil {
		return err
	}
	// Stats track the delta so re-ingesting a document does not double
	// count its chunks.
	if delta := chunks - doc.ChunkCount; delta != 0 {
		if err := p.meta.AddUserStats(ctx, job.UserID, 0, delta, 0); err != nil {
			slog.Warn("user stats update failed",
				slog.String("user_id", job.UserID),
				slog.Any("error", err))
		}
	}

	slog.Info("document processed",
		slog.String("doc_id", job.DocID),
		slog.String("user_id", job.UserID),
		slog.Int("chunks", chunks),
		slog.Int("pages", pages),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (p *Pipeline) run(ctx context.Context, job Job, doc *store.Document) (int, int, error) {
	data, err := p.blobs.Get(ctx, job.StoragePath)
	if err != nil {
		return 0, 0, err
	}

	extracted, err := extract.Extract(data, job.FileType)
	if err != nil {
		return 0, 0, err
	}

	text := clean.Text(extracted.Text)
	if text == "" {
		return 0, 0, errors.Newf(errors.KindEmptyDocument,
			"document %s has no text after cleaning", job.DocID)
	}

	parents, children, err := split.ParentChild(text, p.splitOpts)
	if err != nil {
		return 0, 0, err
	}
	if len(children) == 0 {
		return 0, 0, errors.Newf(errors.KindEmptyDocument,
			"document %s produced no chunks", job.DocID)
	}

	blocks := make([]*store.ParentBlock, 0, len(parents))
	for _, parent := range parents {
		blocks = append(blocks, &store.ParentBlock{
			UserID:   job.UserID,
			DocID:    job.DocID,
			ParentID: parent.ID,
			Content:  parent.Content,
			Metadata: map[string]string{"source": job.StoragePath},
		})
	}
	if err := p.meta.SaveParentMap(ctx, job.UserID, job.DocID, blocks); err != nil {
		return 0, 0, err
	}

	// Stale chunks from a previous ingest of this document go first, so
	// re-processing is idempotent.
	if err := p.vectors.Delete(ctx, vector.Filter{UserID: job.UserID, DocID: job.DocID}); err != nil {
		return 0, 0, err
	}
	var kwIndex *keyword.Index
	if p.keywords != nil {
		kwIndex, err = p.keywords.ForUser(job.UserID)
		if err != nil {
			return 0, 0, err
		}
		if err := kwIndex.DeleteDocument(ctx, job.DocID); err != nil {
			return 0, 0, err
		}
	}

	total := len(children)
	batches := (total + p.batchSize - 1) / p.batchSize
	for start := 0; start < total; start += p.batchSize {
		end := start + p.batchSize
		if end > total {
			end = total
		}
		batch := children[start:end]

		texts := make([]string, len(batch))
		for i, child := range batch {
			texts[i] = child.Content
		}
		vecs, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, 0, err
		}

		records := make([]vector.Record, len(batch))
		kwChunks := make([]keyword.Chunk, len(batch))
		for i, child := range batch {
			id := vector.ID(job.DocID, child.ChunkID)
			records[i] = vector.Record{
				ID:      id,
				Vector:  vecs[i],
				Content: child.Content,
				Metadata: vector.Metadata{
					UserID:   job.UserID,
					DocID:    job.DocID,
					ParentID: child.ParentID,
					ChunkID:  child.ChunkID,
					Source:   job.StoragePath,
					Title:    doc.OriginalFilename,
				},
			}
			kwChunks[i] = keyword.Chunk{
				ID:       id,
				Content:  child.Content,
				DocID:    job.DocID,
				ParentID: child.ParentID,
				ChunkID:  child.ChunkID,
				Source:   job.StoragePath,
				Title:    doc.OriginalFilename,
			}
		}

		if err := p.vectors.Upsert(ctx, records); err != nil {
			return 0, 0, err
		}
		if kwIndex != nil {
			if err := kwIndex.Upsert(ctx, kwChunks); err != nil {
				return 0, 0, err
			}
		}

		slog.Info("embedded chunk batch",
			slog.String("doc_id", job.DocID),
			slog.Int("batch", start/p.batchSize+1),
			slog.Int("batches", batches),
			slog.Int("processed", end),
			slog.Int("total", total))
	}

	return total, extracted.PageCount, nil
}

// boundedMessage strips NUL bytes and truncates the error text so the
// diagnostic fits the document row.
func boundedMessage(err error) string {
	msg := strings.ReplaceAll(err.Error(), "\x00", "")
	if utf8.RuneCountInString(msg) <= maxErrorMessage {
		return msg
	}
	return string([]rune(msg)[:maxErrorMessage])
}
