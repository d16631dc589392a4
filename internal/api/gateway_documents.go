package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/auth"
	"github.com/lorekeep/lorekeep/internal/blob"
	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/validation"
	"github.com/lorekeep/lorekeep/internal/vector"
	"github.com/lorekeep/lorekeep/internal/worker"
)

// presignExpiry bounds direct-to-store upload URLs.
const presignExpiry = 15 * time.Minute

// documentPayload is the wire form of a document row.
type documentPayload struct {
	DocID             string    `json:"doc_id"`
	Filename          string    `json:"filename"`
	FileSize          int64     `json:"file_size"`
	FileSizeFormatted string    `json:"file_size_formatted"`
	FileType          string    `json:"file_type"`
	PageCount         int       `json:"page_count,omitempty"`
	ChunkCount        int       `json:"chunk_count"`
	Status            string    `json:"status"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	UploadAt          time.Time `json:"upload_at"`
}

func documentToPayload(d *store.Document) documentPayload {
	return documentPayload{
		DocID:             d.ID,
		Filename:          d.OriginalFilename,
		FileSize:          d.FileSize,
		FileSizeFormatted: validation.FormatFileSize(d.FileSize),
		FileType:          d.FileType,
		PageCount:         d.PageCount,
		ChunkCount:        d.ChunkCount,
		Status:            string(d.Status),
		ErrorMessage:      d.ErrorMessage,
		UploadAt:          d.UploadAt,
	}
}

// uploadIntentRequest starts an upload on any of the three paths.
type uploadIntentRequest struct {
	Filename    string `json:"filename"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
}

func (g *Gateway) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	docs, err := cache.Through(r.Context(), g.caches, cache.DocumentsKey(userID),
		func() ([]documentPayload, error) {
			rows, err := g.meta.ListDocuments(r.Context(), userID)
			if err != nil {
				return nil, err
			}
			out := make([]documentPayload, 0, len(rows))
			for _, d := range rows {
				out = append(out, documentToPayload(d))
			}
			return out, nil
		})
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, docs)
}

// handleUploadURL creates a processing row and hands back a presigned
// PUT URL. Local deployments cannot presign; they return an empty URL
// and the client falls back to PUT {doc_id}/content or the multipart
// upload endpoint.
func (g *Gateway) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	var req uploadIntentRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}

	doc, err := g.newDocumentRow(userID, req.Filename, req.FileSize)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := g.meta.CreateDocument(r.Context(), doc); err != nil {
		respondError(w, err)
		return
	}

	uploadURL, err := g.blobs.PresignPut(r.Context(), doc.StoragePath, req.ContentType, presignExpiry)
	if err != nil {
		g.dropIntent(r.Context(), doc)
		respondError(w, err)
		return
	}

	g.caches.Delete(r.Context(), cache.DocumentsKey(userID))
	respond(w, http.StatusOK, map[string]any{
		"upload_url": uploadURL,
		"doc_id":     doc.ID,
		"status":     string(doc.Status),
	})
}

// handleTusInit creates a processing row for a resumable upload and
// returns the coordinates the tus client needs.
func (g *Gateway) handleTusInit(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	var req uploadIntentRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}

	doc, err := g.newDocumentRow(userID, req.Filename, req.FileSize)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := g.meta.CreateDocument(r.Context(), doc); err != nil {
		respondError(w, err)
		return
	}

	g.caches.Delete(r.Context(), cache.DocumentsKey(userID))
	respond(w, http.StatusOK, map[string]any{
		"endpoint":      g.cfg.Storage.S3Endpoint,
		"bucket":        g.cfg.Storage.S3Bucket,
		"object_name":   doc.StoragePath,
		"doc_id":        doc.ID,
		"max_file_size": g.cfg.Storage.MaxFileSize,
	})
}

// handleDirectUpload takes the whole file as multipart form data, the
// one-shot path for clients that skip the intent flow. Bytes land in
// the blob store and processing is dispatched immediately.
func (g *Gateway) handleDirectUpload(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, errors.Wrapf(errors.KindInvalidInput, err, "multipart file field required"))
		return
	}
	defer file.Close()

	doc, err := g.newDocumentRow(userID, header.Filename, header.Size)
	if err != nil {
		respondError(w, err)
		return
	}
	contentType := header.Header.Get("Content-Type")
	if err := g.blobs.Put(r.Context(), doc.StoragePath, file, header.Size, contentType); err != nil {
		respondError(w, err)
		return
	}
	if err := g.meta.CreateDocument(r.Context(), doc); err != nil {
		respondError(w, err)
		return
	}
	g.caches.Delete(r.Context(), cache.DocumentsKey(userID))

	// The row stays processing if dispatch fails; the client retries
	// through confirm-upload, which finds the bytes already in place.
	if err := g.dispatchProcessing(r.Context(), doc); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "文档上传成功，正在后台处理中...",
		"doc_id":  doc.ID,
		"status":  string(store.StatusProcessing),
	})
}

// handleUploadContent is the fallback upload leg for deployments that
// cannot presign: the raw body is streamed into the blob store under
// the intent's key. The client still confirms afterwards.
func (g *Gateway) handleUploadContent(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	doc, err := g.meta.GetDocument(r.Context(), chi.URLParam(r, "docID"), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	if doc.Status != store.StatusProcessing {
		respondError(w, errors.InvalidInput("document is not awaiting upload"))
		return
	}

	// Chunked transfers carry no Content-Length; the intent's declared
	// size is authoritative either way.
	if err := g.blobs.Put(r.Context(), doc.StoragePath, r.Body,
		doc.FileSize, r.Header.Get("Content-Type")); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"doc_id": doc.ID,
		"status": string(doc.Status),
	})
}

// handleConfirmUpload checks the object landed and hands the document
// to the worker.
func (g *Gateway) handleConfirmUpload(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	doc, err := g.meta.GetDocument(r.Context(), chi.URLParam(r, "docID"), userID)
	if err != nil {
		respondError(w, err)
		return
	}

	exists, err := g.blobs.Exists(r.Context(), doc.StoragePath)
	if err != nil {
		respondError(w, err)
		return
	}
	if !exists {
		respondError(w, errors.InvalidInput("no uploaded content for this document"))
		return
	}

	if err := g.dispatchProcessing(r.Context(), doc); err != nil {
		respondError(w, err)
		return
	}
	g.caches.Delete(r.Context(), cache.DocumentsKey(userID))
	respond(w, http.StatusOK, map[string]any{
		"doc_id": doc.ID,
		"status": string(store.StatusProcessing),
	})
}

func (g *Gateway) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	doc, err := g.meta.GetDocument(r.Context(), chi.URLParam(r, "docID"), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	payload := map[string]any{
		"doc_id":      doc.ID,
		"status":      string(doc.Status),
		"chunk_count": doc.ChunkCount,
	}
	if doc.ErrorMessage != "" {
		payload["error_message"] = doc.ErrorMessage
	}
	respond(w, http.StatusOK, payload)
}

// handleDeleteDocument soft-deletes the row, then clears vectors, blob,
// and parent blocks best effort. Stats only move for active documents;
// processing and error rows were never counted.
func (g *Gateway) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)
	doc, err := g.meta.GetDocument(ctx, chi.URLParam(r, "docID"), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := g.meta.SoftDeleteDocument(ctx, doc.ID, userID); err != nil {
		respondError(w, err)
		return
	}

	if err := g.work.DeleteVectors(ctx, userID, doc.ID); err != nil {
		slog.Warn("vector cleanup failed",
			slog.String("doc_id", doc.ID), slog.Any("error", err))
	}
	if err := g.blobs.Delete(ctx, doc.StoragePath); err != nil {
		slog.Warn("blob cleanup failed",
			slog.String("doc_id", doc.ID), slog.Any("error", err))
	}
	if err := g.meta.DeleteParentMap(ctx, userID, doc.ID); err != nil {
		slog.Warn("parent map cleanup failed",
			slog.String("doc_id", doc.ID), slog.Any("error", err))
	}
	if doc.Status == store.StatusActive {
		if err := g.meta.AddUserStats(ctx, userID, -1, -doc.ChunkCount, -doc.FileSize); err != nil {
			slog.Warn("stats update failed",
				slog.String("user_id", userID), slog.Any("error", err))
		}
	}

	g.caches.Delete(ctx, cache.DocumentsKey(userID), cache.StatsKey(userID))
	slog.Info("document deleted",
		slog.String("doc_id", doc.ID), slog.String("user_id", userID))
	respond(w, http.StatusOK, map[string]any{"success": true, "message": "文档已删除"})
}

// newDocumentRow validates an upload and builds its processing row.
func (g *Gateway) newDocumentRow(userID, filename string, size int64) (*store.Document, error) {
	ext, err := validation.ValidateFilename(filename)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateFileSize(size, g.cfg.Storage.MaxFileSize); err != nil {
		return nil, err
	}
	return &store.Document{
		ID:               uuid.NewString(),
		UserID:           userID,
		OriginalFilename: filename,
		StoragePath:      blob.ObjectKey(userID, filename),
		FileSize:         size,
		FileType:         ext,
		Status:           store.StatusProcessing,
		VectorCollection: vector.DefaultCollection,
		UploadAt:         time.Now().UTC(),
	}, nil
}

// dispatchProcessing forwards the document to the worker's pipeline.
func (g *Gateway) dispatchProcessing(ctx context.Context, doc *store.Document) error {
	return g.work.ProcessDocument(ctx, worker.ProcessJob{
		DocID:       doc.ID,
		UserID:      doc.UserID,
		StoragePath: doc.StoragePath,
		FileType:    doc.FileType,
	})
}

// dropIntent removes a row whose upload intent could not be completed.
func (g *Gateway) dropIntent(ctx context.Context, doc *store.Document) {
	if err := g.meta.HardDeleteDocument(ctx, doc.ID, doc.UserID); err != nil {
		slog.Warn("orphan intent row not removed",
			slog.String("doc_id", doc.ID), slog.Any("error", err))
	}
}
