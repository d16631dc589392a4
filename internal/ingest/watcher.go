package ingest

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/blob"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/vector"
)

// processedDir is where ingested files are moved inside the watch dir, so
// restarts do not re-ingest them.
const processedDir = "processed"

// Enqueuer accepts ingestion jobs. Satisfied by *Pool.
type Enqueuer interface {
	Enqueue(job Job) bool
}

// Watcher ingests files dropped into a local directory. Events are
// debounced per file so a file still being written is picked up only
// after it settles.
type Watcher struct {
	dir      string
	userID   string
	maxSize  int64
	debounce time.Duration

	blobs blob.Store
	meta  store.Store
	pool  Enqueuer

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher builds a drop-folder watcher from the ingest config. The
// caller is expected to have validated that WatchDir and WatchUserID are
// both set.
func NewWatcher(cfg *config.Config, blobs blob.Store, meta store.Store, pool Enqueuer) *Watcher {
	debounce, err := time.ParseDuration(cfg.Ingest.WatchDebounce)
	if err != nil || debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		dir:      cfg.Ingest.WatchDir,
		userID:   cfg.Ingest.WatchUserID,
		maxSize:  cfg.Storage.MaxFileSize,
		debounce: debounce,
		blobs:    blobs,
		meta:     meta,
		pool:     pool,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start watches the drop folder until Stop is called or the context is
// cancelled. Files already present at startup are ingested first.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, processedDir), 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrapf(errors.KindInternal, err, "create file watcher")
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return errors.Wrapf(errors.KindInternal, err, "watch %s", w.dir)
	}

	// Backlog from before the process started.
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		fsw.Close()
		return err
	}
	pending := make(map[string]time.Time)
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if w.eligible(path) {
			pending[path] = now.Add(-w.debounce)
		}
	}

	slog.Info("drop folder watcher started",
		slog.String("dir", w.dir),
		slog.String("user_id", w.userID),
		slog.Duration("debounce", w.debounce))

	go w.loop(ctx, fsw, pending)
	return nil
}

// Stop terminates the watch loop and waits for it to exit. Safe to call
// before Start; it then only closes the stop channel.
func (w *Watcher) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	select {
	case <-w.doneCh:
	case <-time.After(5 * time.Second):
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, pending map[string]time.Time) {
	defer close(w.doneCh)
	defer fsw.Close()

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				delete(pending, event.Name)
				continue
			}
			if w.eligible(event.Name) {
				pending[event.Name] = time.Now()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", slog.Any("error", err))
		case <-ticker.C:
			w.flush(ctx, pending)
		}
	}
}

// flush ingests every pending file whose last event is older than the
// debounce window.
func (w *Watcher) flush(ctx context.Context, pending map[string]time.Time) {
	now := time.Now()
	for path, last := range pending {
		if now.Sub(last) < w.debounce {
			continue
		}
		delete(pending, path)
		if err := w.ingestFile(ctx, path); err != nil {
			slog.Error("drop folder ingest failed",
				slog.String("path", path),
				slog.Any("error", err))
		}
	}
}

// eligible filters out directories, dotfiles, files inside processed/,
// and extensions the extractor cannot handle.
func (w *Watcher) eligible(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	if filepath.Base(filepath.Dir(path)) == processedDir {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".txt", ".md", ".docx":
	default:
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return true
}

// ingestFile uploads one settled file, creates its document row, submits
// the job, and moves the file to processed/.
func (w *Watcher) ingestFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	if w.maxSize > 0 && int64(len(data)) > w.maxSize {
		return errors.Newf(errors.KindFileTooLarge,
			"%s is %d bytes, limit %d", name, len(data), w.maxSize)
	}

	key := blob.ObjectKey(w.userID, name)
	if err := w.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), ""); err != nil {
		return err
	}

	doc := &store.Document{
		ID:               uuid.NewString(),
		UserID:           w.userID,
		OriginalFilename: name,
		StoragePath:      key,
		FileSize:         int64(len(data)),
		FileType:         strings.ToLower(filepath.Ext(name)),
		Status:           store.StatusProcessing,
		VectorCollection: vector.DefaultCollection,
		UploadAt:         time.Now().UTC(),
	}
	if err := w.meta.CreateDocument(ctx, doc); err != nil {
		return err
	}
	if err := w.meta.AddUserStats(ctx, w.userID, 1, 0, doc.FileSize); err != nil {
		slog.Warn("user stats update failed",
			slog.String("user_id", w.userID),
			slog.Any("error", err))
	}

	if !w.pool.Enqueue(Job{
		UserID:      w.userID,
		DocID:       doc.ID,
		StoragePath: key,
		FileType:    doc.FileType,
	}) {
		return errors.Newf(errors.KindInternal,
			"ingest queue rejected document %s", doc.ID)
	}

	dest := filepath.Join(w.dir, processedDir, name)
	if err := os.Rename(path, dest); err != nil {
		slog.Warn("could not move processed file",
			slog.String("path", path),
			slog.Any("error", err))
	}

	slog.Info("drop folder file ingested",
		slog.String("file", name),
		slog.String("doc_id", doc.ID))
	return nil
}
