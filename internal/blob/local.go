package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// Local stores objects as files under a root directory, one file per key.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "create upload dir %s", root)
	}
	return &Local{root: root}, nil
}

// path maps a key to a filesystem path, rejecting traversal.
func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.Newf(errors.KindInvalidInput, "invalid object key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *Local) Put(_ context.Context, key string, r io.Reader, size int64, _ string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(errors.KindInternal, err, "create object dir")
	}

	// Write to a temp file in the same directory, then rename, so a
	// crashed upload never leaves a half-written object behind.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return errors.Wrapf(errors.KindInternal, err, "create temp object")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(errors.KindInternal, err, "write object %s", key)
	}
	if size >= 0 && written != size {
		return errors.Newf(errors.KindInvalidInput,
			"object %s size mismatch: declared %d, received %d", key, size, written)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(errors.KindInternal, err, "finalize object %s", key)
	}
	return nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("object", key)
		}
		return nil, errors.Wrapf(errors.KindBlobDownloadFailed, err, "read object %s", key)
	}
	return data, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(errors.KindInternal, err, "delete object %s", key)
	}
	return nil
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	path, err := l.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(errors.KindInternal, err, "stat object %s", key)
	}
	return true, nil
}

// PresignPut returns "": local uploads always pass through the gateway.
func (l *Local) PresignPut(context.Context, string, string, time.Duration) (string, error) {
	return "", nil
}
