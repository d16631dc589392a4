// Package lifecycle owns process-level concerns shared by both server
// roles: the data-directory lock, signal-aware contexts, and graceful
// HTTP shutdown. The worker's model warmup loop lives here too.
package lifecycle

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// DrainTimeout bounds graceful shutdown. In-flight requests past it,
// SSE streams included, are cut.
const DrainTimeout = 30 * time.Second

// LockFile is the lock file name under the data directory.
const LockFile = "lorekeep.lock"

// Lock takes an exclusive flock on the data directory so two workers
// never share the embedded indexes. The returned release frees the lock;
// the lock also dies with the process, so a crash never wedges the dir.
func Lock(dataDir string) (release func(), err error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "could not create data dir %s", dataDir)
	}

	fl := flock.New(filepath.Join(dataDir, LockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "could not lock data dir %s", dataDir)
	}
	if !locked {
		return nil, errors.Newf(errors.KindInternal,
			"data dir %s is locked by another worker", dataDir)
	}

	return func() { _ = fl.Unlock() }, nil
}

// SignalContext returns a context canceled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Serve runs the server until ctx is canceled, then drains connections
// for up to DrainTimeout. The listener binds before anything else so a
// taken port fails fast instead of surfacing on the first request.
func Serve(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return errors.Wrapf(errors.KindInternal, err, "could not listen on %s", srv.Addr)
	}
	slog.Info("server listening", slog.String("addr", ln.Addr().String()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down", slog.String("addr", srv.Addr))

		drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			slog.Warn("drain window elapsed, closing", slog.Any("error", err))
			return srv.Close()
		}
		return nil
	})
	return g.Wait()
}
