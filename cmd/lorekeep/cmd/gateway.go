package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/api"
	"github.com/lorekeep/lorekeep/internal/auth"
	"github.com/lorekeep/lorekeep/internal/blob"
	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/chat"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/lifecycle"
	"github.com/lorekeep/lorekeep/internal/logging"
	"github.com/lorekeep/lorekeep/internal/metrics"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/worker"
	"github.com/lorekeep/lorekeep/pkg/version"
)

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the public API gateway",
		Long: `Run the public API gateway.

The gateway owns everything a browser talks to: registration and login,
document upload and listing, session history, and chat forwarding. It
holds no retrieval state, so any number of gateways can front one worker.

Chat requests are proxied to the worker named by server.worker_url;
everything else is served from the metadata store and blob storage
directly.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(cmd.Context())
		},
	}
}

func runGateway(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig("gateway")
	logCfg.Level = cfg.Server.LogLevel
	if debugMode {
		logCfg.Level = "debug"
	}
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCleanup()
	slog.SetDefault(logger)

	ctx, stop := lifecycle.SignalContext(ctx)
	defer stop()

	meta, err := store.Open(ctx, store.Config{
		Mode:        store.Mode(cfg.Database.Mode),
		Path:        cfg.SQLitePath(),
		DatabaseURL: cfg.Database.URL,
	})
	if err != nil {
		return err
	}
	defer func() { _ = meta.Close() }()

	blobs, err := blob.Open(ctx, cfg)
	if err != nil {
		return err
	}

	authn, err := auth.New(cfg.Auth.JWTSecret, cfg.JWTExpiry())
	if err != nil {
		return err
	}

	caches, err := cache.FromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = caches.Close() }()

	work, err := worker.NewClient(worker.Config{BaseURL: cfg.Server.WorkerURL})
	if err != nil {
		return err
	}
	defer func() { _ = work.Close() }()

	gw := api.NewGateway(cfg, meta, blobs, authn,
		chat.NewService(meta, nil), work, caches, metrics.New("gateway"))

	srv := &http.Server{
		Addr:    cfg.Server.GatewayAddr,
		Handler: gw.Router(),
		// Uploads and proxied SSE streams rule out fixed read/write
		// deadlines; the header timeout still fences slow clients.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("gateway starting",
		slog.String("addr", cfg.Server.GatewayAddr),
		slog.String("worker_url", cfg.Server.WorkerURL),
		slog.String("storage_mode", string(cfg.Storage.Mode)),
		slog.String("log_file", logging.DefaultLogPath("gateway")),
		slog.String("version", version.Version))

	return lifecycle.Serve(ctx, srv)
}
