package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/api"
	"github.com/lorekeep/lorekeep/internal/blob"
	"github.com/lorekeep/lorekeep/internal/chat"
	"github.com/lorekeep/lorekeep/internal/checkpoint"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/embed"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/graph"
	"github.com/lorekeep/lorekeep/internal/ingest"
	"github.com/lorekeep/lorekeep/internal/keyword"
	"github.com/lorekeep/lorekeep/internal/lifecycle"
	"github.com/lorekeep/lorekeep/internal/llm"
	"github.com/lorekeep/lorekeep/internal/logging"
	"github.com/lorekeep/lorekeep/internal/metrics"
	"github.com/lorekeep/lorekeep/internal/preflight"
	"github.com/lorekeep/lorekeep/internal/rerank"
	"github.com/lorekeep/lorekeep/internal/retrieve"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/usage"
	"github.com/lorekeep/lorekeep/internal/vector"
	"github.com/lorekeep/lorekeep/pkg/version"
)

func newWorkerCmd() *cobra.Command {
	var pprofEnabled bool
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the RAG worker",
		Long: `Run the RAG worker.

The worker owns the retrieval state: it ingests uploaded documents into
the vector and keyword indexes, runs the agentic retrieval workflow, and
streams answers back over SSE. It holds an exclusive lock on the data
directory, so run exactly one worker per directory.

Startup runs a system check (data directory, disk space, file
descriptors, metadata store) and aborts on critical failures. The
inference and LLM services are probed but only warned about; they warm
up in the background and load on first use if unreachable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), pprofEnabled, skipCheck)
		},
	}

	cmd.Flags().BoolVar(&pprofEnabled, "pprof", false, "Mount /debug/pprof on the worker router")
	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip pre-flight system checks")

	return cmd
}

func runWorker(ctx context.Context, pprofEnabled, skipCheck bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig("worker")
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

	// The embedded stores tolerate one writer. Take the lock before
	// anything opens them.
	release, err := lifecycle.Lock(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer release()

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

	vectors, err := vector.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = vectors.Close() }()

	var keywords *keyword.Manager
	if cfg.Retrieval.UseHybrid {
		keywords = keyword.NewManager(cfg.KeywordDir(), cfg.Retrieval.BM25CacheSize, cfg.KeywordCacheTTL())
		defer func() { _ = keywords.Close() }()
	}

	embedder, err := embed.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = embedder.Close() }()

	reranker, err := rerank.New(cfg)
	if err != nil {
		return err
	}

	model, err := llm.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = model.Close() }()

	if !skipCheck {
		checker := preflight.New(
			preflight.WithStore(meta),
			preflight.WithDependency("inference", embedder.Available),
			preflight.WithDependency("llm", model.Available),
		)
		results := checker.RunAll(ctx, cfg.Storage.DataDir)
		checker.PrintResults(results)
		if checker.HasCriticalFailures(results) {
			return errors.New(errors.KindConfig,
				"system check failed; fix the failures above or pass --skip-check", nil)
		}
	}

	usageStore, err := usage.Open(cfg.UsagePath())
	if err != nil {
		return err
	}
	defer func() { _ = usageStore.Close() }()
	recorder := usage.NewRecorder(model, usageStore)

	saver, err := checkpoint.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = saver.Close() }()

	retriever := retrieve.New(cfg, retrieve.Deps{
		Embedder: embedder,
		Vectors:  vectors,
		Keywords: keywords,
		Parents:  meta,
		Reranker: reranker,
	})

	chats := chat.NewService(meta, graph.New(cfg, recorder, retriever, saver))

	pool := ingest.NewPool(cfg, ingest.NewPipeline(cfg, blobs, meta, embedder, vectors, keywords))
	defer pool.Stop()

	if cfg.Ingest.WatchDir != "" {
		watcher := ingest.NewWatcher(cfg, blobs, meta, pool)
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	w := api.NewWorker(cfg, meta, chats, pool, vectors, keywords, embedder, recorder,
		metrics.New("worker"))

	// Model warmup happens off the serving path; health reports
	// warmup_complete=false until every probe answers.
	go lifecycle.Warmup(ctx, lifecycle.WarmupTimeout, w.SetWarm,
		lifecycle.Probe{Name: "inference", Ready: embedder.Available},
		lifecycle.Probe{Name: "llm", Ready: model.Available},
	)

	srv := &http.Server{
		Addr:    cfg.Server.WorkerAddr,
		Handler: w.Router(pprofEnabled),
		// SSE responses stream for as long as a graph run takes, so no
		// write deadline; the header timeout still fences slow clients.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("worker starting",
		slog.String("addr", cfg.Server.WorkerAddr),
		slog.String("data_dir", cfg.Storage.DataDir),
		slog.String("vector_backend", cfg.Vector.Backend),
		slog.Bool("hybrid", cfg.Retrieval.UseHybrid),
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.String("log_file", logging.DefaultLogPath("worker")),
		slog.String("version", version.Version))

	return lifecycle.Serve(ctx, srv)
}
