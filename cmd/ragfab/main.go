// Command ragfab runs the documentation assistant: HTTP API, ingestion
// worker, thumbs-down analyser and quality scheduler in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/famatulli1/ragfab2-sub003/pkg/analytics"
	"github.com/famatulli1/ragfab2-sub003/pkg/config"
	"github.com/famatulli1/ragfab2-sub003/pkg/conversation"
	"github.com/famatulli1/ragfab2-sub003/pkg/embedders"
	"github.com/famatulli1/ragfab2-sub003/pkg/ingestion"
	"github.com/famatulli1/ragfab2-sub003/pkg/llms"
	"github.com/famatulli1/ragfab2-sub003/pkg/logger"
	"github.com/famatulli1/ragfab2-sub003/pkg/observability"
	"github.com/famatulli1/ragfab2-sub003/pkg/orchestrator"
	"github.com/famatulli1/ragfab2-sub003/pkg/quality"
	"github.com/famatulli1/ragfab2-sub003/pkg/rag"
	"github.com/famatulli1/ragfab2-sub003/pkg/server"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional, env-only without it)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(logger.ParseLevel(cfg.Logging.Level), os.Stdout, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return err
	}
	defer st.Close()

	// Schema drift is a startup failure, never a silent degradation.
	if err := store.NewMigrator(st).Run(ctx); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	metrics, err := observability.Init(cfg.Metrics)
	if err != nil {
		return err
	}

	embedder := embedders.New(cfg.Embedding)

	// Always wired: Reranker.Enabled is only the default, conversations
	// can opt in per request.
	reranker := rag.NewRerankerClient(cfg.Reranker)
	engine := rag.NewEngine(cfg.Search, cfg.Reranker, cfg.Chunker, st, embedder, reranker, metrics)

	registry := llms.NewRegistry(cfg.LLM)
	builder := conversation.NewBuilder(st, registry.Get(""))
	orch := orchestrator.New(st, builder, engine, registry, metrics)

	counter, err := rag.NewTokenCounter("cl100k_base")
	if err != nil {
		return fmt.Errorf("tokenizer init failed: %w", err)
	}
	chunker := rag.NewChunker(cfg.Chunker, counter)
	reader := ingestion.NewHTTPReader(cfg.Ingestion.ReaderBaseURL, cfg.Ingestion.ReaderTimeout())
	worker := ingestion.NewWorker(cfg.Ingestion, cfg.Server.UploadDir, st, reader, chunker, embedder, metrics)

	analyzer := quality.NewAnalyzer(cfg.Quality, st, registry.Get(""), metrics)
	scheduler := quality.NewScheduler(cfg.Quality, st, registry.Get(""))
	dashboard := analytics.NewService(st.Pool())

	go worker.Run(ctx)
	go analyzer.Run(ctx)
	go scheduler.Run(ctx)
	go dashboard.RunRefresher(ctx, 15*time.Minute)

	api := server.New(st, orch, cfg.Server.UploadDir,
		server.WithDashboard(dashboard),
		server.WithEmbedderProbe(embedder),
		server.WithMetrics(metrics),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}
