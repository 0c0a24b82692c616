package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/embedclient"
	"github.com/localcontainers/containerd/internal/ingest"
	"github.com/localcontainers/containerd/internal/observability"
	"github.com/localcontainers/containerd/internal/queue"
	"github.com/localcontainers/containerd/internal/rerank"
	"github.com/localcontainers/containerd/internal/retrieve"
	"github.com/localcontainers/containerd/internal/rpcapi"
	"github.com/localcontainers/containerd/internal/store/blob"
	"github.com/localcontainers/containerd/internal/store/relational"
	"github.com/localcontainers/containerd/internal/store/vector"
	"github.com/localcontainers/containerd/internal/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfgPath := os.Getenv("CONTAINERD_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	baseCtx := context.Background()
	shutdownOTel, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}

	metrics := observability.NewOtelMetrics()

	pool, err := relational.OpenPool(baseCtx, cfg.RelationalDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open relational store")
	}
	rel, err := relational.NewPostgres(baseCtx, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init relational store")
	}

	vec, err := vector.New(cfg.VectorStore.DSN, cfg.VectorStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init vector store")
	}

	blobs, err := blob.NewS3Store(baseCtx, cfg.BlobStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init blob store")
	}

	embed, err := embedclient.New(baseCtx, cfg.Embedding, rel, "v1", cfg.Embedding.Dimensions)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init embedding client")
	}

	rr, err := rerank.New(cfg.Rerank)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init reranker")
	}

	pipeline := ingest.New(cfg.Ingest, rel, vec, blobs, embed, metrics)
	reconciler := ingest.NewReconciler(rel, vec, embed, metrics, cfg.Ingest.ReconcileMaxTries, cfg.Ingest.ReconcileBatch)
	retriever := retrieve.New(rel, vec, embed, rr, metrics, *cfg)

	handlers := map[domain.JobKind]queue.Handler{
		domain.JobIngest:  queue.IngestHandler(rel, pipeline),
		domain.JobRefresh: queue.RefreshHandler(reconciler),
		domain.JobExport:  queue.ExportHandler(rel, blobs),
	}

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	workers := make([]*queue.Worker, 0, concurrency)
	hostname, _ := os.Hostname()
	for i := 0; i < concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", hostname, i)
		workers = append(workers, queue.New(rel, cfg.Worker, handlers, metrics, workerID))
	}
	reaper := queue.NewReaper(rel, cfg.Worker, metrics)

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, w := range workers {
		w.Start(ctx)
	}
	reaper.Start(ctx)

	server := rpcapi.New(rel, retriever, pipeline, "containerd", version.Version)

	log.Info().Int("workers", concurrency).Str("version", version.Version).Msg("containerd starting")
	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("rpc server stopped with error")
	}

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	for _, w := range workers {
		w.Stop(stopCtx)
	}
	reaper.Stop(stopCtx)

	pool.Close()
	if shutdownOTel != nil {
		_ = shutdownOTel(stopCtx)
	}
	log.Info().Msg("containerd stopped")
}
