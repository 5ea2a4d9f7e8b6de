// Command worker runs the analysis pipeline: it consumes thought jobs from
// the broker, drives the five agents with the semantic cache in front, and
// publishes progress to the fan-out bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/ai/anthropic"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/ai/openai"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/ai/stub"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/bus/redisbus"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/embedding"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/queue/kafka"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/repo/postgres"
	qdrantcli "github.com/fairyhunter13/thought-analyzer/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/thought-analyzer/internal/cache"
	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
	"github.com/fairyhunter13/thought-analyzer/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker",
		slog.String("env", cfg.AppEnv),
		slog.String("ai_provider", cfg.AIProvider),
		slog.String("group", cfg.ConsumerGroup))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema ensure failed", slog.Any("error", err))
		os.Exit(1)
	}
	thoughtRepo := postgres.NewThoughtRepo(pool)
	userRepo := postgres.NewUserContextRepo(pool)

	bus, err := redisbus.NewFromURL(cfg.BusURL, cfg.ChannelPrefix)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	qcli := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, "thought_cache")
	if err := qcli.Ensure(ctx, cfg.EmbeddingDimension); err != nil {
		slog.Warn("qdrant collection ensure failed, cache degraded", slog.Any("error", err))
	}
	semantic := cache.New(qcli, cfg.CacheSimilarityThreshold, cfg.CacheTTL())

	var aicl domain.AIClient
	switch cfg.AIProvider {
	case "anthropic":
		aicl = anthropic.New(cfg)
	case "stub":
		aicl = stub.New()
	default:
		aicl = openai.New(cfg)
	}

	var embedder domain.Embedder
	if cfg.EmbeddingsProvider == "openai" {
		embedder = embedding.NewOpenAI(cfg)
	} else {
		embedder = embedding.NewDisabled(cfg.EmbeddingDimension)
	}

	if err := kafka.EnsureTopics(ctx, cfg.KafkaBrokers, cfg.WorkTopic, cfg.DLQTopic, cfg.Partitions); err != nil {
		slog.Error("topic ensure failed", slog.Any("error", err))
		os.Exit(1)
	}

	agents := pipeline.NewAgents(aicl, cfg)
	orchestrator := pipeline.NewOrchestrator(thoughtRepo, userRepo, embedder, semantic, agents, bus, cfg)

	consumer, err := kafka.NewConsumer(cfg, orchestrator)
	if err != nil {
		slog.Error("kafka consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Run(runCtx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		// Let in-flight thoughts finish and commit before closing the client.
		consumer.Drain()
		select {
		case <-errCh:
		case <-time.After(cfg.DrainTimeout):
			slog.Warn("drain timeout exceeded, exiting with work in flight")
		}
	case err := <-errCh:
		if err != nil {
			slog.Error("consumer stopped", slog.Any("error", err))
		}
	}
	cancel()
}
