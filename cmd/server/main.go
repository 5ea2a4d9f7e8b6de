// Command server starts the thought analyzer ingest API: submission, status
// polling, the per-user SSE stream, the broker producer, and the recovery
// sweeper.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/bus/redisbus"
	httpserver "github.com/fairyhunter13/thought-analyzer/internal/adapter/httpserver"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/queue/kafka"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/repo/postgres"
	qdrantcli "github.com/fairyhunter13/thought-analyzer/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/thought-analyzer/internal/app"
	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema ensure failed", slog.Any("error", err))
		os.Exit(1)
	}

	thoughtRepo := postgres.NewThoughtRepo(pool)
	userRepo := postgres.NewUserContextRepo(pool)

	if err := kafka.EnsureTopics(ctx, cfg.KafkaBrokers, cfg.WorkTopic, cfg.DLQTopic, cfg.Partitions); err != nil {
		slog.Error("topic ensure failed", slog.Any("error", err))
		os.Exit(1)
	}
	producer, err := kafka.NewProducer(cfg)
	if err != nil {
		slog.Error("kafka producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close producer", slog.Any("error", err))
		}
	}()

	bus, err := redisbus.NewFromURL(cfg.BusURL, cfg.ChannelPrefix)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	qcli := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, "thought_cache")
	if err := qcli.Ensure(ctx, cfg.EmbeddingDimension); err != nil {
		slog.Warn("qdrant collection ensure failed", slog.Any("error", err))
	}

	submitSvc := usecase.NewSubmitService(thoughtRepo, userRepo, producer)
	statusSvc := usecase.NewStatusService(thoughtRepo)

	dbCheck, redisCheck, brokerCheck, qdrantCheck := app.BuildReadinessChecks(cfg, pool, bus.Client(), producer)
	srv := httpserver.NewServer(cfg, submitSvc, statusSvc, bus, dbCheck, redisCheck, brokerCheck, qdrantCheck)
	handler := app.BuildRouter(cfg, srv)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sweeper := app.NewSweeper(thoughtRepo, producer, bus, cfg.StuckGrace, cfg.SweepInterval, cfg.PipelineMaxAttempts)
	go sweeper.Run(sweepCtx)

	srvHTTP := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		// SSE streams outlive any sane write timeout; the per-route request
		// timeout covers the JSON endpoints instead.
		WriteTimeout:      0,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
