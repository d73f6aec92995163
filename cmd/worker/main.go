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

	"github.com/joho/godotenv"

	"github.com/mangaanimeden/chapter-ingest/internal/adapters/jobs"
	"github.com/mangaanimeden/chapter-ingest/internal/bootstrap"
	"github.com/mangaanimeden/chapter-ingest/internal/config"
	"github.com/mangaanimeden/chapter-ingest/internal/observability/logging"
	"github.com/mangaanimeden/chapter-ingest/internal/observability/metrics"
)

const service = "ingest-worker"

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger(service, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.QueueBackend == config.QueueInProc {
		logger.Error("worker_requires_shared_queue", "queue_backend", cfg.QueueBackend)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(service)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Logger: logger,
		OnRetry: func(operation string) {
			workerMetrics.RecordRetry(service, operation)
		},
	})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()
	app.Orchestrator.OnPagesExtracted(func(pages int) {
		workerMetrics.RecordPages(service, pages)
	})

	metricsServer := newMetricsServer(cfg.WorkerMetricsPort, workerMetrics)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	handler := jobs.NewHandler(app.Orchestrator, cfg.JobTimeout, workerMetrics, service, logger)
	logger.Info("worker_subscribed",
		"subject", cfg.NATSSubject,
		"concurrency", cfg.JobConcurrency,
		"extract_workers", cfg.ExtractWorkers,
	)
	if err := app.Queue.SubscribeArchiveJobs(ctx, handler.Handle); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker_subscribe_error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker_stopped")
}

func newMetricsServer(port string, workerMetrics *metrics.WorkerMetrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", workerMetrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
