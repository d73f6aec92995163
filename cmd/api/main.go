package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/net/netutil"

	httpadapter "github.com/mangaanimeden/chapter-ingest/internal/adapters/http"
	"github.com/mangaanimeden/chapter-ingest/internal/adapters/jobs"
	"github.com/mangaanimeden/chapter-ingest/internal/bootstrap"
	"github.com/mangaanimeden/chapter-ingest/internal/config"
	"github.com/mangaanimeden/chapter-ingest/internal/observability/logging"
	"github.com/mangaanimeden/chapter-ingest/internal/observability/metrics"
)

const service = "ingest-api"

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger(service, cfg.LogLevel)
	slog.SetDefault(logger)

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

	// Single-binary mode: the api consumes its own in-process queue.
	if cfg.QueueBackend == config.QueueInProc {
		handler := jobs.NewHandler(app.Orchestrator, cfg.JobTimeout, workerMetrics, service, logger)
		go func() {
			if err := app.Queue.SubscribeArchiveJobs(ctx, handler.Handle); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("inproc_consumer_stopped", "error", err)
			}
		}()

		workerMux := http.NewServeMux()
		workerMux.Handle("GET /metrics", workerMetrics.Handler())
		workerMetricsServer := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           workerMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := workerMetricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("worker_metrics_server_error", "error", err)
			}
		}()
		defer func() {
			_ = workerMetricsServer.Close()
		}()
	}

	router := httpadapter.NewRouter(
		cfg,
		app.Uploads,
		app.Uploads,
		app.Orchestrator,
		app.Progress,
		metrics.NewHTTPServerMetrics(service),
	).Handler()
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		logger.Error("api_listen_failed", "port", cfg.APIPort, "error", err)
		os.Exit(1)
	}
	if cfg.APIMaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.APIMaxConnections)
	}

	go func() {
		logger.Info("api_listening",
			"port", cfg.APIPort,
			"queue_backend", cfg.QueueBackend,
			"blob_backend", cfg.BlobBackend,
			"progress_backend", cfg.ProgressBackend,
		)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_error", "error", err)
	}
}
