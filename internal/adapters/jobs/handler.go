// Package jobs adapts queue deliveries to the archive job runner.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
	"github.com/mangaanimeden/chapter-ingest/internal/core/ports"
	"github.com/mangaanimeden/chapter-ingest/internal/observability/metrics"
)

type Handler struct {
	runner  ports.ArchiveJobRunner
	timeout time.Duration
	metrics *metrics.WorkerMetrics
	service string
	logger  *slog.Logger
	now     func() time.Time
}

func NewHandler(
	runner ports.ArchiveJobRunner,
	timeout time.Duration,
	workerMetrics *metrics.WorkerMetrics,
	service string,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if workerMetrics == nil {
		workerMetrics = metrics.NewWorkerMetrics(service)
	}
	return &Handler{
		runner:  runner,
		timeout: timeout,
		metrics: workerMetrics,
		service: service,
		logger:  logger,
		now:     time.Now,
	}
}

// Handle runs one job under the job timeout. The runner records failures on
// the session, so the returned error only feeds logs and metrics.
func (h *Handler) Handle(ctx context.Context, job domain.ArchiveJob) error {
	start := h.now()
	if !job.EnqueuedAt.IsZero() {
		h.metrics.ObserveQueueLag(h.service, start.Sub(job.EnqueuedAt))
	}

	runCtx := ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	h.metrics.StartJob()
	err := h.runner.Run(runCtx, job)
	h.metrics.FinishJob(h.service, h.now().Sub(start), err)
	if err != nil {
		h.logger.Warn("archive_job_error",
			"session_id", job.SessionID,
			"chapter_id", job.ChapterID,
			"series_id", job.SeriesID,
			"error", err,
		)
	}
	return err
}
