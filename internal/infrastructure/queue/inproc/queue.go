// Package inproc is a channel-backed job queue for running the api and the
// archive workers in one process.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

var ErrClosed = errors.New("inproc queue closed")

type Queue struct {
	jobs        chan domain.ArchiveJob
	concurrency int
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func New(capacity, concurrency int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		jobs:        make(chan domain.ArchiveJob, capacity),
		concurrency: concurrency,
		logger:      logger,
	}
}

var errQueueFull = errors.New("queue full")

// PublishArchiveJob never waits for buffer space: a full buffer is reported
// as a temporary error so the caller can answer 503 right away.
func (q *Queue) PublishArchiveJob(ctx context.Context, job domain.ArchiveJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return domain.WrapError(domain.ErrTemporary, "inproc publish", fmt.Errorf("%w (%d buffered)", errQueueFull, cap(q.jobs)))
	}
}

// SubscribeArchiveJobs runs handler on concurrency goroutines until ctx is
// done or the queue is closed and drained.
func (q *Queue) SubscribeArchiveJobs(ctx context.Context, handler func(context.Context, domain.ArchiveJob) error) error {
	var wg sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.jobs:
					if !ok {
						return
					}
					if err := handler(ctx, job); err != nil {
						q.logger.Error("worker_handler_error", "session_id", job.SessionID, "chapter_id", job.ChapterID, "error", err)
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Close stops accepting jobs; subscribers finish what is buffered.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

func (q *Queue) Len() int {
	return len(q.jobs)
}
