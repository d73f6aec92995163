package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/resilience"
)

const queueGroup = "workers"

type Queue struct {
	conn        *nats.Conn
	subject     string
	executor    *resilience.Executor
	concurrency  int
	drainTimeout time.Duration
	logger       *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	// Concurrency is the number of jobs one subscriber runs at a time.
	Concurrency int
	// DrainTimeout caps how long shutdown waits for in-flight deliveries.
	DrainTimeout       time.Duration
	ResilienceExecutor *resilience.Executor
	Logger             *slog.Logger
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	concurrency := options.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	drainTimeout := options.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("chapter-ingest"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:         conn,
		subject:      subject,
		executor:     options.ResilienceExecutor,
		concurrency:  concurrency,
		drainTimeout: drainTimeout,
		logger:       logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishArchiveJob(ctx context.Context, job domain.ArchiveJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal archive job: %w", err)
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeArchiveJobs joins the worker queue group and blocks until ctx is
// done. Messages already delivered to this subscriber still run to completion
// after cancellation; the handler bounds each of them with its own timeout.
func (q *Queue) SubscribeArchiveJobs(ctx context.Context, handler func(context.Context, domain.ArchiveJob) error) error {
	msgs := make(chan *nats.Msg, q.concurrency*4)
	sub, err := q.conn.ChanQueueSubscribe(q.subject, queueGroup, msgs)
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	jobCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				q.dispatch(jobCtx, msg, handler)
			}
		}()
	}

	<-ctx.Done()
	drainErr := sub.Drain()
	if drainErr == nil {
		q.waitDrained(sub)
	}
	close(msgs)
	wg.Wait()
	if drainErr != nil {
		return fmt.Errorf("nats drain subscription: %w", drainErr)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// waitDrained returns once the server has no more messages in flight for sub.
func (q *Queue) waitDrained(sub *nats.Subscription) {
	deadline := time.Now().Add(q.drainTimeout)
	for sub.IsDraining() {
		if time.Now().After(deadline) {
			q.logger.Warn("nats_drain_timeout", "subject", q.subject)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (q *Queue) dispatch(ctx context.Context, msg *nats.Msg, handler func(context.Context, domain.ArchiveJob) error) {
	job, err := decodeJob(msg.Data)
	if err != nil {
		q.logger.Error("archive_job_decode_failed", "error", err)
		return
	}

	if err := handler(ctx, job); err != nil {
		q.logger.Error("worker_handler_error",
			"session_id", job.SessionID,
			"chapter_id", job.ChapterID,
			"error", err,
		)
	}
}

func decodeJob(data []byte) (domain.ArchiveJob, error) {
	var job domain.ArchiveJob
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("unmarshal archive job: %w", err)
	}
	if job.SeriesID == "" || (job.SessionID == "" && job.ChapterID == "") {
		return job, fmt.Errorf("archive job missing series id or session/chapter id")
	}
	return job, nil
}
