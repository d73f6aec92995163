package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mangaanimeden/chapter-ingest/internal/config"
	"github.com/mangaanimeden/chapter-ingest/internal/core/ports"
	"github.com/mangaanimeden/chapter-ingest/internal/core/usecase"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/chapternum"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/extractor/archive"
	redisprogress "github.com/mangaanimeden/chapter-ingest/internal/infrastructure/progress/redis"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/queue/inproc"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/queue/nats"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/repository/postgres"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/resilience"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/storage/localfs"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/storage/s3"
)

const (
	inprocQueueCapacity = 256
	progressTTL         = 24 * time.Hour
)

type Options struct {
	Logger *slog.Logger
	// OnRetry observes retries of queue and blob store calls.
	OnRetry func(operation string)
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Queue        ports.JobQueue
	Sessions     ports.UploadSessionRepository
	Uploads      *usecase.UploadSessionUseCase
	Progress     *usecase.ProgressTracker
	Orchestrator *usecase.ArchiveOrchestrator

	closers []func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.onClose(func() { _ = db.Close() })
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		app.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	sessions := postgres.NewUploadSessionRepository(db)
	chapters := postgres.NewChapterRepository(db)

	retryCfg := resilience.DefaultConfig()
	retryCfg.OnRetry = opts.OnRetry
	executor := resilience.NewExecutor(retryCfg, logger)

	scratch, err := localfs.New(cfg.ScratchPath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init scratch storage: %w", err)
	}
	blobs, err := newBlobStore(ctx, cfg, executor)
	if err != nil {
		app.Close()
		return nil, err
	}
	counter, err := app.newProgressCounter(ctx, cfg, db)
	if err != nil {
		app.Close()
		return nil, err
	}
	queue, closeQueue, err := newQueue(cfg, executor, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.onClose(closeQueue)

	progress := usecase.NewProgressTracker(sessions, counter)
	extractor := usecase.NewExtractChapterUseCase(chapters, blobs, archive.Readers(), cfg.ExtractWorkers, logger)

	app.Queue = queue
	app.Sessions = sessions
	app.Progress = progress
	app.Uploads = usecase.NewUploadSessionUseCase(sessions, scratch, logger)
	app.Orchestrator = usecase.NewArchiveOrchestrator(
		sessions,
		chapters,
		scratch,
		blobs,
		chapternum.New(),
		extractor,
		progress,
		queue,
		logger,
	)
	// A job older than its own timeout has been abandoned by its worker.
	app.Orchestrator.RequeueStaleAfter(cfg.JobTimeout)
	return app, nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newBlobStore(ctx context.Context, cfg config.Config, executor *resilience.Executor) (ports.BlobStore, error) {
	switch cfg.BlobBackend {
	case config.BlobS3:
		store, err := s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		}, executor)
		if err != nil {
			return nil, fmt.Errorf("init s3 blob store: %w", err)
		}
		return store, nil
	case config.BlobLocalFS, "":
		store, err := localfs.New(cfg.BlobPath)
		if err != nil {
			return nil, fmt.Errorf("init blob storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}

func (a *App) newProgressCounter(ctx context.Context, cfg config.Config, db *sql.DB) (ports.ProgressCounter, error) {
	switch cfg.ProgressBackend {
	case config.ProgressRedis:
		client, err := redisprogress.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("init redis progress: %w", err)
		}
		a.onClose(func() { _ = client.Close() })
		return redisprogress.NewCounter(client, progressTTL), nil
	case config.ProgressPostgres, "":
		return postgres.NewUploadSessionRepository(db), nil
	default:
		return nil, fmt.Errorf("unknown progress backend %q", cfg.ProgressBackend)
	}
}

// jobQueue is what the binaries need beyond ports.JobQueue.
type jobQueue interface {
	ports.JobQueue
	Close()
}

func newQueue(cfg config.Config, executor *resilience.Executor, logger *slog.Logger) (jobQueue, func(), error) {
	var q jobQueue
	switch cfg.QueueBackend {
	case config.QueueInProc:
		q = inproc.New(inprocQueueCapacity, cfg.JobConcurrency, logger)
	case config.QueueNATS, "":
		natsQueue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			Concurrency:        cfg.JobConcurrency,
			DrainTimeout:       cfg.JobTimeout,
			ResilienceExecutor: executor,
			Logger:             logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init message queue: %w", err)
		}
		q = natsQueue
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
	return q, q.Close, nil
}
