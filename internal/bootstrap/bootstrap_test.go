package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/mangaanimeden/chapter-ingest/internal/config"
	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/queue/inproc"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/resilience"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/storage/localfs"
)

func TestNewBlobStoreLocalFS(t *testing.T) {
	cfg := config.Config{BlobBackend: config.BlobLocalFS, BlobPath: t.TempDir()}
	store, err := newBlobStore(context.Background(), cfg, resilience.NewExecutor(resilience.DefaultConfig(), nil))
	if err != nil {
		t.Fatalf("newBlobStore() error = %v", err)
	}
	if _, ok := store.(*localfs.Storage); !ok {
		t.Fatalf("expected localfs storage, got %T", store)
	}
}

func TestNewBlobStoreRejectsUnknownBackend(t *testing.T) {
	_, err := newBlobStore(context.Background(), config.Config{BlobBackend: "ftp"}, nil)
	if err == nil {
		t.Fatalf("expected error for unknown blob backend")
	}
}

func TestNewQueueInProcRoundTrip(t *testing.T) {
	cfg := config.Config{QueueBackend: config.QueueInProc, JobConcurrency: 1}
	q, closeQueue, err := newQueue(cfg, nil, nil)
	if err != nil {
		t.Fatalf("newQueue() error = %v", err)
	}
	defer closeQueue()
	if _, ok := q.(*inproc.Queue); !ok {
		t.Fatalf("expected inproc queue, got %T", q)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got := make(chan domain.ArchiveJob, 1)
	go func() {
		_ = q.SubscribeArchiveJobs(ctx, func(_ context.Context, job domain.ArchiveJob) error {
			got <- job
			return nil
		})
	}()

	if err := q.PublishArchiveJob(ctx, domain.ArchiveJob{SeriesID: "s", SessionID: "u"}); err != nil {
		t.Fatalf("PublishArchiveJob() error = %v", err)
	}
	select {
	case job := <-got:
		if job.SessionID != "u" {
			t.Fatalf("unexpected job: %+v", job)
		}
	case <-ctx.Done():
		t.Fatalf("job was not delivered")
	}
}

func TestNewQueueRejectsUnknownBackend(t *testing.T) {
	if _, _, err := newQueue(config.Config{QueueBackend: "kafka"}, nil, nil); err == nil {
		t.Fatalf("expected error for unknown queue backend")
	}
}

func TestAppCloseRunsInReverseOrder(t *testing.T) {
	var order []int
	app := &App{}
	app.onClose(func() { order = append(order, 1) })
	app.onClose(func() { order = append(order, 2) })
	app.Close()
	app.Close()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("unexpected close order: %v", order)
	}
}
