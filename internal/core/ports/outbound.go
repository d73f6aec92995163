package ports

import (
	"context"
	"io"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

// UploadSessionRepository persists upload session state.
type UploadSessionRepository interface {
	Create(ctx context.Context, session *domain.UploadSession) error
	GetByID(ctx context.Context, id string) (*domain.UploadSession, error)
	ListByIDs(ctx context.Context, ids []string) ([]domain.UploadSession, error)
	// RecordChunk marks part index as received. Only the first record of an
	// index bumps received_chunks, capped at total_chunks, and an uploading
	// session moves to processing once every chunk is in. Concurrent records
	// of one index count once.
	RecordChunk(ctx context.Context, id string, index int) (*domain.UploadSession, error)
	MarkAssembled(ctx context.Context, id, assembledKey string) error
	MarkFailed(ctx context.Context, id, errMessage string) error
	SetExtractionStatus(ctx context.Context, id string, status domain.ExtractionStatus, chapterID, errMessage string) error
}

// ProgressCounter holds per-session extraction counters. Increment must be atomic.
type ProgressCounter interface {
	ResetProgress(ctx context.Context, sessionID string, total int) error
	IncrementProcessed(ctx context.Context, sessionID string) error
	Counts(ctx context.Context, sessionIDs []string) (map[string]domain.ProgressCount, error)
}

// ChapterRepository persists chapters and their pages.
type ChapterRepository interface {
	GetOrCreate(ctx context.Context, seriesID string, number float64) (*domain.Chapter, error)
	GetByID(ctx context.Context, chapterID string) (*domain.Chapter, error)
	SetSource(ctx context.Context, chapterID, sourceKey string) error
	CountPages(ctx context.Context, chapterID string) (int, error)
	// ReplacePages deletes every page of the chapter and inserts pages in one
	// transaction, returning the image keys of the pages it removed.
	ReplacePages(ctx context.Context, chapterID string, pages []domain.Page) ([]string, error)
	// AppendPages numbers pages after the chapter's current last page inside
	// the inserting transaction, keeping their relative order, and returns
	// them as stored.
	AppendPages(ctx context.Context, chapterID string, pages []domain.Page) ([]domain.Page, error)
}

// BlobStore stores binary objects by key.
type BlobStore interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ScratchStore is a local blob store for chunk parts and assembled archives.
type ScratchStore interface {
	BlobStore
	DeleteTree(ctx context.Context, prefix string) error
	LocalPath(key string) string
	// TryLock takes an exclusive lock named by key; ok is false when another holder has it.
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// JobQueue publishes and consumes orchestrated archive jobs.
type JobQueue interface {
	PublishArchiveJob(ctx context.Context, job domain.ArchiveJob) error
	SubscribeArchiveJobs(ctx context.Context, handler func(context.Context, domain.ArchiveJob) error) error
}

// ChapterNumberParser derives a chapter number from an uploaded file name.
type ChapterNumberParser interface {
	Parse(filename string) (float64, bool)
}

// ArchiveReader lists page tasks of a source file without reading entry
// bytes, and fetches the bytes of a single task by re-opening the source.
type ArchiveReader interface {
	List(ctx context.Context, path string) ([]domain.ExtractionTask, error)
	Read(ctx context.Context, path string, task domain.ExtractionTask) ([]byte, error)
}

// ProgressSink receives the counters of one extraction run.
type ProgressSink interface {
	Start(ctx context.Context, total int) error
	Advance(ctx context.Context) error
}
