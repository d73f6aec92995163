package ports

import (
	"context"
	"io"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

// UploadManager is the inbound contract for the chunk-receive and assemble state machine.
type UploadManager interface {
	Init(ctx context.Context, filename string, totalChunks int, owner string) (*domain.UploadSession, error)
	SaveChunk(ctx context.Context, sessionID string, index int, body io.Reader) (*domain.UploadSession, error)
	Assemble(ctx context.Context, sessionID string) (string, error)
}

// UploadReader is the inbound read model for session state.
type UploadReader interface {
	GetByID(ctx context.Context, id string) (*domain.UploadSession, error)
}

// ArchiveSubmitter detaches archive processing from the caller.
type ArchiveSubmitter interface {
	Submit(ctx context.Context, seriesID string, sessionIDs []string) (int, error)
	// Reprocess queues a re-extraction of a chapter from its stored source.
	Reprocess(ctx context.Context, chapterID string, force bool) error
}

// ArchiveJobRunner runs one orchestrated session end to end.
type ArchiveJobRunner interface {
	Run(ctx context.Context, job domain.ArchiveJob) error
}

// ProgressAggregator answers progress polls.
type ProgressAggregator interface {
	Aggregate(ctx context.Context, sessionIDs []string) (domain.ProgressReport, error)
}

// ChapterExtractor replaces a chapter's pages from one source file.
type ChapterExtractor interface {
	Extract(ctx context.Context, chapter *domain.Chapter, archivePath string, sink ProgressSink) domain.ExtractionResult
}
