package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
	"github.com/mangaanimeden/chapter-ingest/internal/core/ports"
)

// ArchiveOrchestrator detaches assembled uploads from the request cycle and
// runs locate, chapter resolution, extraction and cleanup per session.
type ArchiveOrchestrator struct {
	sessions  ports.UploadSessionRepository
	chapters  ports.ChapterRepository
	scratch   ports.ScratchStore
	blobs     ports.BlobStore
	parser    ports.ChapterNumberParser
	extractor ports.ChapterExtractor
	progress  *ProgressTracker
	queue     ports.JobQueue
	logger    *slog.Logger
	now       func() time.Time

	onPages    func(pages int)
	staleAfter time.Duration
}

func NewArchiveOrchestrator(
	sessions ports.UploadSessionRepository,
	chapters ports.ChapterRepository,
	scratch ports.ScratchStore,
	blobs ports.BlobStore,
	parser ports.ChapterNumberParser,
	extractor ports.ChapterExtractor,
	progress *ProgressTracker,
	queue ports.JobQueue,
	logger *slog.Logger,
) *ArchiveOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveOrchestrator{
		sessions:  sessions,
		chapters:  chapters,
		scratch:   scratch,
		blobs:     blobs,
		parser:    parser,
		extractor: extractor,
		progress:  progress,
		queue:     queue,
		logger:    logger,
		now:       time.Now,
	}
}

// OnPagesExtracted registers a callback for the page count of every
// successful run.
func (o *ArchiveOrchestrator) OnPagesExtracted(fn func(pages int)) {
	o.onPages = fn
}

// RequeueStaleAfter lets Submit queue a session again when its extraction
// has been queued or running without an update for longer than d. Zero
// disables requeueing.
func (o *ArchiveOrchestrator) RequeueStaleAfter(d time.Duration) {
	o.staleAfter = d
}

// Submit enqueues one job per assembled session and returns how many were
// accepted. Sessions that cannot be queued are logged and skipped.
func (o *ArchiveOrchestrator) Submit(ctx context.Context, seriesID string, sessionIDs []string) (int, error) {
	seriesID = strings.TrimSpace(seriesID)
	if seriesID == "" {
		return 0, domain.WrapError(domain.ErrInvalidRequest, "submit archives", errors.New("series id is required"))
	}

	accepted := 0
	for _, id := range normalizeIDs(sessionIDs) {
		if err := o.enqueue(ctx, seriesID, id); err != nil {
			o.logger.Warn("archive_job_rejected", "series_id", seriesID, "session_id", id, "error", err)
			continue
		}
		accepted++
	}
	return accepted, nil
}

func (o *ArchiveOrchestrator) enqueue(ctx context.Context, seriesID, sessionID string) error {
	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != domain.UploadCompleted {
		return domain.WrapError(
			domain.ErrInvalidState,
			"enqueue archive",
			fmt.Errorf("upload %s is %s", sessionID, session.Status),
		)
	}
	if session.ExtractionStatus.Pending() {
		if !o.stale(session) {
			return domain.WrapError(
				domain.ErrInvalidState,
				"enqueue archive",
				fmt.Errorf("upload %s already %s", sessionID, session.ExtractionStatus),
			)
		}
		o.logger.Warn("archive_job_requeued",
			"session_id", sessionID,
			"extraction_status", string(session.ExtractionStatus),
			"updated_at", session.UpdatedAt,
		)
	}

	if err := o.sessions.SetExtractionStatus(ctx, sessionID, domain.ExtractionQueued, "", ""); err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}

	job := domain.ArchiveJob{
		SeriesID:   seriesID,
		SessionID:  sessionID,
		EnqueuedAt: o.now().UTC(),
	}
	if err := o.queue.PublishArchiveJob(ctx, job); err != nil {
		o.recordFailure(ctx, sessionID, "", err)
		return fmt.Errorf("publish archive job: %w", err)
	}
	return nil
}

func (o *ArchiveOrchestrator) stale(session *domain.UploadSession) bool {
	return o.staleAfter > 0 && o.now().Sub(session.UpdatedAt) > o.staleAfter
}

// Reprocess queues a re-extraction of a chapter from the source archive kept
// in the blob store. Without force a chapter that already has pages is left
// alone.
func (o *ArchiveOrchestrator) Reprocess(ctx context.Context, chapterID string, force bool) error {
	chapterID = strings.TrimSpace(chapterID)
	if chapterID == "" {
		return domain.WrapError(domain.ErrInvalidRequest, "reprocess chapter", errors.New("chapter id is required"))
	}
	chapter, err := o.chapters.GetByID(ctx, chapterID)
	if err != nil {
		return err
	}
	if chapter.SourceKey == "" {
		return domain.WrapError(
			domain.ErrInvalidState,
			"reprocess chapter",
			fmt.Errorf("chapter %s has no source archive", chapterID),
		)
	}
	if !force {
		n, err := o.chapters.CountPages(ctx, chapterID)
		if err != nil {
			return fmt.Errorf("count pages: %w", err)
		}
		if n > 0 {
			return domain.WrapError(
				domain.ErrInvalidState,
				"reprocess chapter",
				fmt.Errorf("chapter %s already has %d pages", chapterID, n),
			)
		}
	}

	job := domain.ArchiveJob{
		SeriesID:   chapter.SeriesID,
		ChapterID:  chapter.ID,
		EnqueuedAt: o.now().UTC(),
	}
	if err := o.queue.PublishArchiveJob(ctx, job); err != nil {
		return fmt.Errorf("publish reprocess job: %w", err)
	}
	o.logger.Info("chapter_reprocess_queued", "chapter_id", chapter.ID, "force", force)
	return nil
}

// Run executes one job. Failures are recorded on the session and returned
// for logging; they never propagate to the submitter.
func (o *ArchiveOrchestrator) Run(ctx context.Context, job domain.ArchiveJob) error {
	if job.Reprocess() {
		return o.runReprocess(ctx, job)
	}

	session, err := o.sessions.GetByID(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	switch session.Status {
	case domain.UploadFailed:
		o.logger.Info("archive_job_skipped", "session_id", session.ID, "reason", "upload failed")
		return nil
	case domain.UploadCompleted:
	default:
		err := domain.WrapError(
			domain.ErrInvalidState,
			"run archive job",
			fmt.Errorf("upload %s is %s", session.ID, session.Status),
		)
		o.recordFailure(ctx, session.ID, "", err)
		return err
	}

	if err := o.sessions.SetExtractionStatus(ctx, session.ID, domain.ExtractionRunning, "", ""); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	o.logger.Info("archive_job_started", "session_id", session.ID, "series_id", job.SeriesID)

	chapter, archiveKey, err := o.prepareChapter(ctx, job.SeriesID, session)
	if err != nil {
		o.recordFailure(ctx, session.ID, session.ChapterID, err)
		return err
	}

	result := o.extractor.Extract(ctx, chapter, o.scratch.LocalPath(archiveKey), o.progress.Sink(session.ID))
	o.removeScratch(ctx, archiveKey)
	if result.Err != nil {
		o.recordFailure(ctx, session.ID, chapter.ID, result.Err)
		return result.Err
	}

	if err := o.sessions.SetExtractionStatus(ctx, session.ID, domain.ExtractionDone, chapter.ID, ""); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if o.onPages != nil {
		o.onPages(result.PagesWritten)
	}
	o.logger.Info("archive_job_finished",
		"session_id", session.ID,
		"chapter_id", chapter.ID,
		"pages", result.PagesWritten,
	)
	return nil
}

// prepareChapter returns the chapter and the scratch key of the archive to
// extract. The assembled upload is attached as the chapter source; once it
// has been consumed, a rerun restages the source of the chapter recorded on
// the session.
func (o *ArchiveOrchestrator) prepareChapter(
	ctx context.Context,
	seriesID string,
	session *domain.UploadSession,
) (*domain.Chapter, string, error) {
	if session.AssembledKey != "" {
		exists, err := o.scratch.Exists(ctx, session.AssembledKey)
		if err != nil {
			return nil, "", domain.WrapError(domain.ErrStorage, "locate archive", err)
		}
		if exists {
			chapter, err := o.attachAssembled(ctx, seriesID, session)
			if err != nil {
				return nil, "", err
			}
			return chapter, session.AssembledKey, nil
		}
	}

	if session.ChapterID == "" {
		return nil, "", domain.WrapError(
			domain.ErrStorage,
			"locate archive",
			fmt.Errorf("assembled archive %s not found", session.AssembledKey),
		)
	}
	chapter, err := o.chapters.GetByID(ctx, session.ChapterID)
	if err != nil {
		return nil, "", fmt.Errorf("load chapter: %w", err)
	}
	key, err := o.stageSource(ctx, chapter, session.ID)
	if err != nil {
		return nil, "", err
	}
	o.logger.Info("archive_source_restaged", "session_id", session.ID, "chapter_id", chapter.ID, "source_key", chapter.SourceKey)
	return chapter, key, nil
}

// attachAssembled resolves the chapter and stores a durable copy of the
// assembled archive as its source.
func (o *ArchiveOrchestrator) attachAssembled(
	ctx context.Context,
	seriesID string,
	session *domain.UploadSession,
) (*domain.Chapter, error) {
	number, ok := o.parser.Parse(session.Filename)
	if !ok {
		return nil, domain.WrapError(
			domain.ErrInvalidRequest,
			"derive chapter number",
			fmt.Errorf("no chapter number in %q", session.Filename),
		)
	}

	chapter, err := o.chapters.GetOrCreate(ctx, seriesID, number)
	if err != nil {
		return nil, fmt.Errorf("get or create chapter: %w", err)
	}

	sourceKey := path.Join("scans", seriesID, chapter.ID+"_"+sanitizeFilename(session.Filename))
	if err := o.copyToBlob(ctx, session.AssembledKey, sourceKey); err != nil {
		return nil, err
	}
	if err := o.chapters.SetSource(ctx, chapter.ID, sourceKey); err != nil {
		return nil, fmt.Errorf("attach chapter source: %w", err)
	}
	chapter.SourceKey = sourceKey
	return chapter, nil
}

func (o *ArchiveOrchestrator) runReprocess(ctx context.Context, job domain.ArchiveJob) error {
	chapter, err := o.chapters.GetByID(ctx, job.ChapterID)
	if err != nil {
		return fmt.Errorf("load chapter: %w", err)
	}
	o.logger.Info("chapter_reprocess_started", "chapter_id", chapter.ID, "source_key", chapter.SourceKey)

	key, err := o.stageSource(ctx, chapter, "reprocess_"+uuid.NewString()[:8])
	if err != nil {
		o.logger.Error("chapter_reprocess_failed", "chapter_id", chapter.ID, "error", err)
		return err
	}
	result := o.extractor.Extract(ctx, chapter, o.scratch.LocalPath(key), nil)
	o.removeScratch(ctx, key)
	if result.Err != nil {
		o.logger.Error("chapter_reprocess_failed", "chapter_id", chapter.ID, "error", result.Err)
		return result.Err
	}

	if o.onPages != nil {
		o.onPages(result.PagesWritten)
	}
	o.logger.Info("chapter_reprocess_finished", "chapter_id", chapter.ID, "pages", result.PagesWritten)
	return nil
}

// stageSource copies the chapter source from the blob store into scratch so
// readers can reopen it by path.
func (o *ArchiveOrchestrator) stageSource(ctx context.Context, chapter *domain.Chapter, owner string) (string, error) {
	if chapter.SourceKey == "" {
		return "", domain.WrapError(
			domain.ErrInvalidState,
			"stage chapter source",
			fmt.Errorf("chapter %s has no source archive", chapter.ID),
		)
	}
	src, err := o.blobs.Open(ctx, chapter.SourceKey)
	if err != nil {
		return "", domain.WrapError(domain.ErrStorage, "open chapter source", err)
	}
	defer src.Close()

	key := stagedKey(owner, chapter.SourceKey)
	if err := o.scratch.Save(ctx, key, src); err != nil {
		return "", domain.WrapError(domain.ErrStorage, "stage chapter source", err)
	}
	return key, nil
}

func (o *ArchiveOrchestrator) copyToBlob(ctx context.Context, scratchKey, blobKey string) error {
	src, err := o.scratch.Open(ctx, scratchKey)
	if err != nil {
		return domain.WrapError(domain.ErrStorage, "open assembled archive", err)
	}
	defer src.Close()

	if err := o.blobs.Save(ctx, blobKey, src); err != nil {
		if delErr := o.blobs.Delete(context.WithoutCancel(ctx), blobKey); delErr != nil {
			o.logger.Warn("source_blob_cleanup_failed", "key", blobKey, "error", delErr)
		}
		return domain.WrapError(domain.ErrStorage, "store chapter source", err)
	}
	return nil
}

func (o *ArchiveOrchestrator) removeScratch(ctx context.Context, key string) {
	if err := o.scratch.Delete(context.WithoutCancel(ctx), key); err != nil {
		o.logger.Warn("scratch_cleanup_failed", "key", key, "error", err)
	}
}

func (o *ArchiveOrchestrator) recordFailure(ctx context.Context, sessionID, chapterID string, cause error) {
	o.logger.Error("archive_job_failed", "session_id", sessionID, "chapter_id", chapterID, "error", cause)
	err := o.sessions.SetExtractionStatus(
		context.WithoutCancel(ctx),
		sessionID,
		domain.ExtractionFailed,
		chapterID,
		cause.Error(),
	)
	if err != nil {
		o.logger.Error("mark_extraction_failed_error", "session_id", sessionID, "error", err)
	}
}
