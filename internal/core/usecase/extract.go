package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
	"github.com/mangaanimeden/chapter-ingest/internal/core/ports"
)

const (
	DefaultExtractWorkers = 2
	// MaxExtractWorkers caps the pool: each worker holds one decoded image in memory.
	MaxExtractWorkers = 3
)

func clampWorkers(n int) int {
	switch {
	case n < 1:
		return DefaultExtractWorkers
	case n > MaxExtractWorkers:
		return MaxExtractWorkers
	default:
		return n
	}
}

type ExtractChapterUseCase struct {
	chapters ports.ChapterRepository
	blobs    ports.BlobStore
	readers  map[domain.ArchiveFormat]ports.ArchiveReader
	workers  int
	logger   *slog.Logger
	now      func() time.Time
}

func NewExtractChapterUseCase(
	chapters ports.ChapterRepository,
	blobs ports.BlobStore,
	readers map[domain.ArchiveFormat]ports.ArchiveReader,
	workers int,
	logger *slog.Logger,
) *ExtractChapterUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractChapterUseCase{
		chapters: chapters,
		blobs:    blobs,
		readers:  readers,
		workers:  clampWorkers(workers),
		logger:   logger,
		now:      time.Now,
	}
}

// Extract turns one source file into the chapter's ordered pages. Containers
// replace every existing page; a raw image is appended after the last one.
// Nothing is committed unless every task succeeds.
func (uc *ExtractChapterUseCase) Extract(
	ctx context.Context,
	chapter *domain.Chapter,
	archivePath string,
	sink ports.ProgressSink,
) domain.ExtractionResult {
	result := domain.ExtractionResult{ChapterID: chapter.ID}
	if sink == nil {
		sink = noopSink{}
	}

	format := domain.ResolveFormat(archivePath)
	if format == domain.FormatUnsupported {
		result.Err = domain.WrapError(
			domain.ErrUnsupportedFormat,
			"extract chapter",
			fmt.Errorf("extension %q", filepath.Ext(archivePath)),
		)
		return result
	}

	tasks, err := uc.plan(ctx, chapter, format, archivePath)
	if err != nil {
		result.Err = err
		return result
	}

	if err := sink.Start(ctx, len(tasks)); err != nil {
		uc.logger.Warn("progress_reset_failed", "chapter_id", chapter.ID, "error", err)
	}

	run := extractionRun{
		chapter: chapter,
		format:  format,
		path:    archivePath,
		token:   uuid.NewString()[:8],
	}
	pages, written, err := uc.runTasks(ctx, run, tasks, sink)
	if err != nil {
		uc.discard(ctx, written)
		result.Err = &domain.ExtractionError{ChapterID: chapter.ID, Cause: err}
		return result
	}

	if err := uc.commit(ctx, chapter, format, pages); err != nil {
		uc.discard(ctx, written)
		result.Err = &domain.ExtractionError{ChapterID: chapter.ID, Cause: err}
		return result
	}

	result.PagesWritten = len(pages)
	uc.logger.Info("chapter_extracted",
		"chapter_id", chapter.ID,
		"format", format.String(),
		"pages", result.PagesWritten,
	)
	return result
}

// plan lists the ordered tasks. Page numbers follow list order from 1; an
// appended raw image is renumbered by the repository when it is committed.
func (uc *ExtractChapterUseCase) plan(
	ctx context.Context,
	chapter *domain.Chapter,
	format domain.ArchiveFormat,
	archivePath string,
) ([]domain.ExtractionTask, error) {
	reader, ok := uc.readers[format]
	if !ok {
		return nil, domain.WrapError(
			domain.ErrUnsupportedFormat,
			"extract chapter",
			fmt.Errorf("no reader for %s", format),
		)
	}

	tasks, err := reader.List(ctx, archivePath)
	if err != nil {
		return nil, &domain.ExtractionError{ChapterID: chapter.ID, Cause: fmt.Errorf("list %s entries: %w", format, err)}
	}
	for i := range tasks {
		tasks[i].Ordinal = i
	}
	return tasks, nil
}

type extractionRun struct {
	chapter *domain.Chapter
	format  domain.ArchiveFormat
	path    string
	token   string
}

func (uc *ExtractChapterUseCase) runTasks(
	ctx context.Context,
	run extractionRun,
	tasks []domain.ExtractionTask,
	sink ports.ProgressSink,
) ([]domain.Page, []string, error) {
	pages := make([]domain.Page, len(tasks))

	var mu sync.Mutex
	written := make([]string, 0, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.workers)
	for _, task := range tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			data, err := uc.readers[run.format].Read(gctx, run.path, task)
			if err != nil {
				return fmt.Errorf("read task %d (%s): %w", task.Ordinal, task.OutputName, err)
			}

			pageNumber := task.Ordinal + 1
			key := uc.pageKey(run, pageNumber, task.OutputName)
			if err := uc.blobs.Save(gctx, key, bytes.NewReader(data)); err != nil {
				return domain.WrapError(domain.ErrStorage, "write page image", err)
			}
			mu.Lock()
			written = append(written, key)
			mu.Unlock()

			pages[task.Ordinal] = domain.Page{
				ID:         uuid.NewString(),
				ChapterID:  run.chapter.ID,
				PageNumber: pageNumber,
				ImageKey:   key,
				CreatedAt:  uc.now().UTC(),
			}

			if err := sink.Advance(gctx); err != nil {
				uc.logger.Warn("progress_increment_failed", "chapter_id", run.chapter.ID, "error", err)
			}
			return nil
		})
	}
	err := g.Wait()
	return pages, written, err
}

func (uc *ExtractChapterUseCase) commit(
	ctx context.Context,
	chapter *domain.Chapter,
	format domain.ArchiveFormat,
	pages []domain.Page,
) error {
	if format == domain.FormatRawImage {
		stored, err := uc.chapters.AppendPages(ctx, chapter.ID, pages)
		if err != nil {
			return fmt.Errorf("append pages: %w", err)
		}
		for _, p := range stored {
			uc.logger.Debug("page_appended", "chapter_id", chapter.ID, "page_number", p.PageNumber, "key", p.ImageKey)
		}
		return nil
	}

	replaced, err := uc.chapters.ReplacePages(ctx, chapter.ID, pages)
	if err != nil {
		return fmt.Errorf("replace pages: %w", err)
	}
	uc.discard(ctx, replaced)
	return nil
}

// discard deletes blobs best effort; leftovers are logged.
func (uc *ExtractChapterUseCase) discard(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := uc.blobs.Delete(context.WithoutCancel(ctx), key); err != nil && !errors.Is(err, os.ErrNotExist) {
			uc.logger.Warn("page_blob_cleanup_failed", "key", key, "error", err)
		}
	}
}

func (uc *ExtractChapterUseCase) pageKey(run extractionRun, pageNumber int, name string) string {
	now := uc.now().UTC()
	return fmt.Sprintf(
		"mangas/%04d/%02d/%s_%d_%s_%s",
		now.Year(), int(now.Month()), run.chapter.ID, pageNumber, run.token, filepath.Base(name),
	)
}

type noopSink struct{}

func (noopSink) Start(context.Context, int) error { return nil }
func (noopSink) Advance(context.Context) error    { return nil }
