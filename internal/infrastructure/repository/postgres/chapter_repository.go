package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

type ChapterRepository struct {
	db *sql.DB
}

func NewChapterRepository(db *sql.DB) *ChapterRepository {
	return &ChapterRepository{db: db}
}

// GetOrCreate is idempotent on (series_id, number); concurrent callers get
// the same row.
func (r *ChapterRepository) GetOrCreate(ctx context.Context, seriesID string, number float64) (*domain.Chapter, error) {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
INSERT INTO chapters (id, series_id, number, title, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (series_id, number) DO UPDATE SET updated_at = EXCLUDED.updated_at
RETURNING id, series_id, number, title, source_key, created_at, updated_at
`, uuid.NewString(), seriesID, number, chapterTitle(number), now)

	var ch domain.Chapter
	if err := row.Scan(&ch.ID, &ch.SeriesID, &ch.Number, &ch.Title, &ch.SourceKey, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
		return nil, fmt.Errorf("upsert chapter: %w", err)
	}
	return &ch, nil
}

func (r *ChapterRepository) GetByID(ctx context.Context, chapterID string) (*domain.Chapter, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, series_id, number, title, source_key, created_at, updated_at
FROM chapters
WHERE id = $1
`, chapterID)

	var ch domain.Chapter
	if err := row.Scan(&ch.ID, &ch.SeriesID, &ch.Number, &ch.Title, &ch.SourceKey, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrChapterNotFound, "get chapter", fmt.Errorf("id=%s", chapterID))
		}
		return nil, fmt.Errorf("scan chapter: %w", err)
	}
	return &ch, nil
}

func (r *ChapterRepository) SetSource(ctx context.Context, chapterID, sourceKey string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE chapters SET source_key = $2, updated_at = $3 WHERE id = $1
`, chapterID, sourceKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set chapter source: %w", err)
	}
	return requireRow(res, domain.ErrChapterNotFound, "set chapter source", chapterID)
}

func (r *ChapterRepository) CountPages(ctx context.Context, chapterID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages WHERE chapter_id = $1`, chapterID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

func (r *ChapterRepository) ReplacePages(ctx context.Context, chapterID string, pages []domain.Page) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replace pages tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := lockChapter(ctx, tx, chapterID, "replace pages"); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `DELETE FROM pages WHERE chapter_id = $1 RETURNING image_key`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("delete pages: %w", err)
	}
	var replaced []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan deleted page: %w", err)
		}
		replaced = append(replaced, key)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate deleted pages: %w", err)
	}
	_ = rows.Close()

	if err := insertPages(ctx, tx, chapterID, pages); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace pages tx: %w", err)
	}
	return replaced, nil
}

func (r *ChapterRepository) AppendPages(ctx context.Context, chapterID string, pages []domain.Page) ([]domain.Page, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append pages tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := lockChapter(ctx, tx, chapterID, "append pages"); err != nil {
		return nil, err
	}
	var last int
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(page_number), 0) FROM pages WHERE chapter_id = $1`, chapterID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("read last page number: %w", err)
	}

	stored := make([]domain.Page, len(pages))
	for i, p := range pages {
		p.ChapterID = chapterID
		p.PageNumber = last + i + 1
		stored[i] = p
	}
	if err := insertPages(ctx, tx, chapterID, stored); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append pages tx: %w", err)
	}
	return stored, nil
}

// lockChapter holds the chapter row for the rest of tx so page writers of
// one chapter serialize.
func lockChapter(ctx context.Context, tx *sql.Tx, chapterID, op string) error {
	var locked string
	err := tx.QueryRowContext(ctx, `SELECT id FROM chapters WHERE id = $1 FOR UPDATE`, chapterID).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrChapterNotFound, op, fmt.Errorf("id=%s", chapterID))
		}
		return fmt.Errorf("lock chapter: %w", err)
	}
	return nil
}

func insertPages(ctx context.Context, tx *sql.Tx, chapterID string, pages []domain.Page) error {
	for _, p := range pages {
		_, err := tx.ExecContext(ctx, `
INSERT INTO pages (id, chapter_id, page_number, image_key, created_at)
VALUES ($1, $2, $3, $4, $5)
`, p.ID, chapterID, p.PageNumber, p.ImageKey, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert page %d: %w", p.PageNumber, err)
		}
	}
	return nil
}

func chapterTitle(number float64) string {
	return fmt.Sprintf("Chapter %s", formatNumber(number))
}

func formatNumber(n float64) string {
	if n == float64(int64(n)) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprintf("%.1f", n)
}
