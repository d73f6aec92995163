package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

const sessionColumns = `id, filename, owner, total_chunks, received_chunks, status, total_files_to_process,
processed_files, assembled_key, extraction_status, extraction_error, chapter_id, error_message, created_at, updated_at`

type UploadSessionRepository struct {
	db *sql.DB
}

func NewUploadSessionRepository(db *sql.DB) *UploadSessionRepository {
	return &UploadSessionRepository{db: db}
}

func (r *UploadSessionRepository) Create(ctx context.Context, s *domain.UploadSession) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO upload_sessions (
	id, filename, owner, total_chunks, received_chunks, status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
		s.ID, s.Filename, s.Owner, s.TotalChunks, s.ReceivedChunks, string(s.Status), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert upload session: %w", err)
	}
	return nil
}

func (r *UploadSessionRepository) GetByID(ctx context.Context, id string) (*domain.UploadSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrSessionNotFound, "get upload session", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan upload session: %w", err)
	}
	return &s, nil
}

func (r *UploadSessionRepository) ListByIDs(ctx context.Context, ids []string) ([]domain.UploadSession, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks, args := inClause(ids, 1)
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM upload_sessions
WHERE id IN (`+marks+`)
ORDER BY created_at ASC
`, args...)
	if err != nil {
		return nil, fmt.Errorf("list upload sessions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.UploadSession, 0, len(ids))
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload sessions: %w", err)
	}
	return out, nil
}

// RecordChunk claims the (session, index) row and applies the counter bump
// and the uploading->processing transition in one statement. A conflicting
// claim inserts nothing, so a resent or concurrently sent index adds zero.
func (r *UploadSessionRepository) RecordChunk(ctx context.Context, id string, index int) (*domain.UploadSession, error) {
	row := r.db.QueryRowContext(ctx, `
WITH fresh AS (
	INSERT INTO upload_chunks (session_id, chunk_index, received_at)
	SELECT id, $2, $5 FROM upload_sessions WHERE id = $1
	ON CONFLICT (session_id, chunk_index) DO NOTHING
	RETURNING 1
)
UPDATE upload_sessions
SET received_chunks = LEAST(received_chunks + (SELECT COUNT(*) FROM fresh), total_chunks),
	status = CASE
		WHEN status = $3 AND LEAST(received_chunks + (SELECT COUNT(*) FROM fresh), total_chunks) >= total_chunks THEN $4
		ELSE status
	END,
	updated_at = $5
WHERE id = $1
RETURNING `+sessionColumns,
		id, index, string(domain.UploadUploading), string(domain.UploadProcessing), time.Now().UTC(),
	)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrSessionNotFound, "record chunk", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("record chunk: %w", err)
	}
	return &s, nil
}

func (r *UploadSessionRepository) MarkAssembled(ctx context.Context, id, assembledKey string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE upload_sessions
SET status = $2, assembled_key = $3, error_message = '', updated_at = $4
WHERE id = $1 AND status = $5
`, id, string(domain.UploadCompleted), assembledKey, time.Now().UTC(), string(domain.UploadProcessing))
	if err != nil {
		return fmt.Errorf("mark upload assembled: %w", err)
	}
	return r.requireTransition(ctx, res, id, "mark upload assembled")
}

func (r *UploadSessionRepository) MarkFailed(ctx context.Context, id, errMessage string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE upload_sessions
SET status = $2, error_message = $3, updated_at = $4
WHERE id = $1 AND status NOT IN ($5, $6)
`, id, string(domain.UploadFailed), errMessage, time.Now().UTC(),
		string(domain.UploadCompleted), string(domain.UploadFailed))
	if err != nil {
		return fmt.Errorf("mark upload failed: %w", err)
	}
	return r.requireTransition(ctx, res, id, "mark upload failed")
}

func (r *UploadSessionRepository) SetExtractionStatus(
	ctx context.Context,
	id string,
	status domain.ExtractionStatus,
	chapterID string,
	errMessage string,
) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE upload_sessions
SET extraction_status = $2,
	chapter_id = CASE WHEN $3 = '' THEN chapter_id ELSE $3 END,
	extraction_error = $4,
	updated_at = $5
WHERE id = $1
`, id, string(status), chapterID, errMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set extraction status: %w", err)
	}
	return requireRow(res, domain.ErrSessionNotFound, "set extraction status", id)
}

func (r *UploadSessionRepository) ResetProgress(ctx context.Context, sessionID string, total int) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE upload_sessions
SET total_files_to_process = $2, processed_files = 0, updated_at = $3
WHERE id = $1
`, sessionID, total, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reset progress: %w", err)
	}
	return requireRow(res, domain.ErrSessionNotFound, "reset progress", sessionID)
}

// IncrementProcessed is a single-row atomic add, safe under concurrent workers.
func (r *UploadSessionRepository) IncrementProcessed(ctx context.Context, sessionID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE upload_sessions
SET processed_files = processed_files + 1, updated_at = $2
WHERE id = $1
`, sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("increment progress: %w", err)
	}
	return requireRow(res, domain.ErrSessionNotFound, "increment progress", sessionID)
}

func (r *UploadSessionRepository) Counts(ctx context.Context, sessionIDs []string) (map[string]domain.ProgressCount, error) {
	out := make(map[string]domain.ProgressCount, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}
	marks, args := inClause(sessionIDs, 1)
	rows, err := r.db.QueryContext(ctx, `
SELECT id, total_files_to_process, processed_files
FROM upload_sessions
WHERE id IN (`+marks+`)
`, args...)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var c domain.ProgressCount
		if err := rows.Scan(&id, &c.Total, &c.Processed); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out[id] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return out, nil
}

// requireTransition turns a guarded update that matched nothing into
// not-found or invalid-state depending on whether the row exists.
func (r *UploadSessionRepository) requireTransition(ctx context.Context, res sql.Result, id, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected > 0 {
		return nil
	}
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return domain.WrapError(domain.ErrInvalidState, op, fmt.Errorf("upload %s is %s", id, current.Status))
}

func requireRow(res sql.Result, kind error, op, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return domain.WrapError(kind, op, fmt.Errorf("id=%s", id))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.UploadSession, error) {
	var s domain.UploadSession
	var status, extraction string
	err := row.Scan(
		&s.ID, &s.Filename, &s.Owner, &s.TotalChunks, &s.ReceivedChunks, &status, &s.TotalFilesToProcess,
		&s.ProcessedFiles, &s.AssembledKey, &extraction, &s.ExtractionError, &s.ChapterID, &s.Error,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return domain.UploadSession{}, err
	}
	s.Status = domain.UploadStatus(status)
	s.ExtractionStatus = domain.ExtractionStatus(extraction)
	return s, nil
}
