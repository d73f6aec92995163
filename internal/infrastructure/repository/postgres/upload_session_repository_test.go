package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

func newSessionRepoWithMock(t *testing.T) (*UploadSessionRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &UploadSessionRepository{db: db}, mock, func() { _ = db.Close() }
}

var sessionColumnNames = []string{
	"id", "filename", "owner", "total_chunks", "received_chunks", "status", "total_files_to_process",
	"processed_files", "assembled_key", "extraction_status", "extraction_error", "chapter_id", "error_message",
	"created_at", "updated_at",
}

func sessionRow(id string, total, received int, status domain.UploadStatus) *sqlmock.Rows {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(sessionColumnNames).AddRow(
		id, "ch12.cbz", "u1", total, received, string(status), 0, 0, "", "", "", "", "", now, now,
	)
}

func TestSessionGetByIDReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newSessionRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, filename, owner").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

const recordChunkSQL = `(?s)WITH fresh AS \(\s*INSERT INTO upload_chunks .*ON CONFLICT \(session_id, chunk_index\) DO NOTHING.*UPDATE upload_sessions`

func TestRecordChunkClaimsIndexAndTransitions(t *testing.T) {
	repo, mock, done := newSessionRepoWithMock(t)
	defer done()

	mock.ExpectQuery(recordChunkSQL).
		WithArgs("s1", 1, "uploading", "processing", sqlmock.AnyArg()).
		WillReturnRows(sessionRow("s1", 2, 2, domain.UploadProcessing))

	s, err := repo.RecordChunk(context.Background(), "s1", 1)
	if err != nil {
		t.Fatalf("RecordChunk() error = %v", err)
	}
	if s.ReceivedChunks != 2 || s.Status != domain.UploadProcessing {
		t.Fatalf("unexpected session: %+v", s)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordChunkResentIndexUsesSameClaim(t *testing.T) {
	repo, mock, done := newSessionRepoWithMock(t)
	defer done()

	mock.ExpectQuery(recordChunkSQL).
		WithArgs("s1", 0, "uploading", "processing", sqlmock.AnyArg()).
		WillReturnRows(sessionRow("s1", 3, 1, domain.UploadUploading))
	mock.ExpectQuery(recordChunkSQL).
		WithArgs("s1", 0, "uploading", "processing", sqlmock.AnyArg()).
		WillReturnRows(sessionRow("s1", 3, 1, domain.UploadUploading))

	for i := 0; i < 2; i++ {
		s, err := repo.RecordChunk(context.Background(), "s1", 0)
		if err != nil {
			t.Fatalf("RecordChunk() error = %v", err)
		}
		if s.ReceivedChunks != 1 {
			t.Fatalf("expected 1 received chunk, got %d", s.ReceivedChunks)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordChunkUnknownSession(t *testing.T) {
	repo, mock, done := newSessionRepoWithMock(t)
	defer done()

	mock.ExpectQuery("UPDATE upload_sessions").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.RecordChunk(context.Background(), "nope", 0)
	if !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMarkAssembledRejectsWrongState(t *testing.T) {
	repo, mock, done := newSessionRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE upload_sessions").
		WithArgs("s1", "completed", "temp_uploads/assembled/s1_a.zip", sqlmock.AnyArg(), "processing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, filename, owner").
		WithArgs("s1").
		WillReturnRows(sessionRow("s1", 1, 1, domain.UploadFailed))

	err := repo.MarkAssembled(context.Background(), "s1", "temp_uploads/assembled/s1_a.zip")
	if !domain.IsKind(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkFailedGuardsTerminalStates(t *testing.T) {
	repo, mock, done := newSessionRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE upload_sessions").
		WithArgs("s1", "failed", "Chunk 1 missing for upload s1", sqlmock.AnyArg(), "completed", "failed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkFailed(context.Background(), "s1", "Chunk 1 missing for upload s1"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetExtractionStatusUnknownSession(t *testing.T) {
	repo, mock, done := newSessionRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE upload_sessions").
		WithArgs("nope", "queued", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetExtractionStatus(context.Background(), "nope", domain.ExtractionQueued, "", "")
	if !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListByIDsBuildsPlaceholders(t *testing.T) {
	repo, mock, done := newSessionRepoWithMock(t)
	defer done()

	rows := sessionRow("a", 1, 1, domain.UploadCompleted)
	mock.ExpectQuery(`WHERE id IN \(\$1,\$2\)`).
		WithArgs("a", "b").
		WillReturnRows(rows)

	got, err := repo.ListByIDs(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("ListByIDs() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" || got[0].Status != domain.UploadCompleted {
		t.Fatalf("unexpected sessions: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListByIDsEmptySkipsQuery(t *testing.T) {
	repo, mock, done := newSessionRepoWithMock(t)
	defer done()

	got, err := repo.ListByIDs(context.Background(), nil)
	if err != nil || got != nil {
		t.Fatalf("expected nil result, got %v %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIncrementProcessedIsSingleAtomicUpdate(t *testing.T) {
	repo, mock, done := newSessionRepoWithMock(t)
	defer done()

	mock.ExpectExec(`SET processed_files = processed_files \+ 1`).
		WithArgs("s1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.IncrementProcessed(context.Background(), "s1"); err != nil {
		t.Fatalf("IncrementProcessed() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCountsReadsCounters(t *testing.T) {
	repo, mock, done := newSessionRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, total_files_to_process, processed_files").
		WithArgs("a", "b").
		WillReturnRows(sqlmock.NewRows([]string{"id", "total_files_to_process", "processed_files"}).
			AddRow("a", 10, 4).
			AddRow("b", 5, 5))

	counts, err := repo.Counts(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts["a"].Total != 10 || counts["a"].Processed != 4 || counts["b"].Processed != 5 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
