package s3

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

func TestClassifyS3Error(t *testing.T) {
	slow := minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}
	if c := classifyS3Error(slow); !c.Retryable {
		t.Fatalf("expected SlowDown to be retryable, got %+v", c)
	}

	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	if c := classifyS3Error(denied); c.Retryable {
		t.Fatalf("expected AccessDenied not to be retryable, got %+v", c)
	}

	if c := classifyS3Error(context.Canceled); c.Retryable || c.RecordFailure {
		t.Fatalf("expected cancellation to be ignored, got %+v", c)
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}) {
		t.Fatalf("expected NoSuchKey to be not found")
	}
	if isNotFound(nil) {
		t.Fatalf("nil must not be not found")
	}
	if isNotFound(errors.New("dial tcp: refused")) {
		t.Fatalf("plain error must not be not found")
	}
}

func TestWrapTemporaryIfNeeded(t *testing.T) {
	err := wrapTemporaryIfNeeded("s3_put_object", minio.ErrorResponse{Code: "InternalError", StatusCode: http.StatusInternalServerError})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary kind, got %v", err)
	}
	err = wrapTemporaryIfNeeded("s3_put_object", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden})
	if !domain.IsKind(err, domain.ErrStorage) {
		t.Fatalf("expected storage kind, got %v", err)
	}
	if wrapTemporaryIfNeeded("op", nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestContentType(t *testing.T) {
	if got := contentType("mangas/2026/10/c_1_tok_01.PNG"); got != "image/png" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := contentType("scans/s/c_chapter.qqz"); got != "application/octet-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{Endpoint: "localhost:9000"}, nil); err == nil {
		t.Fatalf("expected error for empty bucket")
	}
}
