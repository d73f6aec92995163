package httpadapter

import (
	"errors"
	"net/http"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidRequest),
		domain.IsKind(err, domain.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrSessionNotFound),
		domain.IsKind(err, domain.ErrChapterNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrMissingChunk),
		domain.IsKind(err, domain.ErrInvalidState):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage keeps the missing chunk text exact and hides internal detail
// behind a generic message for 5xx responses.
func errorMessage(err error) string {
	var missing *domain.MissingChunkError
	if errors.As(err, &missing) {
		return missing.Error()
	}
	switch mapErrorToHTTPStatus(err) {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	default:
		return err.Error()
	}
}
