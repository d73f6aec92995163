package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrSessionNotFound   = errors.New("upload session not found")
	ErrChapterNotFound   = errors.New("chapter not found")
	ErrMissingChunk      = errors.New("missing chunk")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrStorage           = errors.New("storage failure")
	ErrInvalidState      = errors.New("invalid state")
	ErrTemporary         = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// MissingChunkError reports the first absent part found during assembly.
type MissingChunkError struct {
	SessionID string
	Index     int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("Chunk %d missing for upload %s", e.Index, e.SessionID)
}

func (e *MissingChunkError) Is(target error) bool {
	return target == ErrMissingChunk
}

// ExtractionError aborts the page replacement of one chapter.
type ExtractionError struct {
	ChapterID string
	Cause     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for chapter %s: %v", e.ChapterID, e.Cause)
}

func (e *ExtractionError) Is(target error) bool {
	return target == ErrExtractionFailed
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}
