package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nwaples/rardecode/v2"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

// errFormatMismatch marks a source that could not be opened as RAR at all,
// as opposed to a RAR archive that is damaged further in.
var errFormatMismatch = errors.New("not a rar container")

// RarReader serves RAR and CBR containers. Sources that do not open as RAR
// are read as ZIP, since mislabeled ZIP-compressed comics are common.
type RarReader struct {
	fallback *ZipReader
}

func NewRarReader(fallback *ZipReader) *RarReader {
	if fallback == nil {
		fallback = NewZipReader()
	}
	return &RarReader{fallback: fallback}
}

func (r *RarReader) List(ctx context.Context, archivePath string) ([]domain.ExtractionTask, error) {
	var names []string
	err := walkRar(archivePath, func(h *rardecode.FileHeader, _ io.Reader) (bool, error) {
		if !h.IsDir {
			names = append(names, h.Name)
		}
		return true, nil
	})
	if errors.Is(err, errFormatMismatch) {
		return r.fallback.List(ctx, archivePath)
	}
	if err != nil {
		return nil, err
	}
	return pageTasks(names), nil
}

func (r *RarReader) Read(ctx context.Context, archivePath string, task domain.ExtractionTask) ([]byte, error) {
	var data []byte
	found := false
	err := walkRar(archivePath, func(h *rardecode.FileHeader, body io.Reader) (bool, error) {
		if h.IsDir || h.Name != task.Locator.Entry {
			return true, nil
		}
		found = true
		var err error
		data, err = readEntry(body, h.Name)
		return false, err
	})
	if errors.Is(err, errFormatMismatch) {
		return r.fallback.Read(ctx, archivePath, task)
	}
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("rar entry %s not found", task.Locator.Entry)
	}
	return data, nil
}

// walkRar visits headers in archive order until visit returns false.
func walkRar(archivePath string, visit func(*rardecode.FileHeader, io.Reader) (bool, error)) error {
	rc, err := rardecode.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", errFormatMismatch, err)
	}
	defer rc.Close()

	first := true
	for {
		h, err := rc.Next()
		switch {
		case err != nil && first:
			// No header could be read, so this is not a RAR container.
			return fmt.Errorf("%w: %v", errFormatMismatch, err)
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("read rar header: %w", err)
		}
		first = false

		more, err := visit(h, rc)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}
