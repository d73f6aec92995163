package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

// RawImageReader treats a single image file as a one-page source.
type RawImageReader struct{}

func NewRawImageReader() *RawImageReader {
	return &RawImageReader{}
}

func (r *RawImageReader) List(_ context.Context, imagePath string) ([]domain.ExtractionTask, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", imagePath)
	}
	name := filepath.Base(imagePath)
	return []domain.ExtractionTask{{
		Ordinal:    0,
		Locator:    domain.Locator{Entry: name},
		OutputName: name,
	}}, nil
}

func (r *RawImageReader) Read(_ context.Context, imagePath string, _ domain.ExtractionTask) ([]byte, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	return readEntry(f, filepath.Base(imagePath))
}
