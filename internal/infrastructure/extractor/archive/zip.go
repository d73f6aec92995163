package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

const (
	macMetadataPrefix = "__MACOSX"
	// maxEntryBytes bounds the bytes a worker holds for one page.
	maxEntryBytes = 256 << 20
)

// ZipReader serves ZIP, CBZ and EPUB containers.
type ZipReader struct{}

func NewZipReader() *ZipReader {
	return &ZipReader{}
}

func (r *ZipReader) List(_ context.Context, archivePath string) ([]domain.ExtractionTask, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		names = append(names, f.Name)
	}
	return pageTasks(names), nil
}

func (r *ZipReader) Read(_ context.Context, archivePath string, task domain.ExtractionTask) ([]byte, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != task.Locator.Entry {
			continue
		}
		if f.UncompressedSize64 > maxEntryBytes {
			return nil, fmt.Errorf("zip entry %s exceeds %d bytes", f.Name, maxEntryBytes)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}
		defer rc.Close()
		return readEntry(rc, f.Name)
	}
	return nil, fmt.Errorf("zip entry %s not found", task.Locator.Entry)
}

// pageTasks keeps page images outside the macOS metadata folder and orders
// them by plain byte-wise name comparison.
func pageTasks(names []string) []domain.ExtractionTask {
	pages := make([]string, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, macMetadataPrefix) || !domain.IsPageImage(name) {
			continue
		}
		pages = append(pages, name)
	}
	slices.Sort(pages)

	tasks := make([]domain.ExtractionTask, len(pages))
	for i, name := range pages {
		tasks[i] = domain.ExtractionTask{
			Ordinal:    i,
			Locator:    domain.Locator{Entry: name},
			OutputName: path.Base(name),
		}
	}
	return tasks
}

func readEntry(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", name, err)
	}
	if len(data) > maxEntryBytes {
		return nil, fmt.Errorf("entry %s exceeds %d bytes", name, maxEntryBytes)
	}
	return data, nil
}
