package domain

import (
	"path/filepath"
	"strings"
)

// ArchiveFormat is resolved once from the source name and never re-sniffed.
type ArchiveFormat int

const (
	FormatUnsupported ArchiveFormat = iota
	FormatPDF
	FormatZipLike
	FormatRarLike
	FormatRawImage
)

func (f ArchiveFormat) String() string {
	switch f {
	case FormatPDF:
		return "pdf"
	case FormatZipLike:
		return "zip"
	case FormatRarLike:
		return "rar"
	case FormatRawImage:
		return "image"
	default:
		return "unsupported"
	}
}

// ResolveFormat maps a file name to its container format by extension.
func ResolveFormat(name string) ArchiveFormat {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return FormatPDF
	case ".zip", ".cbz", ".epub":
		return FormatZipLike
	case ".rar", ".cbr":
		return FormatRarLike
	case ".jpg", ".jpeg", ".png", ".webp":
		return FormatRawImage
	default:
		return FormatUnsupported
	}
}

// IsPageImage reports whether an archive entry name is a page image.
func IsPageImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".webp":
		return true
	default:
		return false
	}
}

// Locator identifies where a task's bytes live inside the source without
// holding them: an entry name for containers, a page and image index for PDFs.
type Locator struct {
	Entry      string `json:"entry,omitempty"`
	PDFPage    int    `json:"pdf_page,omitempty"`
	ImageIndex int    `json:"image_index,omitempty"`
}

// ExtractionTask maps one source image to one output page.
type ExtractionTask struct {
	Ordinal    int
	Locator    Locator
	OutputName string
}

type ExtractionResult struct {
	ChapterID    string
	PagesWritten int
	Err          error
}
