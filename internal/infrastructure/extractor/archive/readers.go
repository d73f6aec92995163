package archive

import (
	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
	"github.com/mangaanimeden/chapter-ingest/internal/core/ports"
)

// Readers returns the reader for every supported source format.
func Readers() map[domain.ArchiveFormat]ports.ArchiveReader {
	zipReader := NewZipReader()
	return map[domain.ArchiveFormat]ports.ArchiveReader{
		domain.FormatZipLike:  zipReader,
		domain.FormatRarLike:  NewRarReader(zipReader),
		domain.FormatPDF:      NewPDFReader(),
		domain.FormatRawImage: NewRawImageReader(),
	}
}
