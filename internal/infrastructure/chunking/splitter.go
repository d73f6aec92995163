// Package chunking plans how a file is cut into upload parts.
package chunking

const DefaultChunkSize = 5 << 20

// Part is one byte range of the source, sent as chunk Index.
type Part struct {
	Index  int
	Offset int64
	Length int64
}

type Splitter struct {
	ChunkSize int64
}

func NewSplitter(chunkSize int64) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Splitter{ChunkSize: chunkSize}
}

// Split covers [0,size) with consecutive parts of at most ChunkSize bytes.
// An empty source still yields one empty part so the upload has a chunk 0.
func (s *Splitter) Split(size int64) []Part {
	if size <= 0 {
		return []Part{{Index: 0}}
	}
	count := (size + s.ChunkSize - 1) / s.ChunkSize
	out := make([]Part, 0, count)
	for offset := int64(0); offset < size; offset += s.ChunkSize {
		length := s.ChunkSize
		if offset+length > size {
			length = size - offset
		}
		out = append(out, Part{Index: len(out), Offset: offset, Length: length})
	}
	return out
}
