// Package cas implements the content-addressed blob-service client (§4.5):
// chunked upload/download of files identified by SHA-256, with streaming,
// double-buffered concurrency for large files.
package cas

import (
	"fmt"

	"github.com/compilecoord/compilecoord/internal/pathhash"
)

// Kind distinguishes the four FileBlob representations from the data model.
type Kind int

const (
	// KindFile is an inline blob: content is present and content size ==
	// FileSize.
	KindFile Kind = iota
	// KindFileMeta indexes an ordered list of chunk hashes whose sizes sum
	// to FileSize and whose offsets contiguously cover [0, FileSize).
	KindFileMeta
	// KindFileChunk is one piece of a FileMeta-indexed file; never valid as
	// a top-level blob.
	KindFileChunk
	// KindFileRef is a hash-only pointer to a FILE blob stored elsewhere.
	KindFileRef
)

// LargeFileThreshold is the size at/above which a file is uploaded as
// FILE_META with chunked content rather than a single inline FILE blob.
const LargeFileThreshold = 2 << 20 // 2 MiB

// ChunkSize is the size of each chunk referenced from a FILE_META blob.
const ChunkSize = 2 << 20 // 2 MiB

// Chunk is one piece of a FILE_META blob.
type Chunk struct {
	Hash   string
	Offset int64
	Size   int64
}

// FileBlob is the wire representation of a file transferred content-
// addressed, mirroring the data model's FileBlob exactly.
type FileBlob struct {
	Kind     Kind
	Offset   int64
	FileSize int64
	Content  []byte  // present for KindFile and KindFileChunk
	Hash     string  // content hash; always present except sometimes for KindFile pre-upload
	Chunks   []Chunk // KindFileMeta only, ordered, contiguous
}

// Validate checks the data-model invariants for a blob before it is acted
// on (uploaded, or written to a sink on download). It never touches the
// sink; callers must check Validate before writing anything.
func (b *FileBlob) Validate() error {
	if b.Offset < 0 || b.FileSize < 0 {
		return fmt.Errorf("cas: negative offset/size in blob")
	}
	switch b.Kind {
	case KindFile:
		if int64(len(b.Content)) != b.FileSize {
			return fmt.Errorf("cas: FILE blob content size %d != file-size %d", len(b.Content), b.FileSize)
		}
	case KindFileMeta:
		var sum int64
		for i, c := range b.Chunks {
			if c.Offset != sum {
				return fmt.Errorf("cas: FILE_META chunk %d offset %d is not contiguous (expected %d)", i, c.Offset, sum)
			}
			sum += c.Size
		}
		if sum != b.FileSize {
			return fmt.Errorf("cas: FILE_META chunk sizes sum to %d, want %d", sum, b.FileSize)
		}
	case KindFileChunk:
		return fmt.Errorf("cas: FILE_CHUNK is not a valid top-level blob")
	case KindFileRef:
		if b.Hash == "" {
			return fmt.Errorf("cas: FILE_REF blob has no hash")
		}
	default:
		return fmt.Errorf("cas: unknown blob kind %d", b.Kind)
	}
	return nil
}

// BlobFromBytes builds the appropriate FileBlob for a byte slice already in
// memory (e.g. a small -include file embedded straight into the request).
func BlobFromBytes(content []byte) *FileBlob {
	return &FileBlob{
		Kind:     KindFile,
		FileSize: int64(len(content)),
		Content:  content,
		Hash:     pathhash.HashHex(content),
	}
}

// splitChunks computes the chunk boundaries for a file of the given size,
// used by both the upload path (to know how to slice content) and tests
// (to check the "3 chunks for 5 MiB" scenario).
func splitChunks(size int64) []Chunk {
	var chunks []Chunk
	var offset int64
	for offset < size {
		n := int64(ChunkSize)
		if size-offset < n {
			n = size - offset
		}
		chunks = append(chunks, Chunk{Offset: offset, Size: n})
		offset += n
	}
	return chunks
}
