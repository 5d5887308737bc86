package cas

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/compilecoord/compilecoord/internal/pathhash"
)

var log = logging.MustGetLogger("cas")

// batchSize is the number of chunks streamed per request when store_large
// pipelining is in effect (§4.5).
const batchSize = 5

// A Client drives upload/download of FileBlobs against a Backend. It is
// re-entrant across tasks: a single upload or download is expected to be
// driven by one owning goroutine, but many Clients (or calls) may share the
// same Backend concurrently. The client does not retry; retry is the
// caller's responsibility (§4.1 FILE_REQ/FILE_RESP).
type Client struct {
	backend Backend
}

// New returns a Client bound to the given Backend.
func New(backend Backend) *Client {
	return &Client{backend: backend}
}

// fileReaderAt adapts an *os.File to ByteReaderAt for StreamUpload.
type fileReaderAt struct{ f *os.File }

func (r fileReaderAt) ReadRange(offset, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := r.f.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// CreateFileBlob builds and, if storeLarge, uploads a FileBlob for the file
// at path. Files under LargeFileThreshold become a single inline FILE blob;
// larger files become FILE_META with chunks uploaded in pipelined batches.
func (c *Client) CreateFileBlob(ctx context.Context, path string, storeLarge bool) (*FileBlob, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < LargeFileThreshold {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return BlobFromBytes(content), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	chunks := splitChunks(size)
	if err := c.hashChunks(f, chunks); err != nil {
		return nil, err
	}
	blob := &FileBlob{Kind: KindFileMeta, FileSize: size, Chunks: chunks}
	if storeLarge {
		if err := c.uploadChunksPipelined(ctx, fileReaderAt{f}, chunks); err != nil {
			return nil, err
		}
	}
	return blob, nil
}

func (c *Client) hashChunks(f *os.File, chunks []Chunk) error {
	buf := make([]byte, ChunkSize)
	for i := range chunks {
		n, err := f.ReadAt(buf[:chunks[i].Size], chunks[i].Offset)
		if err != nil && int64(n) != chunks[i].Size {
			return err
		}
		chunks[i].Hash = pathhash.HashHex(buf[:chunks[i].Size])
	}
	return nil
}

// uploadChunksPipelined uploads chunks in batches of batchSize. The next
// batch's bytes are read from disk (and, via FindMissing, filtered) while
// the previous batch's upload RPC is still in flight: a classic
// double-buffered pipeline with depth one.
func (c *Client) uploadChunksPipelined(ctx context.Context, r ByteReaderAt, chunks []Chunk) error {
	type batch struct {
		blobs []SmallBlob
	}
	prepared := make(chan batch, 1)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(prepared)
		for i := 0; i < len(chunks); i += batchSize {
			end := i + batchSize
			if end > len(chunks) {
				end = len(chunks)
			}
			group := chunks[i:end]
			hashes := make([]string, len(group))
			for j, ch := range group {
				hashes[j] = ch.Hash
			}
			missing, err := c.backend.FindMissing(ctx, hashes)
			if err != nil {
				return err
			}
			var b batch
			for _, ch := range group {
				if !missing[ch.Hash] {
					continue
				}
				data, err := r.ReadRange(ch.Offset, ch.Size)
				if err != nil {
					return err
				}
				b.blobs = append(b.blobs, SmallBlob{Hash: ch.Hash, Content: data})
			}
			select {
			case prepared <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for b := range prepared {
			if len(b.blobs) == 0 {
				continue
			}
			if err := c.backend.BatchUpload(ctx, b.blobs); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// A Sink receives downloaded bytes at arbitrary offsets. FileSink and
// MemorySink implement it for the two output-placement modes described in
// §3's ownership rules (tmp-file rename path vs. in-memory output path).
type Sink interface {
	WriteAt(offset int64, p []byte) error
}

// FileSink streams writes directly to a file on disk (the rename path).
type FileSink struct {
	f *os.File
}

// NewFileSink opens (creating) path for writing and returns a FileSink.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

// WriteAt implements Sink.
func (s *FileSink) WriteAt(offset int64, p []byte) error {
	_, err := s.f.WriteAt(p, offset)
	return err
}

// Close closes the underlying file.
func (s *FileSink) Close() error { return s.f.Close() }

// MemorySink accumulates output in memory, pre-allocated to the final size
// when known (the in-memory output path of §3's ownership rules).
type MemorySink struct {
	mu   sync.Mutex
	data []byte
}

// NewMemorySink pre-allocates a buffer of size bytes.
func NewMemorySink(size int64) *MemorySink {
	return &MemorySink{data: make([]byte, size)}
}

// WriteAt implements Sink.
func (s *MemorySink) WriteAt(offset int64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset+int64(len(p)) > int64(len(s.data)) {
		grown := make([]byte, offset+int64(len(p)))
		copy(grown, s.data)
		s.data = grown
	}
	copy(s.data[offset:], p)
	return nil
}

// Bytes returns the accumulated content.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// OutputFileBlob downloads blob into sink, dereferencing one FILE_REF hop
// if necessary. It validates the blob before writing anything.
func (c *Client) OutputFileBlob(ctx context.Context, blob *FileBlob, sink Sink) error {
	if err := blob.Validate(); err != nil {
		return err
	}
	switch blob.Kind {
	case KindFile:
		return sink.WriteAt(0, blob.Content)
	case KindFileMeta:
		return c.downloadChunksPipelined(ctx, blob.Chunks, sink)
	case KindFileRef:
		data, err := c.backend.BatchDownload(ctx, []string{blob.Hash})
		if err != nil {
			return err
		}
		content, ok := data[blob.Hash]
		if !ok {
			return fmt.Errorf("cas: FILE_REF target %s not found", blob.Hash)
		}
		return sink.WriteAt(0, content)
	default:
		return fmt.Errorf("cas: cannot download blob of kind %d", blob.Kind)
	}
}

func (c *Client) downloadChunksPipelined(ctx context.Context, chunks []Chunk, sink Sink) error {
	type batch struct {
		group []Chunk
		data  map[string][]byte
	}
	prepared := make(chan batch, 1)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(prepared)
		for i := 0; i < len(chunks); i += batchSize {
			end := i + batchSize
			if end > len(chunks) {
				end = len(chunks)
			}
			group := chunks[i:end]
			hashes := make([]string, len(group))
			for j, ch := range group {
				hashes[j] = ch.Hash
			}
			data, err := c.backend.BatchDownload(ctx, hashes)
			if err != nil {
				return err
			}
			select {
			case prepared <- batch{group: group, data: data}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for b := range prepared {
			for _, ch := range b.group {
				content, ok := b.data[ch.Hash]
				if !ok {
					return fmt.Errorf("cas: missing chunk %s in download response", ch.Hash)
				}
				if err := sink.WriteAt(ch.Offset, content); err != nil {
					return err
				}
			}
		}
		return nil
	})

	return g.Wait()
}
