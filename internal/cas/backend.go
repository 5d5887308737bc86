package cas

import "context"

// A Backend is the minimal RPC surface the blob client needs from the
// remote content-addressable store. It is deliberately narrow: the actual
// transport, dialing, and retry/backoff policy are out of scope for this
// package (external collaborators per the coordinator design) and are
// supplied by internal/rpc's gRPC-backed implementation in production.
type Backend interface {
	// FindMissing returns the subset of the given hashes the server does
	// not already hold.
	FindMissing(ctx context.Context, hashes []string) (missing map[string]bool, err error)
	// BatchUpload stores a batch of small blobs in one round trip.
	BatchUpload(ctx context.Context, blobs []SmallBlob) error
	// BatchDownload fetches a batch of small blobs in one round trip.
	BatchDownload(ctx context.Context, hashes []string) (map[string][]byte, error)
	// StreamUpload uploads a single large blob via a streaming write.
	StreamUpload(ctx context.Context, hash string, size int64, r ByteReaderAt) error
	// StreamDownload fetches a single large blob via a streaming read,
	// invoking write for each contiguous segment received.
	StreamDownload(ctx context.Context, hash string, size int64, write func(offset int64, p []byte) error) error
}

// SmallBlob is a hash/content pair for the batch RPCs.
type SmallBlob struct {
	Hash    string
	Content []byte
}

// ByteReaderAt lets StreamUpload read a specific byte range without the
// backend needing to know whether the source is a file or an in-memory
// buffer.
type ByteReaderAt interface {
	ReadRange(offset, size int64) ([]byte, error)
}
