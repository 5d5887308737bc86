package cas

import (
	"context"
	"sync"
)

// fakeBackend is an in-memory Backend used by tests; it never dials a real
// server, keeping the blob-client tests deterministic and network-free.
type fakeBackend struct {
	mu    sync.Mutex
	store map[string][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{store: map[string][]byte{}}
}

func (b *fakeBackend) FindMissing(ctx context.Context, hashes []string) (map[string]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	missing := map[string]bool{}
	for _, h := range hashes {
		if _, ok := b.store[h]; !ok {
			missing[h] = true
		}
	}
	return missing, nil
}

func (b *fakeBackend) BatchUpload(ctx context.Context, blobs []SmallBlob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, blob := range blobs {
		b.store[blob.Hash] = append([]byte{}, blob.Content...)
	}
	return nil
}

func (b *fakeBackend) BatchDownload(ctx context.Context, hashes []string) (map[string][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string][]byte{}
	for _, h := range hashes {
		out[h] = b.store[h]
	}
	return out, nil
}

func (b *fakeBackend) StreamUpload(ctx context.Context, hash string, size int64, r ByteReaderAt) error {
	data, err := r.ReadRange(0, size)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.store[hash] = data
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) StreamDownload(ctx context.Context, hash string, size int64, write func(offset int64, p []byte) error) error {
	b.mu.Lock()
	data := b.store[hash]
	b.mu.Unlock()
	return write(0, data)
}
