package cas

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestCreateFileBlobSmall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.txt")
	content := []byte("hello, world")
	require.NoError(t, os.WriteFile(path, content, 0644))

	c := New(newFakeBackend())
	blob, err := c.CreateFileBlob(context.Background(), path, true)
	require.NoError(t, err)
	assert.Equal(t, KindFile, blob.Kind)
	assert.Equal(t, content, blob.Content)
	assert.Equal(t, int64(len(content)), blob.FileSize)
}

func TestCreateFileBlobLargeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "large.bin")
	content := randomBytes(42, 5*1024*1024) // 5 MiB
	require.NoError(t, os.WriteFile(path, content, 0644))

	backend := newFakeBackend()
	c := New(backend)
	blob, err := c.CreateFileBlob(context.Background(), path, true)
	require.NoError(t, err)

	require.Equal(t, KindFileMeta, blob.Kind)
	require.Equal(t, int64(5*1024*1024), blob.FileSize)
	require.Len(t, blob.Chunks, 3)
	assert.Equal(t, []int64{0, 2097152, 4194304}, []int64{blob.Chunks[0].Offset, blob.Chunks[1].Offset, blob.Chunks[2].Offset})

	sink := NewMemorySink(blob.FileSize)
	require.NoError(t, c.OutputFileBlob(context.Background(), blob, sink))
	assert.Equal(t, content, sink.Bytes())
}

func TestOutputFileBlobFileRef(t *testing.T) {
	backend := newFakeBackend()
	backend.store["deadbeef"] = []byte("ref target")
	c := New(backend)
	blob := &FileBlob{Kind: KindFileRef, Hash: "deadbeef", FileSize: int64(len("ref target"))}

	sink := NewMemorySink(0)
	require.NoError(t, c.OutputFileBlob(context.Background(), blob, sink))
	assert.Equal(t, []byte("ref target"), sink.Bytes())
}

func TestOutputFileBlobRejectsTopLevelChunk(t *testing.T) {
	c := New(newFakeBackend())
	blob := &FileBlob{Kind: KindFileChunk, Content: []byte("x"), FileSize: 1}
	err := c.OutputFileBlob(context.Background(), blob, NewMemorySink(1))
	assert.Error(t, err)
}

func TestValidateFileMetaMismatch(t *testing.T) {
	blob := &FileBlob{
		Kind:     KindFileMeta,
		FileSize: 10,
		Chunks:   []Chunk{{Offset: 0, Size: 5}, {Offset: 5, Size: 4}}, // sums to 9, not 10
	}
	assert.Error(t, blob.Validate())
}

func TestValidateFileMetaNonContiguous(t *testing.T) {
	blob := &FileBlob{
		Kind:     KindFileMeta,
		FileSize: 10,
		Chunks:   []Chunk{{Offset: 0, Size: 5}, {Offset: 6, Size: 4}},
	}
	assert.Error(t, blob.Validate())
}
