package compilerinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compilecoord/compilecoord/internal/pathhash"
)

func writeCompiler(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0755))
	return path
}

func newTestInfo(t *testing.T, path string) *Info {
	t.Helper()
	stat := pathhash.Stat(path)
	return &Info{
		LocalPath: path,
		RealPath:  path,
		LocalStat: stat,
		RealStat:  stat,
		Version:   "1.0",
		Predefined: map[string]string{"__GNUC__": "9"},
	}
}

func TestStoreAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := writeCompiler(t, dir, "cc")
	c := New()
	key := Key{LocalPath: path, Lang: "c"}
	h := c.Store(key, newTestInfo(t, path))
	defer h.Release()

	got, ok := c.Lookup(key)
	require.True(t, ok)
	defer got.Release()
	assert.Equal(t, path, got.Info().RealPath)
}

func TestLookupMissesAfterFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeCompiler(t, dir, "cc")
	c := New()
	key := Key{LocalPath: path, Lang: "c"}
	c.Store(key, newTestInfo(t, path))

	// Touch the file with new (differently sized) content so its FileStat
	// changes; the entry has no stored content hash to promote against.
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho changed-to-something-longer\n"), 0755))

	_, ok := c.Lookup(key)
	assert.False(t, ok)
}

func TestStoreAliasesIdenticalSerializedData(t *testing.T) {
	dir := t.TempDir()
	path := writeCompiler(t, dir, "cc")
	c := New()
	key1 := Key{LocalPath: path, Lang: "c"}
	key2 := Key{LocalPath: path, Lang: "c", Cwd: "/somewhere"}

	info1 := newTestInfo(t, path)
	h1 := c.Store(key1, info1)
	defer h1.Release()

	info2 := newTestInfo(t, path) // identical content -> same SerializedHash
	h2 := c.Store(key2, info2)
	defer h2.Release()

	assert.Same(t, h1.entry, h2.entry, "aliased keys should share the same entry")
}

func TestDisablePropagatesToSameBinary(t *testing.T) {
	dir := t.TempDir()
	path := writeCompiler(t, dir, "cc")
	c := New()

	h1 := c.Store(Key{LocalPath: path, Lang: "c"}, newTestInfo(t, path))
	defer h1.Release()
	info2 := newTestInfo(t, path)
	info2.Target = "other-target" // differs, so it won't be aliased
	h2 := c.Store(Key{LocalPath: path, Lang: "c++"}, info2)
	defer h2.Release()

	c.Disable(h1, "server rejected compiler identity")
	assert.True(t, h1.Info().Disabled())
	assert.True(t, h2.Info().Disabled(), "disablement must propagate to other records for the same binary")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeCompiler(t, dir, "cc")
	c := New()
	key := Key{LocalPath: path, Lang: "c"}
	c.Store(key, newTestInfo(t, path))

	cachePath := filepath.Join(dir, "compilerinfo.cache")
	require.NoError(t, c.Save(cachePath))

	c2 := Load(cachePath)
	h, ok := c2.Lookup(key)
	require.True(t, ok)
	defer h.Release()
	assert.Equal(t, "1.0", h.Info().Version)
}

func TestLoadRejectsMismatchedRevision(t *testing.T) {
	dir := t.TempDir()
	path := writeCompiler(t, dir, "cc")
	c := New()
	key := Key{LocalPath: path, Lang: "c"}
	c.Store(key, newTestInfo(t, path))
	cachePath := filepath.Join(dir, "compilerinfo.cache")
	require.NoError(t, c.Save(cachePath))

	old := BuiltRevision
	BuiltRevision = "different-revision"
	defer func() { BuiltRevision = old }()

	c2 := Load(cachePath)
	_, ok := c2.Lookup(key)
	assert.False(t, ok)
}

func TestInvalidateDropsEntries(t *testing.T) {
	dir := t.TempDir()
	path := writeCompiler(t, dir, "cc")
	c := New()
	key := Key{LocalPath: path, Lang: "c"}
	h := c.Store(key, newTestInfo(t, path))
	h.Release()

	c.Invalidate()

	_, ok := c.Lookup(key)
	assert.False(t, ok)
}
