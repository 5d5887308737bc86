package depscache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compilecoord/compilecoord/internal/pathhash"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// fakeHasher returns a fixed directive hash per path, so tests can control
// exactly when a "content changed but directives didn't" recovery kicks in.
func fakeHasher(hashes map[string]string) DirectiveHasher {
	return func(path string) (string, error) {
		return hashes[path], nil
	}
}

func TestPutThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	hdr := filepath.Join(dir, "a.h")
	writeFile(t, hdr, "int x;")

	c := New()
	dep := ResolvedDep{Filename: hdr, FileStat: pathhash.Stat(hdr), DirectiveHash: "h1"}
	c.Put("task-1", []ResolvedDep{dep})

	got, ok := c.Get("task-1", nil)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, hdr, got[0].Filename)
	assert.Equal(t, "h1", got[0].DirectiveHash)
}

func TestGetMissesWhenFileContentChangesAndDirectiveHashDiffers(t *testing.T) {
	dir := t.TempDir()
	hdr := filepath.Join(dir, "a.h")
	writeFile(t, hdr, "int x;")

	c := New()
	dep := ResolvedDep{Filename: hdr, FileStat: pathhash.Stat(hdr), DirectiveHash: "h1"}
	c.Put("task-1", []ResolvedDep{dep})

	writeFile(t, hdr, "int x; // a trailing comment that changes the file stat") // stat changes
	hasher := fakeHasher(map[string]string{hdr: "h2"})                          // directives genuinely changed
	_, ok := c.Get("task-1", hasher)
	assert.False(t, ok)
}

func TestGetHitsWhenFileStatChangesButDirectiveHashStillMatches(t *testing.T) {
	dir := t.TempDir()
	hdr := filepath.Join(dir, "a.h")
	writeFile(t, hdr, "int x;")

	c := New()
	dep := ResolvedDep{Filename: hdr, FileStat: pathhash.Stat(hdr), DirectiveHash: "h1"}
	c.Put("task-1", []ResolvedDep{dep})

	writeFile(t, hdr, "int x;") // rewritten identically; mtime changes, directive content doesn't
	hasher := fakeHasher(map[string]string{hdr: "h1"})
	got, ok := c.Get("task-1", hasher)
	require.True(t, ok)
	require.Len(t, got, 1)
}

func TestGetMissesOnUnknownIdentifier(t *testing.T) {
	c := New()
	_, ok := c.Get("nope", nil)
	assert.False(t, ok)
}

func TestSaveDropsEntriesOlderThanAliveDuration(t *testing.T) {
	dir := t.TempDir()
	hdr := filepath.Join(dir, "a.h")
	writeFile(t, hdr, "int x;")

	c := New()
	old := func() time.Time { return time.Unix(0, 0) }
	c.now = old
	dep := ResolvedDep{Filename: hdr, FileStat: pathhash.Stat(hdr), DirectiveHash: "h1"}
	c.Put("stale-task", []ResolvedDep{dep})

	c.now = time.Now
	c.Put("fresh-task", []ResolvedDep{dep})

	cachePath := filepath.Join(dir, "deps.gob")
	require.NoError(t, c.Save(cachePath))

	loaded := Load(cachePath)
	_, ok := loaded.Get("stale-task", nil)
	assert.False(t, ok)
	_, ok = loaded.Get("fresh-task", nil)
	assert.True(t, ok)
}

func TestLoadRejectsMismatchedRevision(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "deps.gob")

	c := New()
	require.NoError(t, c.Save(cachePath))

	old := BuiltRevision
	BuiltRevision = "a-different-revision"
	defer func() { BuiltRevision = old }()

	loaded := Load(cachePath)
	assert.Equal(t, 0, len(loaded.entries))
}

func TestInvalidateDropsEntries(t *testing.T) {
	dir := t.TempDir()
	hdr := filepath.Join(dir, "a.h")
	writeFile(t, hdr, "int x;")

	c := New()
	dep := ResolvedDep{Filename: hdr, FileStat: pathhash.Stat(hdr), DirectiveHash: "h1"}
	c.Put("task-1", []ResolvedDep{dep})

	c.Invalidate()

	_, ok := c.Get("task-1", nil)
	assert.False(t, ok)
}
