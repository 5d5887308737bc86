package compilerinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDriverOutputExtractsResourcePaths(t *testing.T) {
	out := `Selected GCC installation: /usr/lib/gcc/x86_64-linux-gnu/11
Selected multilib: .
 -fsanitize-ignorelist=/etc/sanitizer.txt -isysroot /sysroot -resource-dir /usr/lib/clang/15`
	paths := ParseDriverOutput(out)
	assert.Contains(t, paths, filepath.Join("/usr/lib/gcc/x86_64-linux-gnu/11", ".", "crtbegin.o"))
	assert.Contains(t, paths, "/etc/sanitizer.txt")
	assert.Contains(t, paths, filepath.Join("/sysroot", "SDKSettings.json"))
	assert.Contains(t, paths, "/usr/lib/clang/15")
}

func TestDiscoverResourcesFetchesHTTPManifestIntoCacheDir(t *testing.T) {
	const body = `{"CanonicalName": "macosx15.0"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	resources := discoverResources(context.Background(), []string{srv.URL + "/SDKSettings.json"}, cacheDir)
	require.Len(t, resources, 1)

	got, err := os.ReadFile(resources[0].Path)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	assert.True(t, filepath.Dir(resources[0].Path) == filepath.Clean(cacheDir))
}

func TestDiscoverResourcesReusesCachedManifestWithoutRefetching(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("v1"))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	url := srv.URL + "/manifest.json"
	discoverResources(context.Background(), []string{url}, cacheDir)
	discoverResources(context.Background(), []string{url}, cacheDir)

	assert.Equal(t, 1, hits, "a manifest already present in the cache dir should not be re-fetched")
}

func TestDiscoverResourcesSkipsManifestOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	resources := discoverResources(context.Background(), []string{srv.URL + "/missing.json"}, cacheDir)
	assert.Empty(t, resources)
}

func TestDiscoverResourcesHandlesLocalSymlinkChain(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.txt")
	require.NoError(t, os.WriteFile(target, []byte("data"), 0644))
	link := filepath.Join(dir, "link.txt")
	require.NoError(t, os.Symlink(target, link))

	resources := discoverResources(context.Background(), []string{link}, dir)
	require.Len(t, resources, 2)
	assert.True(t, resources[0].IsSymlink)
	assert.Equal(t, target, resources[0].Target)
	assert.Equal(t, target, resources[1].Path)
}
