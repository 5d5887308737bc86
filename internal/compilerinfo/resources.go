package compilerinfo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/compilecoord/compilecoord/internal/pathhash"
	"github.com/compilecoord/compilecoord/internal/shellsplit"
)

// manifestClient retries transient failures fetching auxiliary resource
// manifests (e.g. an SDKSettings.json served by a toolchain distribution
// service rather than read off local disk); its own logger is disabled, so
// individual retries are not logged, only a fetch that finally fails.
var manifestClient = func() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = 3
	return c
}()

// fetchManifest downloads an http(s) resource manifest URL to dest,
// retrying transient failures. Used by a Discover implementation when
// driver output names a manifest resource that lives behind an auxiliary
// HTTP service rather than on the local sysroot.
func fetchManifest(ctx context.Context, url, dest string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := manifestClient.Do(req)
	if err != nil {
		return fmt.Errorf("compilerinfo: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("compilerinfo: fetching %s: status %s", url, resp.Status)
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

func statOf(info os.FileInfo) pathhash.FileStat {
	return pathhash.FromFileInfo(info)
}

var (
	gccInstallRe  = regexp.MustCompile(`Selected GCC installation:\s*(\S+)`)
	multilibRe    = regexp.MustCompile(`Selected multilib:\s*(\S+)`)
	ignorelistRe  = regexp.MustCompile(`-f(?:sanitize-ignorelist|sanitize-blacklist)=(\S+)`)
	profileListRe = regexp.MustCompile(`-fprofile-list=(\S+)`)
	isysrootRe    = regexp.MustCompile(`-isysroot\s+(\S+)`)
	resourceDirRe = regexp.MustCompile(`-resource-dir\s+(\S+)`)
)

// resolveSymlink follows path up to maxDepth symlink hops and returns the
// final target. It does not validate that the target exists beyond
// readlink succeeding.
func resolveSymlink(path string, maxDepth int) (string, error) {
	cur := path
	for i := 0; i < maxDepth; i++ {
		info, err := os.Lstat(cur)
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return cur, nil
		}
		target, err := os.Readlink(cur)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(cur), target)
		}
		cur = target
	}
	return "", fmt.Errorf("compilerinfo: symlink chain for %s exceeds %d levels", path, maxDepth)
}

// ParseDriverOutput extracts resource-relevant file paths from a compiler
// driver's `-###`/`-v` output (§4.3 "Resource discovery"): the GCC
// installation's crtbegin.o, sanitizer ignorelists (current and legacy
// flag names), profile lists, the sysroot's SDKSettings.json, and the
// resource directory.
func ParseDriverOutput(output string) []string {
	var paths []string
	if m := gccInstallRe.FindStringSubmatch(output); m != nil {
		if ml := multilibRe.FindStringSubmatch(output); ml != nil {
			paths = append(paths, filepath.Join(m[1], ml[1], "crtbegin.o"))
		}
	}
	for _, m := range ignorelistRe.FindAllStringSubmatch(output, -1) {
		paths = append(paths, m[1])
	}
	for _, m := range profileListRe.FindAllStringSubmatch(output, -1) {
		paths = append(paths, m[1])
	}
	if m := isysrootRe.FindStringSubmatch(output); m != nil {
		paths = append(paths, filepath.Join(m[1], "SDKSettings.json"))
	}
	if m := resourceDirRe.FindStringSubmatch(output); m != nil {
		paths = append(paths, m[1])
	}
	return paths
}

// TokenizeCommandLine splits a driver-emitted command line (from -### or a
// linker script / collect2 invocation) into argv-style tokens, honouring
// shell quoting the way the compiler driver itself would have emitted it.
func TokenizeCommandLine(line string) ([]string, error) {
	return shellsplit.Split(line)
}

// discoverResources stats (and, for symlinks, resolves) each discovered
// resource path, building the Resource list an Info record carries. The
// symlink record is placed before its target in the returned slice,
// mirroring §4.3's ordering requirement. A path that is itself an http(s)
// URL (a manifest served by an auxiliary toolchain-distribution service,
// rather than present on the local sysroot) is first fetched into
// manifestCacheDir and then treated as that local file.
func discoverResources(ctx context.Context, paths []string, manifestCacheDir string) []Resource {
	var resources []Resource
	for _, p := range paths {
		if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
			dest := filepath.Join(manifestCacheDir, pathhash.HashHex([]byte(p))+filepath.Ext(p))
			if _, err := os.Stat(dest); err != nil {
				if err := fetchManifest(ctx, p, dest); err != nil {
					log.Warning("fetching resource manifest %s: %s", p, err)
					continue
				}
			}
			p = dest
		}
		info, err := os.Lstat(p)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := resolveSymlink(p, 8)
			if err != nil {
				continue
			}
			resources = append(resources, Resource{Path: p, IsSymlink: true, Target: target})
			if tinfo, err := os.Lstat(target); err == nil {
				resources = append(resources, Resource{Path: target, Stat: statOf(tinfo)})
			}
			continue
		}
		resources = append(resources, Resource{Path: p, Stat: statOf(info)})
	}
	return resources
}
