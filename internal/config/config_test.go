package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigurationIsUsable(t *testing.T) {
	cfg := DefaultConfiguration()
	if cfg.Pool.Workers <= 0 {
		t.Fatal("Pool.Workers must default to a positive value")
	}
	if cfg.Cache.Dir == "" {
		t.Fatal("Cache.Dir must have a default")
	}
	if cfg.Retry.MaxExecAttempts <= 0 {
		t.Fatal("Retry.MaxExecAttempts must have a default")
	}
}

func TestReadConfigFilesMergesCascade(t *testing.T) {
	dir := t.TempDir()
	repo := filepath.Join(dir, FileName)
	local := filepath.Join(dir, LocalFileName)

	if err := os.WriteFile(repo, []byte("[pool]\nworkers = 3\n\n[blob]\nurl = https://example.test\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}
	if err := os.WriteFile(local, []byte("[pool]\nworkers = 7\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}

	cfg, err := ReadConfigFiles([]string{repo, local})
	if err != nil {
		t.Fatalf("ReadConfigFiles: %s", err)
	}
	if cfg.Pool.Workers != 7 {
		t.Fatalf("Pool.Workers = %d, want 7 (local override should win)", cfg.Pool.Workers)
	}
	if string(cfg.Blob.URL) != "https://example.test" {
		t.Fatalf("Blob.URL = %q, want %q", cfg.Blob.URL, "https://example.test")
	}
}

func TestReadConfigFilesMissingFileIsNotAnError(t *testing.T) {
	if _, err := ReadConfigFiles([]string{"/nonexistent/compilecoordrc"}); err != nil {
		t.Fatalf("ReadConfigFiles should tolerate a missing file, got: %s", err)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := DefaultConfiguration()
	err := cfg.ApplyOverrides(map[string]string{
		"pool.workers":        "12",
		"hermetic.enabled":    "true",
		"cache.dir":           "/tmp/cc-cache",
		"retry.slowthreshold": "2s",
	})
	if err != nil {
		t.Fatalf("ApplyOverrides: %s", err)
	}
	if cfg.Pool.Workers != 12 {
		t.Fatalf("Pool.Workers = %d, want 12", cfg.Pool.Workers)
	}
	if !cfg.Hermetic.Enabled {
		t.Fatal("Hermetic.Enabled should be true")
	}
	if cfg.Cache.Dir != "/tmp/cc-cache" {
		t.Fatalf("Cache.Dir = %q, want /tmp/cc-cache", cfg.Cache.Dir)
	}
}

func TestApplyOverridesRejectsUnknownField(t *testing.T) {
	cfg := DefaultConfiguration()
	if err := cfg.ApplyOverrides(map[string]string{"pool.bogus": "1"}); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestApplyOverridesRejectsMalformedKey(t *testing.T) {
	cfg := DefaultConfiguration()
	if err := cfg.ApplyOverrides(map[string]string{"workers": "1"}); err == nil {
		t.Fatal("expected an error for a key with no section")
	}
}
