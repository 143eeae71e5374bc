package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
store:
  sqlite_path: "./test.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Server.Addr)
	}
	if cfg.RateLimit.Backend != "memory" {
		t.Fatalf("expected default memory backend, got %q", cfg.RateLimit.Backend)
	}
	if cfg.AccessLog.Shards != 4 {
		t.Fatalf("expected default shard count 4, got %d", cfg.AccessLog.Shards)
	}
}

func TestLoadRejectsRedisBackendWithoutAddr(t *testing.T) {
	path := writeTempConfig(t, `
rate_limit:
  backend: "redis"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for redis backend without addr")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeTempConfig(t, `
rate_limit:
  backend: "kafka"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown backend")
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
