package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWorkersDefaultsToNumCPUWhenUnset(t *testing.T) {
	cfg, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cfg.Workers() <= 0 {
		t.Errorf("expected a positive default worker count, got %d", cfg.Workers())
	}
}

func TestCatalogPathFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("catalog_path: /data/catalog.db\nworkers: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := New(configPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cfg.CatalogPath() != "/data/catalog.db" {
		t.Errorf("expected catalog path from file, got %q", cfg.CatalogPath())
	}
	if cfg.Workers() != 4 {
		t.Errorf("expected workers=4 from file, got %d", cfg.Workers())
	}
}

func TestEnvVarOverridesFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("catalog_path: /data/catalog.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HASHALL_CATALOG_PATH", "/env/catalog.db")

	cfg, err := New(configPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cfg.CatalogPath() != "/env/catalog.db" {
		t.Errorf("expected env var to override file value, got %q", cfg.CatalogPath())
	}
}
