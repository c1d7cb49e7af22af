package database

import (
	"path/filepath"
	"testing"

	"cdist-go/internal/config"
)

func TestNewCatalogFromConfig(t *testing.T) {
	t.Run("memory catalog is migrated", func(t *testing.T) {
		got, err := NewCatalogFromConfig(config.DatabaseConfig{Type: "memory"}, "catalog-1")
		if err != nil {
			t.Fatalf("NewCatalogFromConfig() error = %v", err)
		}
		defer got.Close()

		if err := got.CheckMigrations(); err != nil {
			t.Errorf("CheckMigrations() error = %v", err)
		}
	})

	t.Run("sqlite catalog", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "db")
		cfg := config.DatabaseConfig{Type: "sqlite", DataDir: dir}

		got, err := NewCatalogFromConfig(cfg, "catalog-1")
		if err != nil {
			t.Fatalf("NewCatalogFromConfig() error = %v", err)
		}
		defer got.Close()

		if got.Path() != filepath.Join(dir, "catalog-1.db") {
			t.Errorf("Path() = %q, want %q", got.Path(), filepath.Join(dir, "catalog-1.db"))
		}
		if err := got.CheckMigrations(); err == nil {
			t.Error("CheckMigrations() on a fresh file catalog expected error, got nil")
		}
		if err := got.Migrate(); err != nil {
			t.Fatalf("Migrate() error = %v", err)
		}
		if err := got.CheckMigrations(); err != nil {
			t.Errorf("CheckMigrations() after Migrate error = %v", err)
		}
	})

	t.Run("sqlite catalog without data_dir", func(t *testing.T) {
		got, err := NewCatalogFromConfig(config.DatabaseConfig{Type: "sqlite"}, "catalog-1")
		if err == nil {
			t.Error("NewCatalogFromConfig() expected error for missing data_dir, got nil")
		}
		if got != nil {
			t.Error("NewCatalogFromConfig() should return nil on error")
			got.Close()
		}
	})

	t.Run("unknown database type", func(t *testing.T) {
		got, err := NewCatalogFromConfig(config.DatabaseConfig{Type: "postgres"}, "catalog-1")
		if err == nil {
			t.Error("NewCatalogFromConfig() expected error for unknown type, got nil")
		}
		if got != nil {
			t.Error("NewCatalogFromConfig() should return nil on error")
			got.Close()
		}
	})
}
