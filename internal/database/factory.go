package database

import (
	"fmt"
	"os"
	"path/filepath"

	"cdist-go/internal/config"
)

// NewCatalogFromConfig opens the catalog described by cfg. In-memory
// catalogs are migrated immediately since they start empty on every run;
// file catalogs are migrated by `cdist catalog migrate`.
func NewCatalogFromConfig(cfg config.DatabaseConfig, catalogID string) (*SQLiteCatalog, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteCatalog(CatalogPath(cfg, catalogID), nil, nil)
	case "memory":
		c, err := NewSQLiteCatalog(":memory:", nil, nil)
		if err != nil {
			return nil, err
		}
		if err := c.Migrate(); err != nil {
			c.Close()
			return nil, fmt.Errorf("migrating in-memory catalog: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

// CatalogPath returns the database file used for a sqlite catalog.
func CatalogPath(cfg config.DatabaseConfig, catalogID string) string {
	return filepath.Join(cfg.DataDir, catalogID+".db")
}
