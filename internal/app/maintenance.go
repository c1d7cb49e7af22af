package app

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"cdist-go/internal/config"
	"cdist-go/internal/database"
	"cdist-go/internal/encryption"
	"cdist-go/internal/vault"
)

// The commands here run without a CDistApp: they either create what
// NewCDistApp requires or repair a catalog it would refuse to open.

// InitKeys generates the snapshot key pair, sealing the private key with
// passphrase. Existing keys are never overwritten.
func InitKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc.IsConfigured() {
		return fmt.Errorf("encryption keys already exist")
	}
	if err := enc.Setup(passphrase); err != nil {
		return fmt.Errorf("generating keys: %w", err)
	}
	return nil
}

// MigrateCatalog brings the catalog schema to the latest version.
func MigrateCatalog(cfg *config.Config) error {
	catalog, err := database.NewCatalogFromConfig(cfg.Database, cfg.CatalogID)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer catalog.Close()

	if err := catalog.Migrate(); err != nil {
		return fmt.Errorf("migrating catalog: %w", err)
	}
	return nil
}

// RestoreCatalog replaces the local catalog with the latest snapshot from
// the mirror and returns the snapshot's version. An existing catalog is
// only replaced when force is set.
func RestoreCatalog(ctx context.Context, cfg *config.Config, passphrase string, force bool) (int64, error) {
	if cfg.Database.Type != "sqlite" {
		return 0, fmt.Errorf("restore requires a sqlite catalog, got %q", cfg.Database.Type)
	}
	dest := database.CatalogPath(cfg.Database, cfg.CatalogID)
	if _, err := os.Stat(dest); err == nil && !force {
		return 0, fmt.Errorf("catalog already exists at %s (use --force to replace it)", dest)
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Mirror)
	if err != nil {
		return 0, fmt.Errorf("creating mirror: %w", err)
	}
	version, err := v.GetMetadataVersion(ctx, cfg.CatalogID, snapshotName)
	if err != nil {
		return 0, fmt.Errorf("checking mirror snapshot version: %w", err)
	}
	if version == 0 {
		return 0, fmt.Errorf("no catalog snapshot in mirror for %s", cfg.CatalogID)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return 0, fmt.Errorf("creating encryptor: %w", err)
	}
	dc, err := enc.Unlock(passphrase)
	if err != nil {
		return 0, fmt.Errorf("unlocking private key: %w", err)
	}

	var sealed bytes.Buffer
	if err := v.GetMetadata(ctx, cfg.CatalogID, snapshotName, &sealed); err != nil {
		return 0, fmt.Errorf("downloading catalog snapshot: %w", err)
	}

	if err := os.MkdirAll(cfg.Database.DataDir, 0755); err != nil {
		return 0, fmt.Errorf("creating data directory: %w", err)
	}
	tmp, err := os.CreateTemp(cfg.Database.DataDir, ".restore-*.db")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := dc.Decrypt(&sealed, tmp); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("decrypting catalog snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("writing restored catalog: %w", err)
	}

	if err := checkRestored(tmpPath); err != nil {
		return 0, err
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(dest + suffix)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, fmt.Errorf("installing restored catalog: %w", err)
	}
	return version, nil
}

// checkRestored opens a decrypted snapshot to make sure it is a catalog at
// the current schema version.
func checkRestored(path string) error {
	c, err := database.NewSQLiteCatalog(path, nil, nil)
	if err != nil {
		return fmt.Errorf("opening restored catalog: %w", err)
	}
	defer c.Close()
	if err := c.CheckMigrations(); err != nil {
		return fmt.Errorf("restored catalog is not usable: %w", err)
	}
	return nil
}
