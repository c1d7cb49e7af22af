package vault

import (
	"context"
	"fmt"

	"cdist-go/internal/cdist"
	"cdist-go/internal/config"
)

// NewVaultFromConfig creates a Vault implementation based on the mirror config type.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (cdist.Vault, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryVault("mirror"), nil
	case "s3":
		return NewS3Vault(ctx, cfg)
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		return NewFileSystemVault("mirror", cfg.FSVaultRoot)
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
