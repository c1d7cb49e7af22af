package testutil

import (
	"cdist-go/internal/cdist"
	"cdist-go/internal/vault"
)

// NewTestVault creates a new in-memory vault for testing.
func NewTestVault() cdist.Vault {
	return vault.NewMemoryVault("test-vault")
}
