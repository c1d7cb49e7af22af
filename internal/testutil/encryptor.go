package testutil

import (
	"cdist-go/internal/cdist"
	"cdist-go/internal/encryption"
)

// NewTestEncryptor returns a deterministic encryptor for tests.
func NewTestEncryptor() cdist.Encryptor {
	return encryption.NewMarkerEncryptor()
}
