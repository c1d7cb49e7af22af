package encryption

import (
	"fmt"

	"cdist-go/internal/cdist"
	"cdist-go/internal/config"
)

// NewEncryptorFromConfig selects the snapshot encryptor named by cfg.Type.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (cdist.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("age encryption requires public_key_path and private_key_path")
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewMarkerEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
