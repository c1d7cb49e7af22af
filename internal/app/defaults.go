package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - CDIST_CONFIG_PATH: config file location (default: ~/.config/cdist.toml)
//   - CDIST_HOME: base directory for catalog, keys, logs and bundles (default: ~/.local/share/cdist)
func GetDefaults() (map[string]string, error) {
	configPath, err := envOrHome("CDIST_CONFIG_PATH", ".config", "cdist.toml")
	if err != nil {
		return nil, err
	}

	baseDir, err := envOrHome("CDIST_HOME", ".local", "share", "cdist")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path":  configPath,
		"base_dir":     baseDir,
		"log_dir":      filepath.Join(baseDir, "log"),
		"updates_root": filepath.Join(baseDir, "updates"),
	}, nil
}

// envOrHome returns the value of env when set, otherwise the given path
// below the user's home directory.
func envOrHome(env string, elem ...string) (string, error) {
	if p := os.Getenv(env); p != "" {
		return p, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, elem...)...), nil
}
