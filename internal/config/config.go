package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for cdist.
type Config struct {
	CatalogID   string `toml:"catalog_id"`
	BaseDir     string `toml:"base_dir"`
	LogDir      string `toml:"log_dir"`
	UpdatesRoot string `toml:"updates_root"`

	Database   DatabaseConfig   `toml:"database"`
	Mirror     VaultConfig      `toml:"mirror"`
	Encryption EncryptionConfig `toml:"encryption"`
	Filesystem FilesystemConfig `toml:"filesystem"`
	Watch      WatchConfig      `toml:"watch"`
	Download   DownloadConfig   `toml:"download"`
	Loader     LoaderConfig     `toml:"loader"`
	Events     EventsConfig     `toml:"events"`
	Audit      AuditConfig      `toml:"audit"`
	Defaults   DefaultsConfig   `toml:"defaults"`
	Profiles   []ProfileConfig  `toml:"profiles"`
}

// EncryptionConfig holds paths to the age key pair used for catalog snapshots.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// VaultConfig represents configuration for the content mirror.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // S3-compatible stores such as MinIO

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig represents configuration for the catalog database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// WatchConfig controls the change watcher.
type WatchConfig struct {
	Debounce string `toml:"debounce"`  // Go duration, default 2s
	MaxDepth int    `toml:"max_depth"` // directory levels below the updates root, default 8
}

// DownloadConfig controls the download coordinator.
type DownloadConfig struct {
	ManifestURL   string `toml:"manifest_url"`
	ResourcesBase string `toml:"resources_base"`
	Concurrency   int    `toml:"concurrency"`
	Timeout       string `toml:"timeout"` // per request, Go duration
}

// LoaderConfig controls the mod-loader installer.
type LoaderConfig struct {
	JavaPath     string `toml:"java_path,omitempty"` // empty means discover
	Timeout      string `toml:"timeout"`
	PollInterval string `toml:"poll_interval"`
	PollAttempts int    `toml:"poll_attempts"`
}

// EventsConfig selects where catalog change events go.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type EventsConfig struct {
	Type    string `toml:"type"`              // "log" (default), "redis" or "none"
	Addr    string `toml:"addr,omitempty"`    // only used for type=redis
	Channel string `toml:"channel,omitempty"` // only used for type=redis
}

// AuditConfig schedules periodic verification while watching.
type AuditConfig struct {
	Schedule string `toml:"schedule,omitempty"` // cron spec; empty disables
}

// DefaultsConfig fills descriptive fields of versions created on first scan.
type DefaultsConfig struct {
	Title      string `toml:"title,omitempty"`
	MainClass  string `toml:"main_class,omitempty"`
	JvmVersion string `toml:"jvm_version,omitempty"`
}

// ProfileConfig binds a client directory to a version.
type ProfileConfig struct {
	Name            string `toml:"name"`
	ClientDirectory string `toml:"client_directory"`
	Version         string `toml:"version"`
	Title           string `toml:"title,omitempty"`
	MainClass       string `toml:"main_class,omitempty"`
	JvmVersion      string `toml:"jvm_version,omitempty"`
}

// Default values applied by NewConfig and by the duration accessors.
const (
	DefaultDebounce            = 2 * time.Second
	DefaultMaxDepth            = 8
	DefaultDownloadConcurrency = 20
	DefaultDownloadTimeout     = 60 * time.Second
	DefaultLoaderTimeout       = 5 * time.Minute
	DefaultPollInterval        = 500 * time.Millisecond
	DefaultPollAttempts        = 10
	DefaultManifestURL         = "https://piston-meta.mojang.com/mc/game/version_manifest_v2.json"
	DefaultResourcesBase       = "https://resources.download.minecraft.net"
)

// NewConfig creates a new Config with the provided values and defaults for everything else.
func NewConfig(catalogID, baseDir string) *Config {
	return &Config{
		CatalogID:   catalogID,
		BaseDir:     baseDir,
		LogDir:      filepath.Join(baseDir, "log"),
		UpdatesRoot: filepath.Join(baseDir, "updates"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Mirror: VaultConfig{
			Type:        "filesystem",
			FSVaultRoot: filepath.Join(baseDir, "mirror"),
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "cdist.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "cdist.key"),
		},
		Watch: WatchConfig{
			Debounce: DefaultDebounce.String(),
			MaxDepth: DefaultMaxDepth,
		},
		Download: DownloadConfig{
			ManifestURL:   DefaultManifestURL,
			ResourcesBase: DefaultResourcesBase,
			Concurrency:   DefaultDownloadConcurrency,
			Timeout:       DefaultDownloadTimeout.String(),
		},
		Loader: LoaderConfig{
			Timeout:      DefaultLoaderTimeout.String(),
			PollInterval: DefaultPollInterval.String(),
			PollAttempts: DefaultPollAttempts,
		},
		Events: EventsConfig{Type: "log"},
	}
}

// DebounceDuration returns the watcher debounce window.
func (c WatchConfig) DebounceDuration() (time.Duration, error) {
	return parseDuration("watch.debounce", c.Debounce, DefaultDebounce)
}

// TimeoutDuration returns the per-request download timeout.
func (c DownloadConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration("download.timeout", c.Timeout, DefaultDownloadTimeout)
}

// TimeoutDuration returns the installer process timeout.
func (c LoaderConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration("loader.timeout", c.Timeout, DefaultLoaderTimeout)
}

// PollIntervalDuration returns the delay between output polls.
func (c LoaderConfig) PollIntervalDuration() (time.Duration, error) {
	return parseDuration("loader.poll_interval", c.PollInterval, DefaultPollInterval)
}

// parseDuration parses a configured duration, using def when the value is empty.
func parseDuration(key, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, value)
	}
	return d, nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
