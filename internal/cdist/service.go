package cdist

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"cdist-go/internal/model"
)

// AssetsDirectory is the reserved top-level directory holding shared asset
// objects. It is never treated as a client directory.
const AssetsDirectory = "assets"

const defaultVerifyConcurrency = 8

// VersionDefaults fill in descriptive fields of versions created on first
// scan when no profile supplies them.
type VersionDefaults struct {
	Title      string
	MainClass  string
	JvmVersion string
}

// Options configures a Service.
type Options struct {
	// UpdatesRoot is the directory holding one subdirectory per client bundle.
	UpdatesRoot string

	Defaults VersionDefaults

	// VerifyConcurrency bounds parallel file verification. Zero uses a default.
	VerifyConcurrency int
}

// Service coordinates scanning, reconciliation, verification and publishing
// of client bundles against the catalog.
type Service struct {
	catalog Catalog
	vault   Vault
	fsmgr   FilesystemManager
	sink    EventSink
	logger  Logger
	clock   Clock
	opts    Options
}

// NewService creates a Service. vault may be nil when publishing is not used;
// sink, logger and clock default to no-op or real implementations when nil.
func NewService(catalog Catalog, vault Vault, fsmgr FilesystemManager, sink EventSink, logger Logger, clock Clock, opts Options) *Service {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	if opts.VerifyConcurrency <= 0 {
		opts.VerifyConcurrency = defaultVerifyConcurrency
	}
	return &Service{
		catalog: catalog,
		vault:   vault,
		fsmgr:   fsmgr,
		sink:    sink,
		logger:  logger,
		clock:   clock,
		opts:    opts,
	}
}

// UpdatesRoot returns the configured distribution root.
func (s *Service) UpdatesRoot() string {
	return s.opts.UpdatesRoot
}

// ListVersions returns every cataloged version.
func (s *Service) ListVersions(ctx context.Context) ([]*model.ClientVersion, error) {
	versions, err := s.catalog.ListVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	return versions, nil
}

// SeedProfiles stores the given profiles, replacing any existing profile
// for the same client directory.
func (s *Service) SeedProfiles(ctx context.Context, profiles []*model.Profile) error {
	for _, p := range profiles {
		if err := validateClientDirectory(p.ClientDirectory); err != nil {
			return fmt.Errorf("profile %q: %w", p.Name, err)
		}
		if p.Version == "" {
			return fmt.Errorf("profile %q: version is required", p.Name)
		}
		if err := s.catalog.UpsertProfile(ctx, p); err != nil {
			return fmt.Errorf("storing profile %q: %w", p.Name, err)
		}
	}
	return nil
}

// clientDirPath returns the absolute directory of a client bundle.
func (s *Service) clientDirPath(clientDirectory string) string {
	return filepath.Join(s.opts.UpdatesRoot, filepath.FromSlash(clientDirectory))
}

// validateClientDirectory rejects names that would escape the updates root
// or collide with the shared assets directory.
func validateClientDirectory(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("client directory is empty")
	case name == AssetsDirectory:
		return fmt.Errorf("%q is reserved for shared assets", AssetsDirectory)
	case strings.ContainsAny(name, `/\`), name == ".", name == "..":
		return fmt.Errorf("invalid client directory %q", name)
	}
	return nil
}
