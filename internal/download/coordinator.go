package download

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"cdist-go/internal/cdist"
)

const (
	// DefaultManifestURL is the public launcher version manifest.
	DefaultManifestURL = "https://piston-meta.mojang.com/mc/game/version_manifest_v2.json"
	// DefaultResourcesBase serves asset objects by hash.
	DefaultResourcesBase = "https://resources.download.minecraft.net"
	// DefaultConcurrency bounds the asset and library pools.
	DefaultConcurrency = 20

	// AssetsDirectory holds the shared asset tree under the updates root.
	AssetsDirectory = cdist.AssetsDirectory

	librariesDir = "libraries"
	nativesDir   = "natives"
)

// Coordinator downloads client bundles into an updates root.
type Coordinator struct {
	updatesRoot   string
	httpClient    *http.Client
	manifestURL   string
	resourcesBase string
	userAgent     string
	concurrency   int
	platform      Platform
	logger        cdist.Logger
	progress      func(done, total int)

	requests atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient sets the client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Coordinator) { c.httpClient = hc }
}

// WithManifestURL overrides the version manifest location.
func WithManifestURL(u string) Option {
	return func(c *Coordinator) { c.manifestURL = u }
}

// WithResourcesBase overrides where asset objects are fetched from.
func WithResourcesBase(u string) Option {
	return func(c *Coordinator) { c.resourcesBase = strings.TrimRight(u, "/") }
}

// WithConcurrency bounds the download pools. Values below one are ignored.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithPlatform selects the platform libraries and natives are resolved for.
func WithPlatform(p Platform) Option {
	return func(c *Coordinator) { c.platform = p }
}

func WithLogger(l cdist.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithProgress registers a callback invoked at every 50th asset and at the
// last one. It may be called from several goroutines.
func WithProgress(fn func(done, total int)) Option {
	return func(c *Coordinator) { c.progress = fn }
}

// NewCoordinator returns a Coordinator writing below updatesRoot.
func NewCoordinator(updatesRoot string, opts ...Option) *Coordinator {
	c := &Coordinator{
		updatesRoot:   updatesRoot,
		httpClient:    http.DefaultClient,
		manifestURL:   DefaultManifestURL,
		resourcesBase: DefaultResourcesBase,
		userAgent:     "cdist",
		concurrency:   DefaultConcurrency,
		platform:      CurrentPlatform(),
		logger:        cdist.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Requests returns how many HTTP requests the coordinator has issued.
func (c *Coordinator) Requests() int64 {
	return c.requests.Load()
}

// Report summarizes one Install run.
type Report struct {
	Version         string
	ClientDirectory string
	MainClass       string
	JavaVersion     int
	ClientJar       bool // downloaded rather than already present
	Descriptor      bool // version.json written
	Libraries       Counts
	Natives         int // native libraries extracted or consolidated
	NativesFailed   int // archives that could not be extracted
	Assets          Counts
}

// Install runs the whole pipeline for version into clientDirectory: client
// jar, libraries, natives, version.json, then assets. Running it again
// over a complete bundle downloads nothing.
func (c *Coordinator) Install(ctx context.Context, version, clientDirectory string) (*Report, error) {
	if err := validateDirName(clientDirectory); err != nil {
		return nil, err
	}
	clientDir := filepath.Join(c.updatesRoot, clientDirectory)

	desc, err := c.ResolveManifest(ctx, version)
	if err != nil {
		return nil, err
	}
	report := &Report{
		Version:         desc.ID,
		ClientDirectory: clientDirectory,
		MainClass:       desc.MainClass,
		JavaVersion:     desc.JavaVersion.MajorVersion,
	}
	c.logger.Info("installing client", "version", desc.ID, "directory", clientDirectory, "libraries", len(desc.Libraries))

	client := desc.Downloads.Client
	if client.URL == "" {
		return nil, fmt.Errorf("descriptor for %s has no client download", desc.ID)
	}
	report.ClientJar, err = c.FetchWithVerification(ctx, client.URL, filepath.Join(clientDir, cdist.ClientJarName), client.SHA1)
	if err != nil {
		return nil, fmt.Errorf("fetching client jar: %w", err)
	}

	archives, counts, err := c.installLibraries(ctx, clientDir, desc.Libraries)
	report.Libraries = counts
	if err != nil {
		return report, err
	}

	report.Natives, report.NativesFailed, err = c.installNatives(clientDir, archives)
	if err != nil {
		return report, err
	}

	report.Descriptor, err = writeFileIfChanged(filepath.Join(clientDir, cdist.VersionDescriptorName), desc.Raw)
	if err != nil {
		return report, fmt.Errorf("writing version descriptor: %w", err)
	}

	if desc.AssetIndex.URL != "" {
		report.Assets, err = c.InstallAssets(ctx, desc.AssetIndex)
		if err != nil {
			return report, err
		}
	}

	c.logger.Info("client installed", "version", desc.ID, "directory", clientDirectory,
		"libraries", report.Libraries.Total(), "libraries_downloaded", report.Libraries.Downloaded,
		"libraries_failed", report.Libraries.Failed,
		"assets", report.Assets.Total(), "assets_downloaded", report.Assets.Downloaded,
		"assets_skipped", report.Assets.Skipped, "assets_failed", report.Assets.Failed)
	return report, nil
}

// installLibraries fetches every library allowed on the platform and
// returns the paths of the native archives among them.
func (c *Coordinator) installLibraries(ctx context.Context, clientDir string, libs []Library) ([]string, Counts, error) {
	type item struct {
		art    *Artifact
		native bool
	}
	var items []item
	for _, lib := range libs {
		if !Allowed(lib.Rules, c.platform) {
			continue
		}
		native, hasNative := lib.NativeArtifact(c.platform)
		if a := lib.Downloads.Artifact; a != nil && a != native {
			items = append(items, item{art: a})
		}
		if hasNative {
			items = append(items, item{art: native, native: true})
		}
	}

	var (
		mu       sync.Mutex
		counts   Counts
		archives []string
		seen     = make(map[string]bool)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, it := range items {
		if it.art.Path == "" || !filepath.IsLocal(filepath.FromSlash(it.art.Path)) {
			c.logger.Warn("skipping library with invalid path", "path", it.art.Path)
			mu.Lock()
			counts.Failed++
			mu.Unlock()
			continue
		}
		if seen[it.art.Path] {
			continue
		}
		seen[it.art.Path] = true

		dest := filepath.Join(clientDir, librariesDir, filepath.FromSlash(it.art.Path))
		g.Go(func() error {
			fetched, err := c.FetchWithVerification(gctx, it.art.URL, dest, it.art.SHA1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				counts.Failed++
				c.logger.Warn("library download failed", "path", it.art.Path, "error", err)
				return nil
			case fetched:
				counts.Downloaded++
			default:
				counts.Skipped++
			}
			if it.native {
				archives = append(archives, dest)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, counts, fmt.Errorf("downloading libraries: %w", err)
	}
	return archives, counts, nil
}

// installNatives extracts each archive into natives/{platform} and then
// consolidates every platform directory into natives/. An archive that
// cannot be extracted is counted and skipped.
func (c *Coordinator) installNatives(clientDir string, archives []string) (extracted, failed int, err error) {
	root := filepath.Join(clientDir, nativesDir)
	for _, archive := range archives {
		platform := nativesPlatform(filepath.Base(archive))
		if platform == "" {
			platform = c.platform.NativesDir()
		}
		n, err := ExtractNatives(archive, filepath.Join(root, platform))
		if err != nil {
			c.logger.Warn("extracting natives failed", "archive", filepath.Base(archive), "error", err)
			failed++
			continue
		}
		extracted += n
	}

	n, err := ConsolidateNatives(root)
	if err != nil {
		return extracted, failed, fmt.Errorf("consolidating natives: %w", err)
	}
	return extracted + n, failed, nil
}

func validateDirName(name string) error {
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
