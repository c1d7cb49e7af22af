package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"cdist-go/internal/cdist"
	"cdist-go/internal/config"
	"cdist-go/internal/database"
	"cdist-go/internal/download"
	"cdist-go/internal/encryption"
	"cdist-go/internal/events"
	"cdist-go/internal/fs"
	"cdist-go/internal/loader"
	"cdist-go/internal/model"
	"cdist-go/internal/vault"
	"cdist-go/internal/watch"
)

// snapshotName is the mirror metadata item holding the encrypted catalog.
const snapshotName = "catalog"

// CDistApp is the application layer between the CLI and cdist.Service.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw directory names and version strings, and snapshots the
// catalog to the mirror on Close.
type CDistApp struct {
	cfg       *config.Config
	catalog   *database.SQLiteCatalog
	vault     cdist.Vault
	encryptor cdist.Encryptor
	closeSink func() error
	service   *cdist.Service
	logger    cdist.Logger
	op        *Operation
	logFile   *os.File
}

// NewCDistApp creates a fully wired CDistApp from the given config.
// operation identifies the CLI command being run (e.g. "Sync", "Publish").
// The caller must call Close when done.
func NewCDistApp(ctx context.Context, cfg *config.Config, operation, parameters string) (*CDistApp, error) {
	if cfg.UpdatesRoot == "" {
		return nil, fmt.Errorf("updates_root is not configured")
	}
	if err := os.MkdirAll(cfg.UpdatesRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating updates root: %w", err)
	}

	fsmgr := fs.NewOSFilesystemManager(cfg.Filesystem.Ignore)

	v, err := vault.NewVaultFromConfig(ctx, cfg.Mirror)
	if err != nil {
		return nil, fmt.Errorf("creating mirror: %w", err)
	}

	catalog, err := database.NewCatalogFromConfig(cfg.Database, cfg.CatalogID)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	if err := catalog.CheckMigrations(); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("catalog schema out of date (run `cdist catalog migrate`): %w", err)
	}

	// Refuse to work on a catalog older than the last published snapshot.
	remoteVersion, err := v.GetMetadataVersion(ctx, cfg.CatalogID, snapshotName)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("checking mirror snapshot version: %w", err)
	}

	localMax, err := catalog.MaxSyncOperationID(ctx)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("checking local catalog version: %w", err)
	}

	if remoteVersion > localMax {
		catalog.Close()
		return nil, fmt.Errorf("local catalog is behind mirror (local=%d, mirror=%d): run `cdist catalog restore`", localMax, remoteVersion)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	sink, closeSink, err := events.NewSinkFromConfig(ctx, cfg.Events, logger)
	if err != nil {
		catalog.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating event sink: %w", err)
	}

	svc := cdist.NewService(catalog, v, fsmgr, sink, logger, cdist.RealClock{}, cdist.Options{
		UpdatesRoot: cfg.UpdatesRoot,
		Defaults: cdist.VersionDefaults{
			Title:      cfg.Defaults.Title,
			MainClass:  cfg.Defaults.MainClass,
			JvmVersion: cfg.Defaults.JvmVersion,
		},
	})

	return &CDistApp{
		cfg:       cfg,
		catalog:   catalog,
		vault:     v,
		encryptor: enc,
		closeSink: closeSink,
		service:   svc,
		logger:    logger,
		op:        NewOperation(operation, parameters),
		logFile:   logFile,
	}, nil
}

// persistOperation saves the operation to the catalog, giving it an
// auto-increment ID, and seeds configured profiles. Only catalog-mutating
// commands call it.
func (a *CDistApp) persistOperation(ctx context.Context) error {
	if a.op.Persisted() {
		return nil
	}
	dbOp, err := a.catalog.CreateSyncOperation(ctx, a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting sync operation: %w", err)
	}
	a.op.ID = dbOp.ID

	if len(a.cfg.Profiles) > 0 {
		if err := a.service.SeedProfiles(ctx, profilesFromConfig(a.cfg.Profiles)); err != nil {
			return a.op.Fail(fmt.Errorf("seeding profiles: %w", err))
		}
	}
	return nil
}

func profilesFromConfig(cfgs []config.ProfileConfig) []*model.Profile {
	profiles := make([]*model.Profile, 0, len(cfgs))
	for _, p := range cfgs {
		name := p.Name
		if name == "" {
			name = p.ClientDirectory
		}
		profiles = append(profiles, &model.Profile{
			Name:            name,
			ClientDirectory: p.ClientDirectory,
			Version:         p.Version,
			Title:           p.Title,
			MainClass:       p.MainClass,
			JvmVersion:      p.JvmVersion,
		})
	}
	return profiles
}

// Sync reconciles one client directory, or every bundle when dir is empty.
func (a *CDistApp) Sync(ctx context.Context, dir string) (map[string]*cdist.SyncResult, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	if dir == "" {
		results, err := a.service.ReconcileAll(ctx)
		return results, a.op.Fail(err)
	}
	res, err := a.service.Reconcile(ctx, dir)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	return map[string]*cdist.SyncResult{dir: res}, nil
}

// Status compares a client directory with the catalog without writing.
func (a *CDistApp) Status(ctx context.Context, dir string) ([]*cdist.FileStatus, error) {
	return a.service.GetStatus(ctx, dir)
}

// Verify re-hashes every file of one version.
func (a *CDistApp) Verify(ctx context.Context, version string) (*cdist.VerifyResult, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	res, err := a.service.VerifyVersion(ctx, version)
	return res, a.op.Fail(err)
}

// VerifyFile re-hashes one cataloged path of a version. An empty dir checks
// every client directory holding it.
func (a *CDistApp) VerifyFile(ctx context.Context, version, dir, filePath string) (*cdist.VerifyResult, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	v, err := a.catalog.FindVersion(ctx, version)
	if err != nil {
		return nil, a.op.Fail(fmt.Errorf("finding version: %w", err))
	}
	if v == nil {
		return nil, a.op.Fail(fmt.Errorf("version not found: %s", version))
	}
	res, err := a.service.VerifyFile(ctx, v.ID, dir, filePath)
	return res, a.op.Fail(err)
}

// VerifyAll re-hashes every file of every version.
func (a *CDistApp) VerifyAll(ctx context.Context) (map[string]*cdist.VerifyResult, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	res, err := a.service.VerifyAll(ctx)
	return res, a.op.Fail(err)
}

// RemoveFile deletes one catalog row identified by version string,
// client directory and file path.
func (a *CDistApp) RemoveFile(ctx context.Context, version, dir, filePath string) error {
	if err := a.persistOperation(ctx); err != nil {
		return err
	}
	v, err := a.catalog.FindVersion(ctx, version)
	if err != nil {
		return a.op.Fail(fmt.Errorf("finding version: %w", err))
	}
	if v == nil {
		return a.op.Fail(fmt.Errorf("version not found: %s", version))
	}
	return a.op.Fail(a.service.DeleteFile(ctx, v.ID, dir, filePath))
}

// Install downloads a client release into dir, binds dir to the installed
// version and catalogs the result.
func (a *CDistApp) Install(ctx context.Context, version, dir string, progress func(done, total int)) (*download.Report, *cdist.SyncResult, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, nil, err
	}
	coord, err := a.coordinator(progress)
	if err != nil {
		return nil, nil, a.op.Fail(err)
	}

	report, err := coord.Install(ctx, version, dir)
	if err != nil {
		return report, nil, a.op.Fail(fmt.Errorf("installing %s: %w", version, err))
	}

	profile := &model.Profile{
		Name:            dir,
		ClientDirectory: dir,
		Version:         report.Version,
		MainClass:       report.MainClass,
	}
	if report.JavaVersion > 0 {
		profile.JvmVersion = strconv.Itoa(report.JavaVersion)
	}
	res, err := a.bindAndReconcile(ctx, profile)
	return report, res, err
}

// InstallLoader runs a loader installer over the client in req.ClientDirectory,
// a directory name below the updates root, and catalogs the result under
// the loader's version id.
func (a *CDistApp) InstallLoader(ctx context.Context, req loader.Request) (*loader.Result, *cdist.SyncResult, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, nil, err
	}
	dir := req.ClientDirectory
	if dir == "" || dir == cdist.AssetsDirectory || filepath.Base(dir) != dir {
		return nil, nil, a.op.Fail(fmt.Errorf("invalid client directory %q", dir))
	}
	req.ClientDirectory = filepath.Join(a.cfg.UpdatesRoot, dir)

	inst, err := loader.NewInstallerFromConfig(a.cfg.Loader, a.logger)
	if err != nil {
		return nil, nil, a.op.Fail(err)
	}
	result, err := inst.Install(ctx, req)
	if err != nil {
		return nil, nil, a.op.Fail(err)
	}

	existing, err := a.catalog.FindProfileByDirectory(ctx, dir)
	if err != nil {
		return result, nil, a.op.Fail(fmt.Errorf("finding profile: %w", err))
	}
	profile := &model.Profile{Name: dir, ClientDirectory: dir, Version: result.VersionID}
	if existing != nil {
		profile.Name = existing.Name
		profile.Title = existing.Title
		profile.JvmVersion = existing.JvmVersion
	}
	res, err := a.bindAndReconcile(ctx, profile)
	return result, res, err
}

func (a *CDistApp) bindAndReconcile(ctx context.Context, profile *model.Profile) (*cdist.SyncResult, error) {
	if err := a.service.SeedProfiles(ctx, []*model.Profile{profile}); err != nil {
		return nil, a.op.Fail(err)
	}
	res, err := a.service.Reconcile(ctx, profile.ClientDirectory)
	return res, a.op.Fail(err)
}

func (a *CDistApp) coordinator(progress func(done, total int)) (*download.Coordinator, error) {
	timeout, err := a.cfg.Download.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	opts := []download.Option{
		download.WithHTTPClient(&http.Client{Timeout: timeout}),
		download.WithConcurrency(a.cfg.Download.Concurrency),
		download.WithLogger(a.logger),
	}
	if a.cfg.Download.ManifestURL != "" {
		opts = append(opts, download.WithManifestURL(a.cfg.Download.ManifestURL))
	}
	if a.cfg.Download.ResourcesBase != "" {
		opts = append(opts, download.WithResourcesBase(a.cfg.Download.ResourcesBase))
	}
	if progress != nil {
		opts = append(opts, download.WithProgress(progress))
	}
	return download.NewCoordinator(a.cfg.UpdatesRoot, opts...), nil
}

// Publish copies the verified files of a version to the mirror.
func (a *CDistApp) Publish(ctx context.Context, version string) (*cdist.PublishResult, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	res, err := a.service.Publish(ctx, version)
	return res, a.op.Fail(err)
}

// GetHistory returns the most recent sync operations.
func (a *CDistApp) GetHistory(ctx context.Context, limit int) ([]*model.SyncOperation, error) {
	return a.service.GetHistory(ctx, limit)
}

// Versions returns every cataloged version, release versions in semantic
// order first.
func (a *CDistApp) Versions(ctx context.Context) ([]*model.ClientVersion, error) {
	versions, err := a.service.ListVersions(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(versions))
	rank := make(map[string]int, len(versions))
	for i, v := range versions {
		ids[i] = v.Version
	}
	download.SortVersions(ids)
	for i, id := range ids {
		rank[id] = i
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return rank[versions[i].Version] < rank[versions[j].Version]
	})
	return versions, nil
}

// Watch reconciles bundles as they change until ctx is cancelled. When an
// audit schedule is configured every version is re-verified on it.
func (a *CDistApp) Watch(ctx context.Context) error {
	if err := a.persistOperation(ctx); err != nil {
		return err
	}
	debounce, err := a.cfg.Watch.DebounceDuration()
	if err != nil {
		return a.op.Fail(err)
	}

	w, err := watch.New(watch.Config{
		Root:     a.cfg.UpdatesRoot,
		Debounce: debounce,
		MaxDepth: a.cfg.Watch.MaxDepth,
		Ignore:   a.cfg.Filesystem.Ignore,
		Logger:   a.logger,
		OnReconcile: func(dir string, res *cdist.SyncResult, err error) {
			if err == nil && res != nil && res.Added+res.Updated > 0 {
				a.logger.Info("bundle reconciled", "directory", dir, "added", res.Added, "updated", res.Updated, "errors", res.Errors)
			}
		},
	}, a.service)
	if err != nil {
		return a.op.Fail(err)
	}

	if spec := a.cfg.Audit.Schedule; spec != "" {
		c, err := newAuditScheduler(ctx, spec, a.service, a.logger)
		if err != nil {
			return a.op.Fail(err)
		}
		c.Start()
		a.logger.Info("audit scheduled", "schedule", spec)
		defer func() { <-c.Stop().Done() }()
	}

	return a.op.Fail(w.Run(ctx))
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record, snapshots the
// catalog, encrypts it and uploads it to the mirror.
// For non-persisted operations: just closes the catalog.
func (a *CDistApp) Close() error {
	ctx := context.Background()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var snapshotDir string
	if a.op.Persisted() {
		if err := a.catalog.FinishSyncOperation(ctx, a.op.ID, a.op.Status); err != nil {
			keep(fmt.Errorf("finishing sync operation: %w", err))
		}

		dir, err := os.MkdirTemp("", "cdist-snapshot-*")
		if err != nil {
			keep(fmt.Errorf("creating snapshot directory: %w", err))
		} else if err := a.catalog.BackupTo(filepath.Join(dir, "catalog.db")); err != nil {
			keep(fmt.Errorf("snapshotting catalog: %w", err))
			os.RemoveAll(dir)
		} else {
			snapshotDir = dir
		}
	}

	if err := a.catalog.Close(); err != nil {
		keep(fmt.Errorf("closing catalog: %w", err))
	}

	if snapshotDir != "" {
		keep(a.uploadSnapshot(ctx, filepath.Join(snapshotDir, "catalog.db"), a.op.ID))
		os.RemoveAll(snapshotDir)
	}

	if a.closeSink != nil {
		keep(a.closeSink())
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// uploadSnapshot encrypts the catalog copy at path and stores it in the
// mirror with version as its marker.
func (a *CDistApp) uploadSnapshot(ctx context.Context, path string, version int64) error {
	if !a.encryptor.IsConfigured() {
		a.logger.Warn("encryption keys not configured, catalog snapshot not uploaded (run `cdist keys init`)")
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening catalog snapshot: %w", err)
	}
	defer f.Close()

	var sealed bytes.Buffer
	if err := a.encryptor.Encrypt(f, &sealed); err != nil {
		return fmt.Errorf("encrypting catalog snapshot: %w", err)
	}

	size := int64(sealed.Len())
	if err := a.vault.PutMetadata(ctx, a.cfg.CatalogID, snapshotName, &sealed, size, version); err != nil {
		return fmt.Errorf("uploading catalog snapshot: %w", err)
	}
	a.logger.Debug("catalog snapshot uploaded", "version", version, "bytes", size)
	return nil
}
