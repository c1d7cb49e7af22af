package cdist

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"cdist-go/internal/model"
)

// SyncResult counts what one reconciliation pass changed.
type SyncResult struct {
	Added   int
	Updated int
	Errors  int
}

// Reconcile scans one client directory and brings its catalog rows in line
// with disk. New files are added, changed files are updated and lose their
// verification state. Rows whose files are gone are only reported: removal
// from the catalog goes through DeleteFile.
func (s *Service) Reconcile(ctx context.Context, clientDirectory string) (*SyncResult, error) {
	if err := validateClientDirectory(clientDirectory); err != nil {
		return nil, err
	}

	root, err := s.fsmgr.Resolve(s.clientDirPath(clientDirectory))
	if err != nil {
		return nil, fmt.Errorf("resolving client directory: %w", err)
	}
	if !root.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root.String())
	}

	version, err := s.resolveVersion(ctx, clientDirectory)
	if err != nil {
		return nil, err
	}

	scan, err := s.Scan(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", clientDirectory, err)
	}

	result := &SyncResult{Errors: scan.Errors}
	seen := make(map[string]bool, len(scan.Files))

	for _, f := range scan.Files {
		seen[f.RelativePath] = true

		row := &model.ClientFile{
			VersionID:       version.ID,
			ClientDirectory: clientDirectory,
			FilePath:        f.RelativePath,
			FileHash:        f.Hash,
			FileSize:        f.Size,
			FileType:        f.Type,
		}
		outcome, err := s.catalog.UpsertFile(ctx, row)
		if err != nil {
			s.logger.Error("failed to upsert file", "directory", clientDirectory, "path", f.RelativePath, "error", err)
			result.Errors++
			continue
		}

		switch outcome {
		case model.UpsertAdded:
			result.Added++
			s.notify(ctx, version, ActionFileAdded, []FileEvent{newFileEvent(row)}, nil)
		case model.UpsertUpdated:
			result.Updated++
			s.notify(ctx, version, ActionFileUpdated, []FileEvent{newFileEvent(row)}, nil)
		}

		if f.RelativePath == ClientJarName && (version.ClientJarHash != f.Hash || version.ClientJarSize != f.Size) {
			if err := s.catalog.UpdateVersionJar(ctx, version.ID, f.Hash, f.Size); err != nil {
				s.logger.Error("failed to update client jar", "version", version.Version, "error", err)
				result.Errors++
			} else {
				version.ClientJarHash, version.ClientJarSize = f.Hash, f.Size
			}
		}
	}

	s.reportMissing(ctx, version, clientDirectory, seen)

	summary := &Summary{Added: result.Added, Updated: result.Updated, Errors: result.Errors}
	if stats, err := s.catalog.VersionStats(ctx, version.ID); err != nil {
		s.logger.Warn("failed to read version stats", "version", version.Version, "error", err)
	} else {
		summary.TotalFiles = stats.TotalFiles
		summary.VerifiedFiles = stats.VerifiedFiles
		summary.FailedFiles = stats.FailedFiles
	}
	s.notify(ctx, version, ActionSync, nil, summary)

	s.logger.Info("client directory reconciled",
		"directory", clientDirectory,
		"version", version.Version,
		"added", result.Added,
		"updated", result.Updated,
		"errors", result.Errors,
	)
	return result, nil
}

// ReconcileAll reconciles every bundle directory under the updates root.
// A failing directory does not stop the others; failures are joined into
// the returned error.
func (s *Service) ReconcileAll(ctx context.Context) (map[string]*SyncResult, error) {
	dirs, err := s.BundleDirectories()
	if err != nil {
		return nil, err
	}

	results := make(map[string]*SyncResult, len(dirs))
	var errs []error
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.Reconcile(ctx, dir)
		if err != nil {
			s.logger.Error("reconciliation failed", "directory", dir, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", dir, err))
			continue
		}
		results[dir] = res
	}
	return results, errors.Join(errs...)
}

// BundleDirectories returns the top-level directories of the updates root
// that hold a client bundle, identified by a client.jar or version.json.
func (s *Service) BundleDirectories() ([]string, error) {
	root, err := s.fsmgr.Resolve(s.opts.UpdatesRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving updates root: %w", err)
	}

	subdirs, err := s.fsmgr.ListDirectories(root)
	if err != nil {
		return nil, fmt.Errorf("listing updates root: %w", err)
	}

	var names []string
	for _, d := range subdirs {
		name := filepath.Base(d.String())
		if validateClientDirectory(name) != nil {
			continue
		}
		if s.hasBundleMarker(d) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *Service) hasBundleMarker(dir *Path) bool {
	for _, marker := range []string{ClientJarName, VersionDescriptorName} {
		if p, err := s.fsmgr.Resolve(filepath.Join(dir.String(), marker)); err == nil && !p.IsDir() {
			return true
		}
	}
	return false
}

// resolveVersion returns the catalog version a client directory belongs
// to, creating it on first sight. The owning profile names the version;
// without a profile the directory name is the version string.
func (s *Service) resolveVersion(ctx context.Context, clientDirectory string) (*model.ClientVersion, error) {
	profile, err := s.catalog.FindProfileByDirectory(ctx, clientDirectory)
	if err != nil {
		return nil, fmt.Errorf("finding profile: %w", err)
	}

	want := &model.ClientVersion{
		Version:    clientDirectory,
		Title:      s.opts.Defaults.Title,
		MainClass:  s.opts.Defaults.MainClass,
		JvmVersion: s.opts.Defaults.JvmVersion,
		Enabled:    true,
	}
	if want.Title == "" {
		want.Title = clientDirectory
	}
	if profile != nil {
		want.Version = profile.Version
		if profile.Title != "" {
			want.Title = profile.Title
		}
		if profile.MainClass != "" {
			want.MainClass = profile.MainClass
		}
		if profile.JvmVersion != "" {
			want.JvmVersion = profile.JvmVersion
		}
	}

	version, err := s.catalog.EnsureVersion(ctx, want)
	if err != nil {
		return nil, fmt.Errorf("ensuring version %q: %w", want.Version, err)
	}
	return version, nil
}

// lookupVersion is resolveVersion without the create step. It returns nil
// when the directory's version has never been cataloged.
func (s *Service) lookupVersion(ctx context.Context, clientDirectory string) (*model.ClientVersion, error) {
	name := clientDirectory
	profile, err := s.catalog.FindProfileByDirectory(ctx, clientDirectory)
	if err != nil {
		return nil, fmt.Errorf("finding profile: %w", err)
	}
	if profile != nil {
		name = profile.Version
	}

	version, err := s.catalog.FindVersion(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("finding version %q: %w", name, err)
	}
	return version, nil
}

func (s *Service) reportMissing(ctx context.Context, version *model.ClientVersion, clientDirectory string, seen map[string]bool) {
	rows, err := s.catalog.FindFilesByDirectory(ctx, version.ID, clientDirectory)
	if err != nil {
		s.logger.Warn("failed to list cataloged files", "directory", clientDirectory, "error", err)
		return
	}
	for _, row := range rows {
		if !seen[row.FilePath] {
			s.logger.Warn("cataloged file missing on disk", "directory", clientDirectory, "path", row.FilePath)
		}
	}
}
