package cdist

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"cdist-go/internal/model"
)

// VerifyResult counts the outcome of an integrity check over several files.
type VerifyResult struct {
	Total   int
	Valid   int
	Invalid int
}

// VerifyFile re-hashes the on-disk copy of filePath in clientDirectory and
// records the outcome on its catalog row. An empty clientDirectory checks
// every directory holding the path for the version.
func (s *Service) VerifyFile(ctx context.Context, versionID, clientDirectory, filePath string) (*VerifyResult, error) {
	version, err := s.catalog.FindVersionByID(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("finding version: %w", err)
	}
	if version == nil {
		return nil, fmt.Errorf("version not found: %s", versionID)
	}

	rows, err := s.catalog.FindFilesByVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("finding files: %w", err)
	}

	filePath = normalizeFilePath(filePath)
	var matches []*model.ClientFile
	for _, r := range rows {
		if r.FilePath == filePath && (clientDirectory == "" || r.ClientDirectory == clientDirectory) {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("file not cataloged for version %s: %s", version.Version, filePath)
	}

	return s.verifyRows(ctx, version, matches)
}

// VerifyVersion checks every cataloged file of a version against disk.
func (s *Service) VerifyVersion(ctx context.Context, version string) (*VerifyResult, error) {
	v, err := s.catalog.FindVersion(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("finding version: %w", err)
	}
	if v == nil {
		return nil, fmt.Errorf("version not found: %s", version)
	}

	rows, err := s.catalog.FindFilesByVersion(ctx, v.ID)
	if err != nil {
		return nil, fmt.Errorf("finding files: %w", err)
	}

	res, err := s.verifyRows(ctx, v, rows)
	if err != nil {
		return nil, err
	}
	s.logger.Info("version verified", "version", v.Version, "total", res.Total, "valid", res.Valid, "invalid", res.Invalid)
	return res, nil
}

// VerifyAll verifies every cataloged version. Results are keyed by version string.
func (s *Service) VerifyAll(ctx context.Context) (map[string]*VerifyResult, error) {
	versions, err := s.catalog.ListVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	results := make(map[string]*VerifyResult, len(versions))
	var errs []error
	for _, v := range versions {
		res, err := s.VerifyVersion(ctx, v.Version)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		results[v.Version] = res
	}
	return results, errors.Join(errs...)
}

// verifyRows checks rows with bounded parallelism. Counts match what a
// sequential pass would produce.
func (s *Service) verifyRows(ctx context.Context, version *model.ClientVersion, rows []*model.ClientFile) (*VerifyResult, error) {
	fallback, err := s.fallbackDirectory(ctx, version)
	if err != nil {
		return nil, err
	}

	var valid, invalid atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.VerifyConcurrency)

	for _, row := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if s.verifyRow(gctx, version, row, fallback) {
				valid.Add(1)
			} else {
				invalid.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &VerifyResult{
		Total:   len(rows),
		Valid:   int(valid.Load()),
		Invalid: int(invalid.Load()),
	}, nil
}

// verifyRow re-hashes one file, stores the outcome and emits an
// integrity_check event. It reports whether the file matched.
func (s *Service) verifyRow(ctx context.Context, version *model.ClientVersion, row *model.ClientFile, fallback string) bool {
	dir := row.ClientDirectory
	if dir == "" {
		dir = fallback
	}
	location := filepath.Join(s.clientDirPath(dir), filepath.FromSlash(row.FilePath))

	ok, reason := s.checkFile(location, row)
	if !ok {
		s.logger.Warn("integrity check failed", "version", version.Version, "path", location, "reason", reason)
	}

	now := s.clock.Now()
	if err := s.catalog.UpdateFileVerification(ctx, row.ID, ok, !ok, now); err != nil {
		s.logger.Error("failed to record verification", "path", location, "error", err)
	}

	ev := newFileEvent(row)
	ev.Verified = &ok
	s.notify(ctx, version, ActionIntegrityCheck, []FileEvent{ev}, nil)
	return ok
}

func (s *Service) checkFile(location string, row *model.ClientFile) (bool, string) {
	p, err := s.fsmgr.Resolve(location)
	if err != nil {
		return false, "missing"
	}
	if p.IsDir() {
		return false, "is a directory"
	}

	hash, size, err := s.hashFile(p)
	if err != nil {
		return false, err.Error()
	}
	if size != row.FileSize {
		return false, fmt.Sprintf("size %d, want %d", size, row.FileSize)
	}
	if hash != row.FileHash {
		return false, "hash mismatch"
	}
	return true, ""
}

// fallbackDirectory is the client directory used for rows that do not
// record one: the first profile serving the version, else the version string.
func (s *Service) fallbackDirectory(ctx context.Context, version *model.ClientVersion) (string, error) {
	profiles, err := s.catalog.FindProfilesByVersion(ctx, version.Version)
	if err != nil {
		return "", fmt.Errorf("finding profiles: %w", err)
	}
	if len(profiles) > 0 {
		return profiles[0].ClientDirectory, nil
	}
	return version.Version, nil
}
