package cdist

import (
	"context"
	"fmt"
	"path/filepath"
)

// PublishResult counts what Publish did with a version's files.
type PublishResult struct {
	Published  int
	Skipped    int // already present in the vault
	Unverified int // never verified, or failed their last check
}

// Publish copies every verified file of a version into the vault, keyed by
// content hash. Each file is re-hashed before upload so content that
// changed since its last verification is never stored under a stale key.
func (s *Service) Publish(ctx context.Context, version string) (*PublishResult, error) {
	if s.vault == nil {
		return nil, fmt.Errorf("no vault configured")
	}

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

	result := &PublishResult{}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !row.Verified || row.IntegrityCheckFailed {
			result.Unverified++
			continue
		}

		has, err := s.vault.HasContent(ctx, row.FileHash)
		if err != nil {
			return result, fmt.Errorf("checking vault for %s: %w", row.FilePath, err)
		}
		if has {
			result.Skipped++
			continue
		}

		location := filepath.Join(s.clientDirPath(row.ClientDirectory), filepath.FromSlash(row.FilePath))
		p, err := s.fsmgr.Resolve(location)
		if err != nil {
			return result, fmt.Errorf("resolving %s: %w", location, err)
		}

		hash, _, err := s.hashFile(p)
		if err != nil {
			return result, fmt.Errorf("hashing %s: %w", location, err)
		}
		if hash != row.FileHash {
			return result, fmt.Errorf("%s changed since it was verified", location)
		}

		if err := s.upload(ctx, p, row.FileHash, row.FileSize); err != nil {
			return result, fmt.Errorf("publishing %s: %w", location, err)
		}
		result.Published++
		s.logger.Debug("file published", "path", row.FilePath, "checksum", row.FileHash)
	}

	s.logger.Info("version published", "version", v.Version,
		"published", result.Published, "skipped", result.Skipped, "unverified", result.Unverified)
	return result, nil
}

func (s *Service) upload(ctx context.Context, p *Path, checksum string, size int64) error {
	rc, err := s.fsmgr.Open(p)
	if err != nil {
		return err
	}
	defer rc.Close()
	return s.vault.PutContent(ctx, checksum, rc, size)
}
