package cdist

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"cdist-go/internal/model"
)

// DeleteFile removes one file row from the catalog. It is the only way a
// row is ever deleted; Reconcile never calls it. A row that is already gone
// counts as success.
func (s *Service) DeleteFile(ctx context.Context, versionID, clientDirectory, filePath string) error {
	version, err := s.catalog.FindVersionByID(ctx, versionID)
	if err != nil {
		return fmt.Errorf("finding version: %w", err)
	}
	if version == nil {
		return fmt.Errorf("version not found: %s", versionID)
	}

	filePath = normalizeFilePath(filePath)
	row, err := s.catalog.FindFile(ctx, versionID, clientDirectory, filePath)
	if err != nil {
		return fmt.Errorf("finding file: %w", err)
	}

	return s.deleteRow(ctx, version, row, clientDirectory, filePath)
}

// RemoveFile handles a file that disappeared from a client directory.
// The row is deleted only when the file is confirmed absent on disk. When
// filePath names a removed directory, every row below it is deleted.
func (s *Service) RemoveFile(ctx context.Context, clientDirectory, filePath string) error {
	filePath = normalizeFilePath(filePath)
	if filePath == "" {
		return fmt.Errorf("empty file path")
	}

	full := filepath.Join(s.clientDirPath(clientDirectory), filepath.FromSlash(filePath))
	if _, err := s.fsmgr.Resolve(full); err == nil {
		s.logger.Debug("removal not confirmed, file still present", "directory", clientDirectory, "path", filePath)
		return nil
	}

	version, err := s.lookupVersion(ctx, clientDirectory)
	if err != nil {
		return err
	}
	if version == nil {
		return nil
	}

	row, err := s.catalog.FindFile(ctx, version.ID, clientDirectory, filePath)
	if err != nil {
		return fmt.Errorf("finding file: %w", err)
	}
	if row != nil {
		return s.deleteRow(ctx, version, row, clientDirectory, filePath)
	}

	rows, err := s.catalog.FindFilesByDirectory(ctx, version.ID, clientDirectory)
	if err != nil {
		return fmt.Errorf("finding files: %w", err)
	}
	prefix := filePath + "/"
	for _, r := range rows {
		if !strings.HasPrefix(r.FilePath, prefix) {
			continue
		}
		if err := s.deleteRow(ctx, version, r, clientDirectory, r.FilePath); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) deleteRow(ctx context.Context, version *model.ClientVersion, row *model.ClientFile, clientDirectory, filePath string) error {
	deleted, err := s.catalog.DeleteFile(ctx, version.ID, clientDirectory, filePath)
	if err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	if !deleted {
		s.logger.Debug("file already deleted", "directory", clientDirectory, "path", filePath)
		return nil
	}

	ev := FileEvent{ClientDirectory: clientDirectory, FilePath: filePath}
	if row != nil {
		ev = newFileEvent(row)
	}
	s.notify(ctx, version, ActionFileDeleted, []FileEvent{ev}, nil)
	s.logger.Info("file removed from catalog", "version", version.Version, "directory", clientDirectory, "path", filePath)
	return nil
}

// normalizeFilePath converts a relative path to the catalog's POSIX form.
func normalizeFilePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}
