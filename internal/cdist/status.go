package cdist

import (
	"context"
	"fmt"
	"sort"

	"cdist-go/internal/model"
)

// FileState is the relation between a file on disk and its catalog row.
type FileState string

const (
	StateNew       FileState = "new"       // on disk, not cataloged
	StateModified  FileState = "modified"  // hash or size differ from the catalog
	StateUnchanged FileState = "unchanged" // matches the catalog
	StateMissing   FileState = "missing"   // cataloged, gone from disk
)

// FileStatus describes one file of a client directory.
type FileStatus struct {
	RelativePath         string
	State                FileState
	Type                 model.FileType
	Verified             bool
	IntegrityCheckFailed bool
}

// GetStatus compares a client directory on disk with the catalog without
// writing anything. Results are sorted by path.
func (s *Service) GetStatus(ctx context.Context, clientDirectory string) ([]*FileStatus, error) {
	if err := validateClientDirectory(clientDirectory); err != nil {
		return nil, err
	}
	s.logger.Debug("computing status", "directory", clientDirectory)

	root, err := s.fsmgr.Resolve(s.clientDirPath(clientDirectory))
	if err != nil {
		return nil, fmt.Errorf("resolving client directory: %w", err)
	}

	scan, err := s.Scan(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", clientDirectory, err)
	}

	version, err := s.lookupVersion(ctx, clientDirectory)
	if err != nil {
		return nil, err
	}

	rows := map[string]*model.ClientFile{}
	if version != nil {
		list, err := s.catalog.FindFilesByDirectory(ctx, version.ID, clientDirectory)
		if err != nil {
			return nil, fmt.Errorf("finding cataloged files: %w", err)
		}
		for _, r := range list {
			rows[r.FilePath] = r
		}
	}

	var statuses []*FileStatus
	for _, f := range scan.Files {
		st := &FileStatus{RelativePath: f.RelativePath, Type: f.Type, State: StateNew}
		if row, ok := rows[f.RelativePath]; ok {
			delete(rows, f.RelativePath)
			st.Verified = row.Verified
			st.IntegrityCheckFailed = row.IntegrityCheckFailed
			if row.FileHash == f.Hash && row.FileSize == f.Size {
				st.State = StateUnchanged
			} else {
				st.State = StateModified
			}
		}
		statuses = append(statuses, st)
	}

	for _, row := range rows {
		statuses = append(statuses, &FileStatus{
			RelativePath:         row.FilePath,
			State:                StateMissing,
			Type:                 row.FileType,
			Verified:             row.Verified,
			IntegrityCheckFailed: row.IntegrityCheckFailed,
		})
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].RelativePath < statuses[j].RelativePath
	})
	return statuses, nil
}
