package fs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cdist-go/internal/cdist"
)

// OSFilesystemManager is the real filesystem implementation of FilesystemManager.
type OSFilesystemManager struct {
	ignore *IgnoreMatcher
}

// NewOSFilesystemManager creates a filesystem manager that skips files
// matching the given ignore patterns in addition to the built-in ones.
func NewOSFilesystemManager(ignorePatterns []string) *OSFilesystemManager {
	return &OSFilesystemManager{
		ignore: NewDefaultIgnoreMatcher(ignorePatterns),
	}
}

// Resolve validates a raw path and returns a Path object.
func (m *OSFilesystemManager) Resolve(rawPath string) (*cdist.Path, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}

	mode := info.Mode()
	if mode&os.ModeDevice != 0 {
		return nil, fmt.Errorf("device files not supported: %s", absPath)
	}
	if mode&os.ModeNamedPipe != 0 {
		return nil, fmt.Errorf("named pipes not supported: %s", absPath)
	}
	if mode&os.ModeSocket != 0 {
		return nil, fmt.Errorf("sockets not supported: %s", absPath)
	}

	return cdist.NewPath(absPath, info.IsDir(), info), nil
}

// Open opens a file for reading.
func (m *OSFilesystemManager) Open(path *cdist.Path) (io.ReadCloser, error) {
	if path.IsDir() {
		return nil, fmt.Errorf("cannot open directory as file: %s", path.String())
	}
	return os.Open(path.String())
}

// Stat returns fresh file info for a path.
func (m *OSFilesystemManager) Stat(path *cdist.Path) (fs.FileInfo, error) {
	return os.Stat(path.String())
}

// FindFiles walks root and returns every regular file that is not hidden,
// inside a housekeeping directory, or ignored. Patterns from an ignore file
// at root apply on top of the configured ones. Symlinks are not followed.
// Unreadable directories and files that vanish mid-walk go to onError.
func (m *OSFilesystemManager) FindFiles(root *cdist.Path, onError func(path string, err error)) ([]*cdist.Path, error) {
	if !root.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root.String())
	}

	extra, err := ParseIgnoreFile(filepath.Join(root.String(), IgnoreFileName))
	if err != nil {
		return nil, err
	}
	ignore := m.ignore.With(NewIgnoreMatcher(extra))

	skip := func(p string, err error) {
		if onError != nil {
			onError(p, err)
		}
	}

	var paths []*cdist.Path
	err = filepath.WalkDir(root.String(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root.String() {
				return err
			}
			skip(p, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == root.String() {
			return nil
		}

		rel, err := filepath.Rel(root.String(), p)
		if err != nil {
			skip(p, err)
			return nil
		}
		name := d.Name()

		if d.IsDir() {
			if IsHousekeeping(name) || ignore.Match(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(name, ".") || ignore.Match(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			skip(p, fmt.Errorf("stat: %w", err))
			return nil
		}
		paths = append(paths, cdist.NewPath(p, false, info))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}

	return paths, nil
}

// ListDirectories returns the immediate subdirectories of root, skipping hidden ones.
func (m *OSFilesystemManager) ListDirectories(root *cdist.Path) ([]*cdist.Path, error) {
	if !root.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root.String())
	}

	entries, err := os.ReadDir(root.String())
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var dirs []*cdist.Path
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		dirs = append(dirs, cdist.NewPath(filepath.Join(root.String(), entry.Name()), true, info))
	}
	return dirs, nil
}

// Compile-time check that OSFilesystemManager implements cdist.FilesystemManager interface
var _ cdist.FilesystemManager = (*OSFilesystemManager)(nil)
