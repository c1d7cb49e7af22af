package cdist

import (
	"io"
	"io/fs"
)

// FilesystemManager abstracts file access so the service layer can be
// tested without touching the real filesystem.
type FilesystemManager interface {
	// Resolve makes rawPath absolute, stats it, and rejects anything that is
	// not a regular file or directory.
	Resolve(rawPath string) (*Path, error)

	// Open opens a file for reading.
	Open(path *Path) (io.ReadCloser, error)

	// Stat returns fresh file info, unlike Path.Info which is cached.
	Stat(path *Path) (fs.FileInfo, error)

	// FindFiles returns every regular file below root, skipping dotfiles,
	// housekeeping directories, partial downloads and ignored paths. An
	// entry below root that cannot be read is passed to onError, when set,
	// and skipped along with anything under it. Only a failure at root is
	// returned.
	FindFiles(root *Path, onError func(path string, err error)) ([]*Path, error)

	// ListDirectories returns the immediate subdirectories of root.
	ListDirectories(root *Path) ([]*Path, error)
}
