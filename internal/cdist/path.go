package cdist

import "io/fs"

// Path is a validated absolute filesystem path with the stat info captured
// when it was resolved. Paths are created by FilesystemManager.
type Path struct {
	absPath string
	isDir   bool
	info    fs.FileInfo
}

// NewPath creates a Path from its components. For use by FilesystemManager implementations.
func NewPath(absPath string, isDir bool, info fs.FileInfo) *Path {
	return &Path{absPath: absPath, isDir: isDir, info: info}
}

// String returns the absolute path.
func (p *Path) String() string { return p.absPath }

// IsDir reports whether the path is a directory.
func (p *Path) IsDir() bool { return p.isDir }

// Info returns the stat info cached at resolution time.
func (p *Path) Info() fs.FileInfo { return p.info }

// Size returns the cached size in bytes.
func (p *Path) Size() int64 {
	if p.info == nil {
		return 0
	}
	return p.info.Size()
}
