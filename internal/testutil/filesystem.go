package testutil

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cdist-go/internal/cdist"
)

// MockFile represents a file in the mock filesystem.
type MockFile struct {
	Content     []byte
	Permissions fs.FileMode
	ModTime     time.Time
	IsDirectory bool
}

// MockFilesystemManager is an in-memory filesystem for testing. Paths are
// absolute; adding a file creates its parent directories. Safe for concurrent use.
type MockFilesystemManager struct {
	mu    sync.RWMutex
	files map[string]*MockFile

	// OpenErr, when set, is returned by Open for the matching absolute path.
	OpenErr map[string]error

	// WalkErr marks absolute paths FindFiles cannot read. The path and
	// everything below it are reported to onError and left out.
	WalkErr map[string]error
}

// NewMockFilesystemManager creates a new mock filesystem.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		files:   make(map[string]*MockFile),
		OpenErr: make(map[string]error),
		WalkErr: make(map[string]error),
	}
}

// AddFile adds or replaces a file, creating missing parent directories.
func (m *MockFilesystemManager) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	m.addParents(path)
	m.files[path] = &MockFile{
		Content:     content,
		Permissions: 0644,
		ModTime:     time.Now(),
	}
}

// AddDirectory adds a directory and its missing parents.
func (m *MockFilesystemManager) AddDirectory(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	m.addParents(path)
	m.files[path] = &MockFile{Permissions: 0755, ModTime: time.Now(), IsDirectory: true}
}

func (m *MockFilesystemManager) addParents(path string) {
	for dir := filepath.Dir(path); dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		if _, ok := m.files[dir]; ok {
			return
		}
		m.files[dir] = &MockFile{Permissions: 0755, ModTime: time.Now(), IsDirectory: true}
	}
}

// Remove deletes a file, or a directory and everything below it.
func (m *MockFilesystemManager) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	prefix := path + string(filepath.Separator)
	for p := range m.files {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(m.files, p)
		}
	}
}

func (m *MockFilesystemManager) Resolve(rawPath string) (*cdist.Path, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	file, ok := m.files[absPath]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("file not found: %s", absPath)
	}

	return cdist.NewPath(absPath, file.IsDirectory, newMockFileInfo(absPath, file)), nil
}

func (m *MockFilesystemManager) Open(path *cdist.Path) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.OpenErr[path.String()]; err != nil {
		return nil, err
	}
	file, ok := m.files[path.String()]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path.String())
	}
	if file.IsDirectory {
		return nil, fmt.Errorf("cannot open directory: %s", path.String())
	}
	return io.NopCloser(bytes.NewReader(file.Content)), nil
}

func (m *MockFilesystemManager) Stat(path *cdist.Path) (fs.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	file, ok := m.files[path.String()]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path.String())
	}
	return newMockFileInfo(path.String(), file), nil
}

// FindFiles returns every file below root in lexical order, skipping
// dotfiles and anything inside a dot directory.
func (m *MockFilesystemManager) FindFiles(root *cdist.Path, onError func(path string, err error)) ([]*cdist.Path, error) {
	if !root.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root.String())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := root.String() + string(filepath.Separator)
	var paths []*cdist.Path
	for p, file := range m.files {
		if file.IsDirectory || !strings.HasPrefix(p, prefix) {
			continue
		}
		if hasHiddenComponent(strings.TrimPrefix(p, prefix)) || m.unreadable(p) {
			continue
		}
		paths = append(paths, cdist.NewPath(p, false, newMockFileInfo(p, file)))
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].String() < paths[j].String() })

	if onError != nil {
		var failed []string
		for p := range m.WalkErr {
			if strings.HasPrefix(p, prefix) {
				failed = append(failed, p)
			}
		}
		sort.Strings(failed)
		for _, p := range failed {
			onError(p, m.WalkErr[p])
		}
	}
	return paths, nil
}

// ListDirectories returns the immediate subdirectories of root in lexical order.
func (m *MockFilesystemManager) ListDirectories(root *cdist.Path) ([]*cdist.Path, error) {
	if !root.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root.String())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var dirs []*cdist.Path
	for p, file := range m.files {
		if !file.IsDirectory || filepath.Dir(p) != root.String() || p == root.String() {
			continue
		}
		dirs = append(dirs, cdist.NewPath(p, true, newMockFileInfo(p, file)))
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].String() < dirs[j].String() })
	return dirs, nil
}

// unreadable reports whether p or one of its parents is in WalkErr.
func (m *MockFilesystemManager) unreadable(p string) bool {
	for dir := p; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		if _, ok := m.WalkErr[dir]; ok {
			return true
		}
	}
	return false
}

func hasHiddenComponent(rel string) bool {
	for _, c := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(c, ".") {
			return true
		}
	}
	return false
}

func newMockFileInfo(path string, file *MockFile) *mockFileInfo {
	return &mockFileInfo{
		name:    filepath.Base(path),
		size:    int64(len(file.Content)),
		mode:    file.Permissions,
		modTime: file.ModTime,
		isDir:   file.IsDirectory,
	}
}

// mockFileInfo implements fs.FileInfo
type mockFileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	isDir   bool
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() fs.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() any           { return nil }

// Compile-time check
var _ cdist.FilesystemManager = (*MockFilesystemManager)(nil)
