package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cdist-go/internal/cdist"
)

// FileSystemVault mirrors content onto a local or mounted directory. Objects
// are sharded by the first two hex characters of their SHA-256, matching
// the launcher asset layout so the tree can be served as-is:
//
//	<root>/content/ab/abcdef...
//	<root>/metadata/<catalogID>/<name>
//	<root>/metadata/<catalogID>/<name>.version
type FileSystemVault struct {
	name        string
	root        string
	contentDir  string
	metadataDir string
}

func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	v := &FileSystemVault{
		name:        name,
		root:        root,
		contentDir:  filepath.Join(root, "content"),
		metadataDir: filepath.Join(root, "metadata"),
	}
	for _, dir := range []string{v.contentDir, v.metadataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating mirror directory %s: %w", dir, err)
		}
	}
	return v, nil
}

func (v *FileSystemVault) contentPath(checksum string) (string, error) {
	if err := checkChecksum(checksum); err != nil {
		return "", err
	}
	return filepath.Join(v.contentDir, checksum[:2], checksum), nil
}

func (v *FileSystemVault) metadataPath(catalogID, name string) (string, error) {
	if err := checkMetadataKey(catalogID, name); err != nil {
		return "", err
	}
	return filepath.Join(v.metadataDir, catalogID, name), nil
}

// PutContent stores r under checksum unless an object is already there.
func (v *FileSystemVault) PutContent(_ context.Context, checksum string, r io.Reader, size int64) error {
	dest, err := v.contentPath(checksum)
	if err != nil {
		return err
	}
	if ok, err := exists(dest); err != nil {
		return err
	} else if ok {
		return drainSized(r, size)
	}
	return writeFileAtomic(dest, r, size)
}

func (v *FileSystemVault) HasContent(_ context.Context, checksum string) (bool, error) {
	p, err := v.contentPath(checksum)
	if err != nil {
		return false, err
	}
	return exists(p)
}

func (v *FileSystemVault) GetContent(_ context.Context, checksum string, w io.Writer) error {
	p, err := v.contentPath(checksum)
	if err != nil {
		return err
	}
	return copyOut(p, w, fmt.Sprintf("content not found: %s", checksum))
}

// PutMetadata writes the item first and the version marker second, so a
// reader that sees a version always finds the matching body.
func (v *FileSystemVault) PutMetadata(_ context.Context, catalogID, name string, r io.Reader, size int64, version int64) error {
	p, err := v.metadataPath(catalogID, name)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(p, r, size); err != nil {
		return err
	}
	marker := strconv.FormatInt(version, 10)
	return writeFileAtomic(p+".version", strings.NewReader(marker), int64(len(marker)))
}

// GetMetadataVersion returns 0 when no marker exists.
func (v *FileSystemVault) GetMetadataVersion(_ context.Context, catalogID, name string) (int64, error) {
	p, err := v.metadataPath(catalogID, name)
	if err != nil {
		return 0, err
	}
	raw, err := os.ReadFile(p + ".version")
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading version marker: %w", err)
	}
	version, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version marker %s: %w", p, err)
	}
	return version, nil
}

func (v *FileSystemVault) GetMetadata(_ context.Context, catalogID, name string, w io.Writer) error {
	p, err := v.metadataPath(catalogID, name)
	if err != nil {
		return err
	}
	return copyOut(p, w, fmt.Sprintf("metadata %q not found for catalog: %s", name, catalogID))
}

// ValidateSetup checks that both trees exist and accept new files.
func (v *FileSystemVault) ValidateSetup(context.Context) error {
	if info, err := os.Stat(v.root); err != nil {
		return fmt.Errorf("mirror root not accessible: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("mirror root is not a directory: %s", v.root)
	}

	for _, dir := range []string{v.contentDir, v.metadataDir} {
		probe, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return fmt.Errorf("mirror directory %s not writable: %w", dir, err)
		}
		probe.Close()
		os.Remove(probe.Name())
	}
	return nil
}

func exists(p string) (bool, error) {
	_, err := os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking %s: %w", p, err)
	}
}

// writeFileAtomic copies r into a sibling temp file, syncs it and renames it
// over dest. Nothing is left behind on failure.
func writeFileAtomic(dest string, r io.Reader, size int64) (err error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, n)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("renaming into %s: %w", dest, err)
	}
	return nil
}

func copyOut(p string, w io.Writer, notFound string) error {
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return errors.New(notFound)
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", p, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading %s: %w", p, err)
	}
	return nil
}

var _ cdist.Vault = (*FileSystemVault)(nil)
