package download

import (
	"archive/zip"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// nativeExtensions are the only archive entries extracted as natives.
var nativeExtensions = []string{".so", ".dll", ".dylib", ".jnilib"}

// nativePlatformDirs are consolidated into the natives root.
var nativePlatformDirs = []string{"linux", "windows", "macos", "osx"}

func isNativeLibrary(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range nativeExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ExtractNatives copies the native libraries inside the JAR or ZIP at
// archivePath into destDir, flattened to their base names. META-INF is
// skipped. An entry whose name escapes the archive root fails the whole
// archive before anything is written. Entries already present in destDir
// with the same size and checksum are left alone and not counted.
func ExtractNatives(archivePath, destDir string) (int, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer zr.Close()

	var entries []*zip.File
	for _, f := range zr.File {
		if !filepath.IsLocal(f.Name) || strings.Contains(f.Name, `\`) {
			return 0, fmt.Errorf("archive %s: illegal entry path %q", filepath.Base(archivePath), f.Name)
		}
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "META-INF/") || !isNativeLibrary(f.Name) {
			continue
		}
		entries = append(entries, f)
	}

	written := 0
	for _, f := range entries {
		dest := filepath.Join(destDir, path.Base(f.Name))
		if unchanged(f, dest) {
			continue
		}
		if err := extractEntry(f, dest); err != nil {
			return written, fmt.Errorf("archive %s: %w", filepath.Base(archivePath), err)
		}
		written++
	}
	return written, nil
}

// unchanged reports whether dest already holds the content of f, judged by
// size and the CRC-32 the archive records for the entry.
func unchanged(f *zip.File, dest string) bool {
	info, err := os.Stat(dest)
	if err != nil || !info.Mode().IsRegular() || uint64(info.Size()) != f.UncompressedSize64 {
		return false
	}
	existing, err := os.Open(dest)
	if err != nil {
		return false
	}
	defer existing.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, existing); err != nil {
		return false
	}
	return h.Sum32() == f.CRC32
}

func extractEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	// Bound the copy by the declared size so a lying header cannot fill the disk.
	cr := &countingReader{r: io.LimitReader(rc, int64(f.UncompressedSize64)+1)}
	return writeAtomic(dest, cr, func() error {
		if uint64(cr.n) != f.UncompressedSize64 {
			return fmt.Errorf("entry %s: size %d does not match header %d", f.Name, cr.n, f.UncompressedSize64)
		}
		return nil
	})
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// ConsolidateNatives copies native libraries from the per-platform
// subdirectories of root into root itself, where the game's library path
// points. Files already present in root are left alone.
func ConsolidateNatives(root string) (int, error) {
	copied := 0
	for _, dir := range nativePlatformDirs {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return copied, fmt.Errorf("reading natives/%s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || !isNativeLibrary(e.Name()) {
				continue
			}
			dest := filepath.Join(root, e.Name())
			if _, err := os.Stat(dest); err == nil {
				continue
			}
			if err := copyFile(filepath.Join(root, dir, e.Name()), dest); err != nil {
				return copied, err
			}
			copied++
		}
	}
	return copied, nil
}

func copyFile(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer f.Close()
	return writeAtomic(dest, f, nil)
}
