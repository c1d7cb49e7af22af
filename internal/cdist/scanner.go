package cdist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"cdist-go/internal/model"
)

// ClientJarName is the base binary at the root of every client directory.
const ClientJarName = "client.jar"

// VersionDescriptorName is the launch descriptor written next to client.jar.
const VersionDescriptorName = "version.json"

var nativeExtensions = map[string]bool{
	".so":     true,
	".dll":    true,
	".dylib":  true,
	".jnilib": true,
}

// ScannedFile is one file found on disk by Scan.
type ScannedFile struct {
	RelativePath string // POSIX, relative to the scanned root
	Size         int64
	Hash         string // lowercase hex sha256
	Type         model.FileType
}

// ScanResult holds the files of one scan and the number of files that
// could not be read.
type ScanResult struct {
	Files  []ScannedFile
	Errors int
}

// Scan walks root and hashes every eligible file. A file that cannot be
// read is logged and counted; it never aborts the scan.
func (s *Service) Scan(ctx context.Context, root *Path) (*ScanResult, error) {
	if !root.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root.String())
	}

	result := &ScanResult{}
	paths, err := s.fsmgr.FindFiles(root, func(p string, err error) {
		s.logger.Warn("skipping unreadable entry", "path", p, "error", err)
		result.Errors++
	})
	if err != nil {
		return nil, fmt.Errorf("finding files: %w", err)
	}

	result.Files = make([]ScannedFile, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rel, err := relativePOSIX(root.String(), p.String())
		if err != nil {
			s.logger.Warn("skipping file outside scan root", "path", p.String(), "error", err)
			result.Errors++
			continue
		}

		hash, size, err := s.hashFile(p)
		if err != nil {
			s.logger.Warn("failed to hash file", "path", p.String(), "error", err)
			result.Errors++
			continue
		}

		result.Files = append(result.Files, ScannedFile{
			RelativePath: rel,
			Size:         size,
			Hash:         hash,
			Type:         ClassifyFile(rel),
		})
	}

	s.logger.Debug("scan complete", "root", root.String(), "files", len(result.Files), "errors", result.Errors)
	return result, nil
}

func (s *Service) hashFile(p *Path) (string, int64, error) {
	rc, err := s.fsmgr.Open(p)
	if err != nil {
		return "", 0, fmt.Errorf("opening file: %w", err)
	}
	defer rc.Close()
	return HashReader(rc)
}

// HashReader returns the lowercase hex sha256 of everything read from r
// and the number of bytes read.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("reading content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ClassifyFile derives a file type from a POSIX path relative to a client
// directory root.
func ClassifyFile(relPath string) model.FileType {
	if relPath == ClientJarName {
		return model.FileTypeJar
	}

	dirs := strings.Split(path.Dir(relPath), "/")
	native := nativeExtensions[strings.ToLower(path.Ext(relPath))]

	switch {
	case slices.Contains(dirs, "libraries"):
		if native {
			return model.FileTypeNative
		}
		return model.FileTypeLibrary
	case slices.Contains(dirs, "natives") && native:
		return model.FileTypeNative
	case slices.Contains(dirs, AssetsDirectory):
		return model.FileTypeAsset
	}
	return model.FileTypeOther
}

// relativePOSIX returns target relative to root with forward slashes.
func relativePOSIX(root, target string) (string, error) {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not below %s", target, root)
	}
	return filepath.ToSlash(rel), nil
}
