package download

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrChecksumMismatch is wrapped by every ChecksumError.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ChecksumError reports downloaded content whose hash differs from the
// expected one.
type ChecksumError struct {
	Source   string
	Expected string
	Got      string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum verification failed for %s: expected %s, got %s", e.Source, e.Expected, e.Got)
}

// Unwrap returns ErrChecksumMismatch so callers can use errors.Is.
func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// newHasher picks the digest matching the length of a hex hash: 40
// characters for SHA-1, 64 for SHA-256.
func newHasher(expected string) (hash.Hash, error) {
	switch len(expected) {
	case 40:
		return sha1.New(), nil
	case 64:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash %q: want 40 or 64 hex characters", expected)
	}
}

func verifyBytes(data []byte, expected, source string) error {
	h, err := newHasher(expected)
	if err != nil {
		return err
	}
	h.Write(data)
	if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, expected) {
		return &ChecksumError{Source: source, Expected: strings.ToLower(expected), Got: got}
	}
	return nil
}

// fileMatches reports whether path exists and, when expected is set, hashes
// to it.
func fileMatches(path, expected string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if expected == "" {
		return true, nil
	}
	h, err := newHasher(expected)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return false, fmt.Errorf("hashing %s: %w", path, err)
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), expected), nil
}

// FetchWithVerification makes destPath hold the content at url. An existing
// file that matches expectedHash, or any existing file when expectedHash is
// empty, is kept without touching the network. Otherwise the body streams
// into a temp file beside destPath, is verified, then renamed into place.
// fetched reports whether a download happened. A hash mismatch returns a
// *ChecksumError and leaves destPath untouched.
func (c *Coordinator) FetchWithVerification(ctx context.Context, url, destPath, expectedHash string) (fetched bool, err error) {
	ok, err := fileMatches(destPath, expectedHash)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", destPath, err)
	}
	if ok {
		return false, nil
	}

	var h hash.Hash
	if expectedHash != "" {
		if h, err = newHasher(expectedHash); err != nil {
			return false, err
		}
	}

	resp, err := c.get(ctx, url)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if h != nil {
		body = io.TeeReader(resp.Body, h)
	}
	if err := writeAtomic(destPath, body, func() error {
		if h == nil {
			return nil
		}
		if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, expectedHash) {
			return &ChecksumError{Source: url, Expected: strings.ToLower(expectedHash), Got: got}
		}
		return nil
	}); err != nil {
		return false, err
	}
	return true, nil
}

// writeAtomic copies r to a temp file next to dest and renames it into
// place once check, if non-nil, accepts the written content.
func writeAtomic(dest string, r io.Reader, check func() error) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("moving %s into place: %w", dest, err)
	}
	committed = true
	return nil
}

// writeFileIfChanged replaces dest with data unless it already holds it.
func writeFileIfChanged(dest string, data []byte) (bool, error) {
	if existing, err := os.ReadFile(dest); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := writeAtomic(dest, bytes.NewReader(data), nil); err != nil {
		return false, err
	}
	return true, nil
}
