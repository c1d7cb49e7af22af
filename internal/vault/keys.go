package vault

import (
	"fmt"
	"io"
	"strings"
)

// checkChecksum rejects checksums that could escape the content shard
// directory or are too short to shard.
func checkChecksum(checksum string) error {
	if len(checksum) < 3 || strings.ContainsAny(checksum, `/\.`) {
		return fmt.Errorf("invalid checksum: %q", checksum)
	}
	return nil
}

func checkMetadataKey(catalogID, name string) error {
	for _, part := range []string{catalogID, name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return fmt.Errorf("invalid metadata key: %q/%q", catalogID, name)
		}
	}
	return nil
}

// drainSized consumes r when the object is already stored so a short body
// is still reported.
func drainSized(r io.Reader, size int64) error {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, n)
	}
	return nil
}
