package cdist

import (
	"context"
	"io"
)

// Vault is a content-addressed mirror for published client files, plus a
// small metadata area holding encrypted catalog snapshots.
type Vault interface {
	// PutContent stores content under its sha256 checksum. Storing the same
	// checksum twice is safe. size is the number of bytes read from r.
	PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error

	// HasContent reports whether checksum is already stored.
	HasContent(ctx context.Context, checksum string) (bool, error)

	// GetContent writes the content stored under checksum to w.
	GetContent(ctx context.Context, checksum string, w io.Writer) error

	// PutMetadata stores a named item for a catalog along with a version
	// marker used to detect a local catalog that is behind the mirror.
	// Known names: "catalog" (encrypted SQLite snapshot).
	PutMetadata(ctx context.Context, catalogID, name string, r io.Reader, size int64, version int64) error

	// GetMetadata writes a named metadata item to w.
	GetMetadata(ctx context.Context, catalogID, name string, w io.Writer) error

	// GetMetadataVersion returns the stored version marker, or 0 when the item does not exist.
	GetMetadataVersion(ctx context.Context, catalogID, name string) (int64, error)

	// ValidateSetup verifies the vault is reachable and writable.
	ValidateSetup(ctx context.Context) error
}
