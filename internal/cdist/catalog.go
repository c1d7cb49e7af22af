package cdist

import (
	"context"
	"time"

	"cdist-go/internal/model"
)

// Catalog is the relational store of client versions, their files and
// verification state. Lookups return nil, nil when nothing matches.
type Catalog interface {
	// Version operations

	// EnsureVersion creates v when no row with v.Version exists and returns
	// the stored row either way. Concurrent callers with the same version
	// string all receive the same row.
	EnsureVersion(ctx context.Context, v *model.ClientVersion) (*model.ClientVersion, error)

	// FindVersion returns the version with an exact version string match.
	FindVersion(ctx context.Context, version string) (*model.ClientVersion, error)

	// FindVersionByID returns the version with the given ID.
	FindVersionByID(ctx context.Context, id string) (*model.ClientVersion, error)

	// ListVersions returns every cataloged version.
	ListVersions(ctx context.Context) ([]*model.ClientVersion, error)

	// UpdateVersionJar records the hash and size of the version's root client.jar.
	UpdateVersionJar(ctx context.Context, versionID, hash string, size int64) error

	// File operations

	// FindFile returns one file row by its unique location.
	FindFile(ctx context.Context, versionID, clientDirectory, filePath string) (*model.ClientFile, error)

	// FindFilesByVersion returns all file rows of a version, across client directories.
	FindFilesByVersion(ctx context.Context, versionID string) ([]*model.ClientFile, error)

	// FindFilesByDirectory returns the file rows of one client directory of a version.
	FindFilesByDirectory(ctx context.Context, versionID, clientDirectory string) ([]*model.ClientFile, error)

	// UpsertFile inserts f, or updates hash, size and type of the existing row
	// when its hash or size differ. Updated rows lose their verification state.
	// Rows that already match are not written.
	UpsertFile(ctx context.Context, f *model.ClientFile) (model.UpsertResult, error)

	// DeleteFile removes one file row. Returns false when no row existed.
	DeleteFile(ctx context.Context, versionID, clientDirectory, filePath string) (bool, error)

	// UpdateFileVerification stores the outcome of an integrity check.
	UpdateFileVerification(ctx context.Context, fileID string, verified, failed bool, at time.Time) error

	// VersionStats counts total, verified and failed files of a version.
	VersionStats(ctx context.Context, versionID string) (*model.VersionStats, error)

	// Profile operations

	// FindProfileByDirectory returns the profile owning a client directory.
	FindProfileByDirectory(ctx context.Context, clientDirectory string) (*model.Profile, error)

	// FindProfilesByVersion returns the profiles serving a version string.
	FindProfilesByVersion(ctx context.Context, version string) ([]*model.Profile, error)

	// UpsertProfile creates or replaces the profile for p.ClientDirectory.
	UpsertProfile(ctx context.Context, p *model.Profile) error

	// Operation history

	CreateSyncOperation(ctx context.Context, operation, parameters string) (*model.SyncOperation, error)
	FinishSyncOperation(ctx context.Context, id int64, status string) error
	ListSyncOperations(ctx context.Context, limit int) ([]*model.SyncOperation, error)
	MaxSyncOperationID(ctx context.Context) (int64, error)

	// CheckMigrations verifies the schema is at the latest migration.
	CheckMigrations() error

	// BackupTo writes a consistent copy of the catalog to destPath.
	BackupTo(destPath string) error

	// Close closes the catalog connection.
	Close() error
}
