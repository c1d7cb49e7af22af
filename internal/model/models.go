package model

import (
	"database/sql"
	"time"
)

// FileType classifies a file inside a client bundle.
type FileType string

const (
	FileTypeJar     FileType = "jar"
	FileTypeLibrary FileType = "library"
	FileTypeNative  FileType = "native"
	FileTypeAsset   FileType = "asset"
	FileTypeOther   FileType = "other"
)

// ClientVersion is a cataloged client release.
// Version is unique; several client directories may share one version.
type ClientVersion struct {
	ID            string // UUID
	Version       string // e.g. "1.20.1" or "1.20.1-forge-47.2.0"
	Title         string
	MainClass     string
	JvmVersion    string
	ClientJarHash string // sha256 of the root client.jar, empty until first scan
	ClientJarSize int64
	Enabled       bool
	CreatedAt     time.Time
}

// ClientFile is one file of a client bundle as recorded in the catalog.
// (VersionID, ClientDirectory, FilePath) is unique.
type ClientFile struct {
	ID                   string // UUID
	VersionID            string // Foreign key to ClientVersion
	ClientDirectory      string // Top-level directory under the updates root
	FilePath             string // POSIX path relative to the client directory
	FileHash             string // Lowercase hex sha256
	FileSize             int64
	FileType             FileType
	Verified             bool
	IntegrityCheckFailed bool
	LastVerified         sql.NullTime
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Profile binds a client directory to the version it serves.
type Profile struct {
	ID              string // UUID
	Name            string
	ClientDirectory string
	Version         string
	Title           string
	MainClass       string
	JvmVersion      string
	CreatedAt       time.Time
}

// SyncOperation records one mutating command run against the catalog.
// IDs are auto-incremented and double as catalog snapshot versions.
type SyncOperation struct {
	ID         int64
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string // "success" or "error"
}

// VersionStats summarizes verification state across a version's files.
type VersionStats struct {
	TotalFiles    int
	VerifiedFiles int
	FailedFiles   int
}

// UpsertResult reports what an upsert did to a file row.
type UpsertResult int

const (
	UpsertUnchanged UpsertResult = iota
	UpsertAdded
	UpsertUpdated
)
