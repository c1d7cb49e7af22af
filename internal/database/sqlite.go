package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cdist-go/internal/cdist"
	"cdist-go/internal/database/migrations"
	"cdist-go/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteCatalog implements cdist.Catalog on SQLite.
//
// The pool is limited to a single connection: SQLite allows one writer at a
// time and an in-memory database only exists on the connection that created
// it. Statements inside a transaction must use the tx, never s.db.
type SQLiteCatalog struct {
	db    *sql.DB
	path  string
	clock cdist.Clock
	idgen cdist.IDGenerator
}

// NewSQLiteCatalog opens a catalog at path, or ":memory:" for an in-memory
// catalog. A nil clock or idgen falls back to the real implementations.
func NewSQLiteCatalog(path string, clock cdist.Clock, idgen cdist.IDGenerator) (*SQLiteCatalog, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteCatalogFromDB(db, path, clock, idgen), nil
}

// NewSQLiteCatalogFromDB wraps an already configured connection.
func NewSQLiteCatalogFromDB(db *sql.DB, path string, clock cdist.Clock, idgen cdist.IDGenerator) *SQLiteCatalog {
	if clock == nil {
		clock = cdist.RealClock{}
	}
	if idgen == nil {
		idgen = cdist.UUIDGenerator{}
	}
	return &SQLiteCatalog{db: db, path: path, clock: clock, idgen: idgen}
}

// OpenConnection opens a SQLite database and applies the connection
// settings the catalog relies on.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}
	return db, nil
}

// Version operations

const versionColumns = `id, version, title, main_class, jvm_version, client_jar_hash, client_jar_size, enabled, created_at`

func scanVersion(row interface{ Scan(...any) error }) (*model.ClientVersion, error) {
	var v model.ClientVersion
	if err := row.Scan(&v.ID, &v.Version, &v.Title, &v.MainClass, &v.JvmVersion,
		&v.ClientJarHash, &v.ClientJarSize, &v.Enabled, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLiteCatalog) EnsureVersion(ctx context.Context, v *model.ClientVersion) (*model.ClientVersion, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_versions (id, version, title, main_class, jvm_version, client_jar_hash, client_jar_size, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(version) DO NOTHING`,
		s.idgen.New(), v.Version, v.Title, v.MainClass, v.JvmVersion, v.ClientJarHash, v.ClientJarSize, v.Enabled, s.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("inserting version: %w", err)
	}

	stored, err := s.FindVersion(ctx, v.Version)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("version %q missing after insert", v.Version)
	}
	return stored, nil
}

func (s *SQLiteCatalog) FindVersion(ctx context.Context, version string) (*model.ClientVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM client_versions WHERE version = ?`, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding version: %w", err)
	}
	return v, nil
}

func (s *SQLiteCatalog) FindVersionByID(ctx context.Context, id string) (*model.ClientVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM client_versions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding version by id: %w", err)
	}
	return v, nil
}

func (s *SQLiteCatalog) ListVersions(ctx context.Context) ([]*model.ClientVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+versionColumns+` FROM client_versions ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	defer rows.Close()

	var out []*model.ClientVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteCatalog) UpdateVersionJar(ctx context.Context, versionID, hash string, size int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE client_versions SET client_jar_hash = ?, client_jar_size = ? WHERE id = ?`,
		hash, size, versionID)
	if err != nil {
		return fmt.Errorf("updating client jar: %w", err)
	}
	return nil
}

// File operations

const fileColumns = `id, version_id, client_directory, file_path, file_hash, file_size, file_type,
	verified, integrity_check_failed, last_verified, created_at, updated_at`

func scanFile(row interface{ Scan(...any) error }) (*model.ClientFile, error) {
	var f model.ClientFile
	var fileType string
	if err := row.Scan(&f.ID, &f.VersionID, &f.ClientDirectory, &f.FilePath, &f.FileHash, &f.FileSize, &fileType,
		&f.Verified, &f.IntegrityCheckFailed, &f.LastVerified, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.FileType = model.FileType(fileType)
	return &f, nil
}

func (s *SQLiteCatalog) queryFiles(ctx context.Context, query string, args ...any) ([]*model.ClientFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ClientFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteCatalog) FindFile(ctx context.Context, versionID, clientDirectory, filePath string) (*model.ClientFile, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM client_files WHERE version_id = ? AND client_directory = ? AND file_path = ?`,
		versionID, clientDirectory, filePath))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding file: %w", err)
	}
	return f, nil
}

func (s *SQLiteCatalog) FindFilesByVersion(ctx context.Context, versionID string) ([]*model.ClientFile, error) {
	files, err := s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM client_files WHERE version_id = ? ORDER BY client_directory, file_path`,
		versionID)
	if err != nil {
		return nil, fmt.Errorf("finding files by version: %w", err)
	}
	return files, nil
}

func (s *SQLiteCatalog) FindFilesByDirectory(ctx context.Context, versionID, clientDirectory string) ([]*model.ClientFile, error) {
	files, err := s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM client_files WHERE version_id = ? AND client_directory = ? ORDER BY file_path`,
		versionID, clientDirectory)
	if err != nil {
		return nil, fmt.Errorf("finding files by directory: %w", err)
	}
	return files, nil
}

// UpsertFile compares f against the stored row inside one transaction.
// On insert or update f.ID and the timestamps are filled in from the stored row.
func (s *SQLiteCatalog) UpsertFile(ctx context.Context, f *model.ClientFile) (model.UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.UpsertUnchanged, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now().UTC()
	existing, err := scanFile(tx.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM client_files WHERE version_id = ? AND client_directory = ? AND file_path = ?`,
		f.VersionID, f.ClientDirectory, f.FilePath))

	var result model.UpsertResult
	switch {
	case errors.Is(err, sql.ErrNoRows):
		f.ID = s.idgen.New()
		f.Verified, f.IntegrityCheckFailed, f.LastVerified = false, false, sql.NullTime{}
		f.CreatedAt, f.UpdatedAt = now, now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO client_files (id, version_id, client_directory, file_path, file_hash, file_size, file_type,
				verified, integrity_check_failed, last_verified, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, NULL, ?, ?)`,
			f.ID, f.VersionID, f.ClientDirectory, f.FilePath, f.FileHash, f.FileSize, string(f.FileType), now, now)
		if err != nil {
			return model.UpsertUnchanged, fmt.Errorf("inserting file: %w", err)
		}
		result = model.UpsertAdded

	case err != nil:
		return model.UpsertUnchanged, fmt.Errorf("finding file: %w", err)

	case existing.FileHash == f.FileHash && existing.FileSize == f.FileSize:
		*f = *existing
		return model.UpsertUnchanged, nil

	default:
		f.ID = existing.ID
		f.CreatedAt, f.UpdatedAt = existing.CreatedAt, now
		f.Verified, f.IntegrityCheckFailed, f.LastVerified = false, false, sql.NullTime{}
		_, err = tx.ExecContext(ctx, `
			UPDATE client_files
			SET file_hash = ?, file_size = ?, file_type = ?, verified = 0, integrity_check_failed = 0,
				last_verified = NULL, updated_at = ?
			WHERE id = ?`,
			f.FileHash, f.FileSize, string(f.FileType), now, existing.ID)
		if err != nil {
			return model.UpsertUnchanged, fmt.Errorf("updating file: %w", err)
		}
		result = model.UpsertUpdated
	}

	if err := tx.Commit(); err != nil {
		return model.UpsertUnchanged, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

func (s *SQLiteCatalog) DeleteFile(ctx context.Context, versionID, clientDirectory, filePath string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM client_files WHERE version_id = ? AND client_directory = ? AND file_path = ?`,
		versionID, clientDirectory, filePath)
	if err != nil {
		return false, fmt.Errorf("deleting file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("counting deleted rows: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteCatalog) UpdateFileVerification(ctx context.Context, fileID string, verified, failed bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE client_files SET verified = ?, integrity_check_failed = ?, last_verified = ? WHERE id = ?`,
		verified, failed, at.UTC(), fileID)
	if err != nil {
		return fmt.Errorf("updating verification: %w", err)
	}
	return nil
}

func (s *SQLiteCatalog) VersionStats(ctx context.Context, versionID string) (*model.VersionStats, error) {
	var st model.VersionStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN verified = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN integrity_check_failed = 1 THEN 1 ELSE 0 END), 0)
		FROM client_files WHERE version_id = ?`, versionID).
		Scan(&st.TotalFiles, &st.VerifiedFiles, &st.FailedFiles)
	if err != nil {
		return nil, fmt.Errorf("computing version stats: %w", err)
	}
	return &st, nil
}

// Profile operations

const profileColumns = `id, name, client_directory, version, title, main_class, jvm_version, created_at`

func scanProfile(row interface{ Scan(...any) error }) (*model.Profile, error) {
	var p model.Profile
	if err := row.Scan(&p.ID, &p.Name, &p.ClientDirectory, &p.Version, &p.Title, &p.MainClass, &p.JvmVersion, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteCatalog) FindProfileByDirectory(ctx context.Context, clientDirectory string) (*model.Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE client_directory = ?`, clientDirectory))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding profile by directory: %w", err)
	}
	return p, nil
}

func (s *SQLiteCatalog) FindProfilesByVersion(ctx context.Context, version string) ([]*model.Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE version = ? ORDER BY created_at, client_directory`, version)
	if err != nil {
		return nil, fmt.Errorf("finding profiles by version: %w", err)
	}
	defer rows.Close()

	var out []*model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteCatalog) UpsertProfile(ctx context.Context, p *model.Profile) error {
	if p.ID == "" {
		p.ID = s.idgen.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, name, client_directory, version, title, main_class, jvm_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_directory) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			title = excluded.title,
			main_class = excluded.main_class,
			jvm_version = excluded.jvm_version`,
		p.ID, p.Name, p.ClientDirectory, p.Version, p.Title, p.MainClass, p.JvmVersion, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}
	return nil
}

// Operation history

func (s *SQLiteCatalog) CreateSyncOperation(ctx context.Context, operation, parameters string) (*model.SyncOperation, error) {
	op := &model.SyncOperation{
		Operation:  operation,
		Parameters: parameters,
		StartedAt:  s.clock.Now().UTC(),
		Status:     "success",
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_operations (operation, parameters, started_at, status) VALUES (?, ?, ?, ?)`,
		op.Operation, op.Parameters, op.StartedAt, op.Status)
	if err != nil {
		return nil, fmt.Errorf("creating sync operation: %w", err)
	}
	if op.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading sync operation id: %w", err)
	}
	return op, nil
}

func (s *SQLiteCatalog) FinishSyncOperation(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_operations SET finished_at = ?, status = ? WHERE id = ?`,
		s.clock.Now().UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing sync operation: %w", err)
	}
	return nil
}

func (s *SQLiteCatalog) ListSyncOperations(ctx context.Context, limit int) ([]*model.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, parameters, started_at, finished_at, status
		FROM sync_operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	defer rows.Close()

	var out []*model.SyncOperation
	for rows.Next() {
		var op model.SyncOperation
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.StartedAt, &op.FinishedAt, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning sync operation: %w", err)
		}
		out = append(out, &op)
	}
	return out, rows.Err()
}

func (s *SQLiteCatalog) MaxSyncOperationID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM sync_operations`).Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max sync operation id: %w", err)
	}
	return id, nil
}

// Path returns the database file path, or ":memory:".
func (s *SQLiteCatalog) Path() string {
	return s.path
}

// CheckMigrations verifies the schema is up to date.
func (s *SQLiteCatalog) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Migrate applies pending schema migrations.
func (s *SQLiteCatalog) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// BackupTo writes a complete copy of the catalog to destPath using VACUUM INTO.
// destPath must not exist.
func (s *SQLiteCatalog) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteCatalog) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteCatalog implements cdist.Catalog.
var _ cdist.Catalog = (*SQLiteCatalog)(nil)
