package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cdist-go/internal/model"
)

// newTestCatalog creates a new in-memory catalog with the schema applied.
func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()

	c, err := NewSQLiteCatalog(":memory:", nil, nil)
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	if _, err := c.db.Exec(Schema); err != nil {
		c.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func mustVersion(t *testing.T, c *SQLiteCatalog, version string) *model.ClientVersion {
	t.Helper()
	v, err := c.EnsureVersion(context.Background(), &model.ClientVersion{Version: version, Title: version, Enabled: true})
	if err != nil {
		t.Fatalf("EnsureVersion(%q) error = %v", version, err)
	}
	return v
}

func TestSQLiteCatalog_EnsureVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("creates version on first call", func(t *testing.T) {
		c := newTestCatalog(t)

		v, err := c.EnsureVersion(ctx, &model.ClientVersion{Version: "1.20.1", Title: "Vanilla", MainClass: "net.minecraft.client.main.Main", Enabled: true})
		if err != nil {
			t.Fatalf("EnsureVersion() error = %v", err)
		}
		if v.ID == "" {
			t.Error("ID is empty")
		}
		if v.Title != "Vanilla" {
			t.Errorf("Title = %q, want %q", v.Title, "Vanilla")
		}
		if !v.Enabled {
			t.Error("Enabled = false, want true")
		}
		if v.CreatedAt.IsZero() {
			t.Error("CreatedAt is zero")
		}
	})

	t.Run("returns existing row without overwriting it", func(t *testing.T) {
		c := newTestCatalog(t)

		first := mustVersion(t, c, "1.20.1")
		second, err := c.EnsureVersion(ctx, &model.ClientVersion{Version: "1.20.1", Title: "Other"})
		if err != nil {
			t.Fatalf("EnsureVersion() error = %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("ID = %q, want %q", second.ID, first.ID)
		}
		if second.Title != "1.20.1" {
			t.Errorf("Title = %q, want original title", second.Title)
		}
	})

	t.Run("concurrent calls never fail on duplicate key", func(t *testing.T) {
		c := newTestCatalog(t)

		const n = 16
		ids := make([]string, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := c.EnsureVersion(ctx, &model.ClientVersion{Version: "1.20.1"})
				errs[i] = err
				if v != nil {
					ids[i] = v.ID
				}
			}()
		}
		wg.Wait()

		for i := range n {
			if errs[i] != nil {
				t.Fatalf("EnsureVersion() call %d error = %v", i, errs[i])
			}
			if ids[i] != ids[0] {
				t.Errorf("call %d got ID %q, want %q", i, ids[i], ids[0])
			}
		}
	})
}

func TestSQLiteCatalog_FindVersion(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	got, err := c.FindVersion(ctx, "missing")
	if err != nil {
		t.Fatalf("FindVersion() error = %v", err)
	}
	if got != nil {
		t.Errorf("FindVersion() = %v, want nil", got)
	}

	created := mustVersion(t, c, "1.20.1")
	byID, err := c.FindVersionByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("FindVersionByID() error = %v", err)
	}
	if byID == nil || byID.Version != "1.20.1" {
		t.Errorf("FindVersionByID() = %v, want version 1.20.1", byID)
	}

	mustVersion(t, c, "1.19.4")
	list, err := c.ListVersions(ctx)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(list) != 2 || list[0].Version != "1.19.4" {
		t.Errorf("ListVersions() = %d rows, first %q; want 2 rows ordered by version", len(list), list[0].Version)
	}
}

func TestSQLiteCatalog_UpdateVersionJar(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	v := mustVersion(t, c, "1.20.1")

	if err := c.UpdateVersionJar(ctx, v.ID, "abc123", 4096); err != nil {
		t.Fatalf("UpdateVersionJar() error = %v", err)
	}

	got, _ := c.FindVersion(ctx, "1.20.1")
	if got.ClientJarHash != "abc123" || got.ClientJarSize != 4096 {
		t.Errorf("jar = (%q, %d), want (abc123, 4096)", got.ClientJarHash, got.ClientJarSize)
	}
}

func TestSQLiteCatalog_UpsertFile(t *testing.T) {
	ctx := context.Background()

	newFile := func(versionID, hash string, size int64) *model.ClientFile {
		return &model.ClientFile{
			VersionID:       versionID,
			ClientDirectory: "vanilla",
			FilePath:        "libraries/lib.jar",
			FileHash:        hash,
			FileSize:        size,
			FileType:        model.FileTypeLibrary,
		}
	}

	t.Run("adds new file", func(t *testing.T) {
		c := newTestCatalog(t)
		v := mustVersion(t, c, "1.20.1")

		f := newFile(v.ID, "aaa", 10)
		res, err := c.UpsertFile(ctx, f)
		if err != nil {
			t.Fatalf("UpsertFile() error = %v", err)
		}
		if res != model.UpsertAdded {
			t.Errorf("UpsertFile() = %v, want UpsertAdded", res)
		}
		if f.ID == "" {
			t.Error("ID not filled in")
		}

		stored, err := c.FindFile(ctx, v.ID, "vanilla", "libraries/lib.jar")
		if err != nil {
			t.Fatalf("FindFile() error = %v", err)
		}
		if stored == nil {
			t.Fatal("FindFile() returned nil")
		}
		if stored.FileType != model.FileTypeLibrary {
			t.Errorf("FileType = %q, want %q", stored.FileType, model.FileTypeLibrary)
		}
		if stored.LastVerified.Valid {
			t.Error("LastVerified should be null for a new file")
		}
	})

	t.Run("unchanged file is not written", func(t *testing.T) {
		c := newTestCatalog(t)
		v := mustVersion(t, c, "1.20.1")

		if _, err := c.UpsertFile(ctx, newFile(v.ID, "aaa", 10)); err != nil {
			t.Fatalf("UpsertFile() error = %v", err)
		}
		stored, _ := c.FindFile(ctx, v.ID, "vanilla", "libraries/lib.jar")
		verifiedAt := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
		if err := c.UpdateFileVerification(ctx, stored.ID, true, false, verifiedAt); err != nil {
			t.Fatalf("UpdateFileVerification() error = %v", err)
		}

		res, err := c.UpsertFile(ctx, newFile(v.ID, "aaa", 10))
		if err != nil {
			t.Fatalf("UpsertFile() error = %v", err)
		}
		if res != model.UpsertUnchanged {
			t.Errorf("UpsertFile() = %v, want UpsertUnchanged", res)
		}

		after, _ := c.FindFile(ctx, v.ID, "vanilla", "libraries/lib.jar")
		if !after.Verified {
			t.Error("Verified was reset on an unchanged file")
		}
		if !after.LastVerified.Valid || !after.LastVerified.Time.Equal(verifiedAt) {
			t.Errorf("LastVerified = %v, want %v", after.LastVerified, verifiedAt)
		}
	})

	t.Run("changed hash resets verification", func(t *testing.T) {
		c := newTestCatalog(t)
		v := mustVersion(t, c, "1.20.1")

		if _, err := c.UpsertFile(ctx, newFile(v.ID, "aaa", 10)); err != nil {
			t.Fatalf("UpsertFile() error = %v", err)
		}
		stored, _ := c.FindFile(ctx, v.ID, "vanilla", "libraries/lib.jar")
		if err := c.UpdateFileVerification(ctx, stored.ID, false, true, time.Now()); err != nil {
			t.Fatalf("UpdateFileVerification() error = %v", err)
		}

		res, err := c.UpsertFile(ctx, newFile(v.ID, "bbb", 12))
		if err != nil {
			t.Fatalf("UpsertFile() error = %v", err)
		}
		if res != model.UpsertUpdated {
			t.Errorf("UpsertFile() = %v, want UpsertUpdated", res)
		}

		after, _ := c.FindFile(ctx, v.ID, "vanilla", "libraries/lib.jar")
		if after.ID != stored.ID {
			t.Errorf("ID changed on update: %q -> %q", stored.ID, after.ID)
		}
		if after.FileHash != "bbb" || after.FileSize != 12 {
			t.Errorf("file = (%q, %d), want (bbb, 12)", after.FileHash, after.FileSize)
		}
		if after.Verified || after.IntegrityCheckFailed || after.LastVerified.Valid {
			t.Errorf("verification not reset: verified=%v failed=%v last=%v",
				after.Verified, after.IntegrityCheckFailed, after.LastVerified)
		}
	})

	t.Run("same path in different client directories", func(t *testing.T) {
		c := newTestCatalog(t)
		v := mustVersion(t, c, "1.20.1")

		a := newFile(v.ID, "aaa", 10)
		b := newFile(v.ID, "aaa", 10)
		b.ClientDirectory = "vanilla-hd"
		for _, f := range []*model.ClientFile{a, b} {
			res, err := c.UpsertFile(ctx, f)
			if err != nil {
				t.Fatalf("UpsertFile() error = %v", err)
			}
			if res != model.UpsertAdded {
				t.Errorf("UpsertFile(%s) = %v, want UpsertAdded", f.ClientDirectory, res)
			}
		}

		files, err := c.FindFilesByVersion(ctx, v.ID)
		if err != nil {
			t.Fatalf("FindFilesByVersion() error = %v", err)
		}
		if len(files) != 2 {
			t.Errorf("len(files) = %d, want 2", len(files))
		}

		only, err := c.FindFilesByDirectory(ctx, v.ID, "vanilla-hd")
		if err != nil {
			t.Fatalf("FindFilesByDirectory() error = %v", err)
		}
		if len(only) != 1 {
			t.Errorf("len(FindFilesByDirectory) = %d, want 1", len(only))
		}
	})
}

func TestSQLiteCatalog_DeleteFile(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	v := mustVersion(t, c, "1.20.1")

	f := &model.ClientFile{VersionID: v.ID, ClientDirectory: "vanilla", FilePath: "client.jar", FileHash: "aaa", FileSize: 1, FileType: model.FileTypeJar}
	if _, err := c.UpsertFile(ctx, f); err != nil {
		t.Fatalf("UpsertFile() error = %v", err)
	}

	deleted, err := c.DeleteFile(ctx, v.ID, "vanilla", "client.jar")
	if err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}
	if !deleted {
		t.Error("DeleteFile() = false, want true")
	}

	deleted, err = c.DeleteFile(ctx, v.ID, "vanilla", "client.jar")
	if err != nil {
		t.Fatalf("second DeleteFile() error = %v", err)
	}
	if deleted {
		t.Error("second DeleteFile() = true, want false")
	}
}

func TestSQLiteCatalog_VersionStats(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	v := mustVersion(t, c, "1.20.1")

	stats, err := c.VersionStats(ctx, v.ID)
	if err != nil {
		t.Fatalf("VersionStats() error = %v", err)
	}
	if stats.TotalFiles != 0 {
		t.Errorf("TotalFiles = %d, want 0", stats.TotalFiles)
	}

	var ids []string
	for i := range 3 {
		f := &model.ClientFile{VersionID: v.ID, ClientDirectory: "vanilla", FilePath: fmt.Sprintf("f%d", i), FileHash: "h", FileSize: 1, FileType: model.FileTypeOther}
		if _, err := c.UpsertFile(ctx, f); err != nil {
			t.Fatalf("UpsertFile() error = %v", err)
		}
		ids = append(ids, f.ID)
	}
	c.UpdateFileVerification(ctx, ids[0], true, false, time.Now())
	c.UpdateFileVerification(ctx, ids[1], false, true, time.Now())

	stats, err = c.VersionStats(ctx, v.ID)
	if err != nil {
		t.Fatalf("VersionStats() error = %v", err)
	}
	want := model.VersionStats{TotalFiles: 3, VerifiedFiles: 1, FailedFiles: 1}
	if *stats != want {
		t.Errorf("VersionStats() = %+v, want %+v", *stats, want)
	}
}

func TestSQLiteCatalog_Profiles(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	got, err := c.FindProfileByDirectory(ctx, "forge")
	if err != nil {
		t.Fatalf("FindProfileByDirectory() error = %v", err)
	}
	if got != nil {
		t.Errorf("FindProfileByDirectory() = %v, want nil", got)
	}

	p := &model.Profile{Name: "Forge", ClientDirectory: "forge", Version: "1.20.1-forge"}
	if err := c.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile() error = %v", err)
	}

	replaced := &model.Profile{Name: "Forge 47", ClientDirectory: "forge", Version: "1.20.1-forge-47"}
	if err := c.UpsertProfile(ctx, replaced); err != nil {
		t.Fatalf("second UpsertProfile() error = %v", err)
	}

	got, err = c.FindProfileByDirectory(ctx, "forge")
	if err != nil {
		t.Fatalf("FindProfileByDirectory() error = %v", err)
	}
	if got == nil || got.Version != "1.20.1-forge-47" || got.Name != "Forge 47" {
		t.Errorf("FindProfileByDirectory() = %+v, want replaced profile", got)
	}

	byVersion, err := c.FindProfilesByVersion(ctx, "1.20.1-forge-47")
	if err != nil {
		t.Fatalf("FindProfilesByVersion() error = %v", err)
	}
	if len(byVersion) != 1 {
		t.Errorf("len(FindProfilesByVersion) = %d, want 1", len(byVersion))
	}
}

func TestSQLiteCatalog_SyncOperations(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	maxID, err := c.MaxSyncOperationID(ctx)
	if err != nil {
		t.Fatalf("MaxSyncOperationID() error = %v", err)
	}
	if maxID != 0 {
		t.Errorf("MaxSyncOperationID() = %d, want 0", maxID)
	}

	first, err := c.CreateSyncOperation(ctx, "Reconcile", "vanilla")
	if err != nil {
		t.Fatalf("CreateSyncOperation() error = %v", err)
	}
	second, err := c.CreateSyncOperation(ctx, "VerifyVersion", "1.20.1")
	if err != nil {
		t.Fatalf("CreateSyncOperation() error = %v", err)
	}
	if second.ID <= first.ID {
		t.Errorf("IDs not increasing: %d then %d", first.ID, second.ID)
	}
	if err := c.FinishSyncOperation(ctx, first.ID, "error"); err != nil {
		t.Fatalf("FinishSyncOperation() error = %v", err)
	}

	ops, err := c.ListSyncOperations(ctx, 10)
	if err != nil {
		t.Fatalf("ListSyncOperations() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2", len(ops))
	}
	if ops[0].ID != second.ID {
		t.Errorf("first listed op = %d, want newest %d", ops[0].ID, second.ID)
	}
	if ops[1].Status != "error" || !ops[1].FinishedAt.Valid {
		t.Errorf("finished op = status %q finished %v", ops[1].Status, ops[1].FinishedAt)
	}

	maxID, _ = c.MaxSyncOperationID(ctx)
	if maxID != second.ID {
		t.Errorf("MaxSyncOperationID() = %d, want %d", maxID, second.ID)
	}
}

func TestSQLiteCatalog_BackupTo(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	mustVersion(t, c, "1.20.1")

	dest := filepath.Join(t.TempDir(), "snapshot.db")
	if err := c.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	restored, err := NewSQLiteCatalog(dest, nil, nil)
	if err != nil {
		t.Fatalf("opening snapshot: %v", err)
	}
	defer restored.Close()

	v, err := restored.FindVersion(ctx, "1.20.1")
	if err != nil {
		t.Fatalf("FindVersion() error = %v", err)
	}
	if v == nil {
		t.Error("version missing from snapshot")
	}
}
