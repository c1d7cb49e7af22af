package cdist_test

import (
	"context"
	"sync"
	"testing"

	"cdist-go/internal/cdist"
	"cdist-go/internal/model"
	"cdist-go/internal/testutil"
)

func TestService_Reconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("catalogs a new bundle", func(t *testing.T) {
		f := newFixture(t)
		f.addFile("vanilla", "client.jar", "jar")
		f.addFile("vanilla", "libraries/a/b.jar", "lib")
		f.addFile("vanilla", "natives/lwjgl.so", "so")

		res := f.reconcile(t, "vanilla")
		if res.Added != 3 || res.Updated != 0 || res.Errors != 0 {
			t.Errorf("Reconcile() = %+v, want 3 added", res)
		}

		v := f.version(t, "vanilla")
		if v.ClientJarHash != testutil.SHA256Hex([]byte("jar")) || v.ClientJarSize != 3 {
			t.Errorf("client jar = (%q, %d)", v.ClientJarHash, v.ClientJarSize)
		}
		if v.Title != "vanilla" {
			t.Errorf("Title = %q, want directory name", v.Title)
		}

		native := f.row(t, "vanilla", "vanilla", "natives/lwjgl.so")
		if native == nil || native.FileType != model.FileTypeNative {
			t.Errorf("native row = %+v", native)
		}
	})

	t.Run("second pass over unchanged tree changes nothing", func(t *testing.T) {
		f := newFixture(t)
		f.addFile("vanilla", "client.jar", "jar")
		f.addFile("vanilla", "options.txt", "opts")
		f.reconcile(t, "vanilla")

		before := f.row(t, "vanilla", "vanilla", "options.txt")
		f.sink.Reset()

		res := f.reconcile(t, "vanilla")
		if res.Added != 0 || res.Updated != 0 {
			t.Errorf("second Reconcile() = %+v, want no changes", res)
		}

		after := f.row(t, "vanilla", "vanilla", "options.txt")
		if !after.UpdatedAt.Equal(before.UpdatedAt) || after.ID != before.ID {
			t.Errorf("row rewritten: %+v -> %+v", before, after)
		}

		if n := len(f.sink.ByAction(cdist.ActionFileAdded)) + len(f.sink.ByAction(cdist.ActionFileUpdated)); n != 0 {
			t.Errorf("got %d file events on unchanged tree, want 0", n)
		}
		if n := len(f.sink.ByAction(cdist.ActionSync)); n != 1 {
			t.Errorf("got %d sync events, want 1", n)
		}
	})

	t.Run("modified file is updated and loses verification", func(t *testing.T) {
		f := newFixture(t)
		f.addFile("vanilla", "client.jar", "jar")
		f.addFile("vanilla", "options.txt", "opts")
		f.reconcile(t, "vanilla")

		if _, err := f.svc.VerifyVersion(ctx, "vanilla"); err != nil {
			t.Fatalf("VerifyVersion() error = %v", err)
		}
		if row := f.row(t, "vanilla", "vanilla", "options.txt"); !row.Verified {
			t.Fatal("row not verified before modification")
		}

		f.addFile("vanilla", "options.txt", "changed")
		f.addFile("vanilla", "client.jar", "jar-v2")
		res := f.reconcile(t, "vanilla")
		if res.Updated != 2 || res.Added != 0 {
			t.Errorf("Reconcile() = %+v, want 2 updated", res)
		}

		row := f.row(t, "vanilla", "vanilla", "options.txt")
		if row.FileHash != testutil.SHA256Hex([]byte("changed")) {
			t.Errorf("FileHash not updated")
		}
		if row.Verified || row.IntegrityCheckFailed || row.LastVerified.Valid {
			t.Errorf("verification not reset: %+v", row)
		}
		if v := f.version(t, "vanilla"); v.ClientJarHash != testutil.SHA256Hex([]byte("jar-v2")) {
			t.Errorf("client jar hash not updated")
		}
	})

	t.Run("never deletes rows for files missing on disk", func(t *testing.T) {
		f := newFixture(t)
		f.addFile("vanilla", "client.jar", "jar")
		f.addFile("vanilla", "mods/old.jar", "old")
		f.reconcile(t, "vanilla")

		f.removeFile("vanilla", "mods/old.jar")
		f.reconcile(t, "vanilla")

		if row := f.row(t, "vanilla", "vanilla", "mods/old.jar"); row == nil {
			t.Error("Reconcile() deleted a row")
		}
		if n := len(f.sink.ByAction(cdist.ActionFileDeleted)); n != 0 {
			t.Errorf("got %d delete events, want 0", n)
		}
	})

	t.Run("emits per-file and summary events", func(t *testing.T) {
		f := newFixture(t)
		f.addFile("vanilla", "client.jar", "jar")
		f.addFile("vanilla", "options.txt", "opts")
		f.reconcile(t, "vanilla")

		for _, name := range f.sink.Names() {
			if name != cdist.EventClientFilesChanged {
				t.Errorf("event name = %q, want %q", name, cdist.EventClientFilesChanged)
			}
		}

		added := f.sink.ByAction(cdist.ActionFileAdded)
		if len(added) != 2 {
			t.Fatalf("got %d file_added events, want 2", len(added))
		}
		ev := added[0]
		if ev.Version != "vanilla" || ev.VersionID == "" || len(ev.Files) != 1 {
			t.Errorf("file_added event = %+v", ev)
		}
		if ev.Files[0].ClientDirectory != "vanilla" || ev.Files[0].FileSize == "" {
			t.Errorf("file entry = %+v", ev.Files[0])
		}

		syncs := f.sink.ByAction(cdist.ActionSync)
		if len(syncs) != 1 || syncs[0].Summary == nil {
			t.Fatalf("sync events = %+v", syncs)
		}
		s := syncs[0].Summary
		if s.Added != 2 || s.TotalFiles != 2 || s.VerifiedFiles != 0 {
			t.Errorf("summary = %+v", s)
		}
		if syncs[0].Files == nil || len(syncs[0].Files) != 0 {
			t.Errorf("sync event files = %v, want empty list", syncs[0].Files)
		}
	})

	t.Run("profile maps directory to version", func(t *testing.T) {
		f := newFixture(t)
		err := f.svc.SeedProfiles(ctx, []*model.Profile{
			{Name: "Forge", ClientDirectory: "forge", Version: "1.20.1-forge-47", Title: "Forge 47", MainClass: "cpw.mods.bootstraplauncher.BootstrapLauncher"},
		})
		if err != nil {
			t.Fatalf("SeedProfiles() error = %v", err)
		}
		f.addFile("forge", "client.jar", "jar")
		f.reconcile(t, "forge")

		v := f.version(t, "1.20.1-forge-47")
		if v.Title != "Forge 47" || v.MainClass != "cpw.mods.bootstraplauncher.BootstrapLauncher" || v.JvmVersion != "17" {
			t.Errorf("version = %+v", v)
		}
		if row := f.row(t, "1.20.1-forge-47", "forge", "client.jar"); row == nil {
			t.Error("client.jar not cataloged under profile version")
		}
	})

	t.Run("directories sharing a version reconcile concurrently", func(t *testing.T) {
		f := newFixture(t)
		err := f.svc.SeedProfiles(ctx, []*model.Profile{
			{Name: "A", ClientDirectory: "shared-a", Version: "1.20.1"},
			{Name: "B", ClientDirectory: "shared-b", Version: "1.20.1"},
		})
		if err != nil {
			t.Fatalf("SeedProfiles() error = %v", err)
		}
		f.addFile("shared-a", "client.jar", "jar")
		f.addFile("shared-b", "client.jar", "jar")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, dir := range []string{"shared-a", "shared-b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = f.svc.Reconcile(ctx, dir)
			}()
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Errorf("Reconcile #%d error = %v", i, err)
			}
		}
		versions, _ := f.catalog.ListVersions(ctx)
		if len(versions) != 1 {
			t.Errorf("got %d versions, want 1", len(versions))
		}
		files, _ := f.catalog.FindFilesByVersion(ctx, versions[0].ID)
		if len(files) != 2 {
			t.Errorf("got %d file rows, want 2", len(files))
		}
	})

	t.Run("rejects invalid directories", func(t *testing.T) {
		f := newFixture(t)
		f.fsmgr.AddDirectory(updatesRoot + "/assets")
		for _, dir := range []string{"", "assets", "../etc", "missing"} {
			if _, err := f.svc.Reconcile(ctx, dir); err == nil {
				t.Errorf("Reconcile(%q) expected error", dir)
			}
		}
	})
}

func TestService_ReconcileAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addFile("vanilla", "client.jar", "jar")
	f.addFile("forge", "version.json", "{}")
	f.addFile("scratch", "notes.txt", "not a bundle")
	f.addFile("assets", "objects/ab/abcd", "asset")

	dirs, err := f.svc.BundleDirectories()
	if err != nil {
		t.Fatalf("BundleDirectories() error = %v", err)
	}
	if len(dirs) != 2 || dirs[0] != "forge" || dirs[1] != "vanilla" {
		t.Errorf("BundleDirectories() = %v, want [forge vanilla]", dirs)
	}

	results, err := f.svc.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("ReconcileAll() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results["vanilla"].Added != 1 || results["forge"].Added != 1 {
		t.Errorf("results = vanilla %+v, forge %+v", results["vanilla"], results["forge"])
	}
}
