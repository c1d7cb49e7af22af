package fs

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func relPaths(t *testing.T, root string, m *OSFilesystemManager) []string {
	t.Helper()
	r, err := m.Resolve(root)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	paths, err := m.FindFiles(r, nil)
	if err != nil {
		t.Fatalf("FindFiles() error = %v", err)
	}
	var out []string
	for _, p := range paths {
		rel, _ := filepath.Rel(r.String(), p.String())
		out = append(out, filepath.ToSlash(rel))
	}
	sort.Strings(out)
	return out
}

func TestOSFilesystemManager_FindFiles(t *testing.T) {
	t.Run("skips hidden, housekeeping and partial files", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			"client.jar":                "jar",
			"libraries/a/b.jar":         "lib",
			"libraries/a/b.jar.part":    "partial",
			"natives/lwjgl.so":          "so",
			".hidden":                   "x",
			".git/config":               "x",
			"node_modules/pkg/index.js": "x",
			"__MACOSX/client.jar":       "x",
			"mods/.DS_Store":            "x",
			"download.tmp":              "x",
		})

		got := relPaths(t, root, NewOSFilesystemManager(nil))
		want := []string{"client.jar", "libraries/a/b.jar", "natives/lwjgl.so"}
		if len(got) != len(want) {
			t.Fatalf("FindFiles() = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("FindFiles()[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("applies configured patterns", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			"client.jar":              "jar",
			"logs/latest.log":         "log",
			"crash-reports/crash.txt": "crash",
		})

		got := relPaths(t, root, NewOSFilesystemManager([]string{"*.log", "crash-reports"}))
		if len(got) != 1 || got[0] != "client.jar" {
			t.Errorf("FindFiles() = %v, want [client.jar]", got)
		}
	})

	t.Run("applies ignore file at root", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			"client.jar":        "jar",
			"saves/world/level": "x",
			IgnoreFileName:      "saves/**\n",
		})

		got := relPaths(t, root, NewOSFilesystemManager(nil))
		if len(got) != 1 || got[0] != "client.jar" {
			t.Errorf("FindFiles() = %v, want [client.jar]", got)
		}
	})

	t.Run("unreadable directory does not hide its siblings", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("directory permissions are not enforced for root")
		}
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			"client.jar":             "jar",
			"libraries/ok.jar":       "ok",
			"libraries/locked/a.jar": "locked",
		})
		locked := filepath.Join(root, "libraries", "locked")
		if err := os.Chmod(locked, 0); err != nil {
			t.Fatalf("chmod: %v", err)
		}
		t.Cleanup(func() { os.Chmod(locked, 0755) })

		m := NewOSFilesystemManager(nil)
		r, err := m.Resolve(root)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		var failed []string
		paths, err := m.FindFiles(r, func(p string, err error) { failed = append(failed, p) })
		if err != nil {
			t.Fatalf("FindFiles() error = %v", err)
		}
		if len(paths) != 2 {
			t.Errorf("FindFiles() returned %d paths, want client.jar and libraries/ok.jar", len(paths))
		}
		if len(failed) != 1 || failed[0] != locked {
			t.Errorf("onError paths = %v, want [%s]", failed, locked)
		}
	})

	t.Run("unreadable root is an error", func(t *testing.T) {
		root := t.TempDir()
		m := NewOSFilesystemManager(nil)
		r, err := m.Resolve(root)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if err := os.Remove(root); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if _, err := m.FindFiles(r, nil); err == nil {
			t.Error("FindFiles() on a vanished root expected error")
		}
	})

	t.Run("rejects a file root", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"client.jar": "jar"})
		m := NewOSFilesystemManager(nil)

		p, err := m.Resolve(filepath.Join(root, "client.jar"))
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if _, err := m.FindFiles(p, nil); err == nil {
			t.Error("FindFiles() on a file expected error")
		}
	})
}

func TestOSFilesystemManager_ListDirectories(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"vanilla/client.jar": "a",
		"forge/client.jar":   "b",
		".trash/x":           "c",
		"readme.txt":         "d",
	})
	m := NewOSFilesystemManager(nil)

	r, err := m.Resolve(root)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	dirs, err := m.ListDirectories(r)
	if err != nil {
		t.Fatalf("ListDirectories() error = %v", err)
	}

	var names []string
	for _, d := range dirs {
		if !d.IsDir() {
			t.Errorf("%s not marked as directory", d.String())
		}
		names = append(names, filepath.Base(d.String()))
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "forge" || names[1] != "vanilla" {
		t.Errorf("ListDirectories() = %v, want [forge vanilla]", names)
	}
}

func TestOSFilesystemManager_ResolveAndOpen(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"client.jar": "content"})
	m := NewOSFilesystemManager(nil)

	if _, err := m.Resolve(filepath.Join(root, "missing.jar")); err == nil {
		t.Error("Resolve() of missing file expected error")
	}

	p, err := m.Resolve(filepath.Join(root, "client.jar"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.Size() != int64(len("content")) {
		t.Errorf("Size() = %d, want %d", p.Size(), len("content"))
	}

	rc, err := m.Open(p)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "content" {
		t.Errorf("content = %q, want %q", data, "content")
	}

	dir, _ := m.Resolve(root)
	if _, err := m.Open(dir); err == nil {
		t.Error("Open() of directory expected error")
	}
}
