package app

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cdist-go/internal/cdist"
	"cdist-go/internal/config"
	"cdist-go/internal/database"
	"cdist-go/internal/vault"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig("catalog-test", t.TempDir())
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Mirror = config.VaultConfig{Type: "memory"}
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	cfg.Events = config.EventsConfig{Type: "none"}
	return cfg
}

func writeBundle(t *testing.T, root, dir string, files map[string]string) {
	t.Helper()
	for rel, data := range files {
		p := filepath.Join(root, dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestApp(t *testing.T, cfg *config.Config, operation string) *CDistApp {
	t.Helper()
	a, err := NewCDistApp(context.Background(), cfg, operation, "")
	if err != nil {
		t.Fatalf("NewCDistApp() error = %v", err)
	}
	return a
}

func TestCDistApp_SyncSnapshotsOnClose(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeBundle(t, cfg.UpdatesRoot, "1.20.1", map[string]string{
		"client.jar":   "jar",
		"mods/jei.jar": "jei",
	})

	a := newTestApp(t, cfg, "Sync")
	results, err := a.Sync(ctx, "")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got := results["1.20.1"]; got == nil || got.Added != 2 {
		t.Fatalf("results = %+v, want 2 added for 1.20.1", results)
	}

	mirror := a.vault
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	version, err := mirror.GetMetadataVersion(ctx, "catalog-test", snapshotName)
	if err != nil {
		t.Fatalf("GetMetadataVersion() error = %v", err)
	}
	if version != 1 {
		t.Errorf("snapshot version = %d, want 1", version)
	}

	var sealed bytes.Buffer
	if err := mirror.GetMetadata(ctx, "catalog-test", snapshotName, &sealed); err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if !bytes.HasPrefix(sealed.Bytes(), []byte("CDSNAP")) {
		t.Error("snapshot was not passed through the encryptor")
	}
}

func TestCDistApp_ReadOnlyCommandsDoNotSnapshot(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeBundle(t, cfg.UpdatesRoot, "1.20.1", map[string]string{"client.jar": "jar"})

	a := newTestApp(t, cfg, "Status")
	statuses, err := a.Status(ctx, "1.20.1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(statuses) != 1 || statuses[0].State != cdist.StateNew {
		t.Errorf("statuses = %+v, want one new file", statuses)
	}

	mirror := a.vault
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if v, _ := mirror.GetMetadataVersion(ctx, "catalog-test", snapshotName); v != 0 {
		t.Errorf("snapshot version = %d, want none", v)
	}
}

func TestNewCDistApp_RefusesCatalogBehindMirror(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	mirrorRoot := filepath.Join(cfg.BaseDir, "mirror")
	cfg.Mirror = config.VaultConfig{Type: "filesystem", FSVaultRoot: mirrorRoot}

	v, err := vault.NewFileSystemVault("mirror", mirrorRoot)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.PutMetadata(ctx, "catalog-test", snapshotName, strings.NewReader("x"), 1, 5); err != nil {
		t.Fatal(err)
	}

	_, err = NewCDistApp(ctx, cfg, "Sync", "")
	if err == nil || !strings.Contains(err.Error(), "behind mirror") {
		t.Errorf("NewCDistApp() error = %v, want behind mirror", err)
	}
}

func TestNewCDistApp_RequiresMigratedCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(cfg.BaseDir, "db")}

	_, err := NewCDistApp(context.Background(), cfg, "Sync", "")
	if err == nil || !strings.Contains(err.Error(), "catalog migrate") {
		t.Errorf("NewCDistApp() error = %v, want migrate hint", err)
	}
}

func TestRestoreCatalog(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(cfg.BaseDir, "db")}
	cfg.Mirror = config.VaultConfig{Type: "filesystem", FSVaultRoot: filepath.Join(cfg.BaseDir, "mirror")}
	writeBundle(t, cfg.UpdatesRoot, "1.20.1", map[string]string{"client.jar": "jar"})

	if err := MigrateCatalog(cfg); err != nil {
		t.Fatalf("MigrateCatalog() error = %v", err)
	}
	a := newTestApp(t, cfg, "Sync")
	if _, err := a.Sync(ctx, ""); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := RestoreCatalog(ctx, cfg, "", false); err == nil {
		t.Fatal("RestoreCatalog() over existing catalog expected error")
	}

	dbPath := database.CatalogPath(cfg.Database, cfg.CatalogID)
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		os.Remove(p)
	}

	version, err := RestoreCatalog(ctx, cfg, "", false)
	if err != nil {
		t.Fatalf("RestoreCatalog() error = %v", err)
	}
	if version != 1 {
		t.Errorf("restored version = %d, want 1", version)
	}

	a = newTestApp(t, cfg, "History")
	defer a.Close()
	ops, err := a.GetHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Operation != "Sync" {
		t.Errorf("history = %+v, want the Sync operation", ops)
	}
	versions, err := a.Versions(ctx)
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if len(versions) != 1 || versions[0].Version != "1.20.1" {
		t.Errorf("versions = %+v, want 1.20.1", versions)
	}
}

func TestRestoreCatalog_NoSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(cfg.BaseDir, "db")}
	cfg.Mirror = config.VaultConfig{Type: "filesystem", FSVaultRoot: filepath.Join(cfg.BaseDir, "mirror")}

	_, err := RestoreCatalog(context.Background(), cfg, "", false)
	if err == nil || !strings.Contains(err.Error(), "no catalog snapshot") {
		t.Errorf("RestoreCatalog() error = %v, want no snapshot", err)
	}
}

func TestCDistApp_RemoveFile(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeBundle(t, cfg.UpdatesRoot, "1.20.1", map[string]string{
		"client.jar":   "jar",
		"mods/jei.jar": "jei",
	})

	a := newTestApp(t, cfg, "RemoveFile")
	defer a.Close()
	if _, err := a.Sync(ctx, "1.20.1"); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if err := a.RemoveFile(ctx, "1.20.1", "1.20.1", "mods/jei.jar"); err != nil {
		t.Fatalf("RemoveFile() error = %v", err)
	}
	statuses, err := a.Status(ctx, "1.20.1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	for _, s := range statuses {
		if s.RelativePath == "mods/jei.jar" && s.State != cdist.StateNew {
			t.Errorf("jei.jar state = %s, want new after row removal", s.State)
		}
	}

	if err := a.RemoveFile(ctx, "9.9", "1.20.1", "client.jar"); err == nil {
		t.Error("RemoveFile() with unknown version expected error")
	}
	if a.op.Status != "error" {
		t.Errorf("operation status = %q, want error", a.op.Status)
	}
}

func TestCDistApp_VerifyFile(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeBundle(t, cfg.UpdatesRoot, "1.20.1", map[string]string{
		"client.jar":   "jar",
		"mods/jei.jar": "jei",
	})

	a := newTestApp(t, cfg, "VerifyFile")
	defer a.Close()
	if _, err := a.Sync(ctx, "1.20.1"); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	writeBundle(t, cfg.UpdatesRoot, "1.20.1", map[string]string{"mods/jei.jar": "tampered"})

	r, err := a.VerifyFile(ctx, "1.20.1", "1.20.1", "mods/jei.jar")
	if err != nil {
		t.Fatalf("VerifyFile() error = %v", err)
	}
	if *r != (cdist.VerifyResult{Total: 1, Invalid: 1}) {
		t.Errorf("VerifyFile() = %+v, want one invalid", r)
	}

	r, err = a.VerifyFile(ctx, "1.20.1", "", "client.jar")
	if err != nil {
		t.Fatalf("VerifyFile() error = %v", err)
	}
	if r.Valid != 1 {
		t.Errorf("VerifyFile(client.jar) = %+v, want valid", r)
	}

	if _, err := a.VerifyFile(ctx, "9.9", "", "client.jar"); err == nil {
		t.Error("VerifyFile() with unknown version expected error")
	}
}

func TestCDistApp_Versions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	for _, dir := range []string{"1.20.1", "snapshot-24w10a", "1.9"} {
		writeBundle(t, cfg.UpdatesRoot, dir, map[string]string{"client.jar": dir})
	}

	a := newTestApp(t, cfg, "Sync")
	defer a.Close()
	if _, err := a.Sync(ctx, ""); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	versions, err := a.Versions(ctx)
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	var got []string
	for _, v := range versions {
		got = append(got, v.Version)
	}
	want := []string{"1.9", "1.20.1", "snapshot-24w10a"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Versions() = %v, want %v", got, want)
	}
}

func TestCDistApp_Install(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	clientJar := []byte("client bytes")
	var srv *httptest.Server
	descriptor := func() []byte {
		d := map[string]any{
			"id":          "1.20.1",
			"mainClass":   "net.minecraft.client.main.Main",
			"javaVersion": map[string]any{"component": "java-runtime-gamma", "majorVersion": 17},
			"downloads": map[string]any{
				"client": map[string]any{"sha1": sha1Hex(clientJar), "size": len(clientJar), "url": srv.URL + "/client.jar"},
			},
		}
		data, _ := json.Marshal(d)
		return data
	}
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifest.json":
			json.NewEncoder(w).Encode(map[string]any{
				"latest": map[string]string{"release": "1.20.1"},
				"versions": []map[string]string{
					{"id": "1.20.1", "type": "release", "url": srv.URL + "/1.20.1.json", "sha1": sha1Hex(descriptor())},
				},
			})
		case "/1.20.1.json":
			w.Write(descriptor())
		case "/client.jar":
			w.Write(clientJar)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	cfg.Download.ManifestURL = srv.URL + "/manifest.json"
	cfg.Download.ResourcesBase = srv.URL

	a := newTestApp(t, cfg, "Install")
	defer a.Close()

	report, res, err := a.Install(ctx, "latest", "vanilla", nil)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if report.Version != "1.20.1" || !report.ClientJar || !report.Descriptor {
		t.Errorf("report = %+v", report)
	}
	if res.Added != 2 {
		t.Errorf("reconcile added = %d, want client.jar and version.json", res.Added)
	}

	versions, err := a.Versions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 || versions[0].Version != "1.20.1" || versions[0].MainClass != "net.minecraft.client.main.Main" || versions[0].JvmVersion != "17" {
		t.Errorf("versions = %+v, want 1.20.1 with descriptor details", versions[0])
	}
}

func TestAuditJob(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeBundle(t, cfg.UpdatesRoot, "1.20.1", map[string]string{"client.jar": "jar"})

	a := newTestApp(t, cfg, "Watch")
	defer a.Close()
	if _, err := a.Sync(ctx, ""); err != nil {
		t.Fatal(err)
	}

	auditJob{ctx: ctx, service: a.service, logger: a.logger}.Run()

	statuses, err := a.Status(ctx, "1.20.1")
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || !statuses[0].Verified {
		t.Errorf("statuses = %+v, want client.jar verified", statuses)
	}
}

func TestNewAuditScheduler(t *testing.T) {
	svc := cdist.NewService(nil, nil, nil, nil, nil, nil, cdist.Options{})

	if _, err := newAuditScheduler(context.Background(), "not a schedule", svc, cdist.NewNopLogger()); err == nil {
		t.Error("newAuditScheduler() expected error for invalid spec")
	}

	c, err := newAuditScheduler(context.Background(), "0 3 * * *", svc, cdist.NewNopLogger())
	if err != nil {
		t.Fatalf("newAuditScheduler() error = %v", err)
	}
	if n := len(c.Entries()); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
}

func TestInitKeys(t *testing.T) {
	cfg := testConfig(t)
	keys := filepath.Join(cfg.BaseDir, "keys")
	cfg.Encryption = config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(keys, "cdist.pub"),
		PrivateKeyPath: filepath.Join(keys, "cdist.key"),
	}

	if err := InitKeys(cfg, "correct horse"); err != nil {
		t.Fatalf("InitKeys() error = %v", err)
	}
	for _, p := range []string{cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("key file missing: %v", err)
		}
	}
	if err := InitKeys(cfg, "correct horse"); err == nil {
		t.Error("InitKeys() twice expected error")
	}
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
