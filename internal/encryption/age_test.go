package encryption

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cdist-go/internal/config"
)

func newAgeEncryptor(t *testing.T) (*AgeEncryptor, config.EncryptionConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "keys", "cdist.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "cdist.key"),
	}
	return NewAgeEncryptor(cfg), cfg
}

func TestAgeEncryptor_Setup(t *testing.T) {
	t.Parallel()
	e, cfg := newAgeEncryptor(t)

	if e.IsConfigured() {
		t.Fatal("IsConfigured() = true before Setup")
	}
	if err := e.Setup(""); err == nil {
		t.Fatal("Setup(\"\") expected error")
	}
	if err := e.Setup("hunter2"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.IsConfigured() {
		t.Error("IsConfigured() = false after Setup")
	}

	pub, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		t.Fatalf("reading public key: %v", err)
	}
	if !strings.HasPrefix(string(pub), "age1") {
		t.Errorf("public key = %q, want age1 recipient", pub)
	}

	priv, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		t.Fatalf("reading private key: %v", err)
	}
	if !strings.HasPrefix(string(priv), "-----BEGIN AGE ENCRYPTED FILE-----") {
		t.Errorf("private key is not armored: %q", priv[:min(len(priv), 40)])
	}
	if strings.Contains(string(priv), "AGE-SECRET-KEY") {
		t.Error("private key stored in plaintext")
	}

	info, err := os.Stat(cfg.PrivateKeyPath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key mode = %o, want 600", perm)
	}
}

func TestAgeEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()

	e, _ := newAgeEncryptor(t)
	if err := e.Setup("hunter2"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	dec, err := e.Unlock("hunter2")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "sqlite header", input: []byte("SQLite format 3\x00")},
		{name: "empty", input: []byte{}},
		{name: "large snapshot", input: bytes.Repeat([]byte{0x00, 0x7f, 0xff}, 200000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sealed bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &sealed); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(tt.input) > 0 && bytes.Contains(sealed.Bytes(), tt.input) {
				t.Error("sealed output contains plaintext")
			}

			var plain bytes.Buffer
			if err := dec.Decrypt(&sealed, &plain); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(plain.Bytes(), tt.input) {
				t.Errorf("round trip returned %d bytes, want %d", plain.Len(), len(tt.input))
			}
		})
	}
}

func TestAgeEncryptor_UnlockWrongPassphrase(t *testing.T) {
	t.Parallel()

	e, _ := newAgeEncryptor(t)
	if err := e.Setup("right"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := e.Unlock("wrong"); err == nil {
		t.Error("Unlock() with wrong passphrase expected error")
	}
}

func TestAgeEncryptor_KeysMissing(t *testing.T) {
	t.Parallel()

	e, _ := newAgeEncryptor(t)
	if err := e.Encrypt(strings.NewReader("x"), &bytes.Buffer{}); !errors.Is(err, ErrKeysMissing) {
		t.Errorf("Encrypt() error = %v, want ErrKeysMissing", err)
	}
	if _, err := e.Unlock("x"); !errors.Is(err, ErrKeysMissing) {
		t.Errorf("Unlock() error = %v, want ErrKeysMissing", err)
	}
}

func TestAgeEncryptor_RotatedKeysRejectOldSnapshot(t *testing.T) {
	t.Parallel()

	e, _ := newAgeEncryptor(t)
	if err := e.Setup("first"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	var sealed bytes.Buffer
	if err := e.Encrypt(strings.NewReader("catalog"), &sealed); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if err := e.Setup("second"); err != nil {
		t.Fatalf("second Setup() error = %v", err)
	}
	dec, err := e.Unlock("second")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if err := dec.Decrypt(&sealed, &bytes.Buffer{}); err == nil {
		t.Error("Decrypt() with rotated key expected error")
	}
}
