package vault

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestMemoryVault_PutAndGetContent(t *testing.T) {
	ctx := context.Background()
	vault := NewMemoryVault("test-vault")

	tests := []struct {
		name     string
		checksum string
		content  string
	}{
		{"store and retrieve content", "abc123", "hello world"},
		{"store empty content", "empty", ""},
		{"store large content", "large", strings.Repeat("x", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := vault.PutContent(ctx, tt.checksum, strings.NewReader(tt.content), int64(len(tt.content))); err != nil {
				t.Fatalf("PutContent() error = %v", err)
			}

			has, err := vault.HasContent(ctx, tt.checksum)
			if err != nil || !has {
				t.Errorf("HasContent() = %v, %v; want true", has, err)
			}

			var buf bytes.Buffer
			if err := vault.GetContent(ctx, tt.checksum, &buf); err != nil {
				t.Fatalf("GetContent() error = %v", err)
			}
			if got := buf.String(); got != tt.content {
				t.Errorf("GetContent() = %q, want %q", got, tt.content)
			}
		})
	}
}

func TestMemoryVault_PutContentKeepsExisting(t *testing.T) {
	ctx := context.Background()
	vault := NewMemoryVault("test-vault")

	for _, body := range []string{"first", "other"} {
		if err := vault.PutContent(ctx, "test-checksum", strings.NewReader(body), int64(len(body))); err != nil {
			t.Fatalf("PutContent(%q) error: %v", body, err)
		}
	}
	if n := vault.Uploads(); n != 1 {
		t.Errorf("Uploads() = %d, want 1", n)
	}

	var buf bytes.Buffer
	if err := vault.GetContent(ctx, "test-checksum", &buf); err != nil {
		t.Fatalf("GetContent() error: %v", err)
	}
	if got := buf.String(); got != "first" {
		t.Errorf("GetContent() = %q, want stored object unchanged", got)
	}
}

func TestMemoryVault_Missing(t *testing.T) {
	ctx := context.Background()
	vault := NewMemoryVault("test-vault")

	has, err := vault.HasContent(ctx, "nonexistent")
	if err != nil || has {
		t.Errorf("HasContent() = %v, %v; want false, nil", has, err)
	}
	if err := vault.GetContent(ctx, "nonexistent", &bytes.Buffer{}); err == nil {
		t.Error("GetContent() expected error for nonexistent checksum")
	}
	if err := vault.GetMetadata(ctx, "nobody", "catalog", &bytes.Buffer{}); err == nil {
		t.Error("GetMetadata() expected error for nonexistent catalog")
	}
	v, err := vault.GetMetadataVersion(ctx, "nobody", "catalog")
	if err != nil || v != 0 {
		t.Errorf("GetMetadataVersion() = %d, %v; want 0, nil", v, err)
	}
}

func TestMemoryVault_PutContentSizeMismatch(t *testing.T) {
	vault := NewMemoryVault("test-vault")
	if err := vault.PutContent(context.Background(), "checksum", strings.NewReader("test"), 14); err == nil {
		t.Error("PutContent() expected error for size mismatch, got nil")
	}
}

func TestMemoryVault_Metadata(t *testing.T) {
	ctx := context.Background()
	vault := NewMemoryVault("test-vault")

	for i, data := range []string{"snapshot 1", "snapshot 2"} {
		if err := vault.PutMetadata(ctx, "catalog-1", "catalog", strings.NewReader(data), int64(len(data)), int64(i+1)); err != nil {
			t.Fatalf("PutMetadata() error: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := vault.GetMetadata(ctx, "catalog-1", "catalog", &buf); err != nil {
		t.Fatalf("GetMetadata() error: %v", err)
	}
	if got := buf.String(); got != "snapshot 2" {
		t.Errorf("GetMetadata() = %q, want latest snapshot", got)
	}

	v, err := vault.GetMetadataVersion(ctx, "catalog-1", "catalog")
	if err != nil {
		t.Fatalf("GetMetadataVersion() error: %v", err)
	}
	if v != 2 {
		t.Errorf("GetMetadataVersion() = %d, want 2", v)
	}

	if err := vault.ValidateSetup(ctx); err != nil {
		t.Errorf("ValidateSetup() unexpected error: %v", err)
	}
}
