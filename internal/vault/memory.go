package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"cdist-go/internal/cdist"
)

type memoryBlob struct {
	data    []byte
	version int64
}

// MemoryVault keeps mirrored objects in process memory. Content writes
// behave like the other vaults: an object already stored under a checksum
// is kept and the new body is only drained and size-checked.
type MemoryVault struct {
	name string

	mu       sync.RWMutex
	objects  map[string]memoryBlob
	snapshot map[[2]string]memoryBlob
	uploads  int
}

func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		objects:  map[string]memoryBlob{},
		snapshot: map[[2]string]memoryBlob{},
	}
}

// Uploads returns how many content objects were actually stored.
func (m *MemoryVault) Uploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uploads
}

func readSized(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

func (m *MemoryVault) PutContent(_ context.Context, checksum string, r io.Reader, size int64) error {
	data, err := readSized(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[checksum]; ok {
		return nil
	}
	m.objects[checksum] = memoryBlob{data: data}
	m.uploads++
	return nil
}

func (m *MemoryVault) HasContent(_ context.Context, checksum string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[checksum]
	return ok, nil
}

func (m *MemoryVault) GetContent(_ context.Context, checksum string, w io.Writer) error {
	m.mu.RLock()
	blob, ok := m.objects[checksum]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("content not found: %s", checksum)
	}
	if _, err := io.Copy(w, bytes.NewReader(blob.data)); err != nil {
		return fmt.Errorf("copying content %s: %w", checksum, err)
	}
	return nil
}

func (m *MemoryVault) PutMetadata(_ context.Context, catalogID, name string, r io.Reader, size int64, version int64) error {
	data, err := readSized(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot[[2]string{catalogID, name}] = memoryBlob{data: data, version: version}
	return nil
}

// GetMetadataVersion returns 0 when catalogID has no item called name.
func (m *MemoryVault) GetMetadataVersion(_ context.Context, catalogID, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot[[2]string{catalogID, name}].version, nil
}

func (m *MemoryVault) GetMetadata(_ context.Context, catalogID, name string, w io.Writer) error {
	m.mu.RLock()
	blob, ok := m.snapshot[[2]string{catalogID, name}]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("metadata %q not found for catalog: %s", name, catalogID)
	}
	if _, err := io.Copy(w, bytes.NewReader(blob.data)); err != nil {
		return fmt.Errorf("copying metadata %s/%s: %w", catalogID, name, err)
	}
	return nil
}

func (m *MemoryVault) ValidateSetup(context.Context) error {
	return nil
}

var _ cdist.Vault = (*MemoryVault)(nil)
