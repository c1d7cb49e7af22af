package encryption

import (
	"bytes"
	"fmt"
	"io"

	"cdist-go/internal/cdist"
)

// markerMagic prefixes every payload written by MarkerEncryptor.
var markerMagic = []byte("CDSNAP\x00\x01")

// MarkerEncryptor is a deterministic stand-in for tests. It frames the
// plaintext with a fixed magic so sealed bytes never equal the input, and
// Unlock accepts any passphrase.
type MarkerEncryptor struct {
	setupCalls int
}

var _ cdist.Encryptor = (*MarkerEncryptor)(nil)

// NewMarkerEncryptor returns a ready-to-use MarkerEncryptor.
func NewMarkerEncryptor() *MarkerEncryptor {
	return &MarkerEncryptor{}
}

func (e *MarkerEncryptor) Setup(string) error {
	e.setupCalls++
	return nil
}

func (e *MarkerEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(markerMagic); err != nil {
		return fmt.Errorf("writing marker: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying payload: %w", err)
	}
	return nil
}

func (e *MarkerEncryptor) Unlock(string) (cdist.DecryptionContext, error) {
	return markerDecryptor{}, nil
}

func (e *MarkerEncryptor) IsConfigured() bool { return true }

type markerDecryptor struct{}

func (markerDecryptor) Decrypt(r io.Reader, w io.Writer) error {
	head := make([]byte, len(markerMagic))
	if _, err := io.ReadFull(r, head); err != nil {
		return fmt.Errorf("reading marker: %w", err)
	}
	if !bytes.Equal(head, markerMagic) {
		return fmt.Errorf("payload was not sealed by MarkerEncryptor")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying payload: %w", err)
	}
	return nil
}
