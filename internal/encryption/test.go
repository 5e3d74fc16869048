package encryption

import (
	"bytes"
	"fmt"
	"io"

	"tierstore/internal/tierstore"
)

// testHeader marks blobs sealed by TestEncryptor.
var testHeader = []byte("TSENC\x00\x00\x00")

// TestEncryptor prepends a fixed header instead of encrypting. Sealed
// output differs from the plaintext and is trivially reversible, which is
// all the decorator tests need.
type TestEncryptor struct {
	setupCalled bool
}

var _ tierstore.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) EncryptWriter(w io.Writer) (io.WriteCloser, error) {
	if _, err := w.Write(testHeader); err != nil {
		return nil, fmt.Errorf("writing test header: %w", err)
	}
	return nopWriteCloser{w}, nil
}

func (e *TestEncryptor) Unlock(passphrase string) (tierstore.Decryptor, error) {
	return TestDecryptor{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptor strips the header written by TestEncryptor.
type TestDecryptor struct{}

var _ tierstore.Decryptor = TestDecryptor{}

func (TestDecryptor) DecryptReader(r io.Reader) (io.Reader, error) {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return nil, fmt.Errorf("invalid test encryption header")
	}
	return r, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
