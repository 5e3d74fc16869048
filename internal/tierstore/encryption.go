package tierstore

import "io"

// Encryptor seals blobs before they reach a backend. Sealing needs only the
// public key; opening needs the passphrase-protected private key, unlocked
// once at startup into a Decryptor.
type Encryptor interface {
	// Setup generates and stores a new key pair protected by passphrase.
	Setup(passphrase string) error

	// EncryptWriter returns a writer that encrypts into w. Close must be
	// called to flush the final block.
	EncryptWriter(w io.Writer) (io.WriteCloser, error)

	// Unlock opens the private key. A wrong passphrase is an error.
	Unlock(passphrase string) (Decryptor, error)

	// IsConfigured reports whether both key files exist.
	IsConfigured() bool
}

// Decryptor holds an unlocked private key in memory.
type Decryptor interface {
	// DecryptReader returns a reader of the plaintext of r.
	DecryptReader(r io.Reader) (io.Reader, error)
}
