package tierstore

import (
	"context"
	"io"
	"time"
)

// Object describes bytes about to be placed in a backend.
type Object struct {
	ID          string
	Name        string
	ContentType string
	// Size is the number of bytes the reader yields, or -1 when unknown.
	Size    int64
	OwnerID string
}

// Placement is what a backend reports after a successful Put.
type Placement struct {
	Locator  string
	RemoteID string
	// Inline carries the bytes for backends that keep them with the record.
	Inline []byte
}

// ByteSource is random access to one stored object.
type ByteSource interface {
	Size() int64
	// ReadRange opens length bytes starting at offset. Each call is one
	// backend read.
	ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error)
	Close() error
}

// Backend stores raw bytes for one tier.
type Backend interface {
	Tier() Tier
	Put(ctx context.Context, obj Object, r io.Reader) (Placement, error)
	// Open returns ErrNotFound when the bytes are gone.
	Open(ctx context.Context, rec *FileRecord) (ByteSource, error)
	Delete(ctx context.Context, rec *FileRecord) error
	Exists(ctx context.Context, rec *FileRecord) (bool, error)
}

// BlobLister is implemented by backends that can enumerate what they hold.
// Reconciliation uses it to find orphaned blobs.
type BlobLister interface {
	ListBlobs(ctx context.Context) ([]Blob, error)
	DeleteBlob(ctx context.Context, locator string) error
}

// Blob is one physical object found by a BlobLister.
type Blob struct {
	Locator string
	Size    int64
	ModTime time.Time
}

// Converter turns office documents into PDF for preview.
type Converter interface {
	IsConvertible(contentType, name string) bool
	// ConvertToPDF returns the PDF bytes. key identifies the source for caching.
	ConvertToPDF(ctx context.Context, key string, name string, data []byte) ([]byte, error)
}
