package tierstore

import (
	"context"
	"time"
)

// InlineLocator is the locator stored for DATABASE-tier records.
const InlineLocator = "(db)"

// FileRecord is the metadata row describing one stored file.
type FileRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Tier        Tier      `json:"tier"`
	Locator     string    `json:"locator"`
	RemoteID    string    `json:"remoteId,omitempty"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`

	// Data holds the bytes of DATABASE-tier files between placement and
	// persistence. Stores never populate it on reads.
	Data []byte `json:"-"`
}

// SearchQuery selects a page of records.
type SearchQuery struct {
	// Term matches records whose name contains it. Empty matches all.
	Term string
	// Page is 1-based.
	Page int
	Size int
	// OwnerID restricts results to one owner unless AllOwners is set.
	OwnerID   string
	AllOwners bool
}

// Normalize clamps paging values into a usable range.
func (q SearchQuery) Normalize() SearchQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Size < 1 {
		q.Size = 10
	}
	if q.Size > 200 {
		q.Size = 200
	}
	return q
}

// Offset returns the number of rows skipped before this page.
func (q SearchQuery) Offset() int {
	return (q.Page - 1) * q.Size
}

// Page is one page of search results.
type Page struct {
	Items []*FileRecord `json:"items"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

// RecordStore persists file metadata. Save is atomic per record.
type RecordStore interface {
	Save(ctx context.Context, rec *FileRecord) error
	// FindByID returns ErrNotFound when no record has the id.
	FindByID(ctx context.Context, id string) (*FileRecord, error)
	// DeleteByID returns ErrNotFound when no record has the id.
	DeleteByID(ctx context.Context, id string) error
	Search(ctx context.Context, q SearchQuery) (*Page, error)
	// LocatorExists reports whether any record of the tier points at locator.
	LocatorExists(ctx context.Context, tier Tier, locator string) (bool, error)
	// ListByTier returns every record of a tier, oldest first.
	ListByTier(ctx context.Context, tier Tier) ([]*FileRecord, error)
	InlineReader
	Close() error
}

// InlineReader loads the bytes of a DATABASE-tier record.
type InlineReader interface {
	// InlineData returns ErrNotFound when the record has no inline bytes.
	InlineData(ctx context.Context, id string) ([]byte, error)
}
