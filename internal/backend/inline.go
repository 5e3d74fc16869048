package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"tierstore/internal/tierstore"
)

// InlineBackend serves the DATABASE tier. Put hands the bytes back in the
// placement so the record store writes them with the record itself; reads
// go through the record store.
type InlineBackend struct {
	store   tierstore.InlineReader
	maxSize int64
}

var _ tierstore.Backend = (*InlineBackend)(nil)

// NewInlineBackend creates a backend that refuses objects above maxSize.
func NewInlineBackend(store tierstore.InlineReader, maxSize int64) *InlineBackend {
	return &InlineBackend{store: store, maxSize: maxSize}
}

func (b *InlineBackend) Tier() tierstore.Tier { return tierstore.TierDatabase }

func (b *InlineBackend) Put(_ context.Context, obj tierstore.Object, r io.Reader) (tierstore.Placement, error) {
	if obj.Size > b.maxSize {
		return tierstore.Placement{}, fmt.Errorf("object of %d bytes exceeds inline limit %d", obj.Size, b.maxSize)
	}
	data, err := io.ReadAll(io.LimitReader(r, b.maxSize+1))
	if err != nil {
		return tierstore.Placement{}, fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) > b.maxSize {
		return tierstore.Placement{}, fmt.Errorf("content exceeds inline limit %d", b.maxSize)
	}
	if obj.Size >= 0 && int64(len(data)) != obj.Size {
		return tierstore.Placement{}, fmt.Errorf("size mismatch: expected %d bytes, got %d", obj.Size, len(data))
	}
	if data == nil {
		data = []byte{}
	}
	return tierstore.Placement{Locator: tierstore.InlineLocator, Inline: data}, nil
}

func (b *InlineBackend) Open(ctx context.Context, rec *tierstore.FileRecord) (tierstore.ByteSource, error) {
	if rec.Data != nil {
		return tierstore.NewBytesSource(rec.Data), nil
	}
	data, err := b.store.InlineData(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("loading inline bytes of %s: %w", rec.ID, err)
	}
	return tierstore.NewBytesSource(data), nil
}

// Delete is a no-op: the bytes go away with the record.
func (b *InlineBackend) Delete(context.Context, *tierstore.FileRecord) error {
	return nil
}

func (b *InlineBackend) Exists(ctx context.Context, rec *tierstore.FileRecord) (bool, error) {
	if rec.Data != nil {
		return true, nil
	}
	if _, err := b.store.InlineData(ctx, rec.ID); err != nil {
		if errors.Is(err, tierstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
