package tierstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Router places bytes in the backend matching their size and resolves
// records back to their bytes.
type Router struct {
	thresholds Thresholds
	backends   map[Tier]Backend
	clock      Clock
	ids        IDGenerator
}

// NewRouter builds a router over one backend per tier.
func NewRouter(thresholds Thresholds, backends []Backend, clock Clock, ids IDGenerator) (*Router, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	byTier := make(map[Tier]Backend, len(backends))
	for _, b := range backends {
		if _, dup := byTier[b.Tier()]; dup {
			return nil, fmt.Errorf("duplicate backend for tier %s", b.Tier())
		}
		byTier[b.Tier()] = b
	}
	for _, t := range []Tier{TierDatabase, TierFilesystem, TierRemote} {
		if _, ok := byTier[t]; !ok {
			return nil, fmt.Errorf("no backend configured for tier %s", t)
		}
	}
	return &Router{thresholds: thresholds, backends: byTier, clock: clock, ids: ids}, nil
}

// Classify maps a size to its tier.
func (r *Router) Classify(size int64) Tier {
	return r.thresholds.Classify(size)
}

// Thresholds returns the tier boundaries in use.
func (r *Router) Thresholds() Thresholds {
	return r.thresholds
}

// Backend returns the backend serving a tier.
func (r *Router) Backend(t Tier) (Backend, bool) {
	b, ok := r.backends[t]
	return b, ok
}

// Store places size bytes from src and returns the record describing them.
// No record is returned unless the backend accepted the bytes.
func (r *Router) Store(ctx context.Context, obj Object, src io.Reader) (*FileRecord, error) {
	if obj.Size < 0 {
		return nil, Invalid("size", "must be known before storing")
	}
	if obj.ID == "" {
		obj.ID = r.ids.New()
	}
	tier := r.Classify(obj.Size)
	backend := r.backends[tier]

	placement, err := backend.Put(ctx, obj, src)
	if err != nil {
		return nil, fmt.Errorf("placing %d bytes in %s tier: %w", obj.Size, tier, err)
	}

	return &FileRecord{
		ID:          obj.ID,
		Name:        obj.Name,
		ContentType: obj.ContentType,
		Size:        obj.Size,
		Tier:        tier,
		Locator:     placement.Locator,
		RemoteID:    placement.RemoteID,
		OwnerID:     obj.OwnerID,
		CreatedAt:   r.clock.Now().UTC(),
		Data:        placement.Inline,
	}, nil
}

// FetchBytes opens the bytes behind a record.
func (r *Router) FetchBytes(ctx context.Context, rec *FileRecord) (ByteSource, error) {
	backend, ok := r.backends[rec.Tier]
	if !ok {
		return nil, fmt.Errorf("record %s has tier %q with no backend: %w", rec.ID, rec.Tier, ErrStorageInconsistency)
	}
	src, err := backend.Open(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("bytes for record %s missing from %s tier: %w", rec.ID, rec.Tier, ErrStorageInconsistency)
		}
		return nil, fmt.Errorf("opening record %s: %w", rec.ID, err)
	}
	return src, nil
}

// Delete removes the physical bytes behind a record. Bytes that are already
// gone count as deleted.
func (r *Router) Delete(ctx context.Context, rec *FileRecord) error {
	backend, ok := r.backends[rec.Tier]
	if !ok {
		return fmt.Errorf("record %s has tier %q with no backend: %w", rec.ID, rec.Tier, ErrStorageInconsistency)
	}
	if err := backend.Delete(ctx, rec); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting bytes of record %s from %s tier: %w", rec.ID, rec.Tier, err)
	}
	return nil
}

// Exists reports whether the bytes behind a record are present.
func (r *Router) Exists(ctx context.Context, rec *FileRecord) (bool, error) {
	backend, ok := r.backends[rec.Tier]
	if !ok {
		return false, fmt.Errorf("record %s has tier %q with no backend: %w", rec.ID, rec.Tier, ErrStorageInconsistency)
	}
	return backend.Exists(ctx, rec)
}
