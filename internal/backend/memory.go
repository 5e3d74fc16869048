package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"tierstore/internal/tierstore"
)

// MemoryBackend is an in-memory implementation of the Backend interface.
// It stores all blobs in memory, making it useful for testing, and records
// every ReadRange so tests can assert on backend call patterns.
// This implementation is safe for concurrent use.
type MemoryBackend struct {
	tier  tierstore.Tier
	clock tierstore.Clock

	mu        sync.RWMutex
	blobs     map[string]memoryBlob // locator -> blob
	reads     []int64               // length of every ReadRange call
	puts      int
	putErr    error
	deleteErr error
}

type memoryBlob struct {
	data  []byte
	added time.Time
}

var (
	_ tierstore.Backend    = (*MemoryBackend)(nil)
	_ tierstore.BlobLister = (*MemoryBackend)(nil)
)

// NewMemoryBackend creates an empty in-memory backend serving tier.
func NewMemoryBackend(tier tierstore.Tier, clock tierstore.Clock) *MemoryBackend {
	return &MemoryBackend{tier: tier, clock: clock, blobs: make(map[string]memoryBlob)}
}

func (m *MemoryBackend) Tier() tierstore.Tier { return m.tier }

func (m *MemoryBackend) Put(_ context.Context, obj tierstore.Object, r io.Reader) (tierstore.Placement, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return tierstore.Placement{}, fmt.Errorf("failed to read content: %w", err)
	}
	if obj.Size >= 0 && int64(len(data)) != obj.Size {
		return tierstore.Placement{}, fmt.Errorf("size mismatch: expected %d bytes, got %d", obj.Size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.puts++
	if m.putErr != nil {
		return tierstore.Placement{}, m.putErr
	}
	locator := fmt.Sprintf("mem://%s/%s", obj.ID, obj.Name)
	m.blobs[locator] = memoryBlob{data: data, added: m.clock.Now()}
	return tierstore.Placement{Locator: locator, RemoteID: fmt.Sprintf("v%d", m.puts)}, nil
}

func (m *MemoryBackend) Open(_ context.Context, rec *tierstore.FileRecord) (tierstore.ByteSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blobs[rec.Locator]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", rec.Locator, tierstore.ErrNotFound)
	}
	return &memorySource{backend: m, data: b.data}, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, rec *tierstore.FileRecord) error {
	return m.DeleteBlob(ctx, rec.Locator)
}

func (m *MemoryBackend) Exists(_ context.Context, rec *tierstore.FileRecord) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[rec.Locator]
	return ok, nil
}

func (m *MemoryBackend) ListBlobs(context.Context) ([]tierstore.Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blobs := make([]tierstore.Blob, 0, len(m.blobs))
	for loc, b := range m.blobs {
		blobs = append(blobs, tierstore.Blob{Locator: loc, Size: int64(len(b.data)), ModTime: b.added})
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Locator < blobs[j].Locator })
	return blobs, nil
}

func (m *MemoryBackend) DeleteBlob(_ context.Context, locator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.blobs[locator]; !ok {
		return fmt.Errorf("blob %s: %w", locator, tierstore.ErrNotFound)
	}
	delete(m.blobs, locator)
	return nil
}

// FailPuts makes every later Put return err. nil restores normal behavior.
func (m *MemoryBackend) FailPuts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

// FailDeletes makes every later delete return err. nil restores normal behavior.
func (m *MemoryBackend) FailDeletes(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// Len returns the number of stored blobs.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Puts returns how many Put calls reached the backend.
func (m *MemoryBackend) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Reads returns the length requested by each ReadRange call so far.
func (m *MemoryBackend) Reads() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.reads...)
}

func (m *MemoryBackend) recordRead(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, n)
}

type memorySource struct {
	backend *MemoryBackend
	data    []byte
}

func (s *memorySource) Size() int64 { return int64(len(s.data)) }

func (s *memorySource) ReadRange(_ context.Context, offset, length int64) (io.ReadCloser, error) {
	s.backend.recordRead(length)
	if err := tierstore.CheckRange(offset, length, s.Size()); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(s.data[offset : offset+length])), nil
}

func (s *memorySource) Close() error { return nil }
