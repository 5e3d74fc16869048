package backend

import (
	"context"
	"errors"
	"strings"
	"testing"

	"tierstore/internal/testutil"
	"tierstore/internal/tierstore"
)

func TestMemoryBackend_PutAndOpen(t *testing.T) {
	b := NewMemoryBackend(tierstore.TierRemote, testutil.FixedClock())
	ctx := context.Background()

	tests := []struct {
		name    string
		id      string
		content string
	}{
		{name: "store and retrieve content", id: "a", content: "hello world"},
		{name: "store empty content", id: "b", content: ""},
		{name: "store large content", id: "c", content: strings.Repeat("x", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := tierstore.Object{ID: tt.id, Name: "f.bin", Size: int64(len(tt.content))}
			p, err := b.Put(ctx, obj, strings.NewReader(tt.content))
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if p.RemoteID == "" {
				t.Error("Put() returned empty remote id")
			}

			src, err := b.Open(ctx, &tierstore.FileRecord{Locator: p.Locator})
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if got := readAll(t, src, 0, src.Size()); got != tt.content {
				t.Errorf("content mismatch: got %d bytes, want %d", len(got), len(tt.content))
			}
		})
	}

	if b.Len() != 3 {
		t.Errorf("Len() = %d, want 3", b.Len())
	}
}

func TestMemoryBackend_SizeMismatch(t *testing.T) {
	b := NewMemoryBackend(tierstore.TierRemote, testutil.FixedClock())

	_, err := b.Put(context.Background(), tierstore.Object{ID: "a", Name: "f", Size: 10}, strings.NewReader("short"))
	if err == nil {
		t.Fatal("Put() expected size mismatch error")
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestMemoryBackend_RecordsReads(t *testing.T) {
	b := NewMemoryBackend(tierstore.TierRemote, testutil.FixedClock())
	ctx := context.Background()
	p, err := b.Put(ctx, tierstore.Object{ID: "a", Name: "f", Size: 10}, strings.NewReader("0123456789"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	src, err := b.Open(ctx, &tierstore.FileRecord{Locator: p.Locator})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	readAll(t, src, 0, 4)
	readAll(t, src, 4, 6)

	reads := b.Reads()
	if len(reads) != 2 || reads[0] != 4 || reads[1] != 6 {
		t.Errorf("Reads() = %v, want [4 6]", reads)
	}
}

func TestMemoryBackend_FaultInjection(t *testing.T) {
	b := NewMemoryBackend(tierstore.TierRemote, testutil.FixedClock())
	ctx := context.Background()
	boom := errors.New("boom")

	b.FailPuts(boom)
	if _, err := b.Put(ctx, tierstore.Object{ID: "a", Name: "f", Size: 1}, strings.NewReader("x")); !errors.Is(err, boom) {
		t.Fatalf("Put() error = %v, want boom", err)
	}
	b.FailPuts(nil)

	p, err := b.Put(ctx, tierstore.Object{ID: "a", Name: "f", Size: 1}, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if b.Puts() != 2 {
		t.Errorf("Puts() = %d, want 2", b.Puts())
	}

	b.FailDeletes(boom)
	if err := b.Delete(ctx, &tierstore.FileRecord{Locator: p.Locator}); !errors.Is(err, boom) {
		t.Fatalf("Delete() error = %v, want boom", err)
	}
	b.FailDeletes(nil)
	if err := b.Delete(ctx, &tierstore.FileRecord{Locator: p.Locator}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := b.Delete(ctx, &tierstore.FileRecord{Locator: p.Locator}); !errors.Is(err, tierstore.ErrNotFound) {
		t.Errorf("Delete() of missing blob error = %v, want ErrNotFound", err)
	}
}

func TestMemoryBackend_OpenMissing(t *testing.T) {
	b := NewMemoryBackend(tierstore.TierRemote, testutil.FixedClock())

	_, err := b.Open(context.Background(), &tierstore.FileRecord{Locator: "mem://nope/x"})
	if !errors.Is(err, tierstore.ErrNotFound) {
		t.Errorf("Open() error = %v, want ErrNotFound", err)
	}
}
