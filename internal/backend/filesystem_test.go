package backend

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tierstore/internal/testutil"
	"tierstore/internal/tierstore"
)

func newTestFilesystemBackend(t *testing.T) *FilesystemBackend {
	t.Helper()
	b, err := NewFilesystemBackend(tierstore.TierFilesystem, t.TempDir(), testutil.FixedClock())
	if err != nil {
		t.Fatalf("NewFilesystemBackend() error = %v", err)
	}
	return b
}

func readAll(t *testing.T, src tierstore.ByteSource, offset, length int64) string {
	t.Helper()
	rc, err := src.ReadRange(context.Background(), offset, length)
	if err != nil {
		t.Fatalf("ReadRange(%d, %d) error = %v", offset, length, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading range: %v", err)
	}
	return string(data)
}

func TestNewFilesystemBackend(t *testing.T) {
	t.Run("creates root directory", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "uploads", "nested")

		b, err := NewFilesystemBackend(tierstore.TierFilesystem, root, testutil.FixedClock())
		if err != nil {
			t.Fatalf("NewFilesystemBackend() error = %v", err)
		}
		if _, err := os.Stat(root); err != nil {
			t.Errorf("root directory not created: %v", err)
		}
		if !filepath.IsAbs(b.Root()) {
			t.Errorf("Root() = %q, want absolute path", b.Root())
		}
	})

	t.Run("works with existing directory", func(t *testing.T) {
		if _, err := NewFilesystemBackend(tierstore.TierFilesystem, t.TempDir(), testutil.FixedClock()); err != nil {
			t.Fatalf("NewFilesystemBackend() error = %v", err)
		}
	})
}

func TestFilesystemBackend_Put(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     string
		size     int64
		wantBase string
		wantErr  bool
	}{
		{
			name:     "store content successfully",
			filename: "report.pdf",
			data:     "hello world",
			size:     11,
			wantBase: "report_1705314600000.pdf",
		},
		{
			name:     "unknown size",
			filename: "notes.txt",
			data:     "hello",
			size:     -1,
			wantBase: "notes_1705314600000.txt",
		},
		{
			name:     "sanitizes name",
			filename: "my  report.pdf",
			data:     "x",
			size:     1,
			wantBase: "my_report_1705314600000.pdf",
		},
		{
			name:     "size mismatch",
			filename: "short.txt",
			data:     "hello",
			size:     100,
			wantErr:  true,
		},
		{
			name:     "empty content",
			filename: "empty.bin",
			data:     "",
			size:     0,
			wantBase: "empty_1705314600000.bin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestFilesystemBackend(t)
			obj := tierstore.Object{ID: "id-1", Name: tt.filename, Size: tt.size}

			p, err := b.Put(context.Background(), obj, strings.NewReader(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Put() error = %v, wantErr %v", err, tt.wantErr)
			}

			entries, _ := os.ReadDir(b.Root())
			if tt.wantErr {
				if len(entries) != 0 {
					t.Errorf("root has %d entries after failed put, want 0", len(entries))
				}
				return
			}

			if filepath.Base(p.Locator) != tt.wantBase {
				t.Errorf("locator base = %q, want %q", filepath.Base(p.Locator), tt.wantBase)
			}
			data, err := os.ReadFile(p.Locator)
			if err != nil {
				t.Fatalf("failed to read blob: %v", err)
			}
			if string(data) != tt.data {
				t.Errorf("content = %q, want %q", data, tt.data)
			}
			if len(entries) != 1 {
				t.Errorf("root has %d entries, want 1 (no temp files)", len(entries))
			}
		})
	}
}

func TestFilesystemBackend_Put_NameCollision(t *testing.T) {
	b := newTestFilesystemBackend(t)
	ctx := context.Background()
	obj := tierstore.Object{ID: "id-1", Name: "a.txt", Size: 1}

	first, err := b.Put(ctx, obj, strings.NewReader("1"))
	if err != nil {
		t.Fatalf("first Put() error = %v", err)
	}
	second, err := b.Put(ctx, obj, strings.NewReader("2"))
	if err != nil {
		t.Fatalf("second Put() error = %v", err)
	}

	if first.Locator == second.Locator {
		t.Fatalf("both puts returned locator %q", first.Locator)
	}
	if got := filepath.Base(second.Locator); got != "a_1705314600000_1.txt" {
		t.Errorf("second locator = %q, want a_1705314600000_1.txt", got)
	}
	data, _ := os.ReadFile(first.Locator)
	if string(data) != "1" {
		t.Errorf("first blob overwritten: %q", data)
	}
}

func TestFilesystemBackend_Put_CanceledContext(t *testing.T) {
	b := newTestFilesystemBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Put(ctx, tierstore.Object{ID: "id-1", Name: "a.txt", Size: 5}, strings.NewReader("hello"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Put() error = %v, want context.Canceled", err)
	}
}

func TestFilesystemBackend_OpenAndReadRange(t *testing.T) {
	b := newTestFilesystemBackend(t)
	ctx := context.Background()
	p, err := b.Put(ctx, tierstore.Object{ID: "id-1", Name: "a.txt", Size: 10}, strings.NewReader("0123456789"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	src, err := b.Open(ctx, &tierstore.FileRecord{Locator: p.Locator})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer src.Close()

	if src.Size() != 10 {
		t.Errorf("Size() = %d, want 10", src.Size())
	}
	if got := readAll(t, src, 2, 5); got != "23456" {
		t.Errorf("ReadRange(2, 5) = %q, want %q", got, "23456")
	}
	if got := readAll(t, src, 0, 10); got != "0123456789" {
		t.Errorf("ReadRange(0, 10) = %q", got)
	}
	if _, err := src.ReadRange(ctx, 8, 5); !errors.Is(err, tierstore.ErrRangeNotSatisfiable) {
		t.Errorf("ReadRange past end error = %v, want ErrRangeNotSatisfiable", err)
	}
}

func TestFilesystemBackend_Open_Missing(t *testing.T) {
	b := newTestFilesystemBackend(t)

	_, err := b.Open(context.Background(), &tierstore.FileRecord{Locator: filepath.Join(b.Root(), "gone.txt")})
	if !errors.Is(err, tierstore.ErrNotFound) {
		t.Errorf("Open() error = %v, want ErrNotFound", err)
	}
}

func TestFilesystemBackend_RejectsLocatorOutsideRoot(t *testing.T) {
	b := newTestFilesystemBackend(t)
	ctx := context.Background()

	for _, loc := range []string{
		"/etc/passwd",
		filepath.Join(b.Root(), "..", "escape.txt"),
		filepath.Join(b.Root(), "sub", "nested.txt"),
	} {
		rec := &tierstore.FileRecord{Locator: loc}
		if _, err := b.Open(ctx, rec); !errors.Is(err, tierstore.ErrStorageInconsistency) {
			t.Errorf("Open(%q) error = %v, want ErrStorageInconsistency", loc, err)
		}
		if err := b.Delete(ctx, rec); !errors.Is(err, tierstore.ErrStorageInconsistency) {
			t.Errorf("Delete(%q) error = %v, want ErrStorageInconsistency", loc, err)
		}
	}
}

func TestFilesystemBackend_DeleteAndExists(t *testing.T) {
	b := newTestFilesystemBackend(t)
	ctx := context.Background()
	p, err := b.Put(ctx, tierstore.Object{ID: "id-1", Name: "a.txt", Size: 3}, strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	rec := &tierstore.FileRecord{Locator: p.Locator}

	ok, err := b.Exists(ctx, rec)
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v, want true", ok, err)
	}
	if err := b.Delete(ctx, rec); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	ok, err = b.Exists(ctx, rec)
	if err != nil || ok {
		t.Errorf("Exists() after delete = %v, %v, want false", ok, err)
	}
	if err := b.Delete(ctx, rec); !errors.Is(err, tierstore.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestFilesystemBackend_ListBlobs(t *testing.T) {
	b := newTestFilesystemBackend(t)
	ctx := context.Background()
	p, err := b.Put(ctx, tierstore.Object{ID: "id-1", Name: "a.txt", Size: 3}, strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	// In-flight writes and subdirectories are not blobs.
	if err := os.WriteFile(filepath.Join(b.Root(), ".tmp-123"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(b.Root(), "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	blobs, err := b.ListBlobs(ctx)
	if err != nil {
		t.Fatalf("ListBlobs() error = %v", err)
	}
	if len(blobs) != 1 {
		t.Fatalf("ListBlobs() returned %d blobs, want 1", len(blobs))
	}
	if blobs[0].Locator != p.Locator || blobs[0].Size != 3 {
		t.Errorf("blob = %+v, want locator %q size 3", blobs[0], p.Locator)
	}
}
