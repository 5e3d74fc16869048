package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tierstore/internal/tierstore"
)

const maxNameAttempts = 100

// FilesystemBackend keeps blobs as plain files in one directory:
//
//	<root>/
//	  <name>_<unixmillis>.<ext>   (one file per stored upload)
//	  .tmp-*                      (in-flight writes)
//
// The record locator is the absolute path of the blob.
type FilesystemBackend struct {
	tier  tierstore.Tier
	root  string
	clock tierstore.Clock
}

var (
	_ tierstore.Backend    = (*FilesystemBackend)(nil)
	_ tierstore.BlobLister = (*FilesystemBackend)(nil)
)

// NewFilesystemBackend creates a backend rooted at root, creating it if needed.
func NewFilesystemBackend(tier tierstore.Tier, root string, clock tierstore.Clock) (*FilesystemBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving upload root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload root: %w", err)
	}
	return &FilesystemBackend{tier: tier, root: abs, clock: clock}, nil
}

func (b *FilesystemBackend) Tier() tierstore.Tier { return b.tier }

// Root returns the absolute upload directory.
func (b *FilesystemBackend) Root() string { return b.root }

// Put writes r under a name derived from obj.Name and the current time.
// An existing blob is never overwritten.
func (b *FilesystemBackend) Put(ctx context.Context, obj tierstore.Object, r io.Reader) (tierstore.Placement, error) {
	now := b.clock.Now()
	name := tierstore.TimestampedName(tierstore.SanitizeFilename(obj.Name, now), now)

	tmpPath, err := b.writeTemp(ctx, r, obj.Size)
	if err != nil {
		return tierstore.Placement{}, err
	}
	defer os.Remove(tmpPath)

	dest, err := b.linkUnique(tmpPath, name)
	if err != nil {
		return tierstore.Placement{}, err
	}
	return tierstore.Placement{Locator: dest}, nil
}

// Open returns a source over the blob at rec.Locator.
func (b *FilesystemBackend) Open(_ context.Context, rec *tierstore.FileRecord) (tierstore.ByteSource, error) {
	p, err := b.resolve(rec.Locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", p, tierstore.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat blob: %w", err)
	}
	return &fileSource{f: f, size: info.Size()}, nil
}

// Delete removes the blob at rec.Locator.
func (b *FilesystemBackend) Delete(ctx context.Context, rec *tierstore.FileRecord) error {
	return b.DeleteBlob(ctx, rec.Locator)
}

// Exists reports whether the blob at rec.Locator is present.
func (b *FilesystemBackend) Exists(_ context.Context, rec *tierstore.FileRecord) (bool, error) {
	p, err := b.resolve(rec.Locator)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

// ListBlobs returns every finished blob under the root.
func (b *FilesystemBackend) ListBlobs(_ context.Context) ([]tierstore.Blob, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("listing upload root: %w", err)
	}
	var blobs []tierstore.Blob
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		blobs = append(blobs, tierstore.Blob{
			Locator: filepath.Join(b.root, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return blobs, nil
}

// DeleteBlob removes one blob by locator.
func (b *FilesystemBackend) DeleteBlob(_ context.Context, locator string) error {
	p, err := b.resolve(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("blob %s: %w", p, tierstore.ErrNotFound)
		}
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

// resolve checks that a locator names a file directly under the root.
func (b *FilesystemBackend) resolve(locator string) (string, error) {
	p := filepath.Clean(locator)
	if filepath.Dir(p) != b.root {
		return "", fmt.Errorf("locator %q outside upload root: %w", locator, tierstore.ErrStorageInconsistency)
	}
	return p, nil
}

// writeTemp copies r into a temp file in the root. expectedSize < 0 skips
// the size check.
func (b *FilesystemBackend) writeTemp(ctx context.Context, r io.Reader, expectedSize int64) (string, error) {
	tmpFile, err := os.CreateTemp(b.root, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, contextReader{ctx: ctx, r: r})
	if err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if expectedSize >= 0 && written != expectedSize {
		return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	success = true
	return tmpPath, nil
}

// linkUnique hard-links tmpPath to name, adding _1, _2, ... before the
// extension when a blob with that name already exists.
func (b *FilesystemBackend) linkUnique(tmpPath, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 0; i < maxNameAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = base + "_" + strconv.Itoa(i) + ext
		}
		dest := filepath.Join(b.root, candidate)
		err := os.Link(tmpPath, dest)
		if err == nil {
			return dest, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to link blob into place: %w", err)
		}
	}
	return "", fmt.Errorf("no free blob name for %q after %d attempts", name, maxNameAttempts)
}

// fileSource serves ranges of an open file.
type fileSource struct {
	f    *os.File
	size int64
}

func (s *fileSource) Size() int64 { return s.size }

func (s *fileSource) ReadRange(_ context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := tierstore.CheckRange(offset, length, s.size); err != nil {
		return nil, err
	}
	return io.NopCloser(io.NewSectionReader(s.f, offset, length)), nil
}

func (s *fileSource) Close() error { return s.f.Close() }

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
