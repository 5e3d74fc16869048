package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"tierstore/internal/tierstore"
)

// ErrLocked is returned when reading an encrypted blob before the private
// key has been unlocked.
var ErrLocked = errors.New("encryption key is locked")

const (
	// sealedSegmentSize is the plaintext carried by each sealed segment.
	sealedSegmentSize = 4 * tierstore.MiB
	// sealedFooterSize covers segment size, segment count and magic.
	sealedFooterSize = 24
)

var sealedMagic = []byte("TSSEG\x00\x01\x00")

// EncryptedBackend seals bytes with an Encryptor before handing them to the
// wrapped backend and opens them on read. Records keep the plaintext size.
//
// A sealed blob is a run of independently encrypted segments, each holding
// up to segmentSize plaintext bytes, followed by an index:
//
//	segment 0 | ... | segment n-1 | end offset of each segment (8 bytes each)
//	| segment size (8) | segment count (8) | magic (8)
//
// Integers are big-endian. A range read fetches the index once per source
// and then only the segments the range overlaps.
type EncryptedBackend struct {
	inner       tierstore.Backend
	enc         tierstore.Encryptor
	dec         tierstore.Decryptor
	readSpan    int64
	segmentSize int64
	logger      tierstore.Logger
}

var (
	_ tierstore.Backend    = (*EncryptedBackend)(nil)
	_ tierstore.BlobLister = (*EncryptedBackend)(nil)
)

// NewEncryptedBackend wraps inner. dec may be nil for a write-only
// instance. readSpan caps each read against inner; 0 reads in one call.
func NewEncryptedBackend(inner tierstore.Backend, enc tierstore.Encryptor, dec tierstore.Decryptor, readSpan int64, logger tierstore.Logger) *EncryptedBackend {
	if logger == nil {
		logger = tierstore.NewNopLogger()
	}
	return &EncryptedBackend{
		inner:       inner,
		enc:         enc,
		dec:         dec,
		readSpan:    readSpan,
		segmentSize: sealedSegmentSize,
		logger:      logger,
	}
}

func (b *EncryptedBackend) Tier() tierstore.Tier { return b.inner.Tier() }

// Put streams r through the encryptor into the wrapped backend. The
// ciphertext length is not known up front, so inner sees Size -1; the
// plaintext length is checked here instead.
func (b *EncryptedBackend) Put(ctx context.Context, obj tierstore.Object, r io.Reader) (tierstore.Placement, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)

	go func() {
		done <- b.seal(pw, r, obj.Size)
	}()

	sealed := obj
	sealed.Size = -1
	placement, err := b.inner.Put(ctx, sealed, pr)
	pr.CloseWithError(errors.New("encrypted put finished"))
	sealErr := <-done

	if err != nil {
		return tierstore.Placement{}, err
	}
	if sealErr != nil {
		// inner took the bytes but the plaintext was bad; drop what it stored.
		rec := &tierstore.FileRecord{ID: obj.ID, Name: obj.Name, Tier: b.inner.Tier(), Locator: placement.Locator}
		if derr := b.inner.Delete(ctx, rec); derr != nil {
			b.logger.Warn("failed to remove sealed blob after encryption error",
				"tier", b.inner.Tier(), "locator", placement.Locator, "error", derr)
		}
		return tierstore.Placement{}, fmt.Errorf("encrypting content: %w", sealErr)
	}
	return placement, nil
}

func (b *EncryptedBackend) seal(pw *io.PipeWriter, r io.Reader, size int64) (err error) {
	defer func() { pw.CloseWithError(err) }()

	br := bufio.NewReader(r)
	cw := &countingWriter{w: pw}
	var ends []int64
	var written int64
	for {
		if _, err := br.Peek(1); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		w, err := b.enc.EncryptWriter(cw)
		if err != nil {
			return fmt.Errorf("starting encryption: %w", err)
		}
		n, err := io.CopyN(w, br, b.segmentSize)
		written += n
		if err != nil && err != io.EOF {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("sealing segment %d: %w", len(ends), err)
		}
		ends = append(ends, cw.n)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}

	trailer := make([]byte, 0, len(ends)*8+sealedFooterSize)
	for _, e := range ends {
		trailer = binary.BigEndian.AppendUint64(trailer, uint64(e))
	}
	trailer = binary.BigEndian.AppendUint64(trailer, uint64(b.segmentSize))
	trailer = binary.BigEndian.AppendUint64(trailer, uint64(len(ends)))
	trailer = append(trailer, sealedMagic...)
	if _, err := cw.Write(trailer); err != nil {
		return fmt.Errorf("writing segment index: %w", err)
	}
	return nil
}

// Open returns a source of the plaintext.
func (b *EncryptedBackend) Open(ctx context.Context, rec *tierstore.FileRecord) (tierstore.ByteSource, error) {
	if b.dec == nil {
		return nil, ErrLocked
	}
	inner, err := b.inner.Open(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &decryptingSource{inner: inner, dec: b.dec, size: rec.Size, span: b.readSpan}, nil
}

func (b *EncryptedBackend) Delete(ctx context.Context, rec *tierstore.FileRecord) error {
	return b.inner.Delete(ctx, rec)
}

func (b *EncryptedBackend) Exists(ctx context.Context, rec *tierstore.FileRecord) (bool, error) {
	return b.inner.Exists(ctx, rec)
}

// ListBlobs lists the wrapped backend's blobs, or nothing if it cannot list.
func (b *EncryptedBackend) ListBlobs(ctx context.Context) ([]tierstore.Blob, error) {
	if l, ok := b.inner.(tierstore.BlobLister); ok {
		return l.ListBlobs(ctx)
	}
	return nil, nil
}

func (b *EncryptedBackend) DeleteBlob(ctx context.Context, locator string) error {
	if l, ok := b.inner.(tierstore.BlobLister); ok {
		return l.DeleteBlob(ctx, locator)
	}
	return fmt.Errorf("%s backend cannot delete blobs by locator", b.inner.Tier())
}

// Unwrap returns the wrapped backend.
func (b *EncryptedBackend) Unwrap() tierstore.Backend { return b.inner }

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// segmentIndex locates sealed segments inside a blob.
type segmentIndex struct {
	segmentSize int64
	ends        []int64
}

func (x *segmentIndex) bounds(i int) (start, end int64) {
	if i > 0 {
		start = x.ends[i-1]
	}
	return start, x.ends[i]
}

type decryptingSource struct {
	inner tierstore.ByteSource
	dec   tierstore.Decryptor
	size  int64
	span  int64

	mu    sync.Mutex
	index *segmentIndex
}

func (s *decryptingSource) Size() int64 { return s.size }

func (s *decryptingSource) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := tierstore.CheckRange(offset, length, s.size); err != nil {
		return nil, err
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	idx, err := s.segments(ctx)
	if err != nil {
		return nil, err
	}
	first := offset / idx.segmentSize
	last := (offset + length - 1) / idx.segmentSize
	if last >= int64(len(idx.ends)) {
		return nil, fmt.Errorf("sealed blob has %d segments, range needs %d", len(idx.ends), last+1)
	}
	return &segmentReader{
		ctx:   ctx,
		src:   s,
		index: idx,
		next:  int(first),
		last:  int(last),
		skip:  offset - first*idx.segmentSize,
		left:  length,
	}, nil
}

func (s *decryptingSource) Close() error { return s.inner.Close() }

// segments reads the index trailer on first use.
func (s *decryptingSource) segments(ctx context.Context) (*segmentIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		return s.index, nil
	}

	total := s.inner.Size()
	if total < sealedFooterSize {
		return nil, fmt.Errorf("sealed blob of %d bytes has no segment index", total)
	}
	footer, err := s.readInner(ctx, total-sealedFooterSize, sealedFooterSize)
	if err != nil {
		return nil, fmt.Errorf("reading segment footer: %w", err)
	}
	if !bytes.Equal(footer[16:], sealedMagic) {
		return nil, fmt.Errorf("sealed blob has no segment index")
	}
	segmentSize := int64(binary.BigEndian.Uint64(footer[0:8]))
	count := int64(binary.BigEndian.Uint64(footer[8:16]))
	body := total - sealedFooterSize
	if segmentSize <= 0 || count < 0 || count > body/8 || s.size > count*segmentSize {
		return nil, fmt.Errorf("corrupt segment footer: size %d, count %d", segmentSize, count)
	}

	body -= count * 8
	raw, err := s.readInner(ctx, body, count*8)
	if err != nil {
		return nil, fmt.Errorf("reading segment index: %w", err)
	}
	ends := make([]int64, count)
	var prev int64
	for i := range ends {
		e := int64(binary.BigEndian.Uint64(raw[i*8:]))
		if e <= prev || e > body {
			return nil, fmt.Errorf("corrupt segment index at entry %d", i)
		}
		ends[i], prev = e, e
	}

	s.index = &segmentIndex{segmentSize: segmentSize, ends: ends}
	return s.index, nil
}

func (s *decryptingSource) readInner(ctx context.Context, offset, length int64) ([]byte, error) {
	r := tierstore.NewSpanReader(ctx, s.inner, offset, length, s.span)
	defer r.Close()
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// segmentReader decrypts segments next..last in turn, dropping skip bytes
// from the first and stopping after left bytes.
type segmentReader struct {
	ctx   context.Context
	src   *decryptingSource
	index *segmentIndex
	next  int
	last  int
	skip  int64
	left  int64

	raw   io.ReadCloser
	plain io.Reader
}

func (r *segmentReader) Read(p []byte) (int, error) {
	for {
		if r.left == 0 {
			return 0, io.EOF
		}
		if r.plain == nil {
			if r.next > r.last {
				return 0, io.ErrUnexpectedEOF
			}
			if err := r.open(); err != nil {
				return 0, err
			}
		}
		if int64(len(p)) > r.left {
			p = p[:r.left]
		}
		n, err := r.plain.Read(p)
		r.left -= int64(n)
		if err == io.EOF {
			r.closeSegment()
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *segmentReader) open() error {
	i := r.next
	start, end := r.index.bounds(i)
	raw := tierstore.NewSpanReader(r.ctx, r.src.inner, start, end-start, r.src.span)
	plain, err := r.src.dec.DecryptReader(raw)
	if err != nil {
		raw.Close()
		return fmt.Errorf("decrypting segment %d: %w", i, err)
	}
	if r.skip > 0 {
		if _, err := io.CopyN(io.Discard, plain, r.skip); err != nil {
			raw.Close()
			return fmt.Errorf("seeking %d bytes into segment %d: %w", r.skip, i, err)
		}
		r.skip = 0
	}
	r.raw, r.plain = raw, plain
	r.next++
	return nil
}

func (r *segmentReader) closeSegment() error {
	if r.raw == nil {
		return nil
	}
	err := r.raw.Close()
	r.raw, r.plain = nil, nil
	return err
}

func (r *segmentReader) Close() error { return r.closeSegment() }
