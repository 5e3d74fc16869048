package tierstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// BytesSource is a ByteSource over an in-memory slice.
type BytesSource struct {
	data []byte
}

// NewBytesSource wraps data without copying it.
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{data: data}
}

func (s *BytesSource) Size() int64 { return int64(len(s.data)) }

func (s *BytesSource) ReadRange(_ context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := CheckRange(offset, length, s.Size()); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(s.data[offset : offset+length])), nil
}

func (s *BytesSource) Close() error { return nil }

// CheckRange validates a read of length bytes at offset against size.
func CheckRange(offset, length, size int64) error {
	if offset < 0 || length < 0 || offset+length > size {
		return fmt.Errorf("read of %d bytes at %d outside source of %d bytes: %w", length, offset, size, ErrRangeNotSatisfiable)
	}
	return nil
}

// ReadAll reads a whole source into memory, one ReadRange per step bytes.
func ReadAll(ctx context.Context, src ByteSource, step int64) ([]byte, error) {
	r := NewSpanReader(ctx, src, 0, src.Size(), step)
	defer r.Close()
	buf := bytes.NewBuffer(make([]byte, 0, src.Size()))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewSpanReader reads length bytes at offset from src, issuing successive
// ReadRange calls of at most step bytes. A step <= 0 reads in one call.
func NewSpanReader(ctx context.Context, src ByteSource, offset, length, step int64) io.ReadCloser {
	if step <= 0 {
		step = length
	}
	return &spanReader{ctx: ctx, src: src, off: offset, end: offset + length, step: step}
}

type spanReader struct {
	ctx  context.Context
	src  ByteSource
	off  int64
	end  int64
	step int64

	cur  io.ReadCloser
	left int64 // bytes still expected from cur
}

func (r *spanReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.off >= r.end {
				return 0, io.EOF
			}
			n := min(r.step, r.end-r.off)
			rc, err := r.src.ReadRange(r.ctx, r.off, n)
			if err != nil {
				return 0, fmt.Errorf("reading bytes %d-%d: %w", r.off, r.off+n-1, err)
			}
			r.cur, r.left = rc, n
			r.off += n
		}
		if len(p) == 0 {
			return 0, nil
		}
		if int64(len(p)) > r.left && r.left > 0 {
			p = p[:r.left]
		}
		n, err := r.cur.Read(p)
		r.left -= int64(n)
		if err == io.EOF || (err == nil && r.left == 0) {
			if r.left > 0 {
				return n, io.ErrUnexpectedEOF
			}
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *spanReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}
