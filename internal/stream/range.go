package stream

import (
	"fmt"
	"strconv"
	"strings"

	"tierstore/internal/tierstore"
)

// ByteRange is an inclusive span of bytes.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in the range.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ParseRange resolves the first range of a Range header against a source
// of size bytes. Later ranges are ignored. An end past the source is
// clipped to the last byte; a suffix range bytes=-N selects the last N
// bytes. Malformed and unsatisfiable headers both fail with
// tierstore.ErrRangeNotSatisfiable.
func ParseRange(header string, size int64) (ByteRange, error) {
	unsatisfiable := func(reason string) (ByteRange, error) {
		return ByteRange{}, fmt.Errorf("range %q on %d bytes: %s: %w", header, size, reason, tierstore.ErrRangeNotSatisfiable)
	}

	set, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return unsatisfiable("unsupported unit")
	}
	first, _, _ := strings.Cut(set, ",")
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(first), "-")
	if !ok {
		return unsatisfiable("missing dash")
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)
	if size <= 0 {
		return unsatisfiable("empty source")
	}

	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return unsatisfiable("bad suffix length")
		}
		return ByteRange{Start: max(size-n, 0), End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return unsatisfiable("bad start")
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return unsatisfiable("bad end")
		}
		end = min(end, size-1)
	}

	switch {
	case start < 0:
		return unsatisfiable("negative start")
	case start >= size:
		return unsatisfiable("start past end of source")
	case start > end:
		return unsatisfiable("start after end")
	}
	return ByteRange{Start: start, End: end}, nil
}
