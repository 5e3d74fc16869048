package tierstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means a record, chunk session or physical object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorageInconsistency means metadata and bytes disagree: a record
	// exists but its bytes do not, or its tier has no backend.
	ErrStorageInconsistency = errors.New("storage inconsistency")

	// ErrRangeNotSatisfiable is returned for ranges outside the source.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")

	// ErrBackendUnavailable wraps transient remote failures after retries ran out.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrClientDisconnected marks a stream that ended because the client went
	// away. It never escapes the streamer.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrStreamTimeout is returned when a remote stream stops making progress.
	ErrStreamTimeout = errors.New("stream timed out")
)

// MissingChunkError reports the first absent chunk of a merge.
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk %d", e.Index)
}

// ValidationError reports unusable input such as an empty file or a bad index.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for constructing a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// MissingChunkIndex returns the index carried by a *MissingChunkError in err.
func MissingChunkIndex(err error) (int, bool) {
	var mc *MissingChunkError
	if errors.As(err, &mc) {
		return mc.Index, true
	}
	return 0, false
}
