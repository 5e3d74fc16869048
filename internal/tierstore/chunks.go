package tierstore

import (
	"io"
	"time"
)

// SessionState is the lifecycle position of a chunked upload.
type SessionState string

const (
	SessionOpen      SessionState = "OPEN"
	SessionComplete  SessionState = "COMPLETE"
	SessionMerged    SessionState = "MERGED"
	SessionAbandoned SessionState = "ABANDONED"
)

// ChunkSession identifies the chunks of one in-progress upload.
type ChunkSession struct {
	OwnerID  string
	Filename string
	// LastWrite is the modification time of the newest chunk.
	LastWrite time.Time
}

// SessionStatus describes which chunks of a session have arrived.
type SessionStatus struct {
	OwnerID  string       `json:"ownerId"`
	Filename string       `json:"filename"`
	Total    int          `json:"totalChunks"`
	Present  []int        `json:"present"`
	Missing  []int        `json:"missing"`
	State    SessionState `json:"state"`
}

// Assembly streams the chunks of a complete session in index order.
type Assembly interface {
	io.ReadCloser
	Size() int64
}

// ChunkStore holds in-flight upload chunks.
type ChunkStore interface {
	SaveChunk(owner, filename string, index int, r io.Reader) error
	Exists(owner, filename string, index int) bool
	// Assemble fails with *MissingChunkError before yielding any bytes when
	// an index in [0, total) is absent, and with ErrNotFound when the
	// session does not exist.
	Assemble(owner, filename string, total int) (Assembly, error)
	Cleanup(owner, filename string) error
	// Sweep removes sessions idle for longer than ttl and returns them.
	Sweep(ttl time.Duration) ([]ChunkSession, error)
	Status(owner, filename string, total int) (*SessionStatus, error)
}
