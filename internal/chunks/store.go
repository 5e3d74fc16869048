// Package chunks keeps the pieces of resumable uploads on local disk until
// they are merged. Each session is a directory <root>/<owner>/<filename>
// holding one chunk_<index> file per received piece.
package chunks

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"tierstore/internal/tierstore"
)

const (
	chunkPrefix    = "chunk_"
	anonymousOwner = "user_anonymous"
)

// Store is a filesystem ChunkStore.
type Store struct {
	root   string
	clock  tierstore.Clock
	logger tierstore.Logger
}

var _ tierstore.ChunkStore = (*Store)(nil)

// NewStore creates the chunk root if needed.
func NewStore(root string, clock tierstore.Clock, logger tierstore.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("chunk root must be set")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating chunk root: %w", err)
	}
	if logger == nil {
		logger = tierstore.NewNopLogger()
	}
	return &Store{root: root, clock: clock, logger: logger}, nil
}

// Root returns the directory holding all sessions.
func (s *Store) Root() string { return s.root }

// SaveChunk writes one chunk. A chunk is replaced atomically, so readers see
// either the old or the new bytes, never a mix.
func (s *Store) SaveChunk(owner, filename string, index int, r io.Reader) error {
	if index < 0 {
		return tierstore.Invalid("chunkIndex", "must not be negative")
	}
	dir, err := s.sessionDir(owner, filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	return writeAtomic(filepath.Join(dir, chunkName(index)), r)
}

// Exists reports whether a chunk has been stored.
func (s *Store) Exists(owner, filename string, index int) bool {
	if index < 0 {
		return false
	}
	dir, err := s.sessionDir(owner, filename)
	if err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, chunkName(index)))
	return err == nil && info.Mode().IsRegular()
}

// Assemble verifies every chunk in [0, total) is present and returns a
// reader over them in index order.
func (s *Store) Assemble(owner, filename string, total int) (tierstore.Assembly, error) {
	if total <= 0 {
		return nil, tierstore.Invalid("totalChunks", "must be positive")
	}
	dir, err := s.sessionDir(owner, filename)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("upload session %s/%s: %w", owner, filename, tierstore.ErrNotFound)
		}
		return nil, fmt.Errorf("checking session directory: %w", err)
	}

	paths := make([]string, total)
	var size int64
	for i := range total {
		p := filepath.Join(dir, chunkName(i))
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, &tierstore.MissingChunkError{Index: i}
			}
			return nil, fmt.Errorf("checking chunk %d: %w", i, err)
		}
		paths[i] = p
		size += info.Size()
	}
	return &assembly{paths: paths, size: size}, nil
}

// Cleanup removes a session and its chunks. Removing a missing session is
// not an error.
func (s *Store) Cleanup(owner, filename string) error {
	dir, err := s.sessionDir(owner, filename)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing session directory: %w", err)
	}
	// Drop the owner directory once its last session is gone.
	os.Remove(filepath.Dir(dir))
	return nil
}

// Sweep removes sessions whose newest chunk is older than ttl.
func (s *Store) Sweep(ttl time.Duration) ([]tierstore.ChunkSession, error) {
	cutoff := s.clock.Now().Add(-ttl)

	owners, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing chunk root: %w", err)
	}

	var swept []tierstore.ChunkSession
	for _, o := range owners {
		if !o.IsDir() {
			continue
		}
		ownerDir := filepath.Join(s.root, o.Name())
		sessions, err := os.ReadDir(ownerDir)
		if err != nil {
			s.logger.Warn("listing owner chunk directory", "dir", ownerDir, "error", err)
			continue
		}
		for _, sess := range sessions {
			if !sess.IsDir() {
				continue
			}
			dir := filepath.Join(ownerDir, sess.Name())
			last, err := lastWrite(dir)
			if err != nil {
				s.logger.Warn("inspecting chunk session", "dir", dir, "error", err)
				continue
			}
			if !last.Before(cutoff) {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				s.logger.Warn("removing abandoned chunk session", "dir", dir, "error", err)
				continue
			}
			swept = append(swept, tierstore.ChunkSession{OwnerID: o.Name(), Filename: sess.Name(), LastWrite: last})
		}
		os.Remove(ownerDir)
	}
	return sortedSessions(swept), nil
}

// Status lists which chunks of a session have arrived.
func (s *Store) Status(owner, filename string, total int) (*tierstore.SessionStatus, error) {
	if total <= 0 {
		return nil, tierstore.Invalid("totalChunks", "must be positive")
	}
	dir, err := s.sessionDir(owner, filename)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("listing session directory: %w", err)
	}

	have := make(map[int]bool, len(entries))
	for _, e := range entries {
		if idx, ok := parseChunkName(e.Name()); ok && e.Type().IsRegular() {
			have[idx] = true
		}
	}

	st := &tierstore.SessionStatus{OwnerID: owner, Filename: filename, Total: total, Present: []int{}, Missing: []int{}}
	for i := range total {
		if have[i] {
			st.Present = append(st.Present, i)
		} else {
			st.Missing = append(st.Missing, i)
		}
	}
	st.State = tierstore.SessionOpen
	if len(st.Missing) == 0 {
		st.State = tierstore.SessionComplete
	}
	return st, nil
}

// sessionDir maps (owner, filename) to a directory that cannot escape root.
func (s *Store) sessionDir(owner, filename string) (string, error) {
	name := pathComponent(filename)
	if name == "" {
		return "", tierstore.Invalid("filename", "must not be empty")
	}
	o := pathComponent(owner)
	if o == "" {
		o = anonymousOwner
	}
	return filepath.Join(s.root, o, name), nil
}

// pathComponent replaces separators and reserved characters so the result
// is a single directory entry. "." and ".." collapse to empty.
func pathComponent(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, s)
	if s == "." || s == ".." {
		return ""
	}
	return s
}

func chunkName(index int) string {
	return chunkPrefix + strconv.Itoa(index)
}

func parseChunkName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, chunkPrefix)
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// lastWrite returns the newest modification time among a session's
// entries, or the directory's own time when it is empty.
func lastWrite(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	last := info.ModTime()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	if len(entries) > 0 {
		last = time.Time{}
	}
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(last) {
			last = fi.ModTime()
		}
	}
	return last, nil
}

// writeAtomic writes r to a temp file beside dest and renames it into place.
func writeAtomic(dest string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-"+filepath.Base(dest)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp chunk: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp chunk: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("renaming chunk into place: %w", err)
	}
	success = true
	return nil
}

// assembly reads chunk files back to back.
type assembly struct {
	paths []string
	size  int64
	next  int
	cur   *os.File
}

func (a *assembly) Size() int64 { return a.size }

func (a *assembly) Read(p []byte) (int, error) {
	for {
		if a.cur == nil {
			if a.next >= len(a.paths) {
				return 0, io.EOF
			}
			f, err := os.Open(a.paths[a.next])
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return 0, &tierstore.MissingChunkError{Index: a.next}
				}
				return 0, fmt.Errorf("opening chunk %d: %w", a.next, err)
			}
			a.cur = f
			a.next++
		}
		n, err := a.cur.Read(p)
		if err == io.EOF {
			a.cur.Close()
			a.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (a *assembly) Close() error {
	if a.cur != nil {
		err := a.cur.Close()
		a.cur = nil
		return err
	}
	return nil
}

// sortedSessions orders sessions by owner, then filename.
func sortedSessions(ss []tierstore.ChunkSession) []tierstore.ChunkSession {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].OwnerID != ss[j].OwnerID {
			return ss[i].OwnerID < ss[j].OwnerID
		}
		return ss[i].Filename < ss[j].Filename
	})
	return ss
}
