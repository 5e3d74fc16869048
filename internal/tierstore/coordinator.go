package tierstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"tierstore/internal/workers"
)

// Merge results reported to Metrics.MergeFinished.
const (
	MergeMerged       = "merged"
	MergeMissingChunk = "missing_chunk"
	MergeFailed       = "failed"
)

const defaultContentType = "application/octet-stream"

// FileUpload is one file handed to Upload.
type FileUpload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// FileInfo is a record plus whether its bytes are currently reachable.
type FileInfo struct {
	*FileRecord
	Available bool `json:"available"`
}

// Preview is an opened file ready to stream. Source must be closed.
type Preview struct {
	Record      *FileRecord
	Source      ByteSource
	Name        string
	ContentType string
	// Remote is set when Source reads from the REMOTE tier.
	Remote    bool
	Converted bool
}

// CoordinatorConfig holds the time limits and sizes the coordinator works with.
type CoordinatorConfig struct {
	UploadTimeout time.Duration
	BatchTimeout  time.Duration
	MergeTimeout  time.Duration
	ChunkTTL      time.Duration

	// ReconcileGrace protects blobs younger than this from the orphan sweep.
	ReconcileGrace time.Duration

	// ReadSpan caps each backend read when a whole file is loaded for conversion.
	ReadSpan int64
	// MaxConvertSize skips conversion for larger files; 0 means no limit.
	MaxConvertSize int64
}

// CoordinatorDeps are the collaborators of a Coordinator. Converter and
// Metrics are optional.
type CoordinatorDeps struct {
	Router    *Router
	Records   RecordStore
	Chunks    ChunkStore
	ChunkPool *workers.Pool
	FilePool  *workers.Pool
	Converter Converter
	Metrics   Metrics
	Logger    Logger
}

// Coordinator runs uploads, chunk merges, deletes and previews end to end.
type Coordinator struct {
	router    *Router
	records   RecordStore
	chunks    ChunkStore
	chunkPool *workers.Pool
	filePool  *workers.Pool
	converter Converter
	metrics   Metrics
	logger    Logger
	cfg       CoordinatorConfig
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(deps CoordinatorDeps, cfg CoordinatorConfig) (*Coordinator, error) {
	if deps.Router == nil || deps.Records == nil || deps.Chunks == nil {
		return nil, errors.New("coordinator requires a router, a record store and a chunk store")
	}
	if deps.ChunkPool == nil || deps.FilePool == nil {
		return nil, errors.New("coordinator requires chunk and file pools")
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = NewNopLogger()
	}
	return &Coordinator{
		router:    deps.Router,
		records:   deps.Records,
		chunks:    deps.Chunks,
		chunkPool: deps.ChunkPool,
		filePool:  deps.FilePool,
		converter: deps.Converter,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg,
	}, nil
}

// Upload stores one file and persists its record.
func (c *Coordinator) Upload(ctx context.Context, owner string, f FileUpload) (*FileRecord, error) {
	if strings.TrimSpace(f.Name) == "" {
		return nil, Invalid("file", "name is empty")
	}
	if f.Size == 0 {
		return nil, Invalid("file", "file is empty")
	}

	ctx, cancel := withTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()

	name := SanitizeFilename(f.Name, c.router.clock.Now())
	return c.store(ctx, Object{
		Name:        name,
		ContentType: contentTypeFor(name, f.ContentType),
		Size:        f.Size,
		OwnerID:     owner,
	}, f.Body)
}

// UploadMany stores each file independently on the file pool. Records of
// the files that succeeded are returned, in input order, alongside a
// joined error naming the ones that failed.
func (c *Coordinator) UploadMany(ctx context.Context, owner string, files []FileUpload) ([]*FileRecord, error) {
	if len(files) == 0 {
		return nil, Invalid("files", "no files given")
	}

	ctx, cancel := withTimeout(ctx, c.cfg.BatchTimeout)
	defer cancel()

	results := make([]*FileRecord, len(files))
	tasks := make([]*workers.Task, len(files))
	for i, f := range files {
		tasks[i] = c.filePool.Submit(func() error {
			rec, err := c.Upload(ctx, owner, f)
			results[i] = rec
			return err
		})
	}

	var stored []*FileRecord
	var errs []error
	for i, t := range tasks {
		// Each task is bounded by ctx, so waiting without a deadline is safe.
		if err := t.Wait(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("uploading %s: %w", files[i].Name, err))
			continue
		}
		stored = append(stored, results[i])
	}
	return stored, errors.Join(errs...)
}

// SaveChunkAsync writes one chunk on the chunk pool. When the pool is
// saturated the write runs on the calling goroutine before returning.
func (c *Coordinator) SaveChunkAsync(owner, filename string, index, total int, r io.Reader) *workers.Task {
	if total <= 0 {
		return workers.Finished(Invalid("totalChunks", "must be positive"))
	}
	if index < 0 || index >= total {
		return workers.Finished(Invalid("chunkIndex", fmt.Sprintf("%d outside [0, %d)", index, total)))
	}
	return c.chunkPool.Submit(func() error {
		if err := c.chunks.SaveChunk(owner, filename, index, r); err != nil {
			c.logger.Warn("failed to save chunk", "owner", owner, "filename", filename, "index", index, "error", err)
			return err
		}
		c.metrics.ChunkSaved()
		return nil
	})
}

func (c *Coordinator) ChunkExists(owner, filename string, index int) bool {
	return c.chunks.Exists(owner, filename, index)
}

func (c *Coordinator) ChunkStatus(owner, filename string, total int) (*SessionStatus, error) {
	return c.chunks.Status(owner, filename, total)
}

// MergeAndStore assembles a complete chunk session, stores it as one file
// and removes the chunks. A gap fails with *MissingChunkError before any
// backend write; merging a session that was already merged fails with
// ErrNotFound.
func (c *Coordinator) MergeAndStore(ctx context.Context, owner, filename string, total int, contentType string) (*FileRecord, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, Invalid("filename", "is empty")
	}
	if total <= 0 {
		return nil, Invalid("totalChunks", "must be positive")
	}

	ctx, cancel := withTimeout(ctx, c.cfg.MergeTimeout)
	defer cancel()

	asm, err := c.chunks.Assemble(owner, filename, total)
	if err != nil {
		if _, ok := MissingChunkIndex(err); ok {
			c.metrics.MergeFinished(MergeMissingChunk)
		} else {
			c.metrics.MergeFinished(MergeFailed)
		}
		return nil, fmt.Errorf("assembling %s: %w", filename, err)
	}
	defer asm.Close()

	name := SanitizeFilename(filename, c.router.clock.Now())
	rec, err := c.store(ctx, Object{
		Name:        name,
		ContentType: contentTypeFor(name, contentType),
		Size:        asm.Size(),
		OwnerID:     owner,
	}, asm)
	if err != nil {
		if _, ok := MissingChunkIndex(err); ok {
			c.metrics.MergeFinished(MergeMissingChunk)
		} else {
			c.metrics.MergeFinished(MergeFailed)
		}
		return nil, fmt.Errorf("merging %s: %w", filename, err)
	}

	if err := c.chunks.Cleanup(owner, filename); err != nil {
		// The record is durable; the sweep removes what is left.
		c.logger.Warn("failed to clean up merged chunks", "owner", owner, "filename", filename, "error", err)
	}
	c.metrics.MergeFinished(MergeMerged)
	c.logger.Info("merged chunked upload", "id", rec.ID, "owner", owner, "chunks", total, "size", rec.Size, "tier", rec.Tier)
	return rec, nil
}

// store places the bytes and persists the record. Bytes whose record could
// not be written are deleted again.
func (c *Coordinator) store(ctx context.Context, obj Object, r io.Reader) (*FileRecord, error) {
	rec, err := c.router.Store(ctx, obj, r)
	if err != nil {
		return nil, fmt.Errorf("storing %s: %w", obj.Name, err)
	}

	if err := c.records.Save(ctx, rec); err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if derr := c.router.Delete(cctx, rec); derr != nil {
			c.logger.Error("failed to remove bytes of unsaved record", "id", rec.ID, "tier", rec.Tier, "locator", rec.Locator, "error", derr)
		}
		return nil, fmt.Errorf("saving record for %s: %w", obj.Name, err)
	}

	rec.Data = nil
	c.metrics.FileStored(rec.Tier, rec.Size)
	c.logger.Info("stored file", "id", rec.ID, "name", rec.Name, "size", rec.Size, "tier", rec.Tier)
	return rec, nil
}

// Delete removes a file's bytes and then its record. A failed physical
// delete is logged and does not stop the record from being removed.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	rec, err := c.records.FindByID(ctx, id)
	if err != nil {
		return err
	}

	physicalOK := true
	if err := c.router.Delete(ctx, rec); err != nil {
		physicalOK = false
		c.logger.Error("failed to delete file bytes, removing record anyway", "id", id, "tier", rec.Tier, "locator", rec.Locator, "error", err)
	}

	if err := c.records.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	c.metrics.FileDeleted(rec.Tier, physicalOK)
	c.logger.Info("deleted file", "id", id, "tier", rec.Tier)
	return nil
}

// Get returns the record with id.
func (c *Coordinator) Get(ctx context.Context, id string) (*FileRecord, error) {
	return c.records.FindByID(ctx, id)
}

// Info returns the record with id and whether its bytes can be reached.
func (c *Coordinator) Info(ctx context.Context, id string) (*FileInfo, error) {
	rec, err := c.records.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := c.router.Exists(ctx, rec)
	if err != nil {
		c.logger.Warn("failed to check file bytes", "id", id, "tier", rec.Tier, "error", err)
	}
	return &FileInfo{FileRecord: rec, Available: ok && err == nil}, nil
}

func (c *Coordinator) List(ctx context.Context, q SearchQuery) (*Page, error) {
	return c.records.Search(ctx, q)
}

// OpenPreview opens a file for streaming. Convertible documents are
// converted to PDF unless download is set; if conversion fails the
// original bytes are served.
func (c *Coordinator) OpenPreview(ctx context.Context, id string, download bool) (*Preview, error) {
	rec, err := c.records.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	src, err := c.router.FetchBytes(ctx, rec)
	if err != nil {
		return nil, err
	}
	raw := &Preview{
		Record:      rec,
		Source:      src,
		Name:        rec.Name,
		ContentType: rec.ContentType,
		Remote:      rec.Tier == TierRemote,
	}

	if download || c.converter == nil || !c.converter.IsConvertible(rec.ContentType, rec.Name) {
		return raw, nil
	}
	if c.cfg.MaxConvertSize > 0 && rec.Size > c.cfg.MaxConvertSize {
		return raw, nil
	}

	data, err := ReadAll(ctx, src, c.cfg.ReadSpan)
	if err != nil {
		c.logger.Warn("failed to load document for conversion, serving original", "id", id, "error", err)
		return raw, nil
	}
	key := fmt.Sprintf("%s:%s:%d", rec.ID, rec.Name, rec.Size)
	pdf, err := c.converter.ConvertToPDF(ctx, key, rec.Name, data)
	if err != nil {
		c.logger.Warn("conversion failed, serving original", "id", id, "name", rec.Name, "error", err)
		return raw, nil
	}
	src.Close()

	return &Preview{
		Record:      rec,
		Source:      NewBytesSource(pdf),
		Name:        strings.TrimSuffix(rec.Name, filepath.Ext(rec.Name)) + ".pdf",
		ContentType: "application/pdf",
		Converted:   true,
	}, nil
}

// SweepChunks removes chunk sessions idle for longer than the chunk TTL.
func (c *Coordinator) SweepChunks(ctx context.Context) ([]ChunkSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sessions, err := c.chunks.Sweep(c.cfg.ChunkTTL)
	for _, s := range sessions {
		c.logger.Info("removed abandoned chunk session", "owner", s.OwnerID, "filename", s.Filename, "last_write", s.LastWrite)
	}
	c.metrics.SessionsAbandoned(len(sessions))
	if err != nil {
		return sessions, fmt.Errorf("sweeping chunks: %w", err)
	}
	return sessions, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// contentTypeFor falls back to the extension's registered type, then to
// application/octet-stream.
func contentTypeFor(name, contentType string) string {
	if contentType = strings.TrimSpace(contentType); contentType != "" {
		return contentType
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return defaultContentType
}
