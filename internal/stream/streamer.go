// Package stream writes stored files to HTTP clients, whole or by byte
// range, the same way whichever backend holds the bytes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"tierstore/internal/config"
	"tierstore/internal/tierstore"
)

const (
	defaultBufferSize         = 64 * 1024
	defaultFlushInterval      = 512 * 1024
	defaultMediaFlushInterval = 256 * 1024
	defaultRemoteMaxSpan      = 10 * tierstore.MiB
	defaultRemoteTimeout      = 30 * time.Second
)

// Request is the client side of one stream.
type Request struct {
	// Range is the raw Range header, empty for a full response.
	Range    string
	Download bool
}

// Item is the file being streamed.
type Item struct {
	Source      tierstore.ByteSource
	Name        string
	ContentType string
	// Remote marks sources on the REMOTE tier. Their ranges are capped and
	// their streams abort once they stop making progress.
	Remote bool
}

// Result describes what was sent.
type Result struct {
	Status       int
	Written      int64
	Disconnected bool
}

// Streamer serves Items over HTTP.
type Streamer struct {
	bufferSize         int
	flushInterval      int64
	mediaFlushInterval int64
	remoteMaxSpan      int64
	remoteTimeout      time.Duration
	logger             tierstore.Logger
}

// NewStreamer creates a Streamer. Zero settings fall back to 64 KiB
// buffers, 512/256 KiB flushes, a 10 MiB remote span and a 30s remote
// idle timeout.
func NewStreamer(cfg config.StreamingConfig, logger tierstore.Logger) *Streamer {
	s := &Streamer{
		bufferSize:         cfg.BufferSize,
		flushInterval:      cfg.FlushInterval,
		mediaFlushInterval: cfg.MediaFlushInterval,
		remoteMaxSpan:      cfg.RemoteMaxSpan,
		remoteTimeout:      cfg.RemoteTimeout.Std(),
		logger:             logger,
	}
	if s.bufferSize <= 0 {
		s.bufferSize = defaultBufferSize
	}
	if s.flushInterval <= 0 {
		s.flushInterval = defaultFlushInterval
	}
	if s.mediaFlushInterval <= 0 {
		s.mediaFlushInterval = defaultMediaFlushInterval
	}
	if s.remoteMaxSpan <= 0 {
		s.remoteMaxSpan = defaultRemoteMaxSpan
	}
	if s.remoteTimeout <= 0 {
		s.remoteTimeout = defaultRemoteTimeout
	}
	if s.logger == nil {
		s.logger = tierstore.NewNopLogger()
	}
	return s
}

// Serve writes item to w. Unsatisfiable ranges get a 416 response and a
// nil error. A client that goes away mid-stream ends the stream quietly:
// the Result is marked Disconnected and the error is nil. A remote stream
// that makes no progress for the remote timeout fails with
// tierstore.ErrStreamTimeout.
func (s *Streamer) Serve(ctx context.Context, w http.ResponseWriter, req Request, item Item) (Result, error) {
	size := item.Source.Size()
	h := w.Header()
	setCommonHeaders(h, item, req.Download)

	span := ByteRange{Start: 0, End: size - 1}
	status := http.StatusOK
	if req.Range != "" {
		br, err := ParseRange(req.Range, size)
		if err != nil {
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			h.Del("Content-Type")
			h.Del("Content-Disposition")
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			s.logger.Debug("unsatisfiable range", "range", req.Range, "size", size)
			return Result{Status: http.StatusRequestedRangeNotSatisfiable}, nil
		}
		if item.Remote && br.Length() > s.remoteMaxSpan {
			br.End = br.Start + s.remoteMaxSpan - 1
		}
		span = br
		status = http.StatusPartialContent
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, size))
	}

	length := span.Length()
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	res := Result{Status: status}
	if length <= 0 {
		return res, nil
	}

	streamCtx := ctx
	var step int64
	var idle *time.Timer
	if item.Remote {
		var cancel context.CancelCauseFunc
		streamCtx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)
		idle = time.AfterFunc(s.remoteTimeout, func() { cancel(tierstore.ErrStreamTimeout) })
		defer idle.Stop()
		step = s.remoteMaxSpan
	}

	flushEvery := s.flushInterval
	if tierstore.IsMedia(item.Name, item.ContentType) {
		flushEvery = s.mediaFlushInterval
	}

	body := tierstore.NewSpanReader(streamCtx, item.Source, span.Start, length, step)
	written, err := s.copy(streamCtx, w, body, length, flushEvery, idle)
	res.Written = written
	if err == nil {
		return res, nil
	}
	if errors.Is(context.Cause(streamCtx), tierstore.ErrStreamTimeout) || (item.Remote && errors.Is(err, os.ErrDeadlineExceeded)) {
		return res, fmt.Errorf("streaming %s stalled after %d of %d bytes: %w", item.Name, written, length, tierstore.ErrStreamTimeout)
	}
	if isDisconnect(ctx, err) {
		s.logger.Info("client disconnected during stream", "name", item.Name, "written", written, "length", length)
		res.Disconnected = true
		return res, nil
	}
	return res, fmt.Errorf("streaming %s: %w", item.Name, err)
}

// writeError marks a failure writing to or flushing the client.
type writeError struct{ err error }

func (e *writeError) Error() string { return "writing response: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// isDisconnect reports whether err means the client went away: a failed
// write that looks like a dropped connection, or the request itself being
// canceled. Failures reading the source never count.
func isDisconnect(ctx context.Context, err error) bool {
	var werr *writeError
	if errors.As(err, &werr) {
		return IsClientDisconnect(werr.err)
	}
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}

// copy moves length bytes from r to w through one buffer, flushing every
// flushEvery bytes and once at the end. With idle set, each successful
// write pushes idle back by the remote timeout and each write must finish
// within it.
func (s *Streamer) copy(ctx context.Context, w http.ResponseWriter, r io.ReadCloser, length, flushEvery int64, idle *time.Timer) (int64, error) {
	defer r.Close()

	rc := http.NewResponseController(w)
	if idle != nil {
		defer rc.SetWriteDeadline(time.Time{})
	}
	buf := make([]byte, s.bufferSize)
	var written, unflushed int64
	for written < length {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := r.Read(buf[:min(int64(len(buf)), length-written)])
		if n > 0 {
			if idle != nil {
				// Unsupported on some writers; the idle timer still applies.
				rc.SetWriteDeadline(time.Now().Add(s.remoteTimeout))
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, &writeError{err: err}
			}
			written += int64(n)
			unflushed += int64(n)
			if unflushed >= flushEvery {
				if err := flush(rc); err != nil {
					return written, &writeError{err: err}
				}
				unflushed = 0
			}
			if idle != nil {
				idle.Reset(s.remoteTimeout)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if written < length {
					return written, fmt.Errorf("source ended after %d of %d bytes: %w", written, length, io.ErrUnexpectedEOF)
				}
				break
			}
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			return written, fmt.Errorf("reading source: %w", rerr)
		}
	}
	if err := flush(rc); err != nil {
		return written, &writeError{err: err}
	}
	return written, nil
}

func flush(rc *http.ResponseController) error {
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func setCommonHeaders(h http.Header, item Item, download bool) {
	contentType := item.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := "inline"
	if download {
		disposition = "attachment"
	}
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)
	h.Set("Content-Disposition", ContentDisposition(disposition, item.Name))
	h.Set("Cache-Control", "public, max-age=3600")
	h.Set("X-Content-Type-Options", "nosniff")
}

// ContentDisposition builds a header value carrying name as an RFC 5987
// UTF-8 filename, with spaces encoded as %20.
func ContentDisposition(disposition, name string) string {
	return fmt.Sprintf("%s; filename*=UTF-8''%s", disposition, strings.ReplaceAll(url.QueryEscape(name), "+", "%20"))
}
