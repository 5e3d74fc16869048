package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tierstore/internal/stream"
	"tierstore/internal/tierstore"
)

// batchResult is the data of a multi-file upload.
type batchResult struct {
	Files  []*tierstore.FileRecord `json:"files"`
	Failed []string                `json:"failed,omitempty"`
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, tierstore.Invalid("file", "is required"))
		return
	}
	defer file.Close()

	rec, err := s.coord.Upload(r.Context(), callerFrom(r.Context()).OwnerID, fileUpload(header, file))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "file uploaded", rec)
}

func (s *Server) uploadMany(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	files := make([]tierstore.FileUpload, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			s.writeError(w, r, fmt.Errorf("opening part %s: %w", h.Filename, err))
			return
		}
		defer f.Close()
		files = append(files, fileUpload(h, f))
	}

	stored, err := s.coord.UploadMany(r.Context(), callerFrom(r.Context()).OwnerID, files)
	if err != nil && len(stored) == 0 {
		s.writeError(w, r, err)
		return
	}
	res := batchResult{Files: stored}
	if err != nil {
		for _, e := range unjoin(err) {
			res.Failed = append(res.Failed, e.Error())
		}
		s.logger.Warn("batch upload partly failed", "stored", len(stored), "failed", len(res.Failed), "error", err)
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf("uploaded %d of %d files", len(stored), len(files)), res)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	size, err := intParam(r, "size", 10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := callerFrom(r.Context())
	res, err := s.coord.List(r.Context(), tierstore.SearchQuery{
		Term:      strings.TrimSpace(r.URL.Query().Get("search")),
		Page:      page,
		Size:      size,
		OwnerID:   caller.OwnerID,
		AllOwners: caller.Admin,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "ok", res)
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if _, err := s.authorize(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	download := boolParam(r, "download")

	p, err := s.coord.OpenPreview(r.Context(), id, download)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer p.Source.Close()

	res, err := s.streamer.Serve(r.Context(), w, stream.Request{
		Range:    r.Header.Get("Range"),
		Download: download,
	}, stream.Item{
		Source:      p.Source,
		Name:        p.Name,
		ContentType: p.ContentType,
		Remote:      p.Remote,
	})
	if s.metrics != nil {
		s.metrics.Streamed(p.Record.Tier, res.Written, res.Disconnected, errors.Is(err, tierstore.ErrStreamTimeout))
	}
	if err != nil {
		// Headers are already out; all that is left is to log.
		s.logger.Error("stream failed", "id", id, "tier", p.Record.Tier, "written", res.Written, "error", err)
	}
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if _, err := s.authorize(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.coord.Info(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "ok", info)
}

func (s *Server) deleteByQuery(w http.ResponseWriter, r *http.Request) {
	s.delete(w, r, r.URL.Query().Get("id"))
}

func (s *Server) deleteByPath(w http.ResponseWriter, r *http.Request) {
	s.delete(w, r, chi.URLParam(r, "id"))
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.authorize(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coord.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "file deleted", nil)
}

func (s *Server) saveChunk(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, tierstore.Invalid("file", "is required"))
		return
	}
	defer file.Close()

	filename := strings.TrimSpace(r.FormValue("filename"))
	if filename == "" {
		filename = header.Filename
	}
	if filename == "" {
		s.writeError(w, r, tierstore.Invalid("filename", "is required"))
		return
	}
	index, err := requiredInt(r.FormValue("chunkIndex"), "chunkIndex")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := requiredInt(r.FormValue("totalChunks"), "totalChunks")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	task := s.coord.SaveChunkAsync(callerFrom(r.Context()).OwnerID, filename, index, total, file)
	// The part file must stay open until the write has finished.
	<-task.Done()
	if err := task.Wait(context.Background()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "chunk saved", map[string]int{"chunkIndex": index})
}

func (s *Server) checkChunk(w http.ResponseWriter, r *http.Request) {
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		s.writeError(w, r, tierstore.Invalid("filename", "is required"))
		return
	}
	index, err := requiredInt(r.URL.Query().Get("chunkIndex"), "chunkIndex")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exists := s.coord.ChunkExists(callerFrom(r.Context()).OwnerID, filename, index)
	writeJSON(w, http.StatusOK, "ok", map[string]bool{"exists": exists})
}

func (s *Server) chunkStatus(w http.ResponseWriter, r *http.Request) {
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		s.writeError(w, r, tierstore.Invalid("filename", "is required"))
		return
	}
	total, err := requiredInt(r.URL.Query().Get("totalChunks"), "totalChunks")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.coord.ChunkStatus(callerFrom(r.Context()).OwnerID, filename, total)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "ok", status)
}

// mergeRequest is the body of a merge call, as JSON or form values.
type mergeRequest struct {
	Filename    string `json:"filename"`
	TotalChunks int    `json:"totalChunks"`
	Type        string `json:"type"`
}

func (s *Server) merge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, tierstore.Invalid("body", err.Error()))
			return
		}
	} else {
		total, err := requiredInt(r.FormValue("totalChunks"), "totalChunks")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req = mergeRequest{Filename: r.FormValue("filename"), TotalChunks: total, Type: r.FormValue("type")}
	}

	rec, err := s.coord.MergeAndStore(r.Context(), callerFrom(r.Context()).OwnerID, strings.TrimSpace(req.Filename), req.TotalChunks, req.Type)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "file merged", rec)
}

// revokeRequest is the body of a token revocation.
type revokeRequest struct {
	Token      string `json:"token"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) {
	if s.denylist == nil {
		writeJSON(w, http.StatusNotFound, "token revocation is not enabled", nil)
		return
	}
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, tierstore.Invalid("body", err.Error()))
		return
	}
	if req.TTLSeconds < 0 {
		s.writeError(w, r, tierstore.Invalid("ttl_seconds", "must not be negative"))
		return
	}
	if err := s.denylist.Revoke(r.Context(), req.Token, time.Duration(req.TTLSeconds)*time.Second); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "token revoked", nil)
}

// authorize loads the record with id and hides it from callers that may
// not see it.
func (s *Server) authorize(ctx context.Context, id string) (*tierstore.FileRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, tierstore.Invalid("id", "is required")
	}
	rec, err := s.coord.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !callerFrom(ctx).canAccess(rec) {
		return nil, fmt.Errorf("file %s: %w", id, tierstore.ErrNotFound)
	}
	return rec, nil
}

func (s *Server) parseMultipart(r *http.Request) error {
	if err := r.ParseMultipartForm(s.opts.MaxMultipartMemory); err != nil {
		return tierstore.Invalid("form", err.Error())
	}
	return nil
}

func fileUpload(h *multipart.FileHeader, f multipart.File) tierstore.FileUpload {
	ct := h.Header.Get("Content-Type")
	if ct == "application/octet-stream" {
		// Browsers send this for anything they do not recognize.
		ct = ""
	}
	return tierstore.FileUpload{Name: h.Filename, ContentType: ct, Size: h.Size, Body: f}
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, tierstore.Invalid(name, "must be an integer")
	}
	return n, nil
}

func requiredInt(v, name string) (int, error) {
	if strings.TrimSpace(v) == "" {
		return 0, tierstore.Invalid(name, "is required")
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, tierstore.Invalid(name, "must be an integer")
	}
	return n, nil
}

func boolParam(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

// unjoin splits an errors.Join result into its parts.
func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
