// Package httpapi exposes the coordinator over HTTP. Non-streaming
// responses use a {status, message, data} JSON envelope; previews stream
// raw bytes with range support.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tierstore/internal/denylist"
	"tierstore/internal/metrics"
	"tierstore/internal/stream"
	"tierstore/internal/tierstore"
)

const defaultMaxMultipartMemory = 32 << 20

// Options tune request parsing.
type Options struct {
	OwnerHeader        string
	RoleHeader         string
	MaxMultipartMemory int64
}

// Deps are the collaborators of the HTTP layer. Denylist, Metrics and
// Gatherer are optional.
type Deps struct {
	Coordinator *tierstore.Coordinator
	Streamer    *stream.Streamer
	Denylist    denylist.Store
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      tierstore.Logger
}

// Server holds the handlers. It is an http.Handler.
type Server struct {
	coord    *tierstore.Coordinator
	streamer *stream.Streamer
	denylist denylist.Store
	metrics  *metrics.Metrics
	logger   tierstore.Logger
	opts     Options
	router   chi.Router
}

// NewServer builds the route tree.
func NewServer(deps Deps, opts Options) *Server {
	if opts.OwnerHeader == "" {
		opts.OwnerHeader = "X-Owner-ID"
	}
	if opts.RoleHeader == "" {
		opts.RoleHeader = "X-Owner-Role"
	}
	if opts.MaxMultipartMemory <= 0 {
		opts.MaxMultipartMemory = defaultMaxMultipartMemory
	}
	if deps.Logger == nil {
		deps.Logger = tierstore.NewNopLogger()
	}
	s := &Server{
		coord:    deps.Coordinator,
		streamer: deps.Streamer,
		denylist: deps.Denylist,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		opts:     opts,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/tokens/revoke", s.revokeToken)

	r.Route("/files", func(r chi.Router) {
		r.Use(s.rejectRevoked)
		r.Use(s.identify)

		r.Post("/upload", s.upload)
		r.Post("/uploads", s.uploadMany)
		r.Get("/list", s.list)
		r.Get("/preview", s.preview)
		r.Get("/info", s.info)
		r.Get("/delete", s.deleteByQuery)
		r.Delete("/{id}", s.deleteByPath)

		r.Post("/chunk", s.saveChunk)
		r.Get("/chunk/check", s.checkChunk)
		r.Get("/chunk/status", s.chunkStatus)
		r.Post("/merge", s.merge)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs one line per request once it has been served.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Warn("request served", args...)
			return
		}
		s.logger.Debug("request served", args...)
	})
}
