// Package metrics exposes Prometheus collectors for tierstore. Collectors
// are registered on the Registerer given to New so tests can use a private
// registry.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tierstore/internal/convert"
	"tierstore/internal/tierstore"
)

const namespace = "tierstore"

// Metrics implements tierstore.Metrics and convert.Metrics and records
// HTTP and streaming statistics.
type Metrics struct {
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	filesStored      *prometheus.CounterVec
	bytesStored      *prometheus.CounterVec
	filesDeleted     *prometheus.CounterVec
	chunksSaved      prometheus.Counter
	merges           *prometheus.CounterVec
	sessionsSwept    prometheus.Counter
	orphans          *prometheus.CounterVec
	bytesStreamed    *prometheus.CounterVec
	disconnects      prometheus.Counter
	streamTimeouts   prometheus.Counter
	callerRuns       *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	conversions      *prometheus.CounterVec
	conversionTiming prometheus.Histogram
}

var (
	_ tierstore.Metrics = (*Metrics)(nil)
	_ convert.Metrics   = (*Metrics)(nil)
)

// New creates and registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		filesStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_stored_total",
			Help:      "Files stored by tier.",
		}, []string{"tier"}),
		bytesStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stored_bytes_total",
			Help:      "Bytes stored by tier.",
		}, []string{"tier"}),
		filesDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_deleted_total",
			Help:      "Files deleted by tier and whether their bytes were removed.",
		}, []string{"tier", "physical"}),
		chunksSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_saved_total",
			Help:      "Upload chunks written to the chunk store.",
		}),
		merges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Chunk merges by result.",
		}, []string{"result"}),
		sessionsSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_sessions_swept_total",
			Help:      "Abandoned chunk sessions removed by the sweep.",
		}),
		orphans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_reclaimed_total",
			Help:      "Unreferenced blobs deleted by reconciliation.",
		}, []string{"tier"}),
		bytesStreamed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamed_bytes_total",
			Help:      "Bytes written to clients by tier.",
		}, []string{"tier"}),
		disconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_disconnects_total",
			Help:      "Streams ended early because the client went away.",
		}),
		streamTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_timeouts_total",
			Help:      "Remote streams aborted by the wall-clock limit.",
		}),
		callerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_caller_runs_total",
			Help:      "Tasks run on the submitting goroutine because a pool was saturated.",
		}, []string{"pool"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversion_cache_lookups_total",
			Help:      "Converted-document cache lookups by result.",
		}, []string{"result"}),
		conversions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Document conversions by result.",
		}, []string{"result"}),
		conversionTiming: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Document conversion latency.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
}

func (m *Metrics) FileStored(tier tierstore.Tier, size int64) {
	m.filesStored.WithLabelValues(tier.String()).Inc()
	m.bytesStored.WithLabelValues(tier.String()).Add(float64(size))
}

func (m *Metrics) FileDeleted(tier tierstore.Tier, physicalOK bool) {
	m.filesDeleted.WithLabelValues(tier.String(), strconv.FormatBool(physicalOK)).Inc()
}

func (m *Metrics) ChunkSaved() { m.chunksSaved.Inc() }

func (m *Metrics) MergeFinished(result string) { m.merges.WithLabelValues(result).Inc() }

func (m *Metrics) SessionsAbandoned(n int) { m.sessionsSwept.Add(float64(n)) }

func (m *Metrics) OrphansReclaimed(tier tierstore.Tier, n int) {
	m.orphans.WithLabelValues(tier.String()).Add(float64(n))
}

// Streamed records one finished stream.
func (m *Metrics) Streamed(tier tierstore.Tier, written int64, disconnected, timedOut bool) {
	m.bytesStreamed.WithLabelValues(tier.String()).Add(float64(written))
	if disconnected {
		m.disconnects.Inc()
	}
	if timedOut {
		m.streamTimeouts.Inc()
	}
}

// PoolCallerRuns matches workers.Config.OnCallerRuns.
func (m *Metrics) PoolCallerRuns(pool string) { m.callerRuns.WithLabelValues(pool).Inc() }

func (m *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ConversionFinished(ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.conversions.WithLabelValues(result).Inc()
	m.conversionTiming.Observe(elapsed.Seconds())
}
