package tierstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tierstore/internal/backend"
	"tierstore/internal/chunks"
	"tierstore/internal/database"
	"tierstore/internal/testutil"
	"tierstore/internal/tierstore"
	"tierstore/internal/workers"
)

// harness wires a coordinator over an in-memory record store, a temp
// filesystem tier and an in-memory remote tier.
type harness struct {
	coord   *tierstore.Coordinator
	router  *tierstore.Router
	records *database.SQLiteStore
	fs      *backend.FilesystemBackend
	remote  *backend.MemoryBackend
	chunks  *chunks.Store
	clock   *testutil.StubClock
	metrics *recordingMetrics
}

type harnessOption func(*tierstore.CoordinatorDeps, *tierstore.CoordinatorConfig)

func withConverter(c tierstore.Converter) harnessOption {
	return func(d *tierstore.CoordinatorDeps, _ *tierstore.CoordinatorConfig) { d.Converter = c }
}

func withRecords(wrap func(tierstore.RecordStore) tierstore.RecordStore) harnessOption {
	return func(d *tierstore.CoordinatorDeps, _ *tierstore.CoordinatorConfig) { d.Records = wrap(d.Records) }
}

func newHarness(t *testing.T, th tierstore.Thresholds, opts ...harnessOption) *harness {
	t.Helper()

	clock := testutil.NewStubClock(time.Now().UTC())
	records := testutil.NewTestRecordStore(t)

	fsb, err := backend.NewFilesystemBackend(tierstore.TierFilesystem, t.TempDir(), clock)
	require.NoError(t, err)
	remote := backend.NewMemoryBackend(tierstore.TierRemote, clock)
	inline := backend.NewInlineBackend(records, th.DatabaseMax)

	router, err := tierstore.NewRouter(th, []tierstore.Backend{inline, fsb, remote}, clock, testutil.NewStubIDGenerator())
	require.NoError(t, err)

	cs, err := chunks.NewStore(t.TempDir(), clock, tierstore.NewNopLogger())
	require.NoError(t, err)

	chunkPool, err := workers.New(workers.Config{Name: "chunk", Core: 2, Max: 4, Queue: 8, KeepAlive: time.Second})
	require.NoError(t, err)
	filePool, err := workers.New(workers.Config{Name: "file", Core: 2, Max: 3, Queue: 4, KeepAlive: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		chunkPool.Close()
		filePool.Close()
	})

	metrics := newRecordingMetrics()
	deps := tierstore.CoordinatorDeps{
		Router:    router,
		Records:   records,
		Chunks:    cs,
		ChunkPool: chunkPool,
		FilePool:  filePool,
		Metrics:   metrics,
		Logger:    tierstore.NewNopLogger(),
	}
	cfg := tierstore.CoordinatorConfig{
		UploadTimeout:  time.Minute,
		BatchTimeout:   time.Minute,
		MergeTimeout:   time.Minute,
		ChunkTTL:       24 * time.Hour,
		ReconcileGrace: time.Hour,
		ReadSpan:       10 * tierstore.MiB,
	}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	coord, err := tierstore.NewCoordinator(deps, cfg)
	require.NoError(t, err)

	return &harness{
		coord:   coord,
		router:  router,
		records: records,
		fs:      fsb,
		remote:  remote,
		chunks:  cs,
		clock:   clock,
		metrics: metrics,
	}
}

// smallTiers puts 0-10 bytes inline, 11-30 bytes on disk and the rest remote.
func smallTiers() tierstore.Thresholds {
	return tierstore.Thresholds{DatabaseMax: 10, FilesystemMax: 30}
}

type recordingMetrics struct {
	mu        sync.Mutex
	stored    map[tierstore.Tier]int
	deleted   map[bool]int
	chunks    int
	merges    map[string]int
	abandoned int
	orphans   map[tierstore.Tier]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		stored:  map[tierstore.Tier]int{},
		deleted: map[bool]int{},
		merges:  map[string]int{},
		orphans: map[tierstore.Tier]int{},
	}
}

func (m *recordingMetrics) FileStored(tier tierstore.Tier, _ int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[tier]++
}

func (m *recordingMetrics) FileDeleted(_ tierstore.Tier, physicalOK bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[physicalOK]++
}

func (m *recordingMetrics) ChunkSaved() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks++
}

func (m *recordingMetrics) MergeFinished(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merges[result]++
}

func (m *recordingMetrics) SessionsAbandoned(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned += n
}

func (m *recordingMetrics) OrphansReclaimed(tier tierstore.Tier, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphans[tier] += n
}

// failingSaves wraps a record store whose Save always fails.
type failingSaves struct {
	tierstore.RecordStore
}

var errSaveFailed = errors.New("save failed")

func (failingSaves) Save(context.Context, *tierstore.FileRecord) error { return errSaveFailed }

// fakeConverter converts .docx names.
type fakeConverter struct {
	mu   sync.Mutex
	out  []byte
	err  error
	keys []string
}

func (c *fakeConverter) IsConvertible(_, name string) bool {
	return len(name) > 5 && name[len(name)-5:] == ".docx"
}

func (c *fakeConverter) ConvertToPDF(_ context.Context, key, _ string, _ []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
	return c.out, c.err
}

func readSource(t *testing.T, src tierstore.ByteSource) []byte {
	t.Helper()
	data, err := tierstore.ReadAll(context.Background(), src, 0)
	require.NoError(t, err)
	return data
}
