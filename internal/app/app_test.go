package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierstore/internal/config"
	"tierstore/internal/tierstore"
)

// testConfig keeps everything in memory or under a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig("test-node", t.TempDir())
	cfg.Database.Type = "memory"
	cfg.Backends.Remote = config.BackendConfig{Type: "memory"}
	cfg.Converter.Type = "none"
	cfg.Pools.Chunk = config.PoolConfig{Core: 1, Max: 2, Queue: 2}
	cfg.Pools.File = config.PoolConfig{Core: 1, Max: 2, Queue: 2}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNew_ServesUploads(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "hello.txt")
	require.NoError(t, err)
	_, err = io.WriteString(fw, "hello, world")
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/files/upload", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Owner-ID", "alice")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Data tierstore.FileRecord `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, tierstore.TierDatabase, env.Data.Tier)

	health, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	metricsResp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	out, _ := io.ReadAll(metricsResp.Body)
	metricsResp.Body.Close()
	assert.Contains(t, string(out), "go_goroutines")
	assert.Contains(t, string(out), `tierstore_files_stored_total{tier="DATABASE"} 1`)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"inverted tiers", func(c *config.Config) { c.Tiers.DatabaseMax = 100; c.Tiers.FilesystemMax = 10 }},
		{"unknown backend", func(c *config.Config) { c.Backends.Remote.Type = "tape" }},
		{"unknown database", func(c *config.Config) { c.Database.Type = "oracle" }},
		{"encryption without keys", func(c *config.Config) { c.Encryption.Enabled = true }},
		{"redis without address", func(c *config.Config) { c.Cache.Type = "redis" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg)
			assert.Error(t, err)
		})
	}
}

func TestMigrate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(t.TempDir(), "db")}

	_, err := New(context.Background(), cfg)
	require.Error(t, err, "unmigrated database should be rejected")

	require.NoError(t, Migrate(context.Background(), cfg))
	newTestApp(t, cfg)
}

func TestInitKeys(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Encryption = config.EncryptionConfig{
		Enabled:        true,
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "tierstore.pub"),
		PrivateKeyPath: filepath.Join(dir, "tierstore.key"),
	}

	require.NoError(t, InitKeys(cfg.Encryption, "secret"))
	assert.Error(t, InitKeys(cfg.Encryption, "secret"), "existing keys must not be overwritten")

	t.Setenv("TIERSTORE_PASSPHRASE", "wrong")
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)

	t.Setenv("TIERSTORE_PASSPHRASE", "secret")
	newTestApp(t, cfg)
}

func TestMaintenance(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	n, err := a.SweepChunks(ctx, "cli")
	require.NoError(t, err)
	assert.Zero(t, n)

	reports, err := a.Reconcile(ctx, "cli")
	require.NoError(t, err)
	assert.NotEmpty(t, reports)
}

func TestRunScheduler(t *testing.T) {
	a := &App{clock: tierstore.RealClock{}, log: tierstore.NewNopLogger()}

	var runs, disabled atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.runScheduler(ctx, []job{
			{name: "tick", interval: 5 * time.Millisecond, run: func(context.Context, string) error {
				runs.Add(1)
				return nil
			}},
			{name: "off", interval: 0, run: func(context.Context, string) error {
				disabled.Add(1)
				return nil
			}},
		})
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	assert.Zero(t, disabled.Load())
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Addr = "127.0.0.1:0"
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
