package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

// blockWorker submits a task that holds a worker until release is closed.
func blockWorker(t *testing.T, p *Pool, release <-chan struct{}) *Task {
	t.Helper()
	started := make(chan struct{})
	task := p.Submit(func() error {
		close(started)
		<-release
		return nil
	})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking task never started")
	}
	return task
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero core", cfg: Config{Name: "x", Core: 0, Max: 1}},
		{name: "max below core", cfg: Config{Name: "x", Core: 3, Max: 2}},
		{name: "negative queue", cfg: Config{Name: "x", Core: 1, Max: 1, Queue: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestPool_SubmitReturnsTaskError(t *testing.T) {
	p := newPool(t, Config{Name: "test", Core: 2, Max: 2, Queue: 4})
	boom := errors.New("boom")

	ok := p.Submit(func() error { return nil })
	bad := p.Submit(func() error { return boom })

	ctx := context.Background()
	assert.NoError(t, ok.Wait(ctx))
	assert.ErrorIs(t, bad.Wait(ctx), boom)
}

func TestPool_PanicBecomesError(t *testing.T) {
	p := newPool(t, Config{Name: "test", Core: 1, Max: 1, Queue: 1})

	err := p.Submit(func() error { panic("kaboom") }).Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestPool_CallerRunsWhenSaturated(t *testing.T) {
	var hooked atomic.Int32
	p := newPool(t, Config{
		Name:         "chunk",
		Core:         1,
		Max:          1,
		Queue:        1,
		OnCallerRuns: func(string) { hooked.Add(1) },
	})

	release := make(chan struct{})
	blocked := blockWorker(t, p, release)
	queued := p.Submit(func() error { return nil })

	ran := false
	inline := p.Submit(func() error {
		ran = true
		return nil
	})

	// The saturated submit ran synchronously, so it is already finished.
	assert.True(t, ran)
	select {
	case <-inline.Done():
	default:
		t.Fatal("caller-runs task not finished when Submit returned")
	}
	assert.Equal(t, int64(1), p.Stats().CallerRuns)
	assert.Equal(t, int32(1), hooked.Load())

	close(release)
	ctx := context.Background()
	require.NoError(t, blocked.Wait(ctx))
	require.NoError(t, queued.Wait(ctx))
}

func TestPool_GrowsToMaxBeforeCallerRuns(t *testing.T) {
	p := newPool(t, Config{Name: "file", Core: 1, Max: 2, Queue: 0, KeepAlive: time.Hour})

	release := make(chan struct{})
	first := blockWorker(t, p, release)
	second := blockWorker(t, p, release)

	assert.Equal(t, 2, p.Stats().Workers)
	assert.Equal(t, int64(0), p.Stats().CallerRuns)

	third := p.Submit(func() error { return nil })
	assert.Equal(t, int64(1), p.Stats().CallerRuns)

	close(release)
	ctx := context.Background()
	require.NoError(t, first.Wait(ctx))
	require.NoError(t, second.Wait(ctx))
	require.NoError(t, third.Wait(ctx))
}

func TestPool_ExtraWorkerExitsWhenIdle(t *testing.T) {
	p := newPool(t, Config{Name: "file", Core: 1, Max: 2, Queue: 0, KeepAlive: 20 * time.Millisecond})

	release := make(chan struct{})
	first := blockWorker(t, p, release)
	second := blockWorker(t, p, release)
	close(release)
	ctx := context.Background()
	require.NoError(t, first.Wait(ctx))
	require.NoError(t, second.Wait(ctx))

	assert.Eventually(t, func() bool { return p.Stats().Workers == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPool_CloseDrainsQueue(t *testing.T) {
	p, err := New(Config{Name: "test", Core: 1, Max: 1, Queue: 10})
	require.NoError(t, err)

	var count atomic.Int32
	for range 10 {
		p.Submit(func() error {
			time.Sleep(time.Millisecond)
			count.Add(1)
			return nil
		})
	}
	p.Close()

	assert.Equal(t, int32(10), count.Load())
	assert.ErrorIs(t, p.Submit(func() error { return nil }).Wait(context.Background()), ErrPoolClosed)
}

func TestTask_WaitHonorsContext(t *testing.T) {
	p := newPool(t, Config{Name: "test", Core: 1, Max: 1, Queue: 1})
	release := make(chan struct{})
	defer close(release)
	task := blockWorker(t, p, release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.DeadlineExceeded)
}
