package convert

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierstore/internal/tierstore"
)

type countingConverter struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (c *countingConverter) IsConvertible(_, name string) bool { return IsConvertible("", name) }

func (c *countingConverter) ConvertToPDF(_ context.Context, key, _ string, _ []byte) ([]byte, error) {
	c.calls.Add(1)
	if c.release != nil {
		<-c.release
	}
	if c.err != nil {
		return nil, c.err
	}
	return []byte("pdf:" + key), nil
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}

func (brokenCache) Set(context.Context, string, []byte) error { return errors.New("cache down") }

type recordingConvertMetrics struct {
	mu     sync.Mutex
	hits   int
	misses int
	failed int
}

func (m *recordingConvertMetrics) CacheLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func (m *recordingConvertMetrics) ConversionFinished(ok bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok {
		m.failed++
	}
}

func TestCachingConverter_CachesByKey(t *testing.T) {
	inner := &countingConverter{}
	metrics := &recordingConvertMetrics{}
	c := NewCachingConverter(inner, NewMemoryCache(10, time.Hour), metrics, tierstore.NewNopLogger())
	ctx := context.Background()

	for range 3 {
		pdf, err := c.ConvertToPDF(ctx, "id1:a.docx:3", "a.docx", []byte("abc"))
		require.NoError(t, err)
		assert.Equal(t, "pdf:id1:a.docx:3", string(pdf))
	}
	_, err := c.ConvertToPDF(ctx, "id1:a.docx:4", "a.docx", []byte("abcd"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, 2, metrics.hits)
	assert.Equal(t, 2, metrics.misses)
	assert.True(t, c.IsConvertible("", "b.pptx"))
}

func TestCachingConverter_FailuresAreNotCached(t *testing.T) {
	inner := &countingConverter{err: errors.New("soffice crashed")}
	metrics := &recordingConvertMetrics{}
	cache := NewMemoryCache(10, time.Hour)
	c := NewCachingConverter(inner, cache, metrics, tierstore.NewNopLogger())

	for range 2 {
		_, err := c.ConvertToPDF(context.Background(), "k", "a.docx", []byte("x"))
		require.Error(t, err)
	}
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, 2, metrics.failed)
	assert.Zero(t, cache.Len())
}

func TestCachingConverter_BrokenCacheIsBypassed(t *testing.T) {
	inner := &countingConverter{}
	c := NewCachingConverter(inner, brokenCache{}, nil, tierstore.NewNopLogger())

	pdf, err := c.ConvertToPDF(context.Background(), "k", "a.docx", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "pdf:k", string(pdf))
}

func TestCachingConverter_ConcurrentCallsShareOneConversion(t *testing.T) {
	inner := &countingConverter{release: make(chan struct{})}
	c := NewCachingConverter(inner, NewMemoryCache(10, time.Hour), nil, tierstore.NewNopLogger())

	const n = 5
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.ConvertToPDF(context.Background(), "same", "a.docx", []byte("x"))
		}()
	}

	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to join the in-flight conversion.
	time.Sleep(20 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, "pdf:same", string(results[i]))
	}
	assert.Equal(t, int32(1), inner.calls.Load())
}
