package convert

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"tierstore/internal/tierstore"
)

// Metrics receives conversion outcomes.
type Metrics interface {
	CacheLookup(hit bool)
	ConversionFinished(ok bool, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) CacheLookup(bool)                       {}
func (nopMetrics) ConversionFinished(bool, time.Duration) {}

// CachingConverter serves conversions from a Cache and runs at most one
// conversion per key at a time. Cache failures are logged and bypassed.
type CachingConverter struct {
	inner   tierstore.Converter
	cache   Cache
	logger  tierstore.Logger
	metrics Metrics
	group   singleflight.Group
}

var _ tierstore.Converter = (*CachingConverter)(nil)

// NewCachingConverter wraps inner. metrics may be nil.
func NewCachingConverter(inner tierstore.Converter, cache Cache, metrics Metrics, logger tierstore.Logger) *CachingConverter {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &CachingConverter{inner: inner, cache: cache, logger: logger, metrics: metrics}
}

func (c *CachingConverter) IsConvertible(contentType, name string) bool {
	return c.inner.IsConvertible(contentType, name)
}

func (c *CachingConverter) ConvertToPDF(ctx context.Context, key, name string, data []byte) ([]byte, error) {
	pdf, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("conversion cache lookup failed", "key", key, "error", err)
	}
	c.metrics.CacheLookup(ok)
	if ok {
		return pdf, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		start := time.Now()
		pdf, err := c.inner.ConvertToPDF(ctx, key, name, data)
		c.metrics.ConversionFinished(err == nil, time.Since(start))
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(context.WithoutCancel(ctx), key, pdf); err != nil {
			c.logger.Warn("failed to cache converted document", "key", key, "error", err)
		}
		return pdf, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("joined in-flight conversion", "key", key)
	}
	return v.([]byte), nil
}
