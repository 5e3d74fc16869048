package convert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Cache holds converted documents until they expire.
type Cache interface {
	// Get reports a miss as (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, pdf []byte) error
}

// MemoryCache is a size-bounded, expiring in-process cache.
type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache keeps at most size documents, each for ttl.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	pdf, ok := c.lru.Get(key)
	return pdf, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, pdf []byte) error {
	c.lru.Add(key, pdf)
	return nil
}

// Len returns the number of cached documents.
func (c *MemoryCache) Len() int { return c.lru.Len() }

// RedisCache shares converted documents between instances.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache stores documents under prefix+"convert:"+key for ttl.
func NewRedisCache(rdb *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix + "convert:", ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	pdf, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading cached document: %w", err)
	}
	return pdf, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, pdf []byte) error {
	if err := c.rdb.Set(ctx, c.prefix+key, pdf, c.ttl).Err(); err != nil {
		return fmt.Errorf("caching document: %w", err)
	}
	return nil
}
