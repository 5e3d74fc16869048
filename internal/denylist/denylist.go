// Package denylist records revoked bearer tokens until they would have
// expired anyway. Tokens are stored as SHA-256 digests, never verbatim.
package denylist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"tierstore/internal/config"
	"tierstore/internal/tierstore"
)

// Store is a set of revoked tokens with per-entry expiry.
type Store interface {
	// Revoke adds token for ttl. A ttl <= 0 uses the store default.
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps revocations in process. When full, the least recently
// revoked token is forgotten first.
type MemoryStore struct {
	entries    *expirable.LRU[string, time.Time]
	defaultTTL time.Duration
	clock      tierstore.Clock
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore holds up to maxEntries tokens. No entry outlives
// defaultTTL, so that is also the longest ttl Revoke honors.
func NewMemoryStore(maxEntries int, defaultTTL time.Duration, clock tierstore.Clock) *MemoryStore {
	return &MemoryStore{
		entries:    expirable.NewLRU[string, time.Time](maxEntries, nil, defaultTTL),
		defaultTTL: defaultTTL,
		clock:      clock,
	}
}

func (s *MemoryStore) Revoke(_ context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return tierstore.Invalid("token", "is empty")
	}
	if ttl <= 0 || ttl > s.defaultTTL {
		ttl = s.defaultTTL
	}
	s.entries.Add(digest(token), s.clock.Now().Add(ttl))
	return nil
}

func (s *MemoryStore) IsRevoked(_ context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	key := digest(token)
	until, ok := s.entries.Get(key)
	if !ok {
		return false, nil
	}
	if !s.clock.Now().Before(until) {
		s.entries.Remove(key)
		return false, nil
	}
	return true, nil
}

// Len returns the number of tracked tokens, expired ones included until
// they are evicted.
func (s *MemoryStore) Len() int { return s.entries.Len() }

// RedisStore shares revocations between instances.
type RedisStore struct {
	rdb        *redis.Client
	prefix     string
	defaultTTL time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore keeps revoked tokens under prefix+"revoked:"+digest.
func NewRedisStore(rdb *redis.Client, prefix string, defaultTTL time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix + "revoked:", defaultTTL: defaultTTL}
}

func (s *RedisStore) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return tierstore.Invalid("token", "is empty")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if err := s.rdb.Set(ctx, s.prefix+digest(token), 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

func (s *RedisStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	err := s.rdb.Get(ctx, s.prefix+digest(token)).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, fmt.Errorf("checking token: %w", err)
	}
}

// NewStoreFromConfig creates the denylist named by the shared cache
// settings. rdb is required for type "redis".
func NewStoreFromConfig(cache config.CacheConfig, cfg config.DenylistConfig, rdb *redis.Client, clock tierstore.Clock) (Store, error) {
	ttl := cfg.DefaultTTL.Std()
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	switch cache.Type {
	case "", "memory":
		return NewMemoryStore(cfg.MaxEntries, ttl, clock), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis denylist requires a redis client")
		}
		return NewRedisStore(rdb, cache.KeyPrefix, ttl), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %q", cache.Type)
	}
}
