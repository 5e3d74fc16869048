package convert

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"tierstore/internal/config"
	"tierstore/internal/tierstore"
)

// NewCacheFromConfig creates the converted-document cache. rdb is only
// used, and then required, for type "redis".
func NewCacheFromConfig(cfg config.CacheConfig, conv config.ConverterConfig, rdb *redis.Client) (Cache, error) {
	switch cfg.Type {
	case "", "memory":
		size := conv.CacheSize
		if size <= 0 {
			size = 256
		}
		return NewMemoryCache(size, conv.CacheTTL.Std()), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis cache requires a redis client")
		}
		return NewRedisCache(rdb, cfg.KeyPrefix, conv.CacheTTL.Std()), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %q", cfg.Type)
	}
}

// NewConverterFromConfig creates the document converter, or nil when
// conversion is disabled.
func NewConverterFromConfig(cfg config.ConverterConfig, cache Cache, metrics Metrics, logger tierstore.Logger) (tierstore.Converter, error) {
	switch cfg.Type {
	case "none":
		return nil, nil
	case "", "soffice":
		inner := NewSofficeConverter(SofficeOptions{
			Binary:     cfg.Binary,
			Timeout:    cfg.Timeout.Std(),
			MaxRetries: cfg.MaxRetries,
		}, logger)
		if cache == nil {
			return inner, nil
		}
		return NewCachingConverter(inner, cache, metrics, logger), nil
	default:
		return nil, fmt.Errorf("unknown converter type: %q", cfg.Type)
	}
}
