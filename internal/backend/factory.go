package backend

import (
	"context"
	"fmt"

	"tierstore/internal/config"
	"tierstore/internal/tierstore"
)

// Deps carries the collaborators a backend may need.
type Deps struct {
	Inline    tierstore.InlineReader // DATABASE tier reads
	InlineMax int64
	Clock     tierstore.Clock
	Logger    tierstore.Logger

	// Encryptor seals FILESYSTEM and REMOTE blobs when set.
	Encryptor tierstore.Encryptor
	Decryptor tierstore.Decryptor
	ReadSpan  int64
}

// NewBackendFromConfig creates the Backend serving tier based on the
// backend config type.
func NewBackendFromConfig(ctx context.Context, tier tierstore.Tier, cfg config.BackendConfig, deps Deps) (tierstore.Backend, error) {
	var b tierstore.Backend
	switch cfg.Type {
	case "inline":
		if tier != tierstore.TierDatabase {
			return nil, fmt.Errorf("inline backend can only serve the %s tier, not %s", tierstore.TierDatabase, tier)
		}
		if deps.Inline == nil {
			return nil, fmt.Errorf("inline backend requires a record store")
		}
		return NewInlineBackend(deps.Inline, deps.InlineMax), nil
	case "memory":
		b = NewMemoryBackend(tier, deps.Clock)
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem backend requires root to be set")
		}
		fsb, err := NewFilesystemBackend(tier, cfg.Root, deps.Clock)
		if err != nil {
			return nil, err
		}
		b = fsb
	case "s3":
		if tier != tierstore.TierRemote {
			return nil, fmt.Errorf("s3 backend can only serve the %s tier, not %s", tierstore.TierRemote, tier)
		}
		s3b, err := NewS3Backend(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
			PartSize:        cfg.S3PartSize,
			Retry: RetryPolicy{
				MaxAttempts:     cfg.MaxAttempts,
				InitialInterval: cfg.RetryInitial.Std(),
				MaxInterval:     cfg.RetryMax.Std(),
			},
		}, deps.Clock, deps.Logger)
		if err != nil {
			return nil, err
		}
		b = s3b
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}

	if deps.Encryptor != nil {
		b = NewEncryptedBackend(b, deps.Encryptor, deps.Decryptor, deps.ReadSpan, deps.Logger)
	}
	return b, nil
}
