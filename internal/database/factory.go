package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"tierstore/internal/config"
	"tierstore/internal/tierstore"
)

// Store is a record store that owns its schema.
type Store interface {
	tierstore.RecordStore

	// Migrate applies all pending migrations.
	Migrate(ctx context.Context) error
	// CheckMigrations returns an error unless the schema is at the latest version.
	CheckMigrations(ctx context.Context) error
	Ping(ctx context.Context) error
}

// NewStoreFromConfig creates a Store implementation based on the database config type.
// The "memory" type is migrated on creation since it starts empty every run.
func NewStoreFromConfig(ctx context.Context, cfg config.DatabaseConfig, instanceID string) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		s, err := NewSQLiteStore(filepath.Join(cfg.DataDir, instanceID+".db"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrating in-memory database: %w", err)
		}
		return s, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("dsn required for postgres database")
		}
		s, err := NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
