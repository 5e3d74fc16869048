package testutil

import (
	"context"
	"testing"

	"tierstore/internal/database"
)

// NewTestRecordStore creates a new in-memory SQLite record store with
// migrations applied. The store is closed when the test completes.
func NewTestRecordStore(t *testing.T) *database.SQLiteStore {
	t.Helper()

	s, err := database.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		s.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}
