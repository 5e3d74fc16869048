package tierstore_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierstore/internal/backend"
	"tierstore/internal/testutil"
	"tierstore/internal/tierstore"
)

func TestNewRouter_Validation(t *testing.T) {
	clock := testutil.FixedClock()
	ids := testutil.NewStubIDGenerator()
	db := backend.NewMemoryBackend(tierstore.TierDatabase, clock)
	fs := backend.NewMemoryBackend(tierstore.TierFilesystem, clock)
	remote := backend.NewMemoryBackend(tierstore.TierRemote, clock)

	tests := []struct {
		name     string
		th       tierstore.Thresholds
		backends []tierstore.Backend
		wantErr  string
	}{
		{"ok", smallTiers(), []tierstore.Backend{db, fs, remote}, ""},
		{"missing remote", smallTiers(), []tierstore.Backend{db, fs}, "no backend configured for tier REMOTE"},
		{"duplicate tier", smallTiers(), []tierstore.Backend{db, fs, remote, backend.NewMemoryBackend(tierstore.TierRemote, clock)}, "duplicate backend"},
		{"inverted thresholds", tierstore.Thresholds{DatabaseMax: 30, FilesystemMax: 10}, []tierstore.Backend{db, fs, remote}, "threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tierstore.NewRouter(tt.th, tt.backends, clock, ids)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRouter_StoreAndFetch(t *testing.T) {
	h := newHarness(t, smallTiers())
	ctx := context.Background()

	tests := []struct {
		size int
		tier tierstore.Tier
	}{
		{1, tierstore.TierDatabase},
		{10, tierstore.TierDatabase},
		{11, tierstore.TierFilesystem},
		{30, tierstore.TierFilesystem},
		{31, tierstore.TierRemote},
	}
	for _, tt := range tests {
		content := strings.Repeat("x", tt.size)
		rec, err := h.router.Store(ctx, tierstore.Object{Name: "f.bin", Size: int64(tt.size), OwnerID: "alice"}, strings.NewReader(content))
		require.NoError(t, err)
		assert.Equal(t, tt.tier, rec.Tier, "size %d", tt.size)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, h.clock.Now().UTC(), rec.CreatedAt)

		if tt.tier == tierstore.TierDatabase {
			assert.Equal(t, tierstore.InlineLocator, rec.Locator)
			assert.Equal(t, content, string(rec.Data))
			require.NoError(t, h.records.Save(ctx, rec))
		}

		src, err := h.router.FetchBytes(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, content, string(readSource(t, src)))
		src.Close()
	}
}

func TestRouter_StoreRejectsUnknownSize(t *testing.T) {
	h := newHarness(t, smallTiers())
	_, err := h.router.Store(context.Background(), tierstore.Object{Name: "f", Size: -1}, strings.NewReader("abc"))
	assert.True(t, tierstore.IsValidation(err))
}

func TestRouter_MissingBytesAreInconsistent(t *testing.T) {
	h := newHarness(t, smallTiers())
	ctx := context.Background()

	rec := &tierstore.FileRecord{ID: "gone", Tier: tierstore.TierRemote, Locator: "mem://gone/x"}
	_, err := h.router.FetchBytes(ctx, rec)
	assert.ErrorIs(t, err, tierstore.ErrStorageInconsistency)

	// Deleting bytes that are already gone succeeds.
	assert.NoError(t, h.router.Delete(ctx, rec))

	rec.Tier = tierstore.Tier("TAPE")
	_, err = h.router.FetchBytes(ctx, rec)
	assert.ErrorIs(t, err, tierstore.ErrStorageInconsistency)
}
