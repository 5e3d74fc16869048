package backend

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"tierstore/internal/tierstore"
)

type stubInlineStore map[string][]byte

func (s stubInlineStore) InlineData(_ context.Context, id string) ([]byte, error) {
	data, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, tierstore.ErrNotFound)
	}
	return data, nil
}

func TestInlineBackend_Put(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		size    int64
		wantErr bool
	}{
		{name: "fits", data: "hello", size: 5},
		{name: "unknown size", data: "hello", size: -1},
		{name: "empty", data: "", size: 0},
		{name: "declared too large", data: "hello", size: 11, wantErr: true},
		{name: "content too large", data: strings.Repeat("x", 11), size: -1, wantErr: true},
		{name: "size mismatch", data: "hello", size: 4, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewInlineBackend(stubInlineStore{}, 10)
			p, err := b.Put(context.Background(), tierstore.Object{ID: "a", Size: tt.size}, strings.NewReader(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Put() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if p.Locator != tierstore.InlineLocator {
				t.Errorf("Locator = %q, want %q", p.Locator, tierstore.InlineLocator)
			}
			if p.Inline == nil || string(p.Inline) != tt.data {
				t.Errorf("Inline = %q, want %q", p.Inline, tt.data)
			}
		})
	}
}

func TestInlineBackend_Open(t *testing.T) {
	ctx := context.Background()
	b := NewInlineBackend(stubInlineStore{"stored": []byte("from store")}, 10*tierstore.MiB)

	t.Run("uses record bytes", func(t *testing.T) {
		src, err := b.Open(ctx, &tierstore.FileRecord{ID: "x", Data: []byte("on record")})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if got := readAll(t, src, 0, src.Size()); got != "on record" {
			t.Errorf("content = %q", got)
		}
	})

	t.Run("loads from store", func(t *testing.T) {
		src, err := b.Open(ctx, &tierstore.FileRecord{ID: "stored"})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if got := readAll(t, src, 5, 5); got != "store" {
			t.Errorf("content = %q, want %q", got, "store")
		}
	})

	t.Run("missing", func(t *testing.T) {
		ok, err := b.Exists(ctx, &tierstore.FileRecord{ID: "missing"})
		if err != nil || ok {
			t.Errorf("Exists() = %v, %v, want false, nil", ok, err)
		}
		if _, err := b.Open(ctx, &tierstore.FileRecord{ID: "missing"}); err == nil {
			t.Error("Open() expected error")
		}
	})
}
