package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTabHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name       string
		instanceID string
		level      slog.Level
		message    string
		attrs      []slog.Attr
		want       string
	}{
		{
			name:       "basic info message",
			instanceID: "node-1",
			level:      slog.LevelInfo,
			message:    "stored file",
			want:       "2024-06-15T14:30:45Z\tINFO\tnode-1\tstored file\n",
		},
		{
			name:       "debug level",
			instanceID: "node-2",
			level:      slog.LevelDebug,
			message:    "request served",
			want:       "2024-06-15T14:30:45Z\tDEBUG\tnode-2\trequest served\n",
		},
		{
			name:       "with record attrs",
			instanceID: "node-3",
			level:      slog.LevelInfo,
			message:    "merged chunked upload",
			attrs:      []slog.Attr{slog.String("tier", "REMOTE"), slog.Int("chunks", 10)},
			want:       "2024-06-15T14:30:45Z\tINFO\tnode-3\tmerged chunked upload\ttier=REMOTE\tchunks=10\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newTabHandler(&buf, tt.instanceID, slog.LevelDebug)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestTabHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newTabHandler(&buf, "node-1", slog.LevelInfo)

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "stream")}).(*tabHandler)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "client disconnected", 0)
	r.AddAttrs(slog.String("name", "movie.mp4"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=stream") {
		t.Errorf("expected pre-set attr component=stream, got: %q", got)
	}
	if !strings.Contains(got, "name=movie.mp4") {
		t.Errorf("expected record attr name=movie.mp4, got: %q", got)
	}
}

func TestTabHandler_WithAttrs_doesNotMutateOriginal(t *testing.T) {
	h := newTabHandler(&bytes.Buffer{}, "node-1", slog.LevelInfo)
	h.attrs = []slog.Attr{slog.String("a", "1")}

	h2 := h.WithAttrs([]slog.Attr{slog.String("b", "2")}).(*tabHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}
	if len(h2.attrs) != 2 {
		t.Errorf("new handler attrs: got %d, want 2", len(h2.attrs))
	}
}

func TestTabHandler_Enabled(t *testing.T) {
	h := newTabHandler(&bytes.Buffer{}, "", slog.LevelInfo)
	tests := []struct {
		level slog.Level
		want  bool
	}{
		{slog.LevelDebug, false},
		{slog.LevelInfo, true},
		{slog.LevelWarn, true},
		{slog.LevelError, true},
	}
	for _, tt := range tests {
		if got := h.Enabled(context.Background(), tt.level); got != tt.want {
			t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()

	logger, f, err := newLogger(dir, "test-node", slog.LevelInfo)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	component(logger, "router").Info("hello", "k", "v")
	component(logger, "router").Debug("dropped")

	data, err := os.ReadFile(filepath.Join(dir, "tierstore.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "\ttest-node\thello\tcomponent=router\tk=v\n") {
		t.Errorf("log file = %q", got)
	}
	if strings.Contains(got, "dropped") {
		t.Errorf("debug line written at info level: %q", got)
	}
}
