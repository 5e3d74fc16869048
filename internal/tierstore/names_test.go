package tierstore

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSanitizeFilename(t *testing.T) {
	now := time.UnixMilli(1705314600000)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "report.pdf", "report.pdf"},
		{"spaces", "my annual  report.pdf", "my_annual_report.pdf"},
		{"reserved characters", `a<b>c:d"e/f\g|h?i*j.txt`, "a_b_c_d_e_f_g_h_i_j.txt"},
		{"control characters", "a\x00b\x1fc.txt", "a_b_c.txt"},
		{"underscore runs", "a___b.txt", "a_b.txt"},
		{"trimmed underscores", "__a__", "a"},
		{"surrounding whitespace", "  a.txt  ", "a.txt"},
		{"path traversal", "../../etc/passwd", ".._.._etc_passwd"},
		{"empty", "", "file_1705314600000"},
		{"only separators", " / ", "file_1705314600000"},
		{"dot", ".", "file_1705314600000"},
		{"dot dot", "..", "file_1705314600000"},
		{"unicode", "résumé.pdf", "résumé.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFilename(tt.in, now); got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeFilename_Truncates(t *testing.T) {
	now := time.UnixMilli(0)

	long := strings.Repeat("a", 300) + ".pdf"
	got := SanitizeFilename(long, now)
	if len(got) != 255 || !strings.HasSuffix(got, ".pdf") {
		t.Errorf("len = %d, suffix .pdf = %v", len(got), strings.HasSuffix(got, ".pdf"))
	}

	multibyte := strings.Repeat("é", 200) + ".txt"
	got = SanitizeFilename(multibyte, now)
	if len(got) > 255 || !utf8.ValidString(got) || !strings.HasSuffix(got, ".txt") {
		t.Errorf("multibyte truncation produced %d bytes, valid utf8 = %v", len(got), utf8.ValidString(got))
	}
}

func TestTimestampedName(t *testing.T) {
	now := time.UnixMilli(1705314600000)
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report_1705314600000.pdf"},
		{"archive.tar.gz", "archive.tar_1705314600000.gz"},
		{"noext", "noext_1705314600000"},
	}
	for _, tt := range tests {
		if got := TimestampedName(tt.in, now); got != tt.want {
			t.Errorf("TimestampedName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsMedia(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		want        bool
	}{
		{"movie.MP4", "", true},
		{"song.flac", "application/octet-stream", true},
		{"clip.bin", "video/webm", true},
		{"voice.bin", "audio/ogg", true},
		{"doc.pdf", "application/pdf", false},
		{"noext", "", false},
	}
	for _, tt := range tests {
		if got := IsMedia(tt.name, tt.contentType); got != tt.want {
			t.Errorf("IsMedia(%q, %q) = %v, want %v", tt.name, tt.contentType, got, tt.want)
		}
	}
}
