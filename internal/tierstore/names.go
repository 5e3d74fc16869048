package tierstore

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const maxNameLength = 255

var (
	invalidNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
	underscoreRun    = regexp.MustCompile(`_+`)
)

// SanitizeFilename turns a client supplied name into one that is safe to
// use as a path component. Names that sanitize to nothing become
// file_<unixmillis>.
func SanitizeFilename(name string, now time.Time) string {
	name = strings.TrimSpace(name)
	name = invalidNameChars.ReplaceAllString(name, "_")
	name = whitespaceRun.ReplaceAllString(name, "_")
	name = underscoreRun.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" || name == "." || name == ".." {
		return fmt.Sprintf("file_%d", now.UnixMilli())
	}
	return truncateName(name, maxNameLength)
}

// truncateName shortens name to at most limit bytes, keeping the extension
// when the extension itself fits.
func truncateName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) >= limit {
		ext = ""
	}
	base := strings.TrimSuffix(name, ext)
	keep := limit - len(ext)
	for keep > 0 && !utf8.RuneStart(base[keep]) {
		keep--
	}
	return base[:keep] + ext
}

// TimestampedName returns name with _<unixmillis> inserted before its extension.
func TimestampedName(name string, now time.Time) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%d%s", base, now.UnixMilli(), ext)
}

var mediaExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mov": true, ".wmv": true, ".flv": true,
	".webm": true, ".mkv": true, ".mp3": true, ".wav": true, ".flac": true,
	".aac": true, ".ogg": true, ".m4a": true,
}

// IsMedia reports whether a file is audio or video, by extension or
// content type.
func IsMedia(name, contentType string) bool {
	if strings.HasPrefix(contentType, "video/") || strings.HasPrefix(contentType, "audio/") {
		return true
	}
	return mediaExtensions[strings.ToLower(filepath.Ext(name))]
}
