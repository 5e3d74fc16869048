// Package convert turns office documents into PDF for preview using an
// external LibreOffice process, and caches the results.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tierstore/internal/tierstore"
)

var convertibleExtensions = setOf(
	".doc", ".docx", ".ppt", ".pptx", ".xls", ".xlsx",
	".odt", ".odp", ".ods", ".rtf",
)

var convertibleTypes = setOf(
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.oasis.opendocument.text",
	"application/vnd.oasis.opendocument.presentation",
	"application/vnd.oasis.opendocument.spreadsheet",
	"application/rtf",
)

func setOf(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// IsConvertible reports whether a document can be rendered to PDF, by
// content type or by extension.
func IsConvertible(contentType, name string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	if convertibleTypes[strings.TrimSpace(strings.ToLower(mediaType))] {
		return true
	}
	return convertibleExtensions[strings.ToLower(filepath.Ext(name))]
}

// runFunc executes a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second
	return cmd.CombinedOutput()
}

// SofficeConverter runs `soffice --headless --convert-to pdf` once per
// document in a scratch directory.
type SofficeConverter struct {
	binary     string
	timeout    time.Duration
	maxRetries int
	retryWait  time.Duration
	workDir    string
	logger     tierstore.Logger
	run        runFunc
}

var _ tierstore.Converter = (*SofficeConverter)(nil)

// SofficeOptions configures a SofficeConverter.
type SofficeOptions struct {
	Binary string
	// Timeout bounds one conversion attempt.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// RetryWait is the first pause between attempts. Defaults to 1s.
	RetryWait time.Duration
	// WorkDir holds scratch directories. Defaults to the system temp dir.
	WorkDir string
}

// NewSofficeConverter creates a converter. The binary is resolved lazily
// so a missing LibreOffice only fails previews, never startup.
func NewSofficeConverter(opts SofficeOptions, logger tierstore.Logger) *SofficeConverter {
	if opts.Binary == "" {
		opts.Binary = "soffice"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}
	return &SofficeConverter{
		binary:     opts.Binary,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		retryWait:  opts.RetryWait,
		workDir:    opts.WorkDir,
		logger:     logger,
		run:        execRun,
	}
}

func (c *SofficeConverter) IsConvertible(contentType, name string) bool {
	return IsConvertible(contentType, name)
}

// ConvertToPDF converts data, retrying failed attempts up to MaxRetries
// times. The key is unused; caching happens in CachingConverter.
func (c *SofficeConverter) ConvertToPDF(ctx context.Context, _ string, name string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, tierstore.Invalid("document", "is empty")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryWait
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)

	attempt := 0
	var pdf []byte
	err := backoff.RetryNotify(func() error {
		attempt++
		out, err := c.convertOnce(ctx, name, data)
		if err != nil {
			if ctx.Err() != nil || tierstore.IsValidation(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		pdf = out
		return nil
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("conversion attempt failed, retrying", "name", name, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("converting %s after %d attempts: %w", name, attempt, err)
	}
	return pdf, nil
}

func (c *SofficeConverter) convertOnce(ctx context.Context, name string, data []byte) ([]byte, error) {
	dir, err := os.MkdirTemp(c.workDir, "convert-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	base := tierstore.SanitizeFilename(filepath.Base(name), time.Now())
	in := filepath.Join(dir, base)
	if err := os.WriteFile(in, data, 0600); err != nil {
		return nil, fmt.Errorf("writing source document: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := c.run(runCtx, c.binary,
		"--headless", "--norestore", "--nolockcheck",
		"-env:UserInstallation=file://"+filepath.ToSlash(filepath.Join(dir, "profile")),
		"--convert-to", "pdf",
		"--outdir", dir,
		in)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("soffice timed out after %s", c.timeout)
		}
		return nil, fmt.Errorf("running soffice: %w: %s", err, bytes.TrimSpace(out))
	}

	pdfPath := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".pdf")
	pdf, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("reading converted document: %w", err)
	}
	if len(pdf) == 0 {
		return nil, fmt.Errorf("soffice produced an empty PDF")
	}
	c.logger.Debug("converted document", "name", name, "bytes_in", len(data), "bytes_out", len(pdf), "elapsed", time.Since(start))
	return pdf, nil
}
