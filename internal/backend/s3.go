package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tierstore/internal/tierstore"
)

// S3Options configures an S3Backend.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // custom endpoint, e.g. MinIO
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PartSize        int64
	Retry           RetryPolicy
}

// objectAPI is the subset of *s3.Client used for reads, deletes and listing.
type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// uploadAPI is satisfied by *manager.Uploader.
type uploadAPI interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Backend serves the REMOTE tier from an S3-compatible object store.
// Objects are keyed <prefix>/<record id>/<sanitized name>; the locator is
// the key and the remote id the ETag (or version id when versioning is on).
type S3Backend struct {
	client   objectAPI
	uploader uploadAPI
	bucket   string
	prefix   string
	retry    RetryPolicy
	clock    tierstore.Clock
	logger   tierstore.Logger
}

var (
	_ tierstore.Backend    = (*S3Backend)(nil)
	_ tierstore.BlobLister = (*S3Backend)(nil)
)

// NewS3Backend loads AWS configuration and builds the client and uploader.
// Reads, deletes and listings retry through RetryPolicy; multipart uploads
// retry per part inside the SDK with the same attempt budget.
func NewS3Backend(ctx context.Context, opts S3Options, clock tierstore.Clock, logger tierstore.Logger) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
		o.RetryMaxAttempts = 1
	})

	attempts := max(opts.Retry.MaxAttempts, 1)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if opts.PartSize >= manager.MinUploadPartSize {
			u.PartSize = opts.PartSize
		}
		u.ClientOptions = append(u.ClientOptions, func(o *s3.Options) {
			o.RetryMaxAttempts = attempts
		})
	})

	return newS3Backend(client, uploader, opts, clock, logger), nil
}

func newS3Backend(client objectAPI, uploader uploadAPI, opts S3Options, clock tierstore.Clock, logger tierstore.Logger) *S3Backend {
	return &S3Backend{
		client:   client,
		uploader: uploader,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		retry:    opts.Retry,
		clock:    clock,
		logger:   logger,
	}
}

func (b *S3Backend) Tier() tierstore.Tier { return tierstore.TierRemote }

// key builds the object key for a new upload.
func (b *S3Backend) key(obj tierstore.Object) string {
	name := tierstore.SanitizeFilename(obj.Name, b.clock.Now())
	return path.Join(b.prefix, obj.ID, name)
}

// Put uploads r. The uploader switches to multipart above one part size.
// When obj.Size is known, a body of any other length fails the upload.
func (b *S3Backend) Put(ctx context.Context, obj tierstore.Object, r io.Reader) (tierstore.Placement, error) {
	key := b.key(obj)
	body := &sizedReader{r: r, expected: obj.Size}
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
		Metadata: map[string]string{
			"owner": obj.OwnerID,
			"id":    obj.ID,
		},
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}

	out, err := b.uploader.Upload(ctx, in)
	if body.err != nil {
		if err == nil {
			if derr := b.DeleteBlob(ctx, key); derr != nil {
				b.logger.Warn("failed to remove object after size mismatch", "bucket", b.bucket, "key", key, "error", derr)
			}
		}
		return tierstore.Placement{}, fmt.Errorf("uploading %s: %w", key, body.err)
	}
	if err != nil {
		if transient(err) {
			return tierstore.Placement{}, fmt.Errorf("uploading %s: %w: %w", key, tierstore.ErrBackendUnavailable, err)
		}
		return tierstore.Placement{}, fmt.Errorf("uploading %s: %w", key, err)
	}

	remoteID := aws.ToString(out.VersionID)
	if remoteID == "" {
		remoteID = strings.Trim(aws.ToString(out.ETag), `"`)
	}
	b.logger.Debug("uploaded object", "bucket", b.bucket, "key", key, "size", obj.Size)
	return tierstore.Placement{Locator: key, RemoteID: remoteID}, nil
}

// sizedReader fails the read that shows the body is not expected bytes
// long. A negative expected disables the check.
type sizedReader struct {
	r        io.Reader
	expected int64
	n        int64
	err      error
}

func (s *sizedReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if s.expected < 0 || s.err != nil {
		return n, err
	}
	switch {
	case s.n > s.expected:
		s.err = fmt.Errorf("size mismatch: expected %d bytes, got at least %d", s.expected, s.n)
	case err == io.EOF && s.n != s.expected:
		s.err = fmt.Errorf("size mismatch: expected %d bytes, got %d", s.expected, s.n)
	default:
		return n, err
	}
	return n, s.err
}

// Open checks the object exists and returns a source issuing one ranged
// GET per ReadRange.
func (b *S3Backend) Open(ctx context.Context, rec *tierstore.FileRecord) (tierstore.ByteSource, error) {
	size, err := b.head(ctx, rec.Locator)
	if err != nil {
		return nil, err
	}
	return &s3Source{backend: b, key: rec.Locator, size: size}, nil
}

func (b *S3Backend) Delete(ctx context.Context, rec *tierstore.FileRecord) error {
	return b.DeleteBlob(ctx, rec.Locator)
}

func (b *S3Backend) Exists(ctx context.Context, rec *tierstore.FileRecord) (bool, error) {
	if _, err := b.head(ctx, rec.Locator); err != nil {
		if errors.Is(err, tierstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListBlobs pages through every object under the prefix.
func (b *S3Backend) ListBlobs(ctx context.Context) ([]tierstore.Blob, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket)}
	if b.prefix != "" {
		in.Prefix = aws.String(b.prefix + "/")
	}
	pager := s3.NewListObjectsV2Paginator(b.client, in)

	var blobs []tierstore.Blob
	for pager.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := retry(ctx, b.retry, b.logger, "listing objects", func() error {
			var err error
			page, err = pager.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, o := range page.Contents {
			blobs = append(blobs, tierstore.Blob{
				Locator: aws.ToString(o.Key),
				Size:    aws.ToInt64(o.Size),
				ModTime: aws.ToTime(o.LastModified),
			})
		}
	}
	return blobs, nil
}

// DeleteBlob removes one object. S3 deletes are idempotent, so a missing
// object is not reported.
func (b *S3Backend) DeleteBlob(ctx context.Context, key string) error {
	return retry(ctx, b.retry, b.logger, "deleting "+key, func() error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil && notFound(err) {
			return nil
		}
		return err
	})
}

func (b *S3Backend) head(ctx context.Context, key string) (int64, error) {
	var size int64
	err := retry(ctx, b.retry, b.logger, "head "+key, func() error {
		out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if notFound(err) {
				return fmt.Errorf("object %s: %w", key, tierstore.ErrNotFound)
			}
			return err
		}
		size = aws.ToInt64(out.ContentLength)
		return nil
	})
	return size, err
}

func (b *S3Backend) getRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := retry(ctx, b.retry, b.logger, "get "+key, func() error {
		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
		})
		if err != nil {
			if notFound(err) {
				return fmt.Errorf("object %s: %w", key, tierstore.ErrNotFound)
			}
			return err
		}
		body = out.Body
		return nil
	})
	return body, err
}

// s3Source reads an object with ranged GETs.
type s3Source struct {
	backend *S3Backend
	key     string
	size    int64
}

func (s *s3Source) Size() int64 { return s.size }

func (s *s3Source) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := tierstore.CheckRange(offset, length, s.size); err != nil {
		return nil, err
	}
	if length == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return s.backend.getRange(ctx, s.key, offset, length)
}

func (s *s3Source) Close() error { return nil }
