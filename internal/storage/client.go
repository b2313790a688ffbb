package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/dunamismax/imgopt/internal/id"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	uploadPrefix = "uploads/"
	uploadObject = "source"

	// DefaultMaxObjectBytes bounds how much of a source object is read.
	DefaultMaxObjectBytes = 64 << 20

	maxPresignTTL = 7 * 24 * time.Hour
)

var ErrObjectTooLarge = errors.New("object exceeds size limit")

type Config struct {
	Endpoint       string
	Access         string
	Secret         string
	Bucket         string
	UseSSL         bool
	MaxObjectBytes int64
}

// ObjectError reports a failed operation on one key of the bucket. A missing
// object unwraps to fs.ErrNotExist.
type ObjectError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// Upload is a presigned slot for a run's source image. Key is what the
// caller later passes as the run source.
type Upload struct {
	Key       string
	URL       string
	ExpiresAt time.Time
}

// UploadKey is the object key for the source image of upload uploadID.
func UploadKey(uploadID string) string {
	return uploadPrefix + uploadID + "/" + uploadObject
}

// Client keeps run sources under uploads/ and published variants under the
// output prefix of a single bucket.
type Client struct {
	minio    *minio.Client
	bucket   string
	maxBytes int64
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	maxBytes := cfg.MaxObjectBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxObjectBytes
	}
	return &Client{minio: mc, bucket: cfg.Bucket, maxBytes: maxBytes}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket unless it exists. Losing a creation race to
// another process counts as success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// PresignUpload reserves a fresh upload key and returns a URL the caller can
// PUT the source image to until ttl elapses.
func (c *Client) PresignUpload(ctx context.Context, ttl time.Duration) (Upload, error) {
	if ttl <= 0 || ttl > maxPresignTTL {
		return Upload{}, fmt.Errorf("presign ttl must be within (0, %s], got %s", maxPresignTTL, ttl)
	}

	key := UploadKey(id.New())
	u, err := c.minio.PresignedPutObject(ctx, c.bucket, key, ttl)
	if err != nil {
		return Upload{}, c.objectError("presign", key, err)
	}
	return Upload{Key: key, URL: u.String(), ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, c.objectError("stat", objectKey, err)
}

// ReadObject loads a run source. Objects larger than the configured limit
// fail with ErrObjectTooLarge instead of being buffered.
func (c *Client) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.objectError("get", objectKey, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, c.maxBytes+1))
	if err != nil {
		return nil, c.objectError("read", objectKey, err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, c.objectError("read", objectKey, fmt.Errorf("%w: more than %d bytes", ErrObjectTooLarge, c.maxBytes))
	}
	return data, nil
}

// WriteObject publishes a rendered variant, replacing any earlier render
// under the same key.
func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	_, err := c.minio.PutObject(ctx, c.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000",
	})
	if err != nil {
		return c.objectError("put", objectKey, err)
	}
	return nil
}

func (c *Client) objectError(op, key string, err error) error {
	if isNotFound(err) {
		err = fs.ErrNotExist
	}
	return &ObjectError{Op: op, Bucket: c.bucket, Key: key, Err: err}
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchObject"
}
