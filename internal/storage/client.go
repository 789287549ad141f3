package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxSourceBytes caps how much of an uploaded source object ReadObject will buffer.
const MaxSourceBytes = 64 << 20

var (
	// ErrBucketRequired is returned by NewClient when the config names no bucket.
	ErrBucketRequired = errors.New("bucket is required")
	ErrObjectTooLarge = errors.New("object exceeds size limit")
)

type Config struct {
	Endpoint string `koanf:"endpoint"`
	Access   string `koanf:"access_key"`
	Secret   string `koanf:"secret_key"`
	Bucket   string `koanf:"bucket"`
	UseSSL   bool   `koanf:"use_ssl"`
	Region   string `koanf:"region"`
}

// Client is a bucket-scoped MinIO/S3 client. It serves the api (presigned URLs, upload checks)
// and the worker's object-store fetch and emit stages.
type Client struct {
	mc     *minio.Client
	bucket string
	region string
}

func NewClient(cfg Config) (*Client, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, ErrBucketRequired
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Client{mc: mc, bucket: bucket, region: cfg.Region}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// SourceKey is where the upload for a job lands.
func SourceKey(jobID string) string {
	return fmt.Sprintf("uploads/%s/source", jobID)
}

// EnsureBucket creates the bucket unless it exists. Losing a creation race to another
// process counts as success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	found, err := c.mc.BucketExists(ctx, c.bucket)
	switch {
	case err != nil:
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	case found:
		return nil
	}

	makeErr := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region})
	if makeErr == nil {
		return nil
	}
	switch minio.ToErrorResponse(makeErr).Code {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", c.bucket, makeErr)
}

func (c *Client) PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.mc.PresignedPutObject(ctx, c.bucket, objectKey, expiry)
	if err != nil {
		return "", fmt.Errorf("presign upload %s: %w", objectKey, err)
	}
	return u.String(), nil
}

// PresignedGetURL lets webhook consumers download an emitted tensor without bucket credentials.
func (c *Client) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, objectKey, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign download %s: %w", objectKey, err)
	}
	return u.String(), nil
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	if _, err := c.mc.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", objectKey, err)
	}
	return true, nil
}

// ReadObject buffers objectKey. Objects larger than MaxSourceBytes are refused.
func (c *Client) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", objectKey, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, MaxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", objectKey, err)
	}
	if len(data) > MaxSourceBytes {
		return nil, fmt.Errorf("%s: %w (%d bytes)", objectKey, ErrObjectTooLarge, MaxSourceBytes)
	}
	return data, nil
}

func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := c.mc.PutObject(ctx, c.bucket, objectKey, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return fmt.Errorf("upload %s: %w", objectKey, err)
	}
	return nil
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	}
	return false
}
