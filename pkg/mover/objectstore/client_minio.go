package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"github.com/langmead-lab/recount-pump/pkg/mover"
)

// minioClient implements Client with minio-go.
type minioClient struct {
	api *minio.Client
}

func newMinIOClient(cfg Config) (*minioClient, error) {
	endpoint := cfg.Endpoint
	secure := cfg.Secure
	// minio.New wants host[:port]; accept a full URL too.
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = secure || u.Scheme == "https"
	}

	opts := &minio.Options{
		Secure: secure,
		Region: cfg.Region,
	}
	if cfg.AccessKeyID != "" {
		opts.Creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		opts.Creds = credentials.NewEnvAWS()
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, err
	}
	return &minioClient{api: client}, nil
}

func (c *minioClient) Head(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.api.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, wrapMinIOError(err)
}

func (c *minioClient) Download(ctx context.Context, bucket, key string, w io.Writer) error {
	obj, err := c.api.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return wrapMinIOError(err)
	}
	defer obj.Close()

	// GetObject is lazy; request errors surface on the first read.
	if _, err := io.Copy(w, obj); err != nil {
		return wrapMinIOError(err)
	}
	return nil
}

func (c *minioClient) Upload(ctx context.Context, bucket, key string, r io.ReadSeeker, size int64) error {
	_, err := c.api.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ServerSideEncryption: encrypt.NewSSE(),
	})
	return wrapMinIOError(err)
}

// wrapMinIOError converts minio error responses to mover sentinels.
func wrapMinIOError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %w", mover.ErrNotFound, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %w", mover.ErrConfiguration, err)
	case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
		return mover.Transient(err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == 429 || strings.Contains(err.Error(), "connection") {
		return mover.Transient(err)
	}
	return err
}
