package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/langmead-lab/recount-pump/internal/awscfg"
	"github.com/langmead-lab/recount-pump/pkg/mover"
)

// s3API is the subset of *s3.Client used by awsClient.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// awsClient implements Client with aws-sdk-go-v2.
type awsClient struct {
	api s3API
}

func newAWSClient(ctx context.Context, cfg Config) (*awsClient, error) {
	awsCfg, err := awscfg.Load(ctx, cfg.Options)
	if err != nil {
		return nil, err
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	// Custom endpoint for S3-compatible stores
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return &awsClient{api: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

func (c *awsClient) Head(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	err = wrapAWSError(err)
	if errors.Is(err, mover.ErrNotFound) && !errors.Is(err, errBucketNotFound) {
		return false, nil
	}
	return false, err
}

func (c *awsClient) Download(ctx context.Context, bucket, key string, w io.Writer) error {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return wrapAWSError(err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return mover.Transient(fmt.Errorf("read object body: %w", err))
	}
	return nil
}

func (c *awsClient) Upload(ctx context.Context, bucket, key string, r io.ReadSeeker, size int64) error {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(bucket),
		Key:                  aws.String(key),
		Body:                 r,
		ContentLength:        aws.Int64(size),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	return wrapAWSError(err)
}

var errBucketNotFound = fmt.Errorf("bucket not found: %w", mover.ErrNotFound)

// wrapAWSError converts S3 errors to mover sentinels.
func wrapAWSError(err error) error {
	if err == nil {
		return nil
	}

	// Check for specific S3 error types first
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return fmt.Errorf("%w: %w", mover.ErrNotFound, err)
	case errors.As(err, &noSuchBucket):
		return fmt.Errorf("%w: %w", errBucketNotFound, err)
	}

	// Check smithy API errors for error codes
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %w", mover.ErrNotFound, err)
		case "NoSuchBucket":
			return fmt.Errorf("%w: %w", errBucketNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %w", mover.ErrConfiguration, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded", "ServiceUnavailable", "InternalError":
			return mover.Transient(err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return mover.Transient(err)
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchBucket"):
		return fmt.Errorf("%w: %w", errBucketNotFound, err)
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "StatusCode: 404"):
		return fmt.Errorf("%w: %w", mover.ErrNotFound, err)
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "StatusCode: 403"):
		return fmt.Errorf("%w: %w", mover.ErrConfiguration, err)
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "StatusCode: 429") ||
		strings.Contains(errMsg, "StatusCode: 503"):
		return mover.Transient(err)
	}
	return err
}
