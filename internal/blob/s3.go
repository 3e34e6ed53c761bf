package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shineum/mail2chat/internal/fault"
)

// S3Config holds the settings for an S3-compatible bucket.
type S3Config struct {
	Endpoint      string
	Bucket        string
	Region        string
	AccessKey     string
	SecretKey     string
	PublicURLBase string
}

// ObjectAPI is the subset of the S3 client used by S3Storage.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Storage implements Storage on S3-compatible APIs (AWS S3, Cloudflare R2, MinIO).
type S3Storage struct {
	client        ObjectAPI
	bucket        string
	publicURLBase string
}

// NewS3Storage creates an S3-compatible storage client.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fault.Config("blob.s3", "bucket is required")
	}
	if cfg.PublicURLBase == "" {
		return nil, fault.Config("blob.s3", "public URL base is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := s3.Options{
		Region:       region,
		UsePathStyle: true,
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return NewS3StorageWithClient(s3.New(opts), cfg.Bucket, cfg.PublicURLBase), nil
}

// NewS3StorageWithClient creates an S3Storage with a custom client, used for testing.
func NewS3StorageWithClient(client ObjectAPI, bucket, publicURLBase string) *S3Storage {
	return &S3Storage{
		client:        client,
		bucket:        bucket,
		publicURLBase: strings.TrimRight(publicURLBase, "/"),
	}
}

// Upload stores an object and returns the public URL.
func (s *S3Storage) Upload(ctx context.Context, key string, body io.Reader, contentType string, size int64) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", classifyError("blob.upload", fmt.Errorf("failed to upload object: %w", err))
	}

	return fmt.Sprintf("%s/%s", s.publicURLBase, key), nil
}

// Delete removes an object by key.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}

	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		return classifyError("blob.delete", fmt.Errorf("failed to delete object: %w", err))
	}
	return nil
}

// classifyError maps throttling and 5xx responses to retryable failures.
func classifyError(op string, err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == 429 || code >= 500 {
			return fault.Retry(op, err)
		}
		return fault.Fatal(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.Retry(op, err)
	}
	return fault.Fatal(op, err)
}
