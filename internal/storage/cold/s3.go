package cold

import (
	"bytes"
	"context"
	"crypto/sha256"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bibliocache/bibliocache/pkg/errors"
)

// Config represents cold storage configuration.
type Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	MaxRetries      int           `yaml:"max_retries"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	StorageClass    string        `yaml:"storage_class"`
}

// Metrics tracks cold store operation counts and timing.
type Metrics struct {
	Operations   uint64        `json:"operations"`
	Errors       uint64        `json:"errors"`
	BytesWritten uint64        `json:"bytes_written"`
	BytesRead    uint64        `json:"bytes_read"`
	TotalLatency time.Duration `json:"total_latency"`
}

// S3Store is the cold tier backed by S3-compatible object storage. Archived
// payloads land under date-partitioned paths so operators can expire whole
// partitions with lifecycle rules.
type S3Store struct {
	client *s3.Client
	bucket string
	config *Config

	mu      sync.RWMutex
	metrics Metrics
}

// NewS3Store creates a cold store over the configured bucket.
func NewS3Store(ctx context.Context, cfg *Config) (*S3Store, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrCodeMissingConfig, "cold storage config must be set")
	}
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeMissingConfig, "cold storage bucket must be set")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.StorageClass == "" {
		cfg.StorageClass = string(s3types.StorageClassStandardIa)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		config: cfg,
	}, nil
}

// ObjectPath builds the date-partitioned object path for an archived key:
// <prefix>/YYYY/MM/DD/<key-hash>.json, partitioned by archival date.
func ObjectPath(prefix, key string, archivedAt time.Time) string {
	hash := sha256.Sum256([]byte(key))
	if prefix == "" {
		prefix = "archive"
	}
	return fmt.Sprintf("%s/%04d/%02d/%02d/%x.json",
		prefix, archivedAt.Year(), archivedAt.Month(), archivedAt.Day(), hash[:16])
}

// Put writes an archived payload. Archival only deletes the hot copy after
// this returns nil, so a failure here must surface.
func (s *S3Store) Put(ctx context.Context, path string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(path),
		Body:         bytes.NewReader(payload),
		ContentType:  aws.String("application/json"),
		StorageClass: s3types.StorageClass(s.config.StorageClass),
	})
	s.record(start, int64(len(payload)), 0, err)
	if err != nil {
		return s.translateError(err, errors.ErrCodeColdWrite, "PutObject", path)
	}
	return nil
}

// Get retrieves an archived payload.
func (s *S3Store) Get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		s.record(start, 0, 0, err)
		return nil, s.translateError(err, errors.ErrCodeColdRead, "GetObject", path)
	}
	defer func() { _ = result.Body.Close() }()

	payload, err := io.ReadAll(result.Body)
	s.record(start, 0, int64(len(payload)), err)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body for %s: %w", path, err)
	}
	return payload, nil
}

// Delete removes an archived object. Deleting a missing object is not an
// error.
func (s *S3Store) Delete(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	s.record(start, 0, 0, err)
	if err != nil && !isNotFound(err) {
		return s.translateError(err, errors.ErrCodeColdWrite, "DeleteObject", path)
	}
	return nil
}

// List returns the object paths under prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	paths := make([]string, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		s.record(start, 0, 0, err)
		if err != nil {
			return nil, s.translateError(err, errors.ErrCodeColdRead, "ListObjects", prefix)
		}
		for _, obj := range page.Contents {
			paths = append(paths, aws.ToString(obj.Key))
		}
	}
	return paths, nil
}

// HealthCheck verifies the bucket is reachable.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("cold storage health check failed: %w", err)
	}
	return nil
}

// GetMetrics returns a copy of the store metrics.
func (s *S3Store) GetMetrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

func (s *S3Store) record(start time.Time, written, read int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Operations++
	s.metrics.TotalLatency += time.Since(start)
	if err != nil {
		s.metrics.Errors++
		return
	}
	s.metrics.BytesWritten += uint64(written)
	s.metrics.BytesRead += uint64(read)
}

func (s *S3Store) translateError(err error, code errors.ErrorCode, operation, path string) error {
	if isNotFound(err) {
		return errors.Wrap(errors.ErrCodeColdObjectMissing,
			fmt.Sprintf("cold object not found: %s", path), err)
	}
	return errors.Wrap(code,
		fmt.Sprintf("%s failed for %s", operation, path), err).
		WithOperation(operation)
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if stderrors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
