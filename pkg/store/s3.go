package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const wasmContentType = "application/wasm"

// S3Config configures the S3 blob store
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	// CreateBucket creates the bucket at startup when it is missing (MinIO dev setups)
	CreateBucket bool
}

// S3BlobStore keeps blobs in an S3 bucket
type S3BlobStore struct {
	client  *s3.Client
	bucket  string
	tracer  trace.Tracer
	logger  *logrus.Logger
	metrics StoreMetrics
}

// NewS3BlobStore creates an S3 blob store
func NewS3BlobStore(ctx context.Context, cfg S3Config, logger *logrus.Logger, metrics StoreMetrics) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// static credentials for MinIO or explicit keys, otherwise the default chain
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	s := &S3BlobStore{
		client:  client,
		bucket:  cfg.Bucket,
		tracer:  otel.Tracer("stellar-webhook/store"),
		logger:  logger,
		metrics: metrics,
	}

	if cfg.CreateBucket {
		if err := s.ensureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
		}
	}
	return s, nil
}

func (s *S3BlobStore) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "S3."+op,
		trace.WithAttributes(
			attribute.String("s3.operation", op),
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", key),
		),
	)
}

func endSpan(span trace.Span, err error, msg string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Put uploads data under its content address, skipping the upload when the
// object already exists
func (s *S3BlobStore) Put(ctx context.Context, data []byte) (key string, err error) {
	key = BlobKey(data)
	ctx, span := s.startSpan(ctx, "PutObject", key)
	span.SetAttributes(attribute.Int("content.size", len(data)))
	start := time.Now()
	defer func() {
		s.metrics.record(ctx, "s3", "put", start, err)
		endSpan(span, err, "failed to upload to s3")
	}()

	exists, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.Bool("deduplication.hit", exists))
	if exists {
		return key, nil
	}

	digest, _ := DigestOf(key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(wasmContentType),
		Metadata: map[string]string{
			"checksum-sha256": digest,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to s3: %w", err)
	}

	s.logger.Debugf("Uploaded blob %s (%d bytes)", key, len(data))
	return key, nil
}

// Get downloads the blob stored under key
func (s *S3BlobStore) Get(ctx context.Context, key string) (data []byte, err error) {
	ctx, span := s.startSpan(ctx, "GetObject", key)
	start := time.Now()
	defer func() {
		s.metrics.record(ctx, "s3", "get", start, err)
		endSpan(span, err, "failed to get object from s3")
	}()

	if err := ValidateBlobKey(key); err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("failed to get object from s3: %w", err)
	}
	defer result.Body.Close()

	data, err = io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	span.SetAttributes(attribute.Int("content.size", len(data)))
	return data, nil
}

// Exists checks whether an object is stored under key
func (s *S3BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateBlobKey(key); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// Delete removes the object under key
func (s *S3BlobStore) Delete(ctx context.Context, key string) (err error) {
	ctx, span := s.startSpan(ctx, "DeleteObject", key)
	start := time.Now()
	defer func() {
		s.metrics.record(ctx, "s3", "delete", start, err)
		endSpan(span, err, "failed to delete object")
	}()

	if err := ValidateBlobKey(key); err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// HealthCheck verifies S3 connectivity
func (s *S3BlobStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func (s *S3BlobStore) ensureBucket(ctx context.Context) error {
	if s.HealthCheck(ctx) == nil {
		return nil
	}
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil && !isBucketAlreadyExists(err) {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	s.logger.Infof("Created bucket %s", s.bucket)
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}

func isBucketAlreadyExists(err error) bool {
	var exists *types.BucketAlreadyExists
	var owned *types.BucketAlreadyOwnedByYou
	return errors.As(err, &exists) || errors.As(err, &owned)
}
