package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds the bucket settings for the S3 blob store.
type S3Config struct {
	Region   string
	Bucket   string
	Prefix   string
	Endpoint string // optional, for S3-compatible storage

	// Static credentials. The default AWS chain is used when unset.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle forces path-style addressing (MinIO and friends).
	UsePathStyle bool
}

// S3 stores ledger blobs as objects in a bucket.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3 builds the store and its client from cfg.
func NewS3(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3, error) {
	if cfg.Region == "" {
		return nil, errors.New("ledger: s3 region is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("ledger: s3 bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ledger: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("s3 ledger store initialized", "bucket", cfg.Bucket, "region", cfg.Region, "prefix", cfg.Prefix)
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}, nil
}

// Put checks the key first, then writes with If-None-Match so a racing
// writer still loses on stores that honour conditional writes.
func (s *S3) Put(ctx context.Context, address string, data []byte) error {
	key := s.prefix + address

	exists, err := s.exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrAddressInUse
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr interface{ ErrorCode() string }
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return ErrAddressInUse
		}
		return fmt.Errorf("ledger: s3 put %s: %w", key, err)
	}

	s.logger.Debug("ledger object written", "key", key, "size", len(data))
	return nil
}

// Get downloads the object stored for address.
func (s *S3) Get(ctx context.Context, address string) ([]byte, error) {
	key := s.prefix + address

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("ledger: s3 read %s: %w", key, err)
	}
	return b, nil
}

func (s *S3) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("ledger: s3 head %s: %w", key, err)
	}
	return true, nil
}
