package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config describes an S3-compatible bucket
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	AccessKey string
	SecretKey string
	Token     string
	PathStyle bool
}

// S3Store uploads objects with the multipart upload manager
type S3Store struct {
	cfg      S3Config
	uploader *manager.Uploader
}

// NewS3Store builds a store for cfg. When no keys are given the default
// AWS credential chain is used.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Store{
		cfg: cfg,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 8 * 1024 * 1024
		}),
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	if cfg.Bucket == "" {
		return aws.Config{}, errors.New("bucket is not set")
	}
	if cfg.Endpoint == "" && cfg.Region == "" {
		return aws.Config{}, errors.New("endpoint and region are both not set")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.Token),
		))
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS sdk config: %w", err)
	}

	awsCfg.BaseEndpoint = aws.String(EndpointURL(cfg.Endpoint, cfg.Region))
	awsCfg.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	return awsCfg, nil
}

// EndpointURL resolves the bucket endpoint. S3-compatible object storage
// on this platform lives at cos.<region>.myqcloud.com.
func EndpointURL(endpoint, region string) string {
	if endpoint == "" {
		return fmt.Sprintf("https://cos.%s.myqcloud.com", region)
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return "https://" + endpoint
	}
	return endpoint
}

// Key returns the full object key including the configured prefix
func (s *S3Store) Key(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return JoinKey(s.cfg.Prefix, cleaned), nil
}

// Bucket returns the bucket name
func (s *S3Store) Bucket() string {
	return s.cfg.Bucket
}

// Region returns the bucket region
func (s *S3Store) Region() string {
	return s.cfg.Region
}

// Put uploads r and returns "s3://bucket/key"
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	full, err := s.Key(key)
	if err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(full),
		Body:   r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload %s to bucket %s: %w", full, s.cfg.Bucket, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, full), nil
}
