// Package s3 archives raw collector submissions to object storage so
// the original payload of every event can be replayed through the
// pipeline after a cleaning bug.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 connection and behavior configuration.
type Config struct {
	// Region is the AWS region.
	Region string `yaml:"region"`

	// Bucket is the S3 bucket name.
	Bucket string `yaml:"bucket"`

	// Prefix is the key prefix for all objects.
	Prefix string `yaml:"prefix"`

	// Endpoint is an optional custom endpoint for S3-compatible
	// storage such as MinIO.
	Endpoint string `yaml:"endpoint,omitempty"`

	// AccessKeyID for static credentials (optional, uses IAM if not set).
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	// StorageClass for uploaded objects.
	StorageClass string `yaml:"storage_class"`

	// UsePathStyle forces path-style addressing (for MinIO, etc.).
	UsePathStyle bool `yaml:"use_path_style"`

	// RetryMaxAttempts for failed operations.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	// Timeout for upload operations.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Bucket:           "threatpipe-archive",
		Prefix:           "raw/",
		StorageClass:     "INTELLIGENT_TIERING",
		RetryMaxAttempts: 3,
		Timeout:          time.Minute,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

// GetStorageClass returns the S3 storage class type.
func (c *Config) GetStorageClass() types.StorageClass {
	switch strings.ToUpper(c.StorageClass) {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "ONEZONE_IA":
		return types.StorageClassOnezoneIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	case "GLACIER_IR":
		return types.StorageClassGlacierIr
	default:
		return types.StorageClassStandard
	}
}

// Client is an S3 client for archive uploads.
type Client struct {
	client *s3.Client
	config *Config
	logger *slog.Logger
}

// NewClient creates a new S3 client.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	c := &Client{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		logger: logger,
	}

	logger.Info("s3 client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass,
	)
	return c, nil
}

// Put uploads one object under the configured prefix.
func (c *Client) Put(ctx context.Context, key, contentType string, body []byte) error {
	fullKey := c.config.Prefix + key

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.config.Bucket),
		Key:          aws.String(fullKey),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String(contentType),
		StorageClass: c.config.GetStorageClass(),
	})
	if err != nil {
		return fmt.Errorf("s3: upload object %s: %w", fullKey, err)
	}

	c.logger.Debug("uploaded object", "key", fullKey, "size", len(body))
	return nil
}

// HealthCheck verifies connectivity and bucket existence.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("s3: bucket %s unreachable: %w", c.config.Bucket, err)
	}
	return nil
}
