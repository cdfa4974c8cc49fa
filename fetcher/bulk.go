package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/viktsys/optionscan/calendar"
)

const (
	DefaultFlatFilesEndpoint = "https://files.polygon.io"
	DefaultFlatFilesBucket   = "flatfiles"
	DefaultFlatFilesPrefix   = "us_options_opra/day_aggs_v1"
)

// BulkSource downloads the per-contract day aggregates for one date.
type BulkSource interface {
	Download(ctx context.Context, date calendar.TradingDate, w io.Writer) (int64, error)
}

// FlatFilesConfig addresses the S3-compatible flat file endpoint.
type FlatFilesConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

func DefaultFlatFilesConfig() FlatFilesConfig {
	return FlatFilesConfig{
		Endpoint: DefaultFlatFilesEndpoint,
		Region:   "us-east-1",
		Bucket:   DefaultFlatFilesBucket,
		Prefix:   DefaultFlatFilesPrefix,
	}
}

// S3BulkSource reads day aggregate files through the S3 API.
type S3BulkSource struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3BulkSource builds a client with SDK retries disabled; attempts are
// counted by the fetcher's RetryPolicy instead.
func NewS3BulkSource(ctx context.Context, cfg FlatFilesConfig) (*S3BulkSource, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("flat files bucket not configured")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
		o.RetryMaxAttempts = 1
	})
	return &S3BulkSource{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Key returns the object key for date: <prefix>/YYYY/MM/YYYY-MM-DD.csv.gz
func (s *S3BulkSource) Key(date calendar.TradingDate) string {
	t := date.Time()
	key := fmt.Sprintf("%04d/%02d/%s.csv.gz", t.Year(), int(t.Month()), date)
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3BulkSource) Download(ctx context.Context, date calendar.TradingDate, w io.Writer) (int64, error) {
	key := s.Key(date)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	return n, nil
}
