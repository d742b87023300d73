package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Mirror copies completed outputs to a secondary location.
type Mirror interface {
	Upload(ctx context.Context, path string, contentType string) (string, error)
}

// S3MirrorConfig carries the bucket settings for the optional output mirror.
type S3MirrorConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

type s3Mirror struct {
	client *s3.Client
	bucket string
}

// NewS3Mirror builds an S3-backed mirror, or returns (nil, nil) when no
// bucket is configured so callers can treat mirroring as disabled.
func NewS3Mirror(ctx context.Context, cfg S3MirrorConfig) (Mirror, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})
	return &s3Mirror{client: client, bucket: cfg.Bucket}, nil
}

// Upload streams a local file to the bucket under its base name.
func (m *s3Mirror) Upload(ctx context.Context, path string, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open output for mirror: %w", err)
	}
	defer f.Close()

	key := filepath.Base(path)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}
