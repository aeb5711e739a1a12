package publish

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Lllllllleong/surveyflow/internal/gcp"
)

// Environment variables holding static keys for S3-compatible stores.
const (
	EnvS3AccessKey = "SURVEYFLOW_S3_ACCESS_KEY_ID"
	EnvS3SecretKey = "SURVEYFLOW_S3_SECRET_ACCESS_KEY"
)

// Options configures Open.
type Options struct {
	// Target is gs://bucket/prefix or s3://bucket/prefix. Empty disables publishing.
	Target string
	// Base is the directory object keys are made relative to.
	Base       string
	S3Endpoint string
	S3Region   string
}

// Open builds the publisher for opts.Target.
func Open(ctx context.Context, logger *slog.Logger, opts Options) (Publisher, error) {
	if opts.Target == "" {
		return Noop{}, nil
	}
	target, err := ParseTarget(opts.Target)
	if err != nil {
		return nil, err
	}

	switch target.Scheme {
	case "gs":
		client, err := gcp.NewStorageClient(ctx)
		if err != nil {
			return nil, err
		}
		up := NewGCS(logger, gcp.BucketWriter{Bucket: client.Bucket(target.Bucket)})
		r := NewRemote(logger, up, target, opts.Base)
		r.closer = client.Close
		return r, nil
	default:
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		return NewRemote(logger, NewS3(client, target.Bucket), target, opts.Base), nil
	}
}

func newS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.S3Region))
	}
	if key, secret := os.Getenv(EnvS3AccessKey), os.Getenv(EnvS3SecretKey); key != "" && secret != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key, secret, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
