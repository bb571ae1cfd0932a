package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the part of the S3 client used for exports.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the S3 uploader.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for S3-compatible stores
	Timeout  time.Duration
	Retries  int
}

// S3Uploader uploads exports with PutObject.
type S3Uploader struct {
	cfg    S3Config
	client PutObjectAPI
}

// NewS3Uploader loads the default AWS credential chain and creates an
// uploader for cfg.Bucket.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// retries are handled in Upload
		o.RetryMaxAttempts = 1
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3UploaderWithClient(client, cfg), nil
}

// NewS3UploaderWithClient creates an uploader around an existing client.
func NewS3UploaderWithClient(client PutObjectAPI, cfg S3Config) *S3Uploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	return &S3Uploader{cfg: cfg, client: client}
}

// Upload puts body at key, retrying with backoff until the attempts are
// spent or ctx is done.
func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte) (string, error) {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= u.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if lastErr = u.putObject(ctx, key, body); lastErr == nil {
			return fmt.Sprintf("s3://%s/%s", u.cfg.Bucket, key), nil
		}
		if attempt == u.cfg.Retries {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return "", lastErr
}

func (u *S3Uploader) putObject(ctx context.Context, key string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.cfg.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	return err
}
