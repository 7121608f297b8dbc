package audit

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/FairForge/meridian/internal/config"
)

const archiveQueueSize = 64

// Archiver uploads rotated audit segments to an S3-compatible bucket.
// Uploads are asynchronous and best-effort: a failed upload is logged and
// reported but never blocks rotation or a transition.
type Archiver struct {
	client  *s3.Client
	bucket  string
	prefix  string
	queue   chan string
	logger  *zap.Logger
	onError func(path string, err error)
}

// NewArchiver builds the S3 client. A custom endpoint switches the client
// to path-style addressing for MinIO-style services.
func NewArchiver(cfg config.ArchiveConfig, logger *zap.Logger) (*Archiver, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load archive config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		queue:  make(chan string, archiveQueueSize),
		logger: logger,
	}, nil
}

// OnError installs a callback invoked after a failed upload. Install before
// Run starts.
func (a *Archiver) OnError(fn func(path string, err error)) {
	a.onError = fn
}

// Enqueue schedules a segment for upload without blocking the caller.
func (a *Archiver) Enqueue(segmentPath string) {
	select {
	case a.queue <- segmentPath:
	default:
		a.logger.Warn("archive queue full, segment skipped",
			zap.String("segment", segmentPath))
	}
}

// Run uploads queued segments until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case segmentPath := <-a.queue:
			if err := a.upload(ctx, segmentPath); err != nil {
				a.logger.Warn("segment archive failed",
					zap.String("segment", segmentPath), zap.Error(err))
				if a.onError != nil {
					a.onError(segmentPath, err)
				}
				continue
			}
			a.logger.Info("segment archived",
				zap.String("segment", segmentPath),
				zap.String("bucket", a.bucket))
		}
	}
}

func (a *Archiver) upload(ctx context.Context, segmentPath string) error {
	f, err := os.Open(segmentPath)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	defer func() { _ = f.Close() }()

	key := path.Join(a.prefix, filepath.Base(segmentPath))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", a.bucket, key, err)
	}
	return nil
}
