package recording

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"relaybroker/internal/config"
)

// S3Sink streams recordings to an S3-compatible bucket.
type S3Sink struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Sink loads AWS configuration (static credentials from cfg when set,
// otherwise the default chain) and returns a sink for cfg.S3Bucket. A
// non-empty S3Endpoint switches to path-style addressing for self-hosted
// stores.
func NewS3Sink(ctx context.Context, cfg config.RecordingConfig) (*S3Sink, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("recording: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Sink(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func newS3Sink(client manager.UploadAPIClient, bucket, prefix string) *S3Sink {
	return &S3Sink{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (s *S3Sink) Record(ctx context.Context, meta Meta, chunks <-chan []byte) error {
	pr, pw := io.Pipe()

	go func() {
		zw, err := zstd.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		err = copyChunks(ctx, zw, chunks)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	key := path.Join(s.prefix, meta.Key())
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        pr,
		ContentType: aws.String("application/zstd"),
	})
	// Unblocks the encoder goroutine if the upload gave up first.
	pr.CloseWithError(err)
	if err != nil {
		return fmt.Errorf("recording: upload %s: %w", key, err)
	}
	log.Debug("recording uploaded", "bucket", s.bucket, "key", key)
	return nil
}
