package source

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Config holds S3 and MinIO settings.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // e.g. "localhost:9000" for MinIO
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// S3Opener reads objects from a bucket with ranged GETs.
type S3Opener struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucket     string
	blockSize  int64
	logger     zerolog.Logger
}

func NewS3Opener(cfg *S3Config, blockSize int64, logger zerolog.Logger) (*S3Opener, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}
	log := logger.With().Str("component", "s3-source").Logger()

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}

	accessKey, secretKey := cfg.AccessKey, cfg.SecretKey
	if accessKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if secretKey == "" {
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
		log.Info().Msg("Using static credentials for S3")
	} else {
		log.Info().Msg("Using default credential chain for S3")
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			if cfg.UseSSL {
				endpoint = "https://" + endpoint
			} else {
				endpoint = "http://" + endpoint
			}
		}
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
		log.Info().Str("endpoint", endpoint).Msg("Using custom S3 endpoint")
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	o := &S3Opener{
		client: client,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = blockSize
			d.Concurrency = 1
		}),
		bucket:    cfg.Bucket,
		blockSize: blockSize,
		logger:    log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		log.Warn().Err(err).Str("bucket", cfg.Bucket).Msg("Could not verify bucket access")
	}
	return o, nil
}

func (o *S3Opener) Open(ctx context.Context, name string) (Reader, error) {
	key := strings.TrimPrefix(name, "/")
	head, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, o.bucket, key)
		}
		return nil, fmt.Errorf("failed to stat s3://%s/%s: %w", o.bucket, key, err)
	}
	size := aws.ToInt64(head.ContentLength)

	o.logger.Debug().Str("key", key).Int64("size", size).Msg("Opened object")
	return newRangeReader(ctx, size, o.blockSize, func(ctx context.Context, off, n int64) ([]byte, error) {
		buf := manager.NewWriteAtBuffer(make([]byte, 0, n))
		got, err := o.downloader.Download(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+n-1)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read s3://%s/%s at %d: %w", o.bucket, key, off, err)
		}
		return buf.Bytes()[:got], nil
	}), nil
}

func (o *S3Opener) Type() string { return "s3" }

func (o *S3Opener) Close() error { return nil }

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "NotFound") || strings.Contains(s, "NoSuchKey") || strings.Contains(s, "404")
}
