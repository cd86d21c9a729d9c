package keystore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/kenneth/fieldcrypt/internal/config"
)

// ErrCatalogNotFound is returned when the catalog object does not exist.
var ErrCatalogNotFound = errors.New("key catalog object not found")

// maxCatalogSize caps the catalog object read into memory.
const maxCatalogSize = 8 << 20

// ObjectGetter is the part of the S3 API the store needs. *s3.Client
// satisfies it.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client from the key store settings. Static
// credentials are used when given, the default chain otherwise.
func NewS3Client(ctx context.Context, cfg config.S3StoreConfig) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// S3Store serves keys from a YAML catalog stored as an S3 object.
type S3Store struct {
	*Memory

	client ObjectGetter
	bucket string
	key    string
	opts   options

	mu   sync.Mutex
	etag string
}

// NewS3Store fetches the catalog once and fails if it cannot.
func NewS3Store(ctx context.Context, client ObjectGetter, bucket, key string, opts ...Option) (*S3Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &S3Store{client: client, bucket: bucket, key: key, opts: o}

	c, etag, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if s.Memory, err = NewMemory(c); err != nil {
		return nil, fmt.Errorf("invalid key catalog s3://%s/%s: %w", bucket, key, err)
	}
	s.etag = etag
	return s, nil
}

func (s *S3Store) fetch(ctx context.Context) (*Catalog, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return nil, "", fmt.Errorf("%w: s3://%s/%s", ErrCatalogNotFound, s.bucket, s.key)
		}
		return nil, "", fmt.Errorf("failed to get key catalog s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxCatalogSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read key catalog: %w", err)
	}
	if len(data) > maxCatalogSize {
		return nil, "", fmt.Errorf("key catalog exceeds %d bytes", maxCatalogSize)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, "", err
	}
	return c, aws.ToString(out.ETag), nil
}

// Refresh re-fetches the catalog. An unchanged ETag skips the swap.
func (s *S3Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, etag, err := s.fetch(ctx)
	if err == nil && etag != "" && etag == s.etag {
		return nil
	}
	if err := s.opts.swap("s3", s.Memory, c, err); err != nil {
		return err
	}
	s.etag = etag
	return nil
}

// Run refreshes every interval until ctx is done.
func (s *S3Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Refresh(ctx)
		}
	}
}
