package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/gabrielkendy/agenciabase-sub002/internal/config"
)

// S3 implements Storage for Cloudflare R2 or any S3-compatible endpoint
type S3 struct {
	s3Client   *s3.Client
	download   *http.Client
	bucketName string
	publicURL  string
}

var _ Storage = (*S3)(nil)

// NewS3 creates a new R2 storage client. cfg.Endpoint overrides the R2
// account endpoint, for example to point at MinIO in development.
func NewS3(cfg config.StorageConfig) (*S3, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.AccountID == "" {
			return nil, fmt.Errorf("R2 configuration incomplete: account id or endpoint required")
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	r2Resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: endpoint,
		}, nil
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithEndpointResolverWithOptions(r2Resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	log.Infof("[Storage] using bucket %s at %s", cfg.BucketName, endpoint)
	return &S3{
		s3Client:   s3Client,
		download:   newDownloadClient(),
		bucketName: cfg.BucketName,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// UploadBuffer uploads data and returns its public location
func (c *S3) UploadBuffer(ctx context.Context, data []byte, opts UploadOptions) (*UploadResult, error) {
	opts = resolveContentType(opts, data)
	bucket := opts.Bucket
	if bucket == "" {
		bucket = c.bucketName
	}
	key := objectKey(opts)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(opts.ContentType),
	}

	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("failed to upload to R2: %w", err)
	}

	return &UploadResult{
		Path:      key,
		PublicURL: c.publicURLFor(bucket, key),
		Size:      int64(len(data)),
	}, nil
}

func (c *S3) UploadBase64(ctx context.Context, data string, opts UploadOptions) (*UploadResult, error) {
	return uploadBase64(ctx, c, data, opts)
}

func (c *S3) UploadFromURL(ctx context.Context, url string, opts UploadOptions) (*UploadResult, error) {
	return uploadFromURL(ctx, c, c.download, url, opts)
}

// publicURLFor returns the public CDN URL for a key
func (c *S3) publicURLFor(bucket, key string) string {
	if c.publicURL != "" && bucket == c.bucketName {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com/%s", bucket, key)
}
