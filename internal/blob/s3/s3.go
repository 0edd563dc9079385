// Package s3 stores content in an S3-compatible object store. Keys
// keep the account prefix, so an account's objects can be listed and
// purged as a group.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/justfiles/justfiles/internal/blob"
	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/logging"
	"github.com/justfiles/justfiles/internal/metrics"
	"github.com/justfiles/justfiles/internal/sandbox"
)

// Config holds connection settings for an S3-compatible backend.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string

	// ForcePathStyle addresses the bucket as a path segment rather
	// than a subdomain; MinIO and most self-hosted gateways need it.
	ForcePathStyle bool
}

// Store implements blob.Store using S3/MinIO.
type Store struct {
	client *awss3.Client
	bucket string
}

// New creates an S3 store and verifies the bucket, creating it when
// missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
	})

	s := &Store{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		_, createErr := s.client.CreateBucket(ctx, &awss3.CreateBucketInput{
			Bucket: aws.String(s.bucket),
		})
		if createErr != nil {
			metrics.RecordBlobOperation("create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", s.bucket, createErr)
		}
		metrics.RecordBlobOperation("create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket", zap.String("bucket", s.bucket))
	}
	return nil
}

func (s *Store) Type() string { return "s3" }

func (s *Store) Put(ctx context.Context, accountID, name string, body io.Reader) (string, int64, error) {
	key := blob.NewKey(accountID, name)
	start := time.Now()

	counted := &countingReader{r: body}
	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   counted,
	})
	if err != nil {
		metrics.RecordBlobOperation("put_object", time.Since(start), false)
		return "", 0, fmt.Errorf("put object %s: %w", key, err)
	}

	metrics.RecordBlobOperation("put_object", time.Since(start), true)
	logging.Debug("s3 put object", zap.String("key", key), zap.Int64("size", counted.n))
	return key, counted.n, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if _, _, err := sandbox.SplitKey(key); err != nil {
		return nil, 0, err
	}
	start := time.Now()

	result, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordBlobOperation("get_object", time.Since(start), false)
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, fmt.Errorf("object %s: %w", key, fault.ErrPhysicalMissing)
		}
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}
	metrics.RecordBlobOperation("get_object", time.Since(start), true)

	size := int64(0)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return result.Body, size, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, _, err := sandbox.SplitKey(key); err != nil {
		return err
	}
	start := time.Now()

	// S3 deletes are idempotent; probe first so callers see a missing
	// object the same way the local backend reports it.
	if _, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		metrics.RecordBlobOperation("delete_object", time.Since(start), false)
		return fmt.Errorf("object %s: %w", key, fault.ErrNotFound)
	}

	_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordBlobOperation("delete_object", time.Since(start), false)
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	metrics.RecordBlobOperation("delete_object", time.Since(start), true)
	logging.Debug("s3 delete object", zap.String("key", key))
	return nil
}

// DeleteAccount removes every object under the account prefix, one
// page at a time. Safe to re-run after a partial failure.
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	prefix := sandbox.CleanName(accountID) + "/"
	start := time.Now()

	paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	removed := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordBlobOperation("delete_account", time.Since(start), false)
			return fmt.Errorf("listing objects for %s: %w", accountID, err)
		}
		for _, obj := range page.Contents {
			_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				metrics.RecordBlobOperation("delete_account", time.Since(start), false)
				return fmt.Errorf("deleting object %s: %w", aws.ToString(obj.Key), err)
			}
			removed++
		}
	}

	metrics.RecordBlobOperation("delete_account", time.Since(start), true)
	logging.Info("account content removed",
		zap.String("account_id", accountID),
		zap.Int("objects", removed))
	return nil
}

func (s *Store) Close() error { return nil }

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
