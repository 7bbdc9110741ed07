package provision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// BucketAPI is the part of the S3 client the S3 backend uses.
type BucketAPI interface {
	s3.HeadBucketAPIClient
	s3.ListObjectsV2APIClient
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

func defaultS3Client(ctx context.Context) (BucketAPI, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

// S3 provisions an S3 bucket.
type S3 struct {
	Bucket string

	// Region places new buckets outside us-east-1.
	Region string

	Client  BucketAPI
	Timeout time.Duration
	Logger  zerolog.Logger

	mu    sync.Mutex
	ready bool
}

// Acquire creates the bucket unless it exists, then waits until S3 reports
// it.
func (b *S3) Acquire(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	exists, err := b.exists(ctx)
	if err != nil {
		return provisioningf(err, "failed to look up bucket %s", b.Bucket)
	}
	if !exists {
		in := &s3.CreateBucketInput{Bucket: aws.String(b.Bucket)}
		if b.Region != "" && b.Region != "us-east-1" {
			in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(b.Region),
			}
		}
		_, err := b.Client.CreateBucket(ctx, in)
		var owned *types.BucketAlreadyOwnedByYou
		if err != nil && !errors.As(err, &owned) {
			return provisioningf(err, "failed to create bucket %s", b.Bucket)
		}
		b.Logger.Info().Str("bucket", b.Bucket).Msg("Bucket created")
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	waiter := s3.NewBucketExistsWaiter(b.Client)
	if err := waiter.Wait(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.Bucket)}, timeout); err != nil {
		return provisioningf(err, "bucket %s did not become ready within %s", b.Bucket, timeout)
	}

	b.ready = true
	b.Logger.Info().Str("bucket", b.Bucket).Msg("Bucket ready")
	return nil
}

// Release empties and deletes the bucket.
func (b *S3) Release(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	exists, err := b.exists(ctx)
	if err != nil {
		return provisioningf(err, "failed to look up bucket %s", b.Bucket)
	}
	if !exists {
		b.Logger.Info().Str("bucket", b.Bucket).Msg("Bucket absent, nothing to release")
		b.ready = false
		return nil
	}

	pages := s3.NewListObjectsV2Paginator(b.Client, &s3.ListObjectsV2Input{Bucket: aws.String(b.Bucket)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return provisioningf(err, "failed to list bucket %s", b.Bucket)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, o := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: o.Key})
		}
		if _, err := b.Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return provisioningf(err, "failed to empty bucket %s", b.Bucket)
		}
	}

	if _, err := b.Client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(b.Bucket)}); err != nil {
		var missing *types.NoSuchBucket
		if !errors.As(err, &missing) {
			return provisioningf(err, "failed to delete bucket %s", b.Bucket)
		}
	}
	b.ready = false
	b.Logger.Info().Str("bucket", b.Bucket).Msg("Bucket released")
	return nil
}

// Outputs implements Backend.
func (b *S3) Outputs() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return map[string]string{}
	}
	return map[string]string{
		OutputBucket: b.Bucket,
		OutputRemote: "s3://" + b.Bucket,
	}
}

func (b *S3) exists(ctx context.Context) (bool, error) {
	_, err := b.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.Bucket)})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	var noSuch *types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noSuch) {
		return false, nil
	}
	return false, err
}
