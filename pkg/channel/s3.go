package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the part of the S3 client the store uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store is a remote in an S3 bucket. Fingerprints are ETags.
type S3Store struct {
	bucket string
	prefix string
	client S3API
}

// NewS3Store returns a store for s3://bucket/prefix. A nil client is built
// from the default AWS configuration.
func NewS3Store(ctx context.Context, u *url.URL, client S3API) (*S3Store, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("s3 URL %q has no bucket", u.String())
	}
	if client == nil {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = s3.NewFromConfig(cfg)
	}
	return &S3Store{
		bucket: u.Host,
		prefix: strings.Trim(u.Path, "/"),
		client: client,
	}, nil
}

func (s *S3Store) key(key string) string {
	return path.Join(s.prefix, key)
}

// List implements Store.
func (s *S3Store) List(ctx context.Context, dir string) ([]Object, error) {
	prefix := s.key(dir) + "/"
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var objects []Object
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, o := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(o.Key), prefix)
			if name == "" {
				continue
			}
			objects = append(objects, Object{Name: name, Tag: aws.ToString(o.ETag)})
		}
	}
	return objects, nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return nil, "", err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", err
	}
	return data, aws.ToString(out.ETag), nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

// Close implements Store.
func (s *S3Store) Close() error { return nil }
