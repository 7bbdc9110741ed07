// Package provision acquires and releases the resources a fleet needs, such
// as the bucket that carries a channel. Backends are idempotent: acquiring a
// ready resource or releasing a missing one succeeds.
package provision

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/drerr"
)

// Output names shared by backends.
const (
	// OutputBucket identifies the storage bucket.
	OutputBucket = "bucket"

	// OutputRemote is the bucket as a channel remote URL.
	OutputRemote = "remote"
)

// DefaultTimeout bounds how long Acquire waits for a stable state.
const DefaultTimeout = 2 * time.Minute

// Backend provisions resources. Failures are drerr Provisioning errors.
type Backend interface {
	// Acquire returns once the resources are ready.
	Acquire(ctx context.Context) error

	// Release tears the resources down.
	Release(ctx context.Context) error

	// Outputs names what was provisioned. It is empty before Acquire.
	Outputs() map[string]string
}

// Options configures New.
type Options struct {
	// S3 is the client used for s3 URLs. Nil loads the default AWS config.
	S3 BucketAPI

	Timeout time.Duration
	Logger  zerolog.Logger
}

// New returns the backend for a bucket URL: file:///path for a local
// directory or s3://bucket for an S3 bucket.
func New(ctx context.Context, rawURL string, opts Options) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, drerr.Validation("invalid bucket URL", err)
	}
	switch u.Scheme {
	case "file", "":
		if u.Path == "" {
			return nil, drerr.Validationf("bucket URL %q has no path", rawURL)
		}
		return &Local{Path: u.Path, Logger: opts.Logger}, nil
	case "s3":
		if u.Host == "" {
			return nil, drerr.Validationf("bucket URL %q has no bucket", rawURL)
		}
		client := opts.S3
		if client == nil {
			if client, err = defaultS3Client(ctx); err != nil {
				return nil, drerr.Provisioning("failed to load AWS configuration", err)
			}
		}
		return &S3{Bucket: u.Host, Client: client, Timeout: opts.Timeout, Logger: opts.Logger}, nil
	default:
		return nil, drerr.Validationf("unsupported bucket scheme %q", u.Scheme)
	}
}

func provisioningf(err error, format string, args ...any) error {
	return drerr.Provisioning(fmt.Sprintf(format, args...), err)
}
