package task

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v5"

	"github.com/drcloud/drcloud/pkg/drerr"
)

// Fetcher copies the object a URL word names into w.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts Options, w io.Writer) error
}

// FetchAndRun returns a handler that downloads the word's URL to a temporary
// executable and runs it with the command's arguments.
func FetchAndRun(f Fetcher) Handler {
	return func(ctx context.Context, s *Session, word string, args []string, opts Options) error {
		return runTemp(ctx, s, func(file *os.File) error {
			return f.Fetch(ctx, word, opts, file)
		}, args)
	}
}

// HTTPFetcher downloads http and https URLs with a bounded number of tries.
type HTTPFetcher struct {
	// MaxTries bounds download attempts. Defaults to 3.
	MaxTries uint

	// Timeout bounds each attempt. Defaults to 60s.
	Timeout time.Duration

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

func (f *HTTPFetcher) client(opts Options) *http.Client {
	timeout := f.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	transport := f.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureDownload {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit per-task option
		}
		transport = t
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, opts Options, w io.Writer) error {
	tries := f.MaxTries
	if tries == 0 {
		tries = 3
	}
	client := f.client(opts)

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("failed to download %s: %s", rawURL, resp.Status)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, resp.Body); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
		}
		return buf.Bytes(), nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(tries))
	if err != nil {
		return drerr.Transfer(rawURL, err)
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write download: %w", err)
	}
	return nil
}

// ObjectGetter is the part of the S3 client the fetcher uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher copies s3://bucket/key objects. The client is built from the
// default AWS configuration on first use unless Client is set.
type S3Fetcher struct {
	Client ObjectGetter

	once sync.Once
	err  error
}

func (f *S3Fetcher) client(ctx context.Context) (ObjectGetter, error) {
	f.once.Do(func() {
		if f.Client != nil {
			return
		}
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			f.err = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}
		f.Client = s3.NewFromConfig(cfg)
	})
	return f.Client, f.err
}

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, rawURL string, _ Options, w io.Writer) error {
	bucket, key, err := ParseS3URL(rawURL)
	if err != nil {
		return err
	}
	client, err := f.client(ctx)
	if err != nil {
		return err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return drerr.Transfer(rawURL, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return drerr.Transfer(rawURL, err)
	}
	return nil
}

// ParseS3URL splits s3://bucket/key into its parts.
func ParseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", drerr.Validation("invalid s3 URL", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", drerr.Validationf("invalid s3 URL %q", rawURL)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
