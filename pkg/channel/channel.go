// Package channel synchronizes a node's spool with the remote store that
// carries one service's messages. The remote side holds
// <prefix>/<channel>/i/<id> for envelopes addressed to nodes and
// <prefix>/<channel>/o/<id> for envelopes nodes send back. A Sync pulls
// unseen inbound objects into <root>/i and pushes unseen outbound objects
// from <root>/o, recording each object's fingerprint in <root>/etags so
// nothing moves twice.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/drerr"
	"github.com/drcloud/drcloud/pkg/flock"
	"github.com/drcloud/drcloud/pkg/fsdict"
)

// Object is one remote entry. Tag is the store's fingerprint for the
// content; an empty Tag means the store cannot tell without fetching.
type Object struct {
	Name string
	Tag  string
}

// Store is a remote object namespace. Keys are slash-separated and relative
// to the store's own prefix.
type Store interface {
	// List returns the objects directly under dir.
	List(ctx context.Context, dir string) ([]Object, error)

	// Get returns the content of key and its fingerprint.
	Get(ctx context.Context, key string) ([]byte, string, error)

	// Put writes key and returns its fingerprint.
	Put(ctx context.Context, key string, data []byte) (string, error)

	Close() error
}

// Options configures Open.
type Options struct {
	// Store overrides the store selected from the URL.
	Store Store

	// SFTP configures sftp:// remotes.
	SFTP *SFTPConfig

	// S3 supplies the client for s3:// remotes. Built from the default AWS
	// configuration when nil.
	S3 S3API

	// LockTimeout bounds waits on the local fingerprint map and on the
	// mailbox lock taken while placing inbound objects. Zero means
	// non-blocking.
	LockTimeout time.Duration

	Logger zerolog.Logger
}

// Report lists what one Sync moved. Failed holds per-object transfer errors;
// the objects that are not in it were handled.
type Report struct {
	Pulled []string
	Pushed []string
	Failed map[string]error
}

// Err joins the per-object failures, or returns nil.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, r.Failed[name])
	}
	return errors.Join(errs...)
}

// Changed reports whether anything moved.
func (r *Report) Changed() bool {
	return len(r.Pulled) > 0 || len(r.Pushed) > 0
}

func (r *Report) fail(name string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[name] = drerr.Transfer(name, err)
}

// Channel mirrors one channel between a local root and a remote store.
type Channel struct {
	root   string
	name   string
	url    string
	store  Store
	etags  *fsdict.Dict
	logger zerolog.Logger

	lockTimeout time.Duration

	mu sync.Mutex
}

// OpenStore returns the store for rawURL. Supported schemes are file, sftp
// and s3.
func OpenStore(ctx context.Context, rawURL string, opts Options) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, drerr.Validation("invalid remote URL", err)
	}
	var store Store
	switch u.Scheme {
	case "file", "":
		store, err = NewDirStore(u.Path)
	case "sftp":
		store, err = NewSFTPStore(ctx, u, opts.SFTP, opts.Logger)
	case "s3":
		store, err = NewS3Store(ctx, u, opts.S3)
	default:
		return nil, drerr.Validationf("unsupported remote scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rawURL, err)
	}
	return store, nil
}

// Open builds a Channel for the remote at rawURL, or over opts.Store when
// set.
func Open(ctx context.Context, root, name, rawURL string, opts Options) (*Channel, error) {
	if name == "" {
		return nil, drerr.Validationf("channel name is required")
	}

	store := opts.Store
	if store == nil {
		var err error
		if store, err = OpenStore(ctx, rawURL, opts); err != nil {
			return nil, err
		}
	}

	return &Channel{
		root:  root,
		name:  name,
		url:   rawURL,
		store: store,
		etags: fsdict.New(filepath.Join(root, "etags"), fsdict.Options{
			Textual: true,
			Timeout: opts.LockTimeout,
			Logger:  opts.Logger,
		}),
		logger:      opts.Logger.With().Str("component", "channel").Str("channel", name).Logger(),
		lockTimeout: opts.LockTimeout,
	}, nil
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Close releases the remote store.
func (c *Channel) Close() error {
	return c.store.Close()
}

// Sync pulls and pushes everything not yet fingerprinted. It returns an
// error only when a whole direction could not be listed; single objects
// that fail are reported in Report.Failed and retried on the next call.
func (c *Channel) Sync(ctx context.Context) (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, dir := range []string{"i", "o"} {
		if err := os.MkdirAll(filepath.Join(c.root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	report := &Report{}
	var errs []error
	if err := c.pull(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if err := c.push(ctx, report); err != nil {
		errs = append(errs, err)
	}

	ev := c.logger.Debug()
	if report.Changed() || len(report.Failed) > 0 {
		ev = c.logger.Info()
	}
	ev.Int("pulled", len(report.Pulled)).
		Int("pushed", len(report.Pushed)).
		Int("failed", len(report.Failed)).
		Msg("Channel synced")

	return report, errors.Join(errs...)
}

func (c *Channel) pull(ctx context.Context, report *Report) error {
	objects, err := c.store.List(ctx, path.Join(c.name, "i"))
	if err != nil {
		return fmt.Errorf("failed to list inbound objects: %w", err)
	}

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !validName(obj.Name) {
			c.logger.Warn().Str("object", obj.Name).Msg("Skipping object with unusable name")
			continue
		}

		seen, ok, err := c.etags.GetString(ctx, obj.Name)
		if err != nil {
			report.fail(obj.Name, err)
			continue
		}
		if ok && (obj.Tag == "" || obj.Tag == seen) {
			continue
		}

		data, tag, err := c.store.Get(ctx, path.Join(c.name, "i", obj.Name))
		if err != nil {
			report.fail(obj.Name, err)
			continue
		}
		if err := c.place(ctx, obj.Name, data); err != nil {
			report.fail(obj.Name, err)
			continue
		}
		if err := c.etags.SetString(ctx, obj.Name, tag); err != nil {
			report.fail(obj.Name, err)
			continue
		}
		report.Pulled = append(report.Pulled, obj.Name)
	}
	return nil
}

func (c *Channel) push(ctx context.Context, report *Report) error {
	entries, err := os.ReadDir(filepath.Join(c.root, "o"))
	if err != nil {
		return fmt.Errorf("failed to list outbound files: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() || !validName(name) {
			continue
		}

		ok, err := c.etags.Contains(ctx, name)
		if err != nil {
			report.fail(name, err)
			continue
		}
		if ok {
			continue
		}

		data, err := os.ReadFile(filepath.Join(c.root, "o", name))
		if err != nil {
			report.fail(name, err)
			continue
		}
		tag, err := c.store.Put(ctx, path.Join(c.name, "o", name), data)
		if err != nil {
			report.fail(name, err)
			continue
		}
		if err := c.etags.SetString(ctx, name, tag); err != nil {
			report.fail(name, err)
			continue
		}
		report.Pushed = append(report.Pushed, name)
	}
	return nil
}

// place writes an inbound object into i/ with a rename so watchers only see
// complete files. The rename happens under <root>/lock, the lock the agent
// holds while it scans i/.
func (c *Channel) place(ctx context.Context, name string, data []byte) error {
	tmp, err := os.CreateTemp(c.root, ".pull-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	lock, err := flock.Lock(ctx, filepath.Join(c.root, "lock"), flock.Options{
		Flag:    flock.Exclusive,
		Timeout: c.lockTimeout,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to release mailbox lock")
		}
	}()

	if err := os.Rename(tmp.Name(), filepath.Join(c.root, "i", name)); err != nil {
		return fmt.Errorf("failed to move %s into inbox: %w", name, err)
	}
	return nil
}

// Watch syncs every interval until ctx ends. Failed syncs are logged. When
// notify is non-nil it receives each report that pulled something.
func (c *Channel) Watch(ctx context.Context, interval time.Duration, notify func(*Report)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := c.Sync(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("Channel sync failed")
		}
		if report != nil {
			for name, ferr := range report.Failed {
				c.logger.Warn().Err(ferr).Str("object", name).Msg("Object transfer failed")
			}
			if notify != nil && len(report.Pulled) > 0 {
				notify(report)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func validName(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && !strings.ContainsAny(name, "/\\")
}
