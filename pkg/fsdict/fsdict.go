// Package fsdict implements a key/value map stored as files under a
// directory. Every read runs under a shared flock(2) on the directory and
// every write under an exclusive one, so the discipline holds across
// unrelated processes.
//
// Locking is reentrant per Dict: scopes stack, an inner scope never gives up
// an exclusive lock held by an outer one, and leaving a scope re-asserts the
// flag the enclosing scope asked for. A Dict is a handle for one goroutine
// at a time; goroutines sharing a directory each take their own Dict, and
// separate Dict values contend with each other like separate processes do.
package fsdict

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/drerr"
	"github.com/drcloud/drcloud/pkg/flock"
)

// DefaultTimeout bounds lock acquisition when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Millisecond

// Options configures a Dict.
type Options struct {
	// Textual trims values on read and terminates them with a newline on write.
	Textual bool

	// Timeout bounds each lock acquisition. Negative means non-blocking.
	Timeout time.Duration

	// Logger receives lock transitions at debug level.
	Logger zerolog.Logger
}

// Dict is a directory-backed map. It caches no values, only lock state,
// and its scope stack must not be entered from two goroutines at once.
type Dict struct {
	root    string
	textual bool
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	dir   *os.File
	held  flock.Flag
	stack []flock.Flag
}

// New returns a Dict rooted at root. The directory is created on first write.
func New(root string, opts Options) *Dict {
	timeout := opts.Timeout
	switch {
	case timeout == 0:
		timeout = DefaultTimeout
	case timeout < 0:
		timeout = 0
	}
	return &Dict{
		root:    root,
		textual: opts.Textual,
		timeout: timeout,
		logger:  opts.Logger.With().Str("component", "fsdict").Str("path", root).Logger(),
		held:    flock.Unlocked,
	}
}

// Root returns the backing directory.
func (d *Dict) Root() string {
	return d.root
}

// Exclusive runs fn while holding an exclusive lock on the directory.
func (d *Dict) Exclusive(ctx context.Context, fn func() error) error {
	return d.with(ctx, flock.Exclusive, fn)
}

// Shared runs fn while holding at least a shared lock on the directory.
func (d *Dict) Shared(ctx context.Context, fn func() error) error {
	return d.with(ctx, flock.Shared, fn)
}

func (d *Dict) with(ctx context.Context, flag flock.Flag, fn func() error) error {
	if err := d.lockIn(ctx, flag); err != nil {
		return err
	}
	ferr := fn()
	if err := d.lockOut(ctx); err != nil && ferr == nil {
		return err
	}
	return ferr
}

func (d *Dict) lockIn(ctx context.Context, flag flock.Flag) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stack = append(d.stack, flag)
	if d.held == flock.Exclusive {
		return nil
	}
	if err := d.flock(ctx, flag); err != nil {
		d.stack = d.stack[:len(d.stack)-1]
		if len(d.stack) == 0 {
			d.closeDir()
			return err
		}
		// A failed conversion may already have dropped the old lock, so the
		// outer flag is applied again instead of assumed.
		outer := d.stack[len(d.stack)-1]
		d.held = flock.Unlocked
		if rerr := d.flock(ctx, outer); rerr != nil {
			d.logger.Error().Err(rerr).Stringer("flag", outer).Msg("Failed to restore outer lock")
		}
		return err
	}
	return nil
}

func (d *Dict) lockOut(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stack = d.stack[:len(d.stack)-1]
	next := flock.Unlocked
	if n := len(d.stack); n > 0 {
		next = d.stack[n-1]
	}
	err := d.flock(ctx, next)
	if len(d.stack) == 0 {
		d.closeDir()
	}
	return err
}

// flock moves the directory lock to flag. A directory that does not exist
// yet cannot be locked; callers proceed unlocked and create it.
func (d *Dict) flock(ctx context.Context, flag flock.Flag) error {
	if d.dir == nil {
		f, err := os.Open(d.root)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("failed to open %s: %w", d.root, err)
		}
		d.dir = f
	}
	if d.held == flag {
		return nil
	}
	d.logger.Debug().Stringer("from", d.held).Stringer("to", flag).Msg("Lock transition")
	if err := flock.Apply(ctx, d.dir.Fd(), flag, d.timeout, d.root); err != nil {
		return err
	}
	d.held = flag
	return nil
}

func (d *Dict) closeDir() {
	if d.dir != nil {
		_ = d.dir.Close()
		d.dir = nil
	}
	d.held = flock.Unlocked
}

// Get returns the value stored at key and whether it exists.
func (d *Dict) Get(ctx context.Context, key string) ([]byte, bool, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, false, err
	}

	var (
		data  []byte
		found bool
	)
	err = d.Shared(ctx, func() error {
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.EISDIR) {
				return nil
			}
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		if d.textual {
			b = []byte(strings.TrimSpace(string(b)))
		}
		data, found = b, true
		return nil
	})
	return data, found, err
}

// GetString is Get for textual values.
func (d *Dict) GetString(ctx context.Context, key string) (string, bool, error) {
	b, ok, err := d.Get(ctx, key)
	return string(b), ok, err
}

// Set stores value at key, creating parent directories as needed. A nil
// value deletes the key.
func (d *Dict) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		return d.Delete(ctx, key)
	}
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if d.textual {
		value = []byte(strings.TrimSpace(string(value)) + "\n")
	}
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", d.root, err)
	}

	return d.Exclusive(ctx, func() error {
		err := os.WriteFile(path, value, 0o644)
		if errors.Is(err, fs.ErrNotExist) {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", key, err)
			}
			err = os.WriteFile(path, value, 0o644)
		}
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
		return nil
	})
}

// SetString is Set for textual values.
func (d *Dict) SetString(ctx context.Context, key, value string) error {
	return d.Set(ctx, key, []byte(value))
}

// Delete removes key. Deleting a missing key is not an error.
func (d *Dict) Delete(ctx context.Context, key string) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	return d.Exclusive(ctx, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		return nil
	})
}

// Contains reports whether key exists.
func (d *Dict) Contains(ctx context.Context, key string) (bool, error) {
	path, err := d.path(key)
	if err != nil {
		return false, err
	}
	var found bool
	err = d.Shared(ctx, func() error {
		_, err := os.Stat(path)
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", key, err)
	})
	return found, err
}

// Keys lists every file under the directory as a slash-separated relative
// path, ordered by ComparePaths.
func (d *Dict) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := d.Shared(ctx, func() error {
		err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if entry.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(d.root, path)
			if err != nil {
				return err
			}
			keys = append(keys, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", d.root, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return ComparePaths(keys[i], keys[j]) < 0 })
	return keys, nil
}

// Len returns the number of keys.
func (d *Dict) Len(ctx context.Context) (int, error) {
	keys, err := d.Keys(ctx)
	return len(keys), err
}

func (d *Dict) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", drerr.Validationf("invalid key %q", key)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", drerr.Validationf("invalid key %q", key)
	}
	return filepath.Join(d.root, clean), nil
}

// ComparePaths orders slash-separated paths component by component. Two
// all-digit components compare numerically, so "a/2" < "a/10" < "a/b", and a
// path sorts before any path it is a prefix of.
func ComparePaths(a, b string) int {
	pa, pb := strings.Split(a, "/"), strings.Split(b, "/")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if c := compareComponent(pa[i], pb[i]); c != 0 {
			return c
		}
	}
	return len(pa) - len(pb)
}

func compareComponent(a, b string) int {
	if a == b {
		return 0
	}
	na, aerr := strconv.ParseUint(a, 10, 64)
	nb, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil && na != nb {
		if na < nb {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
