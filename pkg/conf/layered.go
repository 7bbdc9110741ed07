// Package conf holds the node's layered configuration store and the agent's
// own process configuration.
package conf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/dns"
	"github.com/drcloud/drcloud/pkg/fsdict"
)

// EtcDir is the system-wide configuration layer.
const EtcDir = "/etc/drcloud"

// DefaultLayerTimeout bounds lock acquisition on each layer.
const DefaultLayerTimeout = 200 * time.Millisecond

const tombstone = "!/"

// UserDir returns the per-user configuration layer.
func UserDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "~"
	}
	return filepath.Join(home, ".config", "drcloud")
}

// DefaultWritable returns the layer writes go to: EtcDir for root, UserDir
// for everyone else.
func DefaultWritable() string {
	if os.Getuid() == 0 {
		return EtcDir
	}
	return UserDir()
}

// DefaultLayers returns the read layers in priority order.
func DefaultLayers() []string {
	return []string{UserDir(), EtcDir}
}

// LayeredOptions configures a Layered store.
type LayeredOptions struct {
	// Layers are the read layers, highest priority first. Defaults to
	// DefaultLayers.
	Layers []string

	// Writable is the layer that receives writes and tombstones. Defaults to
	// DefaultWritable. When it is not one of Layers it is read first.
	Writable string

	// Timeout bounds lock acquisition per layer.
	Timeout time.Duration

	Logger zerolog.Logger
}

// Layered reads dotted keys from the first layer that has them and writes to
// a single writable layer. Deleting a key leaves a tombstone in the writable
// layer that hides the key in every layer below it.
type Layered struct {
	writer  *fsdict.Dict
	readers []*fsdict.Dict
	logger  zerolog.Logger
}

// NewLayered creates a layered store over directory-backed maps.
func NewLayered(opts LayeredOptions) *Layered {
	if len(opts.Layers) == 0 {
		opts.Layers = DefaultLayers()
	}
	if opts.Writable == "" {
		opts.Writable = DefaultWritable()
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultLayerTimeout
	}

	dictOpts := fsdict.Options{Textual: true, Timeout: opts.Timeout, Logger: opts.Logger}
	l := &Layered{
		writer: fsdict.New(opts.Writable, dictOpts),
		logger: opts.Logger.With().Str("component", "conf").Logger(),
	}
	if !slices.Contains(opts.Layers, opts.Writable) {
		l.readers = append(l.readers, l.writer)
	}
	for _, layer := range opts.Layers {
		if layer == opts.Writable {
			l.readers = append(l.readers, l.writer)
			continue
		}
		l.readers = append(l.readers, fsdict.New(layer, dictOpts))
	}
	return l
}

// Writable returns the directory that receives writes.
func (l *Layered) Writable() string {
	return l.writer.Root()
}

// Get returns the value for key from the highest-priority layer that has it,
// unless the key is tombstoned.
func (l *Layered) Get(ctx context.Context, key string) (string, bool, error) {
	path, err := dns.Path(key)
	if err != nil {
		return "", false, err
	}
	dead, err := l.writer.Contains(ctx, tombstone+path)
	if err != nil || dead {
		return "", false, err
	}
	for _, r := range l.readers {
		v, ok, err := r.GetString(ctx, path)
		if err != nil {
			return "", false, fmt.Errorf("failed to read %s from %s: %w", key, r.Root(), err)
		}
		if ok {
			return v, true, nil
		}
	}
	return "", false, nil
}

// Set writes key to the writable layer and clears any tombstone for it, both
// under one exclusive lock.
func (l *Layered) Set(ctx context.Context, key, value string) error {
	path, err := dns.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.writer.Root(), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", l.writer.Root(), err)
	}
	return l.writer.Exclusive(ctx, func() error {
		if err := l.writer.SetString(ctx, path, value); err != nil {
			return err
		}
		return l.writer.Delete(ctx, tombstone+path)
	})
}

// Delete removes key from the writable layer and tombstones it so lower
// layers no longer show it.
func (l *Layered) Delete(ctx context.Context, key string) error {
	path, err := dns.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.writer.Root(), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", l.writer.Root(), err)
	}
	return l.writer.Exclusive(ctx, func() error {
		if err := l.writer.Delete(ctx, path); err != nil {
			return err
		}
		return l.writer.SetString(ctx, tombstone+path, "")
	})
}

// Contains reports whether Get would find key.
func (l *Layered) Contains(ctx context.Context, key string) (bool, error) {
	_, ok, err := l.Get(ctx, key)
	return ok, err
}

// Keys returns every visible key across layers, deduplicated and sorted.
func (l *Layered) Keys(ctx context.Context) ([]string, error) {
	own, err := l.writer.Keys(ctx)
	if err != nil {
		return nil, err
	}
	dead := make(map[string]bool)
	for _, p := range own {
		if strings.HasPrefix(p, tombstone) {
			dead[strings.TrimPrefix(p, tombstone)] = true
		}
	}

	seen := make(map[string]bool)
	var paths []string
	for _, r := range l.readers {
		keys, err := r.Keys(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range keys {
			if strings.HasPrefix(p, tombstone) || dead[p] || seen[p] {
				continue
			}
			seen[p] = true
			paths = append(paths, p)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return fsdict.ComparePaths(paths[i], paths[j]) < 0 })

	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		key, err := dns.FromPath(p)
		if err != nil {
			l.logger.Debug().Str("path", p).Err(err).Msg("Skipping entry that is not a config key")
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
