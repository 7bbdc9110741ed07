package provision

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Local materialises a bucket as a directory, usable as a file:// channel
// remote.
type Local struct {
	Path   string
	Logger zerolog.Logger

	mu    sync.Mutex
	ready bool
}

// Acquire creates the directory and checks it is writable.
func (l *Local) Acquire(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.Path, 0o755); err != nil {
		return provisioningf(err, "failed to create bucket %s", l.Path)
	}
	scratch, err := os.CreateTemp(l.Path, ".writable-*")
	if err != nil {
		return provisioningf(err, "bucket %s is not writable", l.Path)
	}
	_ = scratch.Close()
	_ = os.Remove(scratch.Name())

	l.ready = true
	l.Logger.Info().Str("bucket", l.Path).Msg("Local bucket ready")
	return nil
}

// Release removes the directory and everything in it.
func (l *Local) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.Path); errors.Is(err, fs.ErrNotExist) {
		l.Logger.Info().Str("bucket", l.Path).Msg("Bucket absent, nothing to release")
		l.ready = false
		return nil
	}
	if err := os.RemoveAll(l.Path); err != nil {
		return provisioningf(err, "failed to remove bucket %s", l.Path)
	}
	l.ready = false
	l.Logger.Info().Str("bucket", l.Path).Msg("Local bucket released")
	return nil
}

// Outputs implements Backend.
func (l *Local) Outputs() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return map[string]string{}
	}
	abs, err := filepath.Abs(l.Path)
	if err != nil {
		abs = l.Path
	}
	return map[string]string{
		OutputBucket: abs,
		OutputRemote: "file://" + abs,
	}
}
