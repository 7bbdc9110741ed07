// Package flock wraps flock(2) advisory locks with the two acquisition modes
// the agent needs: non-blocking, which fails at once with a Locked error, and
// blocking with a deadline, which fails with a Timeout error.
//
// flock(2) has no timeout of its own, so the deadline is enforced outside the
// system call: the lock is attempted with LOCK_NB and retried with backoff
// until it succeeds or the context deadline passes. Locks taken on separate
// opens of the same file contend with each other even inside one process.
package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/drcloud/drcloud/pkg/drerr"
)

// Flag selects the kind of lock.
type Flag int

const (
	// Unlocked releases any held lock.
	Unlocked Flag = unix.LOCK_UN
	// Shared allows other shared holders.
	Shared Flag = unix.LOCK_SH
	// Exclusive excludes every other holder.
	Exclusive Flag = unix.LOCK_EX
)

// String returns the flag name as used in logs.
func (f Flag) String() string {
	switch f {
	case Unlocked:
		return "UN"
	case Shared:
		return "SH"
	case Exclusive:
		return "EX"
	default:
		return fmt.Sprintf("flag(%d)", int(f))
	}
}

const (
	minPoll = time.Millisecond
	maxPoll = 50 * time.Millisecond
)

// Apply changes the lock held on fd to flag. A zero timeout makes the call
// non-blocking: contention yields a drerr Locked error. A positive timeout
// retries until the lock is obtained or the timeout (or ctx) expires, which
// yields a drerr Timeout error. Unlocking never blocks.
func Apply(ctx context.Context, fd uintptr, flag Flag, timeout time.Duration, path string) error {
	if flag == Unlocked {
		if err := unix.Flock(int(fd), unix.LOCK_UN); err != nil {
			return fmt.Errorf("failed to unlock %s: %w", path, err)
		}
		return nil
	}

	err := try(fd, flag)
	if err == nil {
		return nil
	}
	if !contended(err) {
		return fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if timeout <= 0 {
		return drerr.Locked(path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wait := minPoll
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return drerr.Timeout(fmt.Sprintf("could not lock %s (%s) within %s", path, flag, timeout), ctx.Err()).
				WithOp("flock").WithPath(path)
		case <-timer.C:
		}

		err := try(fd, flag)
		if err == nil {
			return nil
		}
		if !contended(err) {
			return fmt.Errorf("failed to lock %s: %w", path, err)
		}

		wait *= 2
		if wait > maxPoll {
			wait = maxPoll
		}
		timer.Reset(wait)
	}
}

func try(fd uintptr, flag Flag) error {
	for {
		err := unix.Flock(int(fd), int(flag)|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func contended(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)
}

// File is an open file holding an advisory lock.
type File struct {
	*os.File
	path string
}

// Options configures Lock.
type Options struct {
	// Flag is Shared or Exclusive. Defaults to Exclusive.
	Flag Flag

	// Timeout bounds the wait for the lock. Zero means non-blocking.
	Timeout time.Duration
}

// Lock opens (creating if needed) the file at path and locks it. The caller
// must Unlock the returned File.
func Lock(ctx context.Context, path string, opts Options) (*File, error) {
	if opts.Flag == 0 || opts.Flag == Unlocked {
		opts.Flag = Exclusive
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := Apply(ctx, f.Fd(), opts.Flag, opts.Timeout, path); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &File{File: f, path: path}, nil
}

// Path returns the locked file's path.
func (f *File) Path() string {
	return f.path
}

// Stamp replaces the file contents with text followed by a newline.
func (f *File) Stamp(text string) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", f.path, err)
	}
	if _, err := f.WriteAt([]byte(text+"\n"), 0); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.path, err)
	}
	return nil
}

// Unlock releases the lock and closes the file.
func (f *File) Unlock() error {
	uerr := Apply(context.Background(), f.Fd(), Unlocked, 0, f.path)
	cerr := f.Close()
	if uerr != nil {
		return uerr
	}
	return cerr
}
