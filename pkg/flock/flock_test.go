package flock

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drcloud/drcloud/pkg/drerr"
)

func TestLockNonBlockingContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	ctx := context.Background()

	held, err := Lock(ctx, path, Options{})
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer held.Unlock()

	start := time.Now()
	_, err = Lock(ctx, path, Options{})
	if !drerr.IsLocked(err) {
		t.Fatalf("second Lock() error = %v, want Locked", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("non-blocking Lock() took %s", elapsed)
	}
}

func TestLockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	ctx := context.Background()

	held, err := Lock(ctx, path, Options{})
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer held.Unlock()

	_, err = Lock(ctx, path, Options{Timeout: 30 * time.Millisecond})
	if !drerr.IsTimeout(err) {
		t.Fatalf("Lock() error = %v, want Timeout", err)
	}
}

func TestLockWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	ctx := context.Background()

	held, err := Lock(ctx, path, Options{})
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = held.Unlock()
	}()

	f, err := Lock(ctx, path, Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	_ = f.Unlock()
}

func TestSharedLocksCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	ctx := context.Background()

	a, err := Lock(ctx, path, Options{Flag: Shared})
	if err != nil {
		t.Fatalf("first shared Lock() error = %v", err)
	}
	defer a.Unlock()

	b, err := Lock(ctx, path, Options{Flag: Shared})
	if err != nil {
		t.Fatalf("second shared Lock() error = %v", err)
	}
	defer b.Unlock()

	if _, err := Lock(ctx, path, Options{Flag: Exclusive}); !drerr.IsLocked(err) {
		t.Errorf("exclusive Lock() over shared holders error = %v, want Locked", err)
	}
}

func TestExclusiveLockSerializesHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	ctx := context.Background()

	const workers = 16
	var (
		inside  int32
		overlap int32
		counter int
		wg      sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := Lock(ctx, path, Options{Timeout: 10 * time.Second})
			if err != nil {
				t.Errorf("Lock() error = %v", err)
				return
			}
			if atomic.AddInt32(&inside, 1) != 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			v := counter
			time.Sleep(time.Millisecond)
			counter = v + 1
			atomic.AddInt32(&inside, -1)
			_ = f.Unlock()
		}()
	}
	wg.Wait()

	if overlap != 0 {
		t.Error("lock holders overlapped")
	}
	if counter != workers {
		t.Errorf("counter = %d, want %d", counter, workers)
	}
}

func TestStamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	f, err := Lock(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer f.Unlock()

	if err := f.Stamp("a much longer first stamp"); err != nil {
		t.Fatalf("Stamp() error = %v", err)
	}
	if err := f.Stamp("pid 1"); err != nil {
		t.Fatalf("Stamp() error = %v", err)
	}
	buf := make([]byte, 64)
	n, _ := f.ReadAt(buf, 0)
	if got := string(buf[:n]); got != "pid 1\n" {
		t.Errorf("stamp = %q, want %q", got, "pid 1\n")
	}
}
