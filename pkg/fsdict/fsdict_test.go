package fsdict

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/drerr"
	"github.com/drcloud/drcloud/pkg/flock"
)

func newDict(t *testing.T, textual bool) *Dict {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "dict"), Options{Textual: textual, Logger: zerolog.Nop()})
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	d := newDict(t, true)

	if err := d.SetString(ctx, "node/name", "  web-1 \n"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := d.GetString(ctx, "node/name")
	if err != nil || !ok {
		t.Fatalf("Get() = %q, %v, %v", got, ok, err)
	}
	if got != "web-1" {
		t.Errorf("Get() = %q, want %q", got, "web-1")
	}

	raw, err := os.ReadFile(filepath.Join(d.Root(), "node", "name"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(raw) != "web-1\n" {
		t.Errorf("file contents = %q, want %q", raw, "web-1\n")
	}

	if err := d.Set(ctx, "node/name", nil); err != nil {
		t.Fatalf("Set(nil) error = %v", err)
	}
	if _, ok, _ := d.Get(ctx, "node/name"); ok {
		t.Error("key still present after Set(nil)")
	}
	if err := d.Delete(ctx, "node/name"); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
}

func TestBinaryValuesUntouched(t *testing.T) {
	ctx := context.Background()
	d := newDict(t, false)

	want := []byte("  spaced\n\n")
	if err := d.Set(ctx, "blob", want); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := d.Get(ctx, "blob")
	if err != nil || !ok {
		t.Fatalf("Get() ok = %v, err = %v", ok, err)
	}
	if string(got) != string(want) {
		t.Errorf("Get() = %q, want %q", got, want)
	}
}

func TestMissingRoot(t *testing.T) {
	ctx := context.Background()
	d := newDict(t, true)

	if _, ok, err := d.Get(ctx, "a"); ok || err != nil {
		t.Errorf("Get() on missing root = %v, %v", ok, err)
	}
	keys, err := d.Keys(ctx)
	if err != nil || len(keys) != 0 {
		t.Errorf("Keys() on missing root = %v, %v", keys, err)
	}
}

func TestInvalidKeys(t *testing.T) {
	ctx := context.Background()
	d := newDict(t, true)

	for _, key := range []string{"", "/abs", "..", "../escape", "a/../../b"} {
		if err := d.SetString(ctx, key, "x"); !drerr.IsValidation(err) {
			t.Errorf("Set(%q) error = %v, want validation", key, err)
		}
	}
}

func TestKeysOrder(t *testing.T) {
	ctx := context.Background()
	d := newDict(t, true)

	for _, key := range []string{"a/b", "a/10", "b", "a/2", "a-b/c"} {
		if err := d.SetString(ctx, key, key); err != nil {
			t.Fatalf("Set(%q) error = %v", key, err)
		}
	}

	got, err := d.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	want := []string{"a/2", "a/10", "a/b", "a-b/c", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
}

func TestComparePaths(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"a/2", "a/10", -1},
		{"a/10", "a/b", -1},
		{"a", "a/b", -1},
		{"a/b", "a", 1},
		{"x", "x", 0},
		{"b", "a/z", 1},
	}
	for _, tt := range tests {
		got := ComparePaths(tt.a, tt.b)
		if (got < 0) != (tt.want < 0) || (got > 0) != (tt.want > 0) {
			t.Errorf("ComparePaths(%q, %q) = %d, want sign of %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestLockedByOtherHandle(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "dict")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}

	owner := New(root, Options{Logger: zerolog.Nop()})
	other := New(root, Options{Timeout: -1, Logger: zerolog.Nop()})

	err := owner.Exclusive(ctx, func() error {
		return other.SetString(ctx, "k", "v")
	})
	if !drerr.IsLocked(err) {
		t.Fatalf("write under foreign exclusive lock error = %v, want Locked", err)
	}

	bounded := New(root, Options{Timeout: 20 * time.Millisecond, Logger: zerolog.Nop()})
	err = owner.Exclusive(ctx, func() error {
		_, _, err := bounded.Get(ctx, "k")
		return err
	})
	if !drerr.IsTimeout(err) {
		t.Fatalf("read under foreign exclusive lock error = %v, want Timeout", err)
	}

	if err := other.SetString(ctx, "k", "v"); err != nil {
		t.Errorf("Set() after release error = %v", err)
	}
}

func TestReentrantStackRestoresOuterScope(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "dict")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}

	d := New(root, Options{Logger: zerolog.Nop()})
	peer := New(root, Options{Timeout: -1, Logger: zerolog.Nop()})

	err := d.Exclusive(ctx, func() error {
		// Inner shared scope must not downgrade the outer exclusive lock.
		if err := d.Shared(ctx, func() error { return nil }); err != nil {
			return err
		}
		if d.held != flock.Exclusive {
			t.Errorf("held after inner shared scope = %s, want EX", d.held)
		}
		if _, _, err := peer.Get(ctx, "x"); !drerr.IsLocked(err) {
			t.Errorf("peer read inside exclusive scope error = %v, want Locked", err)
		}
		// Writes nest inside the scope without deadlocking.
		return d.SetString(ctx, "x", "1")
	})
	if err != nil {
		t.Fatalf("Exclusive() error = %v", err)
	}

	err = d.Shared(ctx, func() error {
		if err := d.SetString(ctx, "y", "2"); err != nil {
			return err
		}
		if d.held != flock.Shared {
			t.Errorf("held after inner exclusive scope = %s, want SH", d.held)
		}
		if _, _, err := peer.Get(ctx, "y"); err != nil {
			t.Errorf("peer shared read alongside shared scope error = %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Shared() error = %v", err)
	}

	if d.held != flock.Unlocked || len(d.stack) != 0 || d.dir != nil {
		t.Errorf("lock state after scopes = %s/%d/%v, want fully released", d.held, len(d.stack), d.dir)
	}
}

func TestFailedUpgradeKeepsOuterSharedLock(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "dict")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}

	reader := New(root, Options{Logger: zerolog.Nop()})
	holding, release, done := make(chan struct{}), make(chan struct{}), make(chan error, 1)
	go func() {
		done <- reader.Shared(ctx, func() error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	d := New(root, Options{Timeout: -1, Logger: zerolog.Nop()})
	writer := New(root, Options{Timeout: -1, Logger: zerolog.Nop()})
	err := d.Shared(ctx, func() error {
		if err := d.SetString(ctx, "k", "v"); !drerr.IsLocked(err) {
			t.Errorf("upgrade beside another reader error = %v, want Locked", err)
		}
		if d.held != flock.Shared || len(d.stack) != 1 {
			t.Errorf("state after failed upgrade = %s/%d, want SH/1", d.held, len(d.stack))
		}

		close(release)
		if err := <-done; err != nil {
			t.Errorf("reader Shared() error = %v", err)
		}

		// The outer scope still excludes writers once the other reader is gone.
		if err := writer.SetString(ctx, "k", "w"); !drerr.IsLocked(err) {
			t.Errorf("write during outer shared scope error = %v, want Locked", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Shared() error = %v", err)
	}

	if err := writer.SetString(ctx, "k", "w"); err != nil {
		t.Errorf("write after scope error = %v", err)
	}
}

func TestHandlePerGoroutineSerializesWrites(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "dict")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := New(root, Options{Timeout: 5 * time.Second, Logger: zerolog.Nop()})
			errs <- d.Exclusive(ctx, func() error {
				v, ok, err := d.GetString(ctx, "count")
				if err != nil {
					return err
				}
				n := 0
				if ok {
					if n, err = strconv.Atoi(v); err != nil {
						return err
					}
				}
				time.Sleep(time.Millisecond)
				return d.SetString(ctx, "count", strconv.Itoa(n+1))
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Exclusive() error = %v", err)
		}
	}

	got, _, err := New(root, Options{Logger: zerolog.Nop()}).GetString(ctx, "count")
	if err != nil {
		t.Fatal(err)
	}
	if got != strconv.Itoa(workers) {
		t.Errorf("count = %s, want %d", got, workers)
	}
}
