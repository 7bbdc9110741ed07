package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/protocol"
)

func TestBoardSync(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		delivered []Request
	)
	board := NewBoard(store, BoardOptions{
		Deliver: func(_ context.Context, rs []Request) error {
			mu.Lock()
			defer mu.Unlock()
			delivered = append(delivered, rs...)
			return nil
		},
		Logger: zerolog.Nop(),
	})

	r := newRunRequest(t)
	board.Post(r)
	if err := board.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got, ok := board.Request(r.ID); !ok || got.Status != protocol.StatusWaiting {
		t.Fatalf("Request() = %+v, %v", got, ok)
	}
	if len(delivered) != 1 || delivered[0].ID != r.ID {
		t.Errorf("delivered = %v, want the request", delivered)
	}

	if _, err := store.Record(ctx, []*protocol.Envelope{
		reply(r, protocol.StatusStarted),
		reply(r, protocol.StatusSuccess),
	}); err != nil {
		t.Fatal(err)
	}
	if err := board.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if got, _ := board.Request(r.ID); got.Status != protocol.StatusSuccess {
		t.Errorf("status = %s, want success", got.Status)
	}
	events := board.Events(r.ID)
	if len(events) != 2 || events[0].Seq > events[1].Seq {
		t.Errorf("Events() = %v, want 2 in order", events)
	}
	if len(delivered) != 1 {
		t.Errorf("request delivered %d times", len(delivered))
	}
}

type failingStore struct {
	Store
	fail bool
}

func (s *failingStore) Submit(ctx context.Context, rs []Request) ([]Request, []Event, error) {
	if s.fail {
		return nil, nil, errors.New("database is locked")
	}
	return s.Store.Submit(ctx, rs)
}

func TestBoardKeepsPendingOnFailure(t *testing.T) {
	store := &failingStore{Store: setupTestStore(t), fail: true}
	board := NewBoard(store, BoardOptions{Logger: zerolog.Nop()})

	r := newRunRequest(t)
	board.Post(r)
	if err := board.Sync(context.Background()); err == nil {
		t.Fatal("Sync() should fail")
	}
	if _, ok := board.Request(r.ID); ok {
		t.Error("request known before it was stored")
	}

	store.fail = false
	if err := board.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if _, ok := board.Request(r.ID); !ok {
		t.Error("pending request lost after failed submit")
	}
}

func TestBoardRun(t *testing.T) {
	store := setupTestStore(t)
	existing := newRunRequest(t)
	if _, _, err := store.Submit(context.Background(), []Request{existing}); err != nil {
		t.Fatal(err)
	}

	board := NewBoard(store, BoardOptions{Wait: 10 * time.Millisecond, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- board.Run(ctx) }()

	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				cancel()
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	waitFor("refresh", func() bool {
		_, ok := board.Request(existing.ID)
		return ok
	})

	r := newRunRequest(t)
	board.Post(r)
	waitFor("posted request", func() bool {
		_, ok := board.Request(r.ID)
		return ok
	})

	if _, err := store.Record(context.Background(), []*protocol.Envelope{reply(r, protocol.StatusFailed)}); err != nil {
		t.Fatal(err)
	}
	waitFor("event", func() bool { return len(board.Events(r.ID)) == 1 })
	waitFor("status", func() bool {
		got, _ := board.Request(r.ID)
		return got.Status == protocol.StatusFailed
	})

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
