package ledger

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BoardOptions configures a Board.
type BoardOptions struct {
	// Filter selects the requests loaded by the initial refresh.
	Filter Filter

	// Wait bounds each AwaitChanges call between syncs.
	Wait time.Duration

	// Deliver, when set, receives requests the store accepted as new.
	Deliver func(ctx context.Context, requests []Request) error

	Logger zerolog.Logger
}

// Board is the control plane's view of requests and their events. Posted
// requests are submitted by the sync loop; when the store reports changes,
// new events are pulled in.
type Board struct {
	store Store
	opts  BoardOptions

	mu       sync.Mutex
	pending  []Request
	requests map[uuid.UUID]Request
	events   map[uuid.UUID]Event
	changed  chan struct{}

	logger zerolog.Logger
}

// NewBoard creates a board over store.
func NewBoard(store Store, opts BoardOptions) *Board {
	if opts.Wait <= 0 {
		opts.Wait = 100 * time.Millisecond
	}
	return &Board{
		store:    store,
		opts:     opts,
		requests: make(map[uuid.UUID]Request),
		events:   make(map[uuid.UUID]Event),
		changed:  make(chan struct{}, 1),
		logger:   opts.Logger.With().Str("component", "board").Logger(),
	}
}

// Post queues requests for the next sync.
func (b *Board) Post(requests ...Request) {
	b.mu.Lock()
	b.pending = append(b.pending, requests...)
	b.mu.Unlock()

	select {
	case b.changed <- struct{}{}:
	default:
	}
}

// Request returns what the board knows of request id.
func (b *Board) Request(id uuid.UUID) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.requests[id]
	return r, ok
}

// Events returns the events referring to request id, in arrival order.
func (b *Board) Events(id uuid.UUID) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.events {
		if e.Request == id {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out
}

// Refresh reloads requests matching the board's filter.
func (b *Board) Refresh(ctx context.Context) error {
	requests, err := b.store.Refresh(ctx, b.opts.Filter)
	if err != nil {
		return fmt.Errorf("failed to refresh requests: %w", err)
	}
	b.mu.Lock()
	for _, r := range requests {
		b.requests[r.ID] = r
	}
	b.mu.Unlock()
	return nil
}

// Sync submits pending requests and merges new events. Requests stay
// pending if the submit fails.
func (b *Board) Sync(ctx context.Context) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	added, events, err := b.store.Submit(ctx, pending)
	if err != nil {
		b.mu.Lock()
		b.pending = append(pending, b.pending...)
		b.mu.Unlock()
		return fmt.Errorf("failed to submit requests: %w", err)
	}

	b.mu.Lock()
	for _, r := range added {
		b.requests[r.ID] = r
	}
	for _, e := range events {
		b.events[e.ID] = e
	}
	b.mu.Unlock()

	if b.opts.Deliver != nil && len(added) > 0 {
		if err := b.opts.Deliver(ctx, added); err != nil {
			b.logger.Warn().Err(err).Int("requests", len(added)).Msg("Delivery incomplete")
		}
	}

	// Statuses live on the stored requests; reload the ones events touched.
	if len(events) > 0 {
		if err := b.Refresh(ctx); err != nil {
			return err
		}
	}

	b.logger.Debug().Int("submitted", len(added)).Int("events", len(events)).Msg("Board synced")
	return nil
}

// Run refreshes once, then syncs whenever requests are posted or the store
// reports changes, until ctx ends.
func (b *Board) Run(ctx context.Context) error {
	if err := b.Refresh(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.changed:
		default:
			changed, err := b.store.AwaitChanges(ctx, b.opts.Wait)
			if err != nil {
				b.logger.Error().Err(err).Msg("Waiting for changes failed")
				select {
				case <-ctx.Done():
				case <-time.After(b.opts.Wait):
				}
				continue
			}
			b.mu.Lock()
			posted := len(b.pending) > 0
			b.mu.Unlock()
			if !changed && !posted {
				continue
			}
		}

		if err := b.Sync(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error().Err(err).Msg("Board sync failed")
		}
	}
}

func sortEvents(es []Event) {
	slices.SortFunc(es, func(a, b Event) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
}
