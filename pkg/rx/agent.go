// Package rx implements the node agent. The agent watches its spool inbox,
// merges envelopes into in-memory state under the mailbox lock, flushes
// locally generated envelopes to the outbox and dispatches new messages.
package rx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/channel"
	"github.com/drcloud/drcloud/pkg/conf"
	"github.com/drcloud/drcloud/pkg/drerr"
	"github.com/drcloud/drcloud/pkg/flock"
	"github.com/drcloud/drcloud/pkg/protocol"
	"github.com/drcloud/drcloud/pkg/runner"
	"github.com/drcloud/drcloud/pkg/telemetry"
)

// State is the lifecycle phase of an Agent.
type State int

const (
	NotStarted State = iota
	Running
	Ended
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// DefaultLifetime is how long one agent run lasts.
	DefaultLifetime = 15 * time.Minute

	// DefaultLockTimeout bounds the wait for the mailbox lock.
	DefaultLockTimeout = 200 * time.Millisecond

	// DefaultTaskLockTimeout bounds the wait for a task's lock.
	DefaultTaskLockTimeout = 10 * time.Second

	// MaxRevisions is how many network revisions a node remembers.
	MaxRevisions = 16

	maxNetMessage = 512
)

// Options configures an Agent.
type Options struct {
	// Spool is the mailbox root holding i/, o/, lock and locks/.
	Spool string

	// Channel is the service channel announcements and replies go to.
	Channel string

	// FQDN and IP are announced in Hello. They default to the lowercased
	// hostname and the address of the default route.
	FQDN string
	IP   string

	// Sender overrides the sender of envelopes the agent creates.
	Sender string

	Lifetime        time.Duration
	LockTimeout     time.Duration
	TaskLockTimeout time.Duration

	// Runner executes tasks. Required to handle Run messages.
	Runner runner.Runner

	// Store receives what a Hi tells the node about itself. Optional.
	Store *conf.Layered

	// Hosts is the hosts file NetSpec names are written to. Empty leaves
	// hosts untouched and only records the network.
	Hosts string

	// Transport, when set, is synced every SyncInterval while the agent
	// runs.
	Transport    *channel.Channel
	SyncInterval time.Duration

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Logger  zerolog.Logger
}

// Agent is a node agent bound to one spool.
type Agent struct {
	opts   Options
	inDir  string
	outDir string
	locks  string
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	started  time.Time
	cycles   int
	inbox    map[uuid.UUID]*protocol.Envelope
	sent     map[uuid.UUID]*protocol.Envelope
	pending  []*protocol.Envelope
	seen     map[uuid.UUID]bool
	rejected map[string]bool
	resumeAt time.Time

	network   protocol.Network
	revisions []uuid.UUID

	posts    *PostQueue
	handlers sync.WaitGroup
}

// New creates an agent in the NotStarted state.
func New(opts Options) (*Agent, error) {
	if opts.Spool == "" {
		return nil, drerr.Validationf("spool directory is required")
	}
	if opts.Channel == "" {
		return nil, drerr.Validationf("channel is required")
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.TaskLockTimeout <= 0 {
		opts.TaskLockTimeout = DefaultTaskLockTimeout
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 5 * time.Second
	}
	if opts.Sender == "" {
		opts.Sender = protocol.DefaultSender("rx")
	}

	return &Agent{
		opts:     opts,
		inDir:    filepath.Join(opts.Spool, "i"),
		outDir:   filepath.Join(opts.Spool, "o"),
		locks:    filepath.Join(opts.Spool, "locks"),
		logger:   opts.Logger.With().Str("component", "rx").Str("spool", opts.Spool).Logger(),
		inbox:    make(map[uuid.UUID]*protocol.Envelope),
		sent:     make(map[uuid.UUID]*protocol.Envelope),
		seen:     make(map[uuid.UUID]bool),
		rejected: make(map[string]bool),
		posts:    NewPostQueue(),
	}, nil
}

// State returns the current lifecycle phase.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Inbox returns a copy of the ingested inbound envelopes.
func (a *Agent) Inbox() map[uuid.UUID]*protocol.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyMap(a.inbox)
}

// Sent returns a copy of the envelopes known to be in the outbox.
func (a *Agent) Sent() map[uuid.UUID]*protocol.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyMap(a.sent)
}

// Pending returns the number of envelopes waiting for the next flush.
func (a *Agent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending) + a.posts.Len()
}

func copyMap(m map[uuid.UUID]*protocol.Envelope) map[uuid.UUID]*protocol.Envelope {
	out := make(map[uuid.UUID]*protocol.Envelope, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Start runs the agent until its lifetime elapses or ctx ends, then waits
// for running handlers and flushes their statuses. Calling Start on a
// running agent returns nil at once.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state == Running {
		a.mu.Unlock()
		return nil
	}
	a.state = Running
	a.started = time.Now()
	a.cycles = 0
	a.resumeAt = time.Time{}
	a.mu.Unlock()

	err := a.run(ctx)

	a.handlers.Wait()
	if _, ferr := a.Sync(context.WithoutCancel(ctx)); ferr != nil {
		a.logger.Warn().Err(ferr).Msg("Final flush failed")
	}

	a.mu.Lock()
	a.state = Ended
	cycles := a.cycles
	a.mu.Unlock()

	a.logger.Info().
		Int("cycles", cycles).
		Dur("elapsed", time.Since(a.started)).
		Dur("lifetime", a.opts.Lifetime).
		Msg("Agent ended")
	return err
}

func (a *Agent) run(ctx context.Context) error {
	for _, dir := range []string{a.inDir, a.outDir, a.locks} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	a.enqueue(protocol.New(a.opts.Channel, a.hello()))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(a.inDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", a.inDir, err)
	}

	loopCtx, cancel := context.WithTimeout(ctx, a.opts.Lifetime)
	defer cancel()

	var transport sync.WaitGroup
	if a.opts.Transport != nil {
		transport.Add(1)
		go func() {
			defer transport.Done()
			a.opts.Transport.Watch(loopCtx, a.opts.SyncInterval, func(r *channel.Report) {
				a.opts.Metrics.RecordTransfers(a.opts.Transport.Name(), len(r.Pulled), len(r.Pushed), len(r.Failed))
			})
		}()
	}
	defer transport.Wait()

	a.logger.Info().
		Str("channel", a.opts.Channel).
		Dur("lifetime", a.opts.Lifetime).
		Msg("Agent started")

	resume := time.NewTimer(time.Hour)
	resume.Stop()
	defer resume.Stop()

	a.cycle(ctx, resume)
	for {
		select {
		case <-loopCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if event.Op&fsnotify.Create == 0 || strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			a.logger.Debug().Str("file", event.Name).Msg("Inbox file created")
			a.cycle(ctx, resume)

		case <-a.posts.Notify():
			a.cycle(ctx, resume)

		case <-resume.C:
			a.logger.Info().Msg("Resuming after chill")
			a.cycle(ctx, resume)

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			a.logger.Error().Err(err).Msg("Inbox watcher error")
		}
	}
}

// cycle syncs and dispatches what arrived, unless the agent is chilling.
func (a *Agent) cycle(ctx context.Context, resume *time.Timer) {
	a.mu.Lock()
	wait := time.Until(a.resumeAt)
	a.mu.Unlock()
	if wait > 0 {
		a.logger.Debug().Dur("remaining", wait).Msg("Chilling, cycle deferred")
		return
	}

	fresh, err := a.Sync(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Sync skipped")
		return
	}
	for _, e := range fresh {
		a.dispatch(ctx, e)
	}

	a.mu.Lock()
	wait = time.Until(a.resumeAt)
	a.mu.Unlock()
	if wait > 0 {
		resume.Reset(wait)
	}
}

// Sync merges the spool into memory and flushes pending envelopes, all
// under the mailbox lock. It returns inbound envelopes not dispatched
// before, oldest first. Failing to take the lock skips the cycle and
// returns the lock error.
func (a *Agent) Sync(ctx context.Context) ([]*protocol.Envelope, error) {
	a.mu.Lock()
	a.cycles++
	cycle := a.cycles
	a.mu.Unlock()

	ctx, span := a.opts.Tracer.StartSyncSpan(ctx, a.opts.Spool, cycle)
	fresh, err := a.sync(ctx)
	telemetry.End(span, err)
	return fresh, err
}

func (a *Agent) sync(ctx context.Context) ([]*protocol.Envelope, error) {
	lock, err := flock.Lock(ctx, filepath.Join(a.opts.Spool, "lock"), flock.Options{
		Flag:    flock.Exclusive,
		Timeout: a.opts.LockTimeout,
	})
	if err != nil {
		a.opts.Metrics.RecordSync("skipped")
		return nil, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to release mailbox lock")
		}
	}()

	if err := lock.Stamp(fmt.Sprintf("pid %d at %s", os.Getpid(), time.Now().UTC().Format(time.RFC3339))); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to stamp mailbox lock")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	arrived, err := a.scan(a.inDir, a.inbox, "in")
	if err != nil {
		a.opts.Metrics.RecordSync("failed")
		return nil, err
	}
	if _, err := a.scan(a.outDir, a.sent, "out"); err != nil {
		a.opts.Metrics.RecordSync("failed")
		return nil, err
	}

	outgoing := append(a.pending, a.posts.Drain()...)
	a.pending = nil
	var retry []*protocol.Envelope
	for _, e := range outgoing {
		if err := a.write(e); err != nil {
			if drerr.IsValidation(err) {
				a.logger.Error().Err(err).Str("envelope", e.String()).Msg("Dropping invalid envelope")
				continue
			}
			a.logger.Warn().Err(err).Str("envelope", e.String()).Msg("Failed to flush envelope")
			retry = append(retry, e)
			continue
		}
		a.sent[e.ID] = e
		a.opts.Metrics.RecordEnvelope("out", e.Type)
	}
	a.posts.Requeue(retry)

	answered := make(map[uuid.UUID]bool)
	for _, e := range a.sent {
		for _, ref := range e.Refs {
			answered[ref] = true
		}
	}
	var fresh []*protocol.Envelope
	for _, e := range arrived {
		if a.seen[e.ID] {
			continue
		}
		a.seen[e.ID] = true
		if answered[e.ID] {
			continue
		}
		fresh = append(fresh, e)
	}

	a.opts.Metrics.RecordSync("ok")
	a.logger.Debug().
		Int("inbox", len(a.inbox)).
		Int("sent", len(a.sent)).
		Int("arrived", len(arrived)).
		Int("flushed", len(outgoing)-len(retry)).
		Msg("Mailbox synced")
	return fresh, nil
}

// scan loads envelopes in dir that are not yet in into. Each file must be
// named by its envelope's id; files that fail to load are logged once and
// ignored afterwards.
func (a *Agent) scan(dir string, into map[uuid.UUID]*protocol.Envelope, direction string) ([]*protocol.Envelope, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var loaded []*protocol.Envelope
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || a.rejected[filepath.Join(dir, name)] {
			continue
		}
		id, err := uuid.Parse(name)
		if err == nil {
			if _, ok := into[id]; ok {
				continue
			}
		}

		e, lerr := load(filepath.Join(dir, name), id, err)
		if lerr != nil {
			a.rejected[filepath.Join(dir, name)] = true
			a.opts.Metrics.RecordRejected()
			a.logger.Warn().Err(lerr).Str("file", filepath.Join(dir, name)).Msg("Skipping invalid envelope")
			continue
		}
		into[e.ID] = e
		loaded = append(loaded, e)
		if direction == "in" {
			a.opts.Metrics.RecordEnvelope(direction, e.Type)
		}
	}

	// Oldest first, so dispatch follows creation order.
	sortByTime(loaded)
	return loaded, nil
}

func load(path string, id uuid.UUID, nameErr error) (*protocol.Envelope, error) {
	if nameErr != nil {
		return nil, drerr.Validation("file name is not an envelope id", nameErr)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	e, err := protocol.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if e.ID != id || id.String() != filepath.Base(path) {
		return nil, drerr.Validationf("envelope id %s does not match file name", e.ID)
	}
	return e, nil
}

// write places e in the outbox via a temp file and rename.
func (a *Agent) write(e *protocol.Envelope) error {
	data, err := protocol.Marshal(e)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(a.opts.Spool, ".post-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", e.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", e.ID, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(a.outDir, e.ID.String())); err != nil {
		return fmt.Errorf("failed to move %s into outbox: %w", e.ID, err)
	}
	return nil
}

// enqueue adds e to pending with the agent's sender.
func (a *Agent) enqueue(e *protocol.Envelope) {
	e.From(a.opts.Sender)
	a.mu.Lock()
	a.pending = append(a.pending, e)
	a.mu.Unlock()
}

// reply enqueues msg on the channel of e, referencing it.
func (a *Agent) reply(e *protocol.Envelope, msg protocol.Message) {
	a.enqueue(protocol.New(e.Channel, msg, e.ID))
}

func (a *Agent) hello() *protocol.Hello {
	fqdn := a.opts.FQDN
	if fqdn == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		fqdn = strings.ToLower(host)
	}
	ip := a.opts.IP
	if ip == "" {
		ip = outboundIP()
	}
	return &protocol.Hello{FQDN: fqdn, IP: ip}
}

// outboundIP returns the local address of the default route. No packet is
// sent.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
