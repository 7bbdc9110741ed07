package rx

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/protocol"
)

// dispatch acts on one newly arrived envelope. It runs in the loop, after
// the mailbox lock is released; Run messages get their own goroutine.
func (a *Agent) dispatch(ctx context.Context, e *protocol.Envelope) {
	logger := a.logger.With().Str("envelope", e.ID.String()).Str("type", e.Type).Logger()

	switch m := e.Data.(type) {
	case *protocol.Run:
		if a.opts.Runner == nil {
			logger.Error().Msg("No runner configured, ignoring run")
			return
		}
		h := &Handler{
			Envelope: e,
			Locks:    a.locks,
			Timeout:  a.opts.TaskLockTimeout,
			Runner:   a.opts.Runner,
			Posts:    a.posts,
			Sender:   a.opts.Sender,
			Metrics:  a.opts.Metrics,
			Tracer:   a.opts.Tracer,
			Logger:   a.logger,
		}
		a.handlers.Add(1)
		go func() {
			defer a.handlers.Done()
			h.Handle(ctx)
		}()

	case *protocol.Chill:
		d := time.Duration(m.Seconds) * time.Second
		a.mu.Lock()
		a.resumeAt = time.Now().Add(d)
		a.mu.Unlock()
		logger.Info().Dur("for", d).Msg("Chilling")

	case *protocol.Hi:
		a.hi(ctx, m, logger)

	case *protocol.NetSpec:
		a.netSpec(ctx, e, m)

	case *protocol.NetReport:
		a.netReport(e, m)

	default:
		logger.Debug().Msg("Ignoring message")
	}
}

func (a *Agent) hi(ctx context.Context, m *protocol.Hi, logger zerolog.Logger) {
	logger.Info().Str("name", m.Name).Str("service", m.Service).Msg("Greeted by control plane")
	if a.opts.Store == nil {
		return
	}
	for _, kv := range [][2]string{
		{"node.name", m.Name},
		{"node.ip", m.IP},
		{"node.service-ip", m.ServiceIP},
	} {
		if err := a.opts.Store.Set(ctx, kv[0], kv[1]); err != nil {
			logger.Error().Err(err).Str("key", kv[0]).Msg("Failed to record node setting")
		}
	}
}

func (a *Agent) netSpec(ctx context.Context, e *protocol.Envelope, m *protocol.NetSpec) {
	status := &protocol.NetStatus{Revision: m.Revision, Status: protocol.NetFinished}

	if a.opts.Hosts != "" {
		hosts := &HostsFile{Path: a.opts.Hosts, Timeout: a.opts.LockTimeout}
		if err := hosts.Apply(ctx, m.Network.Names); err != nil {
			a.logger.Error().Err(err).Str("revision", m.Revision.String()).Msg("Failed to apply network")
			status.Status = protocol.NetFailed
			status.Message = truncate(err.Error(), maxNetMessage)
			a.reply(e, status)
			return
		}
	}

	a.mu.Lock()
	a.network = m.Network
	a.revisions = append(a.revisions, m.Revision)
	if len(a.revisions) > MaxRevisions {
		a.revisions = slices.Clone(a.revisions[len(a.revisions)-MaxRevisions:])
	}
	a.mu.Unlock()

	a.logger.Info().
		Str("revision", m.Revision.String()).
		Int("names", len(m.Network.Names)).
		Msg("Network applied")
	a.reply(e, status)
}

// netReport answers with the revisions applied after since. An unknown or
// zero since reports every remembered revision.
func (a *Agent) netReport(e *protocol.Envelope, m *protocol.NetReport) {
	a.mu.Lock()
	revs := a.revisions
	if i := slices.Index(revs, m.Since); i >= 0 && m.Since != uuid.Nil {
		revs = revs[i+1:]
	}
	state := &protocol.NetState{
		Network:   a.network,
		Revisions: append([]uuid.UUID{}, revs...),
	}
	a.mu.Unlock()

	a.reply(e, state)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sortByTime(es []*protocol.Envelope) {
	slices.SortStableFunc(es, func(x, y *protocol.Envelope) int {
		return x.Timestamp.Compare(y.Timestamp)
	})
}
