package ledger

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/channel"
	"github.com/drcloud/drcloud/pkg/drerr"
	"github.com/drcloud/drcloud/pkg/protocol"
)

// Courier is the control-plane end of channels: it writes requests into
// each channel's inbound prefix on the remote store and records what nodes
// leave in the outbound prefix.
type Courier struct {
	Remote channel.Store
	Ledger *SQLiteStore
	Logger zerolog.Logger
}

// Deliver puts each request's envelope at <channel>/i/<id>. Failures are
// per request; the rest are still delivered.
func (c *Courier) Deliver(ctx context.Context, requests []Request) error {
	var errs []error
	for _, r := range requests {
		key := path.Join(r.Channel, "i", r.ID.String())
		if _, err := c.Remote.Put(ctx, key, r.Body); err != nil {
			errs = append(errs, drerr.Transfer(key, err))
			continue
		}
		c.Logger.Debug().Str("request", r.ID.String()).Str("channel", r.Channel).Msg("Request delivered")
	}
	return errors.Join(errs...)
}

// Collect records every envelope under <channel>/o/ not yet in the ledger
// and returns how many were new. Objects that fail to load are logged and
// skipped.
func (c *Courier) Collect(ctx context.Context, channels ...string) (int, error) {
	total := 0
	for _, name := range channels {
		objects, err := c.Remote.List(ctx, path.Join(name, "o"))
		if err != nil {
			return total, fmt.Errorf("failed to list %s outbox: %w", name, err)
		}

		var fresh []*protocol.Envelope
		for _, obj := range objects {
			id, err := uuid.Parse(obj.Name)
			if err != nil {
				continue
			}
			known, err := c.Ledger.Known(ctx, id)
			if err != nil {
				return total, err
			}
			if known {
				continue
			}

			data, _, err := c.Remote.Get(ctx, path.Join(name, "o", obj.Name))
			if err != nil {
				c.Logger.Warn().Err(err).Str("object", obj.Name).Msg("Failed to fetch node envelope")
				continue
			}
			e, err := protocol.Unmarshal(data)
			if err != nil {
				c.Logger.Warn().Err(err).Str("object", obj.Name).Msg("Skipping invalid node envelope")
				continue
			}
			fresh = append(fresh, e)
		}

		n, err := c.Ledger.Record(ctx, fresh)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
