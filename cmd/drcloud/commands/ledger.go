package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/drcloud/drcloud/pkg/conf"
	"github.com/drcloud/drcloud/pkg/ledger"
	"github.com/drcloud/drcloud/pkg/protocol"
)

func newLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the request ledger",
		Long: `The ledger records every request sent to a channel and every envelope
nodes write back about it. A request's status follows the last terminal
status reported for it.`,
	}

	controlFlags(cmd.PersistentFlags())

	cmd.AddCommand(newLedgerListCommand())
	cmd.AddCommand(newLedgerShowCommand())
	cmd.AddCommand(newLedgerCollectCommand())
	cmd.AddCommand(newLedgerWatchCommand())

	return cmd
}

func openLedgerCommand(cmd *cobra.Command) (*conf.AgentConfig, *controlPlane, error) {
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return nil, nil, err
	}
	stringFlag(cmd, "remote", &cfg.Remote)
	stringFlag(cmd, "ledger", &cfg.Ledger)
	cp, err := openControlPlane(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cp, nil
}

func newLedgerListCommand() *cobra.Command {
	var (
		filter ledger.Filter
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cp, err := openLedgerCommand(cmd)
			if err != nil {
				return err
			}
			defer cp.Close()

			filter.Status = protocol.Status(status)
			requests, err := cp.store.Refresh(cmd.Context(), filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHANNEL\tTYPE\tSTATUS\tSENT\tUPDATED")
			for _, r := range requests {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Channel, r.Type, r.Status,
					r.Timestamp.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&filter.Channel, "channel", "", "only requests to this channel")
	cmd.Flags().StringVar(&filter.Sender, "sender", "", "only requests from this sender")
	cmd.Flags().StringVar(&status, "status", "", "only requests with this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "at most this many requests")

	return cmd
}

func newLedgerShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request and the replies to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid request id: %w", err)
			}
			_, cp, err := openLedgerCommand(cmd)
			if err != nil {
				return err
			}
			defer cp.Close()

			board := cp.board(ledger.Filter{}, cp.courier.Logger)
			if err := board.Refresh(cmd.Context()); err != nil {
				return err
			}
			if err := board.Sync(cmd.Context()); err != nil {
				return err
			}
			req, ok := board.Request(id)
			if !ok {
				return fmt.Errorf("request %s not found", id)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s to %s: %s\n", req.ID, req.Type, req.Channel, req.Status)
			fmt.Fprintf(out, "%s", req.Body)
			printEvents(cmd, board.Events(id))
			return nil
		},
	}
}

func newLedgerCollectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "collect [channel...]",
		Short: "Record replies waiting in channel outboxes",
		Long: `Read <remote>/<channel>/o for each channel and record envelopes the
ledger has not seen. Without arguments, every channel with a request in
the ledger is collected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cp, err := openLedgerCommand(cmd)
			if err != nil {
				return err
			}
			defer cp.Close()

			channels := args
			if len(channels) == 0 {
				if channels, err = knownChannels(cmd, cp); err != nil {
					return err
				}
			}
			n, err := cp.courier.Collect(cmd.Context(), channels...)
			fmt.Fprintf(cmd.OutOrStdout(), "collected %d\n", n)
			return err
		},
	}
}

func newLedgerWatchCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch [channel...]",
		Short: "Collect replies continuously",
		Long: `Collect channel outboxes every interval and log each request whose status
changes, until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cp, err := openLedgerCommand(cmd)
			if err != nil {
				return err
			}
			defer cp.Close()
			logger := cp.courier.Logger
			if interval <= 0 {
				interval = cfg.SyncInterval
			}

			ctx := cmd.Context()
			board := cp.board(ledger.Filter{}, logger)
			done := make(chan error, 1)
			go func() { done <- board.Run(ctx) }()

			last := make(map[uuid.UUID]protocol.Status)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				channels := args
				if len(channels) == 0 {
					if channels, err = knownChannels(cmd, cp); err != nil {
						logger.Warn().Err(err).Msg("Failed to list channels")
					}
				}
				if n, err := cp.courier.Collect(ctx, channels...); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Msg("Collect failed")
				} else if n > 0 {
					logger.Debug().Int("events", n).Msg("Collected replies")
				}

				requests, err := cp.store.Refresh(ctx, ledger.Filter{})
				if err == nil {
					for _, r := range requests {
						if prev, ok := last[r.ID]; ok && prev != r.Status {
							logger.Info().
								Str("request", r.ID.String()).
								Str("channel", r.Channel).
								Str("status", string(r.Status)).
								Msg("Request status changed")
						}
						last[r.ID] = r.Status
					}
				}

				select {
				case <-ctx.Done():
					return <-done
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "collect interval (defaults to the sync interval)")

	return cmd
}

func knownChannels(cmd *cobra.Command, cp *controlPlane) ([]string, error) {
	requests, err := cp.store.Refresh(cmd.Context(), ledger.Filter{})
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	for _, r := range requests {
		set[r.Channel] = true
	}
	channels := make([]string, 0, len(set))
	for name := range set {
		channels = append(channels, name)
	}
	sort.Strings(channels)
	return channels, nil
}
