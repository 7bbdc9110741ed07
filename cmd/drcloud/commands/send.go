package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/drcloud/drcloud/pkg/ledger"
	"github.com/drcloud/drcloud/pkg/protocol"
	"github.com/drcloud/drcloud/pkg/task"
)

// typePrefix qualifies short message type names.
const typePrefix = "drcloud."

func newSendCommand() *cobra.Command {
	var (
		lock, label string
		wait        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <type> [payload | -- word args...]",
		Short: "Send a message to a channel",
		Long: `Record a request in the ledger and deliver it to <remote>/<channel>/i.

The type is a message type name such as Run, Chill, Hi, NetSpec or
NetReport. The payload is the message as JSON. A Run can instead be given
as a single command after --.`,
		Example: `  # Run a command on every node of a service
  drcloud send Run --channel web.example.com -- systemctl restart nginx

  # Ask nodes to pause for a minute
  drcloud send Chill '{"seconds": 60}' --channel web.example.com

  # Run and wait for the final status
  drcloud send Run --wait 2m -- /usr/bin/uptime`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			stringFlag(cmd, "channel", &cfg.Channel)
			stringFlag(cmd, "remote", &cfg.Remote)
			stringFlag(cmd, "ledger", &cfg.Ledger)
			if cfg.Channel == "" {
				return fmt.Errorf("no channel given")
			}

			var payload string
			var words []string
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				words = args[dash:]
				args = args[:dash]
			}
			if len(args) > 2 {
				return fmt.Errorf("expected a type and at most one payload")
			}
			if len(args) == 2 {
				payload = args[1]
			}
			msg, err := buildMessage(args[0], payload, words, lock, label)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			cp, err := openControlPlane(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cp.Close()

			e := protocol.New(cfg.Channel, msg).From(protocol.DefaultSender("drc"))
			req, err := ledger.NewRequest(e)
			if err != nil {
				return err
			}
			board := cp.board(ledger.Filter{Channel: cfg.Channel}, logger)
			board.Post(req)
			if err := board.Sync(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), e.ID)

			if wait <= 0 {
				return nil
			}
			return awaitRequest(ctx, cmd, cp, board, e.ID, cfg.Channel, wait, logger)
		},
	}

	cmd.Flags().String("channel", "", "destination channel")
	controlFlags(cmd.Flags())
	cmd.Flags().StringVar(&lock, "lock", "", "lock for a Run given after --")
	cmd.Flags().StringVar(&label, "label", "", "label for a Run given after --")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait this long for a final status")

	return cmd
}

// buildMessage makes the message for send. A Run without a UUID gets a
// fresh one.
func buildMessage(kind, payload string, words []string, lock, label string) (protocol.Message, error) {
	name := kind
	if !strings.Contains(name, ".") {
		name = typePrefix + name
	}

	var (
		msg protocol.Message
		err error
	)
	switch {
	case payload != "" && len(words) > 0:
		return nil, fmt.Errorf("give either a payload or a command, not both")
	case len(words) > 0:
		if name != typePrefix+"Run" {
			return nil, fmt.Errorf("a command can only be sent as Run, not %s", kind)
		}
		msg = &protocol.Run{Task: task.Task{
			Code:  []task.Cmd{task.Command(words[0], words[1:]...)},
			Lock:  lock,
			Label: label,
		}}
	case payload != "":
		msg, err = protocol.DefaultCatalog.Decode(name, []byte(payload))
	default:
		msg, err = protocol.DefaultCatalog.Decode(name, []byte("{}"))
	}
	if err != nil {
		return nil, err
	}

	if run, ok := msg.(*protocol.Run); ok && run.UUID == uuid.Nil {
		run.UUID = uuid.New()
	}
	return msg, nil
}

// awaitRequest collects replies until the request reaches a terminal status
// or wait runs out, then prints the status and captured output.
func awaitRequest(ctx context.Context, cmd *cobra.Command, cp *controlPlane, board *ledger.Board, id uuid.UUID, channelName string, wait time.Duration, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if _, err := cp.courier.Collect(ctx, channelName); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("Collect failed")
		}
		if err := board.Sync(ctx); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("Ledger sync failed")
		}
		if req, ok := board.Request(id); ok && req.Status.Terminal() {
			printEvents(cmd, board.Events(id))
			fmt.Fprintln(cmd.OutOrStdout(), req.Status)
			if req.Status != protocol.StatusSuccess {
				return fmt.Errorf("request %s %s", id, req.Status)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("request %s did not finish within %s", id, wait)
		case <-ticker.C:
		}
	}
}

func printEvents(cmd *cobra.Command, events []ledger.Event) {
	out := cmd.OutOrStdout()
	for _, ev := range events {
		e, err := ev.Envelope()
		if err != nil {
			continue
		}
		status, ok := e.Data.(*protocol.RunStatus)
		if !ok {
			fmt.Fprintf(out, "%s %s %s\n", ev.Timestamp.Format(time.RFC3339), e.Sender, e.Type)
			continue
		}
		for _, l := range status.O {
			fmt.Fprintf(out, "%s %s | %s\n", l.T.Format(time.RFC3339), e.Sender, l.S)
		}
		for _, l := range status.E {
			fmt.Fprintf(out, "%s %s ! %s\n", l.T.Format(time.RFC3339), e.Sender, l.S)
		}
		if status.Message != "" {
			fmt.Fprintf(out, "%s %s: %s\n", e.Sender, status.Status, status.Message)
		}
	}
}
