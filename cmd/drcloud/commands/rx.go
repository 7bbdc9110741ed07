package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drcloud/drcloud/pkg/channel"
	"github.com/drcloud/drcloud/pkg/conf"
	"github.com/drcloud/drcloud/pkg/runner"
	"github.com/drcloud/drcloud/pkg/rx"
	"github.com/drcloud/drcloud/pkg/task"
	"github.com/drcloud/drcloud/pkg/telemetry"
)

func newRxCommand(version string) *cobra.Command {
	var forever bool

	cmd := &cobra.Command{
		Use:   "rx",
		Short: "Run the node agent",
		Long: `Run the node agent against its spool.

The agent announces itself with a Hello, then handles every envelope that
arrives in <spool>/i until its lifetime runs out. Each Run request is
executed in a child process under the request's named lock; statuses are
written to <spool>/o. When a remote is configured the spool is synced with
the channel store while the agent runs.`,
		Example: `  # Run one agent lifetime against the default spool
  drcloud rx

  # Sync a local spool with an S3 channel and restart after each lifetime
  drcloud rx --remote s3://fleet-bucket/channels --channel web.example.com --forever`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			stringFlag(cmd, "spool", &cfg.Spool)
			stringFlag(cmd, "channel", &cfg.Channel)
			stringFlag(cmd, "remote", &cfg.Remote)
			durationFlag(cmd, "lifetime", &cfg.Lifetime)
			durationFlag(cmd, "sync-interval", &cfg.SyncInterval)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			store := cfg.Store(conf.LayeredOptions{Logger: logger})
			if err := cfg.ResolveChannel(ctx, store); err != nil {
				return err
			}

			tel, err := telemetry.New(telemetryConfig(cfg, version))
			if err != nil {
				return fmt.Errorf("failed to set up telemetry: %w", err)
			}
			defer func() {
				if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
					logger.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()
			go func() {
				if err := tel.Metrics.Serve(ctx, logger); err != nil {
					logger.Error().Err(err).Msg("Metrics endpoint failed")
				}
			}()

			var transport *channel.Channel
			if cfg.Remote != "" {
				transport, err = channel.Open(ctx, cfg.Spool, cfg.Channel, cfg.Remote, channel.Options{
					LockTimeout: cfg.LockTimeout,
					Logger:      logger,
				})
				if err != nil {
					return err
				}
				defer transport.Close()
			}

			agent, err := rx.New(rx.Options{
				Spool:           cfg.Spool,
				Channel:         cfg.Channel,
				Lifetime:        cfg.Lifetime,
				LockTimeout:     cfg.LockTimeout,
				TaskLockTimeout: cfg.TaskLockTimeout,
				Runner: &runner.Process{
					MaxLines: task.MaxLines,
					Logger:   logger,
				},
				Store:        store,
				Hosts:        cfg.Hosts,
				Transport:    transport,
				SyncInterval: cfg.SyncInterval,
				Metrics:      tel.Metrics,
				Tracer:       tel.Tracer,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			for {
				err := agent.Start(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					return err
				}
				if !forever {
					return nil
				}
				logger.Info().Msg("Agent lifetime ended, restarting")
			}
		},
	}

	cmd.Flags().String("spool", "", "mailbox directory")
	cmd.Flags().String("channel", "", "service channel (defaults to the configured service)")
	cmd.Flags().String("remote", "", "channel store URL (file://, sftp:// or s3://)")
	cmd.Flags().Duration("lifetime", 0, "how long one agent run lasts")
	cmd.Flags().Duration("sync-interval", 0, "how often the remote is polled")
	cmd.Flags().BoolVar(&forever, "forever", false, "start a new agent run when one ends")

	return cmd
}

func newTaskExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "task-exec",
		Short:  "Serve one task on stdin/stdout (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			return runner.Serve(cmd.Context(), os.Stdin, os.Stdout, runner.ServeOptions{
				Logger: logger.With().Str("component", "task-exec").Logger(),
			})
		},
	}
}

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync a spool with its channel once",
		Long: `Pull unseen envelopes from <remote>/<channel>/i into <spool>/i and push
unseen envelopes from <spool>/o to <remote>/<channel>/o.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			stringFlag(cmd, "spool", &cfg.Spool)
			stringFlag(cmd, "channel", &cfg.Channel)
			stringFlag(cmd, "remote", &cfg.Remote)
			if cfg.Remote == "" {
				return fmt.Errorf("no remote configured")
			}

			ctx := cmd.Context()
			if err := cfg.ResolveChannel(ctx, cfg.Store(conf.LayeredOptions{Logger: logger})); err != nil {
				return err
			}
			ch, err := channel.Open(ctx, cfg.Spool, cfg.Channel, cfg.Remote, channel.Options{
				LockTimeout: cfg.LockTimeout,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer ch.Close()

			report, err := ch.Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pulled %d, pushed %d, failed %d\n",
				len(report.Pulled), len(report.Pushed), len(report.Failed))
			return report.Err()
		},
	}

	cmd.Flags().String("spool", "", "mailbox directory")
	cmd.Flags().String("channel", "", "service channel")
	cmd.Flags().String("remote", "", "channel store URL")

	return cmd
}
