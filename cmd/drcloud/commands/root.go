package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/drcloud/drcloud/pkg/conf"
	"github.com/drcloud/drcloud/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	logLevel   string
	jsonLogs   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drcloud",
		Short: "Dr. Cloud - mailbox-driven node agent",
		Long: `Dr. Cloud runs tasks on a fleet of nodes without a connection from the
control plane to any node. Requests travel as envelopes through a shared
channel store; each node's agent picks them up from its spool, runs them
under named locks and writes statuses back.

Commands:
  - rx runs the node agent
  - sync moves envelopes between a spool and its channel once
  - send, ledger and provision act on the control-plane side
  - config reads and writes the layered node configuration`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "agent config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "log in JSON format")

	rootCmd.AddCommand(newRxCommand(version))
	rootCmd.AddCommand(newTaskExecCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newSendCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newLedgerCommand())
	rootCmd.AddCommand(newProvisionCommand())

	return rootCmd
}

// loadConfig reads the agent configuration and applies the global flags.
// validate is skipped for commands that only need part of it.
func loadConfig(validate bool) (*conf.AgentConfig, zerolog.Logger, error) {
	cfg, err := conf.LoadAgentConfig(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if jsonLogs {
		cfg.Log.Format = "json"
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, zerolog.Nop(), err
		}
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     "stderr",
		TimeFormat: "rfc3339",
	})
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to create logger: %w", err)
	}
	log.Logger = logger
	return cfg, logger, nil
}

func telemetryConfig(cfg *conf.AgentConfig, version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = cfg.Log.Level
	tc.Logging.Format = cfg.Log.Format
	tc.Tracing.Enabled = cfg.Tracing.Enabled
	tc.Tracing.Exporter = cfg.Tracing.Exporter
	tc.Tracing.Endpoint = cfg.Tracing.Endpoint
	tc.Metrics.Enabled = cfg.Metrics.Enabled
	tc.Metrics.ListenAddress = cfg.Metrics.Address
	return tc
}

// durationFlag overrides *dst when the flag was given.
func durationFlag(cmd *cobra.Command, name string, dst *time.Duration) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetDuration(name)
	}
}

// stringFlag overrides *dst when the flag was given.
func stringFlag(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}
