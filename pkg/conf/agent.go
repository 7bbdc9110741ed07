package conf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/drcloud/drcloud/pkg/dns"
	"github.com/drcloud/drcloud/pkg/drerr"
)

// ServiceKey is the layered store key naming the node's service, used as the
// channel when none is configured.
const ServiceKey = "service"

// AgentConfig is the node agent's process configuration.
type AgentConfig struct {
	// Spool is the local mailbox directory.
	Spool string `yaml:"spool" env:"DRCLOUD_SPOOL" validate:"required"`

	// Channel is the service channel this node answers on.
	Channel string `yaml:"channel" env:"DRCLOUD_CHANNEL" validate:"omitempty,dns"`

	// Remote is the channel store URL (file://, sftp:// or s3://). Empty
	// disables the transport and leaves the spool to external sync.
	Remote string `yaml:"remote" env:"DRCLOUD_REMOTE" validate:"omitempty,url"`

	// Lifetime is how long one agent run lasts before it ends.
	Lifetime time.Duration `yaml:"lifetime" env:"DRCLOUD_LIFETIME" validate:"gt=0"`

	// LockTimeout bounds acquisition of the mailbox lock.
	LockTimeout time.Duration `yaml:"lock_timeout" env:"DRCLOUD_LOCK_TIMEOUT" validate:"gt=0"`

	// TaskLockTimeout bounds acquisition of a task's named lock.
	TaskLockTimeout time.Duration `yaml:"task_lock_timeout" env:"DRCLOUD_TASK_LOCK_TIMEOUT" validate:"gt=0"`

	// SyncInterval is how often the transport polls the remote store.
	SyncInterval time.Duration `yaml:"sync_interval" env:"DRCLOUD_SYNC_INTERVAL" validate:"gt=0"`

	// Layers are the configuration store read layers, highest priority first.
	Layers []string `yaml:"layers" env:"DRCLOUD_LAYERS" envSeparator:":"`

	// Writable is the configuration store's writable layer.
	Writable string `yaml:"writable" env:"DRCLOUD_WRITABLE"`

	// Hosts is the hosts file network specs are applied to.
	Hosts string `yaml:"hosts" env:"DRCLOUD_HOSTS" validate:"required"`

	// Ledger is the control-plane request store database path.
	Ledger string `yaml:"ledger" env:"DRCLOUD_LEDGER"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LogConfig selects log verbosity and output format.
type LogConfig struct {
	Level  string `yaml:"level" env:"DRCLOUD_LOG_LEVEL" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" env:"DRCLOUD_LOG_FORMAT" validate:"oneof=console json"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"DRCLOUD_METRICS_ENABLED"`
	Address string `yaml:"address" env:"DRCLOUD_METRICS_ADDRESS" validate:"required_if=Enabled true"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" env:"DRCLOUD_TRACING_ENABLED"`
	Exporter string `yaml:"exporter" env:"DRCLOUD_TRACING_EXPORTER" validate:"oneof=stdout otlp none"`
	Endpoint string `yaml:"endpoint" env:"DRCLOUD_TRACING_ENDPOINT"`
}

// DefaultAgentConfig returns the built-in defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Spool:           "/var/spool/drcloud",
		Lifetime:        15 * time.Minute,
		LockTimeout:     200 * time.Millisecond,
		TaskLockTimeout: 10 * time.Second,
		SyncInterval:    5 * time.Second,
		Hosts:           "/etc/hosts",
		Ledger:          "/var/lib/drcloud/ledger.db",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Address: ":9464",
		},
		Tracing: TracingConfig{
			Exporter: "stdout",
		},
	}
}

// LoadAgentConfig builds the configuration from defaults, then the YAML file
// at path (if path is non-empty), then DRCLOUD_* environment variables.
// Command-line flags are applied by the caller before Validate.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return cfg, nil
}

// Validate checks field constraints.
func (c *AgentConfig) Validate() error {
	v := validator.New()
	if err := dns.RegisterValidation(v); err != nil {
		return fmt.Errorf("failed to register validation: %w", err)
	}
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return drerr.Validation(fmt.Sprintf("invalid config field %s", verrs[0].Namespace()), err)
		}
		return drerr.Validation("invalid config", err)
	}
	return nil
}

// Store opens the layered configuration store the config points at.
func (c *AgentConfig) Store(opts LayeredOptions) *Layered {
	if opts.Layers == nil {
		opts.Layers = c.Layers
	}
	if opts.Writable == "" {
		opts.Writable = c.Writable
	}
	return NewLayered(opts)
}

// ResolveChannel fills Channel from the store's service key when unset.
func (c *AgentConfig) ResolveChannel(ctx context.Context, store *Layered) error {
	if c.Channel != "" {
		return nil
	}
	service, ok, err := store.Get(ctx, ServiceKey)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", ServiceKey, err)
	}
	if !ok || service == "" {
		return drerr.Validationf("no channel configured and %s is not set", ServiceKey)
	}
	if err := dns.Check(service); err != nil {
		return err
	}
	c.Channel = service
	return nil
}
