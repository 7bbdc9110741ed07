package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/drcloud/drcloud/pkg/channel"
	"github.com/drcloud/drcloud/pkg/conf"
	"github.com/drcloud/drcloud/pkg/ledger"
)

// controlPlane is the ledger plus the remote it delivers to.
type controlPlane struct {
	store   *ledger.SQLiteStore
	remote  channel.Store
	courier *ledger.Courier
}

func openControlPlane(ctx context.Context, cfg *conf.AgentConfig, logger zerolog.Logger) (*controlPlane, error) {
	if cfg.Ledger == "" {
		return nil, fmt.Errorf("no ledger configured")
	}
	if cfg.Remote == "" {
		return nil, fmt.Errorf("no remote configured")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Ledger), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	store, err := ledger.NewSQLiteStore(ledger.Config{Path: cfg.Ledger, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	remote, err := channel.OpenStore(ctx, cfg.Remote, channel.Options{Logger: logger})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &controlPlane{
		store:   store,
		remote:  remote,
		courier: &ledger.Courier{Remote: remote, Ledger: store, Logger: logger},
	}, nil
}

func (cp *controlPlane) board(filter ledger.Filter, logger zerolog.Logger) *ledger.Board {
	return ledger.NewBoard(cp.store, ledger.BoardOptions{
		Filter:  filter,
		Deliver: cp.courier.Deliver,
		Logger:  logger,
	})
}

func (cp *controlPlane) Close() error {
	_ = cp.remote.Close()
	return cp.store.Close()
}

func controlFlags(flags *pflag.FlagSet) {
	flags.String("remote", "", "channel store URL")
	flags.String("ledger", "", "ledger database path")
}
