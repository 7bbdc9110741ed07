package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/drcloud/drcloud/pkg/conf"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write the layered node configuration",
		Long: `Keys are dotted names such as node.name. A key resolves to the value in the
first layer that has it; writes and deletes go to the writable layer, and a
delete hides the key in every layer below.`,
	}

	cmd.PersistentFlags().StringSlice("layer", nil, "read layers, highest priority first")
	cmd.PersistentFlags().String("writable", "", "writable layer directory")

	cmd.AddCommand(newConfigGetCommand())
	cmd.AddCommand(newConfigSetCommand())
	cmd.AddCommand(newConfigDeleteCommand())
	cmd.AddCommand(newConfigListCommand())

	return cmd
}

func openStore(cmd *cobra.Command) (*conf.Layered, error) {
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("layer") {
		cfg.Layers, _ = cmd.Flags().GetStringSlice("layer")
	}
	stringFlag(cmd, "writable", &cfg.Writable)
	return cfg.Store(conf.LayeredOptions{Timeout: cfg.LockTimeout, Logger: logger}), nil
}

func newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a key's value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			value, ok, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s is not set", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a key in the writable layer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			return store.Set(cmd.Context(), args[0], args[1])
		},
	}
}

func newConfigDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Hide a key in every layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			return store.Delete(cmd.Context(), args[0])
		},
	}
}

func newConfigListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every visible key and value as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			keys, err := store.Keys(ctx)
			if err != nil {
				return err
			}

			var doc yaml.Node
			doc.Kind = yaml.MappingNode
			for _, key := range keys {
				value, ok, err := store.Get(ctx, key)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				doc.Content = append(doc.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: key},
					&yaml.Node{Kind: yaml.ScalarNode, Value: value},
				)
			}
			if len(doc.Content) == 0 {
				return nil
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(&doc); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
