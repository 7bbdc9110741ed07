package commands

import (
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/drcloud/drcloud/pkg/provision"
)

func newProvisionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create or remove the bucket a channel lives in",
		Long: `Bucket URLs are file:///path for a local directory or s3://name for an S3
bucket. Both operations are idempotent. The outputs are printed as YAML;
the remote output can be used as an agent's remote.`,
	}

	cmd.PersistentFlags().String("region", "", "region for new S3 buckets")
	cmd.PersistentFlags().Duration("timeout", provision.DefaultTimeout, "how long to wait for the bucket")

	cmd.AddCommand(&cobra.Command{
		Use:   "acquire <bucket-url>",
		Short: "Create the bucket unless it exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd, args[0])
			if err != nil {
				return err
			}
			if err := b.Acquire(cmd.Context()); err != nil {
				return err
			}
			return printOutputs(cmd, b.Outputs())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "release <bucket-url>",
		Short: "Empty and remove the bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd, args[0])
			if err != nil {
				return err
			}
			return b.Release(cmd.Context())
		},
	})

	return cmd
}

func openBackend(cmd *cobra.Command, rawURL string) (provision.Backend, error) {
	_, logger, err := loadConfig(false)
	if err != nil {
		return nil, err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	b, err := provision.New(cmd.Context(), rawURL, provision.Options{Timeout: timeout, Logger: logger})
	if err != nil {
		return nil, err
	}
	if s3, ok := b.(*provision.S3); ok {
		s3.Region, _ = cmd.Flags().GetString("region")
	}
	return b, nil
}

func printOutputs(cmd *cobra.Command, outputs map[string]string) error {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var doc yaml.Node
	doc.Kind = yaml.MappingNode
	for _, k := range keys {
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Value: outputs[k]},
		)
	}
	return yaml.NewEncoder(cmd.OutOrStdout()).Encode(&doc)
}
