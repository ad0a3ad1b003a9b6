package cmds

import (
	"github.com/spf13/cobra"
)

func newHealthCommand(env *Env) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the agent health report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := env.Context(cmd.Context())
			defer cancel()
			c, err := env.Client()
			if err != nil {
				return err
			}
			h, err := c.Health(ctx)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), output, h)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format (yaml, json)")
	return cmd
}

func newStatsCommand(env *Env) *cobra.Command {
	var (
		output    string
		documents bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show agent index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := env.Context(cmd.Context())
			defer cancel()
			c, err := env.Client()
			if err != nil {
				return err
			}
			if documents {
				docs, err := c.Documents(ctx)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), output, docs)
			}
			st, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), output, st)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format (yaml, json)")
	cmd.Flags().BoolVar(&documents, "documents", false, "list indexed documents instead")
	return cmd
}
