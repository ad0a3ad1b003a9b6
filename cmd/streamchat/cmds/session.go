package cmds

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newNewCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Start a new conversation and forget the previous one on the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := env.Context(cmd.Context())
			defer cancel()
			rt, err := env.Open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			id, err := rt.Session.NewChat(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}

func newSessionCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Print the current session id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			id, err := rt.Session.SessionID(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}
