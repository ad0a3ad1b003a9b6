package cmds

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/streamchat/pkg/redisstream"
)

func newEventsCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Work with published stream events",
	}

	var group, consumer string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Follow stream events published by `ask --publish-events`",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s := env.Settings.Redis
			if !s.Enabled {
				return errors.New("events tail needs redis.enabled: the in-memory transport does not cross processes")
			}
			if group != "" {
				s.Group = group
			}
			if consumer != "" {
				s.Consumer = consumer
			}

			tr, err := redisstream.Build(s, log.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			if err := redisstream.EnsureGroupAtTail(ctx, s.Addr, tr.Topic, s.Group); err != nil {
				return err
			}
			msgs, err := tr.Subscriber.Subscribe(ctx, tr.Topic)
			if err != nil {
				return errors.Wrap(err, "subscribe to events")
			}
			log.Info().Str("topic", tr.Topic).Str("group", s.Group).Msg("following events")
			return followEvents(ctx, cmd.OutOrStdout(), msgs, false)
		},
	}
	tail.Flags().StringVar(&group, "group", "", "consumer group (default from config)")
	tail.Flags().StringVar(&consumer, "consumer", "", "consumer name (default from config)")

	cmd.AddCommand(tail)
	return cmd
}
