package cmds

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/streamchat/pkg/devserver"
)

func newServeDevCommand(_ *Env) *cobra.Command {
	var (
		addr      string
		wordDelay time.Duration
		documents []string
	)
	cmd := &cobra.Command{
		Use:   "serve-dev",
		Short: "Run a local echo agent that speaks the streaming protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev := devserver.New(
				devserver.WithWordDelay(wordDelay),
				devserver.WithDocuments(documents...),
				devserver.WithLogger(log.Logger.With().Str("component", "devserver").Logger()),
			)
			srv := &http.Server{
				Addr:              addr,
				Handler:           dev.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				log.Info().Str("addr", addr).Msg("dev agent listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.Wrap(err, "serve")
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	cmd.Flags().DurationVar(&wordDelay, "word-delay", 50*time.Millisecond, "pause between streamed words")
	cmd.Flags().StringSliceVar(&documents, "document", []string{"getting-started.md"}, "document names reported as indexed")
	return cmd
}
