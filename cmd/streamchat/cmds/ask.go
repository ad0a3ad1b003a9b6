package cmds

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/events"
	"github.com/go-go-golems/streamchat/pkg/redisstream"
	"github.com/go-go-golems/streamchat/pkg/stream"
)

type askSettings struct {
	NoStream      bool
	Markdown      bool
	Copy          bool
	Stats         bool
	PublishEvents bool
}

func newAskCommand(env *Env) *cobra.Command {
	s := &askSettings{}
	cmd := &cobra.Command{
		Use:   "ask MESSAGE...",
		Short: "Send one message and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, env, s, strings.Join(args, " "))
		},
	}
	f := cmd.Flags()
	f.BoolVar(&s.NoStream, "no-stream", false, "use the non-streaming endpoint")
	f.BoolVar(&s.Markdown, "markdown", false, "render the final answer as markdown")
	f.BoolVar(&s.Copy, "copy", false, "copy the final answer to the clipboard")
	f.BoolVar(&s.Stats, "stats", false, "print token statistics of the answer")
	f.BoolVar(&s.PublishEvents, "publish-events", false, "publish stream events to the events topic")
	// the non-streaming endpoint produces no stream events
	cmd.MarkFlagsMutuallyExclusive("no-stream", "publish-events")
	return cmd
}

func runAsk(cmd *cobra.Command, env *Env, s *askSettings, message string) error {
	ctx, cancel := env.Context(cmd.Context())
	defer cancel()
	out := cmd.OutOrStdout()

	var opts []chat.Option
	g, gctx := errgroup.WithContext(ctx)
	printerCtx, stopPrinter := context.WithCancel(gctx)
	defer stopPrinter()

	if s.PublishEvents {
		tr, err := redisstream.Build(env.Settings.Redis, log.Logger)
		if err != nil {
			return err
		}
		defer func() { _ = tr.Close() }()

		sink := events.NewSink(tr.Publisher, tr.Topic, events.WithLogger(log.Logger))
		opts = append(opts, chat.WithHandler(sink.ForSession))

		// Without Redis nobody else can see the events, so mirror them here.
		if !env.Settings.Redis.Enabled {
			msgs, err := tr.Subscriber.Subscribe(printerCtx, tr.Topic)
			if err != nil {
				return errors.Wrap(err, "subscribe to events")
			}
			g.Go(func() error {
				return followEvents(printerCtx, cmd.ErrOrStderr(), msgs, true)
			})
		}
	}

	rt, err := env.Open(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	var answer string
	if s.NoStream {
		resp, err := rt.Session.Ask(ctx, message)
		stopPrinter()
		if err != nil {
			return err
		}
		answer = resp.Answer
		if !s.Markdown {
			_, _ = fmt.Fprintln(out, answer)
		}
		printSources(out, documentsAsSources(resp.Sources))
	} else {
		h := stream.HandlerFuncs{
			Token: func(text string) {
				if !s.Markdown {
					_, _ = fmt.Fprint(out, text)
				}
			},
		}
		outcome, err := rt.Session.Send(ctx, message, h)
		if err != nil {
			stopPrinter()
			return err
		}
		// the printer stops on its own after the terminal event
		time.AfterFunc(2*time.Second, stopPrinter)
		if werr := g.Wait(); werr != nil {
			log.Warn().Err(werr).Msg("event printer failed")
		}
		if !s.Markdown {
			_, _ = fmt.Fprintln(out)
		}
		if !outcome.Completed() {
			printFailure(cmd.ErrOrStderr(), outcome.Message())
			return errors.Wrap(outcome.Err, "stream failed")
		}
		answer = outcome.Text
		printSources(out, outcome.Sources)
	}

	return finishAnswer(out, s, answer)
}

func finishAnswer(out io.Writer, s *askSettings, answer string) error {
	if s.Markdown {
		styled, err := renderMarkdown(answer)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprint(out, styled)
	}
	if s.Copy {
		if err := clipboard.WriteAll(strings.TrimSpace(answer)); err != nil {
			return errors.Wrap(err, "copy answer to clipboard")
		}
	}
	if s.Stats {
		return printStats(out, answer)
	}
	return nil
}

// followEvents prints events until ctx ends or, with once set, after the
// first terminal event.
func followEvents(ctx context.Context, w io.Writer, msgs <-chan *message.Message, once bool) error {
	p := &eventPrinter{w: w}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			e, err := events.Decode(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("message_id", msg.UUID).Msg("skipping undecodable event")
				msg.Ack()
				continue
			}
			p.print(e)
			// acking releases the publisher, so the next event is printed after this one
			msg.Ack()
			if once && (e.Type == events.TypeDone || e.Type == events.TypeError) {
				return nil
			}
		}
	}
}
