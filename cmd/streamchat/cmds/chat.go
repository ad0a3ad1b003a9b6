package cmds

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/streamchat/pkg/stream"
)

func newChatCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat; /new starts over, /history lists, /quit exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := env.Open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()
			in := cmd.InOrStdin()
			interactive := isInteractive(in)

			if id, err := rt.Session.SessionID(ctx); err == nil && interactive {
				_, _ = fmt.Fprintln(errOut, headerStyle.Render("session "+id))
			}

			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for {
				if interactive {
					_, _ = fmt.Fprint(errOut, "> ")
				}
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())

				switch line {
				case "":
					continue
				case "/quit", "/exit":
					return nil
				case "/new":
					id, err := rt.Session.NewChat(ctx)
					if err != nil {
						printFailure(errOut, err.Error())
						continue
					}
					_, _ = fmt.Fprintln(errOut, headerStyle.Render("new session "+id))
					continue
				case "/history":
					for i, ex := range rt.Session.History() {
						_, _ = fmt.Fprintf(out, "%d. [%s] %s\n", i+1, ex.State, ex.Message)
					}
					continue
				}

				ctxSend, cancel := env.Context(ctx)
				outcome, err := rt.Session.Send(ctxSend, line, stream.HandlerFuncs{
					Token: func(text string) { _, _ = fmt.Fprint(out, text) },
				})
				cancel()
				if err != nil {
					printFailure(errOut, err.Error())
					continue
				}
				_, _ = fmt.Fprintln(out)
				if !outcome.Completed() {
					printFailure(errOut, outcome.Message())
					if ctx.Err() != nil {
						return nil
					}
					continue
				}
				printSources(out, outcome.Sources)
			}
			return errors.Wrap(scanner.Err(), "read input")
		},
	}
}

// isInteractive reports whether r is a terminal. Readers that are not files
// never are.
func isInteractive(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
