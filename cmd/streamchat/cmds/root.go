package cmds

import (
	"context"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/client"
	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/persistence/kvstore"
	"github.com/go-go-golems/streamchat/pkg/session"
)

// Env is what every subcommand sees once the root command parsed flags
// and loaded the configuration.
type Env struct {
	Viper    *viper.Viper
	Settings *config.Settings
}

func NewRootCommand() *cobra.Command {
	env := &Env{Viper: viper.New()}

	var (
		configFile string
		logLevel   string
		logFormat  string
		withCaller bool
	)

	rootCmd := &cobra.Command{
		Use:           "streamchat",
		Short:         "streamchat talks to a streaming support agent",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := InitLogger(logLevel, logFormat, withCaller); err != nil {
				return err
			}
			config.Init(env.Viper, configFile)
			s, err := config.Load(env.Viper)
			if err != nil {
				return err
			}
			env.Settings = s
			log.Debug().Str("config_file", env.Viper.ConfigFileUsed()).Str("base_url", s.BaseURL).Msg("configuration loaded")
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default $HOME/.streamchat/config.yaml)")
	pf.StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	pf.BoolVar(&withCaller, "with-caller", false, "log caller information")

	pf.String("base-url", client.DefaultBaseURL, "agent base URL")
	pf.String("store", kvstore.BackendFile, "session store backend (memory, file, sqlite, redis)")
	pf.String("store-path", config.DefaultStorePath(), "session store file for the file and sqlite backends")
	pf.Duration("timeout", 0, "abort a request after this long (0 disables)")
	pf.String("malformed-policy", "fail", "what to do with undecodable stream lines (fail, skip)")
	pf.Bool("redis", false, "use Redis Streams for stream events")
	pf.String("redis-addr", "localhost:6379", "Redis address host:port")

	for key, flag := range map[string]string{
		"base-url":         "base-url",
		"store.backend":    "store",
		"store.path":       "store-path",
		"timeout":          "timeout",
		"malformed-policy": "malformed-policy",
		"redis.enabled":    "redis",
		"redis.addr":       "redis-addr",
	} {
		cobra.CheckErr(env.Viper.BindPFlag(key, pf.Lookup(flag)))
	}

	rootCmd.AddCommand(
		newAskCommand(env),
		newChatCommand(env),
		newNewCommand(env),
		newSessionCommand(env),
		newHealthCommand(env),
		newStatsCommand(env),
		newEventsCommand(env),
		newServeDevCommand(env),
	)
	return rootCmd
}

// InitLogger configures the global zerolog logger. Text output uses the
// console writer, colored only when stderr is a terminal.
func InitLogger(level string, format string, withCaller bool) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer
	switch format {
	case "", "text":
		w = zerolog.ConsoleWriter{Out: os.Stderr, NoColor: !isatty.IsTerminal(os.Stderr.Fd())}
	case "json":
		w = os.Stderr
	default:
		return errors.Errorf("unknown log format %q", format)
	}

	ctx := zerolog.New(w).With().Timestamp()
	if withCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}

// Context bounds parent by the configured timeout.
func (e *Env) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if e.Settings != nil && e.Settings.Timeout > 0 {
		return context.WithTimeout(parent, e.Settings.Timeout)
	}
	return context.WithCancel(parent)
}

func (e *Env) Client() (*client.Client, error) {
	return client.New(e.Settings.BaseURL, client.WithLogger(log.Logger))
}

// Runtime is an opened conversation with the resources behind it.
type Runtime struct {
	Client  *client.Client
	Store   kvstore.Store
	Session *chat.Session
}

func (e *Env) Open(ctx context.Context, opts ...chat.Option) (*Runtime, error) {
	s := e.Settings
	c, err := e.Client()
	if err != nil {
		return nil, err
	}
	store, err := kvstore.Open(ctx, s.KVStore())
	if err != nil {
		return nil, errors.Wrap(err, "open session store")
	}
	policy, err := s.Policy()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	id := session.NewIdentity(store, session.WithKey(s.Store.Key), session.WithLogger(log.Logger))
	base := []chat.Option{
		chat.WithLogger(log.Logger),
		chat.WithMalformedPolicy(policy),
		chat.WithHistoryLimit(s.HistoryLimit),
	}
	return &Runtime{
		Client:  c,
		Store:   store,
		Session: chat.New(c, id, append(base, opts...)...),
	}, nil
}

// Close waits for background work of the session and releases the store.
func (r *Runtime) Close() error {
	r.Session.Wait()
	return r.Store.Close()
}
