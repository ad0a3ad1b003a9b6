// Package config loads streamchat settings from the config file, the
// environment (STREAMCHAT_*) and command line flags through viper.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/streamchat/pkg/client"
	"github.com/go-go-golems/streamchat/pkg/persistence/kvstore"
	"github.com/go-go-golems/streamchat/pkg/redisstream"
	"github.com/go-go-golems/streamchat/pkg/session"
	"github.com/go-go-golems/streamchat/pkg/stream"
)

const (
	AppName   = "streamchat"
	EnvPrefix = "STREAMCHAT"
)

// StoreSettings selects where the session id lives.
type StoreSettings struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	Path        string `mapstructure:"path" yaml:"path"`
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	Key         string `mapstructure:"key" yaml:"key"`
	RedisPrefix string `mapstructure:"redis-prefix" yaml:"redis-prefix"`
}

type Settings struct {
	BaseURL         string               `mapstructure:"base-url" yaml:"base-url"`
	Store           StoreSettings        `mapstructure:"store" yaml:"store"`
	Redis           redisstream.Settings `mapstructure:"redis" yaml:"redis"`
	MalformedPolicy string               `mapstructure:"malformed-policy" yaml:"malformed-policy"`
	Timeout         time.Duration        `mapstructure:"timeout" yaml:"timeout"`
	HistoryLimit    int                  `mapstructure:"history-limit" yaml:"history-limit"`
}

// DefaultStorePath is $XDG_CONFIG_HOME/streamchat/session.yaml, falling back
// to the working directory when no config dir can be determined.
func DefaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", AppName, "session.yaml")
	}
	return filepath.Join(dir, AppName, "session.yaml")
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	redis := redisstream.DefaultSettings()

	v.SetDefault("base-url", client.DefaultBaseURL)
	v.SetDefault("store.backend", kvstore.BackendFile)
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.key", session.DefaultKey)
	v.SetDefault("store.redis-prefix", "streamchat:")
	v.SetDefault("redis.enabled", redis.Enabled)
	v.SetDefault("redis.addr", redis.Addr)
	v.SetDefault("redis.group", redis.Group)
	v.SetDefault("redis.consumer", redis.Consumer)
	v.SetDefault("redis.topic", redis.Topic)
	v.SetDefault("malformed-policy", stream.MalformedFail.String())
	v.SetDefault("timeout", time.Duration(0))
	v.SetDefault("history-limit", 20)
}

// Init prepares v for Load: defaults, env binding and the config file
// location. An explicit configFile wins over $HOME/.streamchat/config.yaml.
func Init(v *viper.Viper, configFile string) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		return
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, "."+AppName))
	}
	v.AddConfigPath(".")
}

// Load reads the config file if there is one and decodes the result.
func Load(v *viper.Viper) (*Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate normalizes the backend name and rejects unusable values.
func (s *Settings) Validate() error {
	s.Store.Backend = strings.ToLower(strings.TrimSpace(s.Store.Backend))
	switch s.Store.Backend {
	case kvstore.BackendMemory, kvstore.BackendFile, kvstore.BackendSQLite, kvstore.BackendRedis:
	default:
		return errors.Errorf("unknown store backend %q", s.Store.Backend)
	}
	if s.Store.Backend == kvstore.BackendFile && strings.TrimSpace(s.Store.Path) == "" {
		return errors.New("store.path is required for the file backend")
	}
	if _, err := s.Policy(); err != nil {
		return err
	}
	if s.Timeout < 0 {
		return errors.Errorf("timeout must not be negative, got %s", s.Timeout)
	}
	if s.HistoryLimit < 0 {
		return errors.Errorf("history-limit must not be negative, got %d", s.HistoryLimit)
	}
	return nil
}

func (s *Settings) Policy() (stream.MalformedPolicy, error) {
	return stream.ParseMalformedPolicy(s.MalformedPolicy)
}

// KVStore converts the store section for kvstore.Open.
func (s *Settings) KVStore() kvstore.Settings {
	return kvstore.Settings{
		Backend:     s.Store.Backend,
		Path:        s.Store.Path,
		DSN:         s.Store.DSN,
		RedisAddr:   s.Redis.Addr,
		RedisPrefix: s.Store.RedisPrefix,
	}
}
