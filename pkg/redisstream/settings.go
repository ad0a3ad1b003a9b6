package redisstream

import "strings"

// DefaultTopic carries dispatched stream events.
const DefaultTopic = "streamchat.events"

// Settings holds Redis Streams transport configuration for Watermill.
// When Enabled is false an in-process channel is used instead.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Group    string `mapstructure:"group" yaml:"group"`
	Consumer string `mapstructure:"consumer" yaml:"consumer"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "streamchat",
		Consumer: "cli-1",
		Topic:    DefaultTopic,
	}
}

func (s Settings) topic() string {
	if t := strings.TrimSpace(s.Topic); t != "" {
		return t
	}
	return DefaultTopic
}
