// Package kvstore provides the key-value backends that hold the local
// session id: in-memory, a YAML file, SQLite and Redis.
package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/streamchat/pkg/session"
)

// Store is a session.Store that owns resources.
type Store interface {
	session.Store
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Settings selects and configures a backend.
type Settings struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the file for the file backend and the database file for sqlite.
	Path string `mapstructure:"path" yaml:"path"`
	// DSN overrides Path for sqlite.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// RedisAddr is host:port for the redis backend.
	RedisAddr string `mapstructure:"redis-addr" yaml:"redis-addr"`
	// RedisPrefix namespaces keys in a shared redis.
	RedisPrefix string `mapstructure:"redis-prefix" yaml:"redis-prefix"`
}

// Open builds the backend described by s.
func Open(ctx context.Context, s Settings) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case "", BackendFile:
		if strings.TrimSpace(s.Path) == "" {
			return nil, errors.New("file store: empty path")
		}
		if err := ensureDir(s.Path); err != nil {
			return nil, err
		}
		return NewFileStore(s.Path), nil
	case BackendSQLite:
		dsn := strings.TrimSpace(s.DSN)
		if dsn == "" {
			if err := ensureDir(s.Path); err != nil {
				return nil, err
			}
			var err error
			dsn, err = SQLiteDSNForFile(strings.TrimSpace(s.Path))
			if err != nil {
				return nil, err
			}
		}
		return NewSQLiteStore(dsn)
	case BackendRedis:
		return NewRedisStore(ctx, s.RedisAddr, s.RedisPrefix)
	default:
		return nil, errors.Errorf("unknown store backend %q", s.Backend)
	}
}

func ensureDir(path string) error {
	if dir := filepath.Dir(strings.TrimSpace(path)); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create store dir")
		}
	}
	return nil
}
