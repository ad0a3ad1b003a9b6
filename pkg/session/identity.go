// Package session keeps the identifier that correlates this client's
// conversation with the agent's server-side history.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultKey is the store key that holds the active session id.
const DefaultKey = "sessionId"

// Store is the key-value persistence behind an Identity.
type Store interface {
	// Get returns ok=false when the key was never set.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key string, value string) error
}

// Identity hands out the active session id, creating it on first use.
// It is safe for concurrent use.
type Identity struct {
	mu       sync.Mutex
	store    Store
	key      string
	generate func() string
	logger   zerolog.Logger
}

type IdentityOption func(*Identity)

func WithKey(key string) IdentityOption {
	return func(i *Identity) {
		if strings.TrimSpace(key) != "" {
			i.key = key
		}
	}
}

// WithGenerator replaces the random id source, mostly for tests.
func WithGenerator(fn func() string) IdentityOption {
	return func(i *Identity) {
		if fn != nil {
			i.generate = fn
		}
	}
}

func WithLogger(l zerolog.Logger) IdentityOption {
	return func(i *Identity) { i.logger = l }
}

func NewIdentity(store Store, opts ...IdentityOption) *Identity {
	i := &Identity{
		store:    store,
		key:      DefaultKey,
		generate: uuid.NewString,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Identity) Key() string {
	return i.key
}

// Current returns the persisted id, or creates and persists a new one.
func (i *Identity) Current(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	id, ok, err := i.store.Get(ctx, i.key)
	if err != nil {
		return "", errors.Wrapf(err, "read session id %q", i.key)
	}
	if ok && strings.TrimSpace(id) != "" {
		return id, nil
	}

	id = i.generate()
	if err := i.store.Set(ctx, i.key, id); err != nil {
		return "", errors.Wrapf(err, "persist session id %q", i.key)
	}
	i.logger.Debug().Str("component", "session").Str("session_id", id).Msg("created session id")
	return id, nil
}

// Rotate replaces the active id with a fresh one and returns it. The old id
// is not reachable through the Identity afterwards.
func (i *Identity) Rotate(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	previous, _, err := i.store.Get(ctx, i.key)
	if err != nil {
		return "", errors.Wrapf(err, "read session id %q", i.key)
	}

	id := i.generate()
	for attempt := 0; id == previous && attempt < 3; attempt++ {
		id = i.generate()
	}
	if id == previous {
		return "", errors.New("session id generator keeps returning the active id")
	}

	if err := i.store.Set(ctx, i.key, id); err != nil {
		return "", errors.Wrapf(err, "persist session id %q", i.key)
	}
	i.logger.Debug().Str("component", "session").Str("session_id", id).Str("previous_session_id", previous).Msg("rotated session id")
	return id, nil
}
