// Package chat ties the session id, the HTTP transport and the stream
// machinery into one conversation.
package chat

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/client"
	"github.com/go-go-golems/streamchat/pkg/session"
	"github.com/go-go-golems/streamchat/pkg/stream"
)

// Transport is the part of client.Client a Session needs.
type Transport interface {
	OpenStream(ctx context.Context, req client.OutboundRequest) (io.ReadCloser, error)
	Chat(ctx context.Context, req client.OutboundRequest) (*client.ChatResponse, error)
	ClearSession(ctx context.Context, sessionID string) (*client.SessionClearResponse, error)
}

// HandlerFactory builds an extra handler for one stream of sessionID.
type HandlerFactory func(sessionID string) stream.Handler

// Exchange is one message and how it ended.
type Exchange struct {
	SessionID string
	Message   string
	Answer    string
	Sources   []stream.SourceRef
	State     stream.State
	Err       string
	At        time.Time
}

const (
	DefaultHistoryLimit = 20
	clearTimeout        = 10 * time.Second
)

type Session struct {
	transport Transport
	identity  *session.Identity
	logger    zerolog.Logger
	policy    stream.MalformedPolicy
	extra     []HandlerFactory
	limit     int

	mu      sync.Mutex
	history []Exchange
	// ids left behind by NewChat; late exchanges for them are not kept
	retired map[string]struct{}

	clears sync.WaitGroup
}

type Option func(*Session)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMalformedPolicy(p stream.MalformedPolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithHandler feeds every stream of the session to an additional handler.
func WithHandler(f HandlerFactory) Option {
	return func(s *Session) {
		if f != nil {
			s.extra = append(s.extra, f)
		}
	}
}

// WithHistoryLimit caps the number of exchanges kept; n <= 0 keeps none.
func WithHistoryLimit(n int) Option {
	return func(s *Session) { s.limit = n }
}

func New(c Transport, id *session.Identity, opts ...Option) *Session {
	s := &Session{
		transport: c,
		identity:  id,
		logger:    log.Logger,
		policy:    stream.MalformedFail,
		limit:     DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) SessionID(ctx context.Context) (string, error) {
	return s.identity.Current(ctx)
}

// Send streams the answer to message into h and returns the terminal
// outcome. Failures of the exchange itself, including a rejected request,
// reach h.OnError and the outcome; the error is only set when nothing was
// sent because the request could not be built.
func (s *Session) Send(ctx context.Context, message string, h stream.Handler) (stream.Outcome, error) {
	id, err := s.identity.Current(ctx)
	if err != nil {
		return stream.Outcome{}, errors.Wrap(err, "resolve session id")
	}
	req, err := client.NewOutboundRequest(id, message)
	if err != nil {
		return stream.Outcome{}, err
	}

	logger := s.logger.With().Str("component", "chat").Str("session_id", id).Logger()
	handlers := stream.MultiHandler{h}
	for _, f := range s.extra {
		handlers = append(handlers, f(id))
	}
	d := stream.NewDispatcher(handlers, stream.WithDispatcherLogger(logger))
	d.Open()

	body, err := s.transport.OpenStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			d.Cancel(context.Cause(ctx))
		} else {
			d.OnTransportError(err)
		}
		out, _ := d.Outcome()
		logger.Debug().Err(err).Msg("stream request failed")
		s.record(id, req.Message, out)
		return out, nil
	}

	parser := stream.NewParser(stream.WithMalformedPolicy(s.policy), stream.WithParserLogger(logger))
	out := stream.Pump(ctx, body, parser, d)
	if n := d.Violations(); n > 0 {
		logger.Warn().Int("violations", n).Msg("stream had events after its terminal frame")
	}
	logger.Debug().Str("state", out.State.String()).Int("chars", len(out.Text)).Msg("stream closed")
	s.record(id, req.Message, out)
	return out, nil
}

// Ask is the non-streaming exchange.
func (s *Session) Ask(ctx context.Context, message string) (*client.ChatResponse, error) {
	id, err := s.identity.Current(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve session id")
	}
	req, err := client.NewOutboundRequest(id, message)
	if err != nil {
		return nil, err
	}
	resp, err := s.transport.Chat(ctx, req)
	if err != nil {
		s.append(Exchange{SessionID: id, Message: req.Message, State: stream.StateErrored, Err: err.Error(), At: time.Now()})
		return nil, err
	}

	sources := make([]stream.SourceRef, 0, len(resp.Sources))
	for _, doc := range resp.Sources {
		score := doc.RelevanceScore
		ref := stream.SourceRef{Source: doc.SourceFile, Score: &score, Content: doc.Content}
		if doc.Category != "" {
			ref.Extra = map[string]any{"category": doc.Category}
		}
		sources = append(sources, ref)
	}
	s.append(Exchange{
		SessionID: id,
		Message:   req.Message,
		Answer:    resp.Answer,
		Sources:   sources,
		State:     stream.StateCompleted,
		At:        time.Now(),
	})
	return resp, nil
}

// NewChat switches to a fresh session id and returns it. The agent is asked
// to forget the previous id in the background; failures are only logged.
func (s *Session) NewChat(ctx context.Context) (string, error) {
	previous, err := s.identity.Current(ctx)
	if err != nil {
		return "", errors.Wrap(err, "resolve session id")
	}
	next, err := s.identity.Rotate(ctx)
	if err != nil {
		return "", errors.Wrap(err, "rotate session id")
	}

	s.mu.Lock()
	s.history = nil
	if s.retired == nil {
		s.retired = map[string]struct{}{}
	}
	s.retired[previous] = struct{}{}
	s.mu.Unlock()

	logger := s.logger.With().Str("component", "chat").Str("session_id", previous).Logger()
	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
	s.clears.Add(1)
	go func() {
		defer s.clears.Done()
		defer cancel()
		resp, err := s.transport.ClearSession(clearCtx, previous)
		if err != nil {
			logger.Warn().Err(err).Msg("could not clear previous session")
			return
		}
		logger.Debug().Str("reply", resp.Message).Msg("previous session cleared")
	}()

	logger.Info().Str("next_session_id", next).Msg("started new chat")
	return next, nil
}

// Wait blocks until background session clears have finished.
func (s *Session) Wait() {
	s.clears.Wait()
}

// History returns a copy of the exchanges of the current session, oldest first.
func (s *Session) History() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Exchange(nil), s.history...)
}

func (s *Session) record(id string, message string, out stream.Outcome) {
	ex := Exchange{
		SessionID: id,
		Message:   message,
		Answer:    out.Text,
		Sources:   out.Sources,
		State:     out.State,
		Err:       out.Message(),
		At:        time.Now(),
	}
	s.append(ex)
}

func (s *Session) append(ex Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit <= 0 {
		return
	}
	if _, ok := s.retired[ex.SessionID]; ok {
		s.logger.Debug().Str("session_id", ex.SessionID).Msg("dropping exchange of a previous session")
		return
	}
	s.history = append(s.history, ex)
	if len(s.history) > s.limit {
		s.history = append([]Exchange(nil), s.history[len(s.history)-s.limit:]...)
	}
}
