// Package events republishes dispatched stream events on a Watermill topic
// so that other processes can follow a conversation as it happens.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/stream"
)

type Type string

const (
	TypeToken Type = "token"
	TypeDone  Type = "done"
	TypeError Type = "error"
)

// Envelope is the JSON payload of one published event.
type Envelope struct {
	Type      Type               `json:"type"`
	SessionID string             `json:"session_id"`
	StreamID  string             `json:"stream_id"`
	Seq       int                `json:"seq"`
	Text      string             `json:"text,omitempty"`
	Sources   []stream.SourceRef `json:"sources,omitempty"`
	Message   string             `json:"message,omitempty"`
	At        time.Time          `json:"at"`
}

func Decode(payload []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "decode event envelope")
	}
	return e, nil
}

// Sink publishes events to topic. Publish failures are logged and never
// interrupt the stream being observed.
type Sink struct {
	publisher message.Publisher
	topic     string
	logger    zerolog.Logger
}

type SinkOption func(*Sink)

func WithLogger(l zerolog.Logger) SinkOption {
	return func(s *Sink) { s.logger = l }
}

func NewSink(pub message.Publisher, topic string, opts ...SinkOption) *Sink {
	s := &Sink{publisher: pub, topic: topic, logger: log.Logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ForSession returns the handler for one stream of sessionID. Each call
// starts a new stream id and sequence.
func (s *Sink) ForSession(sessionID string) stream.Handler {
	return &streamHandler{
		sink:      s,
		sessionID: sessionID,
		streamID:  uuid.NewString(),
		logger:    s.logger.With().Str("component", "events").Str("session_id", sessionID).Logger(),
	}
}

type streamHandler struct {
	sink      *Sink
	sessionID string
	streamID  string
	logger    zerolog.Logger

	mu  sync.Mutex
	seq int
}

func (h *streamHandler) OnToken(text string) {
	h.publish(Envelope{Type: TypeToken, Text: text})
}

func (h *streamHandler) OnDone(sources []stream.SourceRef) {
	h.publish(Envelope{Type: TypeDone, Sources: sources})
}

func (h *streamHandler) OnError(msg string) {
	h.publish(Envelope{Type: TypeError, Message: msg})
}

func (h *streamHandler) publish(e Envelope) {
	h.mu.Lock()
	h.seq++
	e.Seq = h.seq
	h.mu.Unlock()

	e.SessionID = h.sessionID
	e.StreamID = h.streamID
	e.At = time.Now().UTC()

	b, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn().Err(err).Msg("could not encode event")
		return
	}
	msg := message.NewMessage(uuid.NewString(), b)
	msg.Metadata.Set("session_id", h.sessionID)
	msg.Metadata.Set("type", string(e.Type))
	if err := h.sink.publisher.Publish(h.sink.topic, msg); err != nil {
		h.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("could not publish event")
	}
}
