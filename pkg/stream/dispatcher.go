package stream

import (
	stderrors "errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler consumes the events of one stream.
//
// Calls are serialized by the Dispatcher and must not call back into it.
type Handler interface {
	OnToken(text string)
	OnDone(sources []SourceRef)
	OnError(message string)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Token func(text string)
	Done  func(sources []SourceRef)
	Error func(message string)
}

func (h HandlerFuncs) OnToken(text string) {
	if h.Token != nil {
		h.Token(text)
	}
}

func (h HandlerFuncs) OnDone(sources []SourceRef) {
	if h.Done != nil {
		h.Done(sources)
	}
}

func (h HandlerFuncs) OnError(message string) {
	if h.Error != nil {
		h.Error(message)
	}
}

// MultiHandler fans every event out to each handler in order.
type MultiHandler []Handler

func (m MultiHandler) OnToken(text string) {
	for _, h := range m {
		if h != nil {
			h.OnToken(text)
		}
	}
}

func (m MultiHandler) OnDone(sources []SourceRef) {
	for _, h := range m {
		if h != nil {
			h.OnDone(sources)
		}
	}
}

func (m MultiHandler) OnError(message string) {
	for _, h := range m {
		if h != nil {
			h.OnError(message)
		}
	}
}

type State int

const (
	StateIdle State = iota
	StateOpen
	StateStreaming
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored
}

// Outcome is the terminal result of a stream.
type Outcome struct {
	State   State
	Text    string
	Sources []SourceRef
	Err     error
}

func (o Outcome) Completed() bool {
	return o.State == StateCompleted
}

// Message is the human-readable failure reason, empty on success.
func (o Outcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Dispatcher routes frames of a single stream to a Handler and enforces the
// stream state machine: at most one terminal event, nothing after it.
type Dispatcher struct {
	mu      sync.Mutex
	handler Handler
	logger  zerolog.Logger

	state      State
	text       strings.Builder
	sources    []SourceRef
	err        error
	frames     int
	violations int
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(h Handler, opts ...DispatcherOption) *Dispatcher {
	if h == nil {
		h = HandlerFuncs{}
	}
	d := &Dispatcher{handler: h, logger: log.Logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open marks the request as issued.
func (d *Dispatcher) Open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateIdle {
		d.state = StateOpen
	}
}

// Received marks the arrival of body bytes.
func (d *Dispatcher) Received() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateIdle || d.state == StateOpen {
		d.state = StateStreaming
	}
}

func (d *Dispatcher) OnFrame(f Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.Terminal() {
		d.violationLocked("frame", f.Kind.String())
		return
	}
	d.state = StateStreaming
	d.frames++

	switch f.Kind {
	case FrameToken:
		d.text.WriteString(f.Text)
		d.handler.OnToken(f.Text)
	case FrameCompletion:
		sources := f.Sources
		if sources == nil {
			sources = []SourceRef{}
		}
		d.sources = sources
		d.state = StateCompleted
		d.handler.OnDone(sources)
	case FrameFailure:
		d.failLocked(&ServerError{Message: f.Message})
	default:
		d.logger.Warn().Int("kind", int(f.Kind)).Msg("ignoring frame of unknown kind")
	}
}

// OnTransportError fails the stream because the connection broke.
func (d *Dispatcher) OnTransportError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Terminal() {
		d.violationLocked("transport_error", err.Error())
		return
	}
	d.failLocked(err)
}

// OnMalformed fails the stream on an undecodable line.
func (d *Dispatcher) OnMalformed(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Terminal() {
		d.violationLocked("malformed", err.Error())
		return
	}
	d.failLocked(err)
}

// Cancel aborts the stream. Once it returns no handler call happens again.
// Cancelling a finished stream is a no-op.
func (d *Dispatcher) Cancel(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Terminal() {
		return
	}
	d.failLocked(&CancelledError{Cause: cause})
}

// End signals a clean end of the body.
func (d *Dispatcher) End() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Terminal() {
		return
	}
	if d.frames == 0 {
		d.failLocked(ErrEmptyStream)
		return
	}
	d.failLocked(ErrIncompleteStream)
}

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Violations counts events dropped because the stream was already terminal.
func (d *Dispatcher) Violations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.violations
}

// Outcome returns the terminal result; ok is false while the stream runs.
func (d *Dispatcher) Outcome() (Outcome, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := Outcome{
		State:   d.state,
		Text:    d.text.String(),
		Sources: d.sources,
		Err:     d.err,
	}
	return out, d.state.Terminal()
}

func (d *Dispatcher) failLocked(err error) {
	d.state = StateErrored
	d.err = err
	d.handler.OnError(err.Error())
}

func (d *Dispatcher) violationLocked(event string, detail string) {
	d.violations++
	d.logger.Warn().
		Err(ErrProtocolViolation).
		Str("state", d.state.String()).
		Str("event", event).
		Str("detail", truncate(detail, 200)).
		Msg("ignoring event after terminal state")
}

// IsCancelled reports whether err ended a stream through Cancel.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return stderrors.As(err, &ce)
}
