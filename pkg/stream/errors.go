package stream

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrEmptyStream ends a stream whose body carried no frame at all.
	ErrEmptyStream = errors.New("empty stream")
	// ErrIncompleteStream ends a stream that closed before a completion record.
	ErrIncompleteStream = errors.New("stream ended without completion")
	// ErrCancelled matches every CancelledError.
	ErrCancelled = errors.New("stream cancelled")
	// ErrProtocolViolation marks events that arrive after a terminal state.
	// They are logged and counted, never dispatched.
	ErrProtocolViolation = errors.New("protocol violation")
)

// MalformedFrameError is returned for a non-blank line that is not a
// decodable record.
type MalformedFrameError struct {
	Line int
	Raw  string
	Err  error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame on line %d: %v", e.Line, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// ServerError is an in-band failure reported by the agent.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// CancelledError records why a stream was aborted by its caller.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return ErrCancelled.Error()
	}
	return ErrCancelled.Error() + ": " + e.Cause.Error()
}

func (e *CancelledError) Unwrap() error { return e.Cause }

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }
