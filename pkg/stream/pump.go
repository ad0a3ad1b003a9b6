package stream

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
)

// Pump runs the read loop of one stream: it reads body until EOF, an error,
// cancellation of ctx or a terminal frame, feeding parser and dispatcher.
// The body is always closed before Pump returns.
func Pump(ctx context.Context, body io.ReadCloser, parser *Parser, d *Dispatcher) Outcome {
	if parser == nil {
		parser = NewParser()
	}

	var closeOnce sync.Once
	closeBody := func() {
		closeOnce.Do(func() { _ = body.Close() })
	}
	defer closeBody()

	stop := context.AfterFunc(ctx, func() {
		d.Cancel(context.Cause(ctx))
		closeBody()
	})
	defer stop()

	d.Open()
	r := NewReader(body, parser)
	r.received = d.Received

	readLoop(ctx, r, d)

	// Frames already decoded from the last chunk still reach the dispatcher
	// so that anything after a terminal frame is reported as a violation.
	if ctx.Err() == nil {
		for _, f := range r.drain() {
			d.OnFrame(f)
		}
	}

	out, _ := d.Outcome()
	return out
}

func readLoop(ctx context.Context, r *Reader, d *Dispatcher) {
	for !d.State().Terminal() {
		f, err := r.Next()
		if err == nil {
			d.OnFrame(f)
			continue
		}

		var merr *MalformedFrameError
		switch {
		case ctx.Err() != nil:
			d.Cancel(context.Cause(ctx))
		case stderrors.Is(err, io.EOF):
			d.End()
		case stderrors.As(err, &merr):
			d.OnMalformed(merr)
		default:
			d.OnTransportError(err)
		}
		return
	}
}
