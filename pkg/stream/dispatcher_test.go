package stream

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	tokens []string
	done   [][]SourceRef
	errs   []string
}

func (r *recorder) OnToken(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "token:"+text)
	r.tokens = append(r.tokens, text)
}

func (r *recorder) OnDone(sources []SourceRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "done")
	r.done = append(r.done, sources)
}

func (r *recorder) OnError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "error:"+message)
	r.errs = append(r.errs, message)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestDispatcherStateMachine(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)
	require.Equal(t, StateIdle, d.State())

	d.Open()
	require.Equal(t, StateOpen, d.State())

	d.Received()
	require.Equal(t, StateStreaming, d.State())

	d.OnFrame(TokenFrame("a"))
	d.OnFrame(TokenFrame("b"))
	require.Equal(t, StateStreaming, d.State())
	_, ok := d.Outcome()
	require.False(t, ok)

	d.OnFrame(CompletionFrame([]SourceRef{{Source: "s1"}}))
	require.Equal(t, StateCompleted, d.State())

	out, ok := d.Outcome()
	require.True(t, ok)
	require.True(t, out.Completed())
	require.Equal(t, "ab", out.Text)
	require.Equal(t, []SourceRef{{Source: "s1"}}, out.Sources)
	require.Empty(t, out.Message())
	require.Equal(t, []string{"token:a", "token:b", "done"}, rec.snapshot())
}

func TestDispatcherIgnoresEventsAfterCompletion(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)
	d.OnFrame(CompletionFrame(nil))
	d.OnFrame(TokenFrame("late"))
	d.OnFrame(CompletionFrame(nil))
	d.OnFrame(FailureFrame("late failure"))
	d.OnTransportError(stderrors.New("reset"))
	d.OnMalformed(stderrors.New("bad"))
	d.End()
	d.Cancel(context.Canceled)

	require.Equal(t, []string{"done"}, rec.snapshot())
	require.Equal(t, 5, d.Violations())

	out, ok := d.Outcome()
	require.True(t, ok)
	require.True(t, out.Completed())
	require.NotNil(t, out.Sources)
}

func TestDispatcherIgnoresEventsAfterFailure(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)
	d.OnFrame(TokenFrame("partial "))
	d.OnFrame(FailureFrame("agent failed"))
	d.OnFrame(TokenFrame("more"))
	d.OnFrame(CompletionFrame(nil))

	require.Equal(t, []string{"token:partial ", "error:agent failed"}, rec.snapshot())
	require.Equal(t, 2, d.Violations())

	out, _ := d.Outcome()
	require.Equal(t, StateErrored, out.State)
	require.Equal(t, "agent failed", out.Message())
	var serr *ServerError
	require.ErrorAs(t, out.Err, &serr)
	require.Equal(t, "partial ", out.Text)
}

func TestDispatcherEndPolicies(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		rec := &recorder{}
		d := NewDispatcher(rec)
		d.Open()
		d.End()
		out, ok := d.Outcome()
		require.True(t, ok)
		require.ErrorIs(t, out.Err, ErrEmptyStream)
		require.Equal(t, []string{"error:empty stream"}, rec.snapshot())
	})

	t.Run("tokens without completion", func(t *testing.T) {
		d := NewDispatcher(nil)
		d.OnFrame(TokenFrame("x"))
		d.End()
		out, _ := d.Outcome()
		require.ErrorIs(t, out.Err, ErrIncompleteStream)
		require.Equal(t, "x", out.Text)
	})

	t.Run("end after completion", func(t *testing.T) {
		d := NewDispatcher(nil)
		d.OnFrame(CompletionFrame(nil))
		d.End()
		out, _ := d.Outcome()
		require.True(t, out.Completed())
		require.Equal(t, 0, d.Violations())
	})
}

func TestDispatcherCancel(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)
	d.OnFrame(TokenFrame("a"))
	d.Cancel(context.Canceled)
	d.OnFrame(TokenFrame("b"))

	out, _ := d.Outcome()
	require.ErrorIs(t, out.Err, ErrCancelled)
	require.ErrorIs(t, out.Err, context.Canceled)
	require.True(t, IsCancelled(out.Err))
	require.Len(t, rec.errs, 1)
	require.Equal(t, []string{"a"}, rec.tokens)
}

func TestMultiHandlerFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	var funcs []string
	h := MultiHandler{a, nil, b, HandlerFuncs{Token: func(s string) { funcs = append(funcs, s) }}}

	d := NewDispatcher(h)
	d.OnFrame(TokenFrame("x"))
	d.OnFrame(FailureFrame("y"))

	require.Equal(t, []string{"token:x", "error:y"}, a.snapshot())
	require.Equal(t, a.snapshot(), b.snapshot())
	require.Equal(t, []string{"x"}, funcs)
}

func TestPumpLiteralExample(t *testing.T) {
	chunks := []string{"{\"tok", "en\":\"Hi\"}\n{\"done\":tr", "ue,\"sources\":[]}\n"}
	body := io.NopCloser(&chunkReader{chunks: chunks})

	rec := &recorder{}
	out := Pump(context.Background(), body, NewParser(), NewDispatcher(rec))

	require.True(t, out.Completed())
	require.Equal(t, "Hi", out.Text)
	require.Equal(t, []string{"token:Hi", "done"}, rec.snapshot())
	require.NotNil(t, rec.done[0])
	require.Empty(t, rec.done[0])
}

func TestPumpEmptyBody(t *testing.T) {
	rec := &recorder{}
	out := Pump(context.Background(), io.NopCloser(strings.NewReader("")), nil, NewDispatcher(rec))
	require.Equal(t, StateErrored, out.State)
	require.ErrorIs(t, out.Err, ErrEmptyStream)
	require.Equal(t, []string{"error:empty stream"}, rec.snapshot())
}

func TestPumpTrailingPartialRecordIsNotAFrame(t *testing.T) {
	rec := &recorder{}
	out := Pump(context.Background(), io.NopCloser(strings.NewReader(`{"token":"partial"`)), nil, NewDispatcher(rec))
	require.ErrorIs(t, out.Err, ErrEmptyStream)
	require.Empty(t, rec.tokens)
}

func TestPumpReportsFramesAfterCompletionAsViolations(t *testing.T) {
	body := `{"done":true,"sources":[]}` + "\n" + `{"token":"late"}` + "\n" + `{"error":"late"}` + "\n"
	rec := &recorder{}
	d := NewDispatcher(rec)
	out := Pump(context.Background(), io.NopCloser(strings.NewReader(body)), nil, d)

	require.True(t, out.Completed())
	require.Equal(t, []string{"done"}, rec.snapshot())
	require.Equal(t, 2, d.Violations())
}

func TestPumpMalformedLineHaltsStream(t *testing.T) {
	body := `{"token":"a"}` + "\n" + `<html>502</html>` + "\n" + `{"done":true}` + "\n"
	rec := &recorder{}
	out := Pump(context.Background(), io.NopCloser(strings.NewReader(body)), nil, NewDispatcher(rec))

	require.Equal(t, StateErrored, out.State)
	var merr *MalformedFrameError
	require.ErrorAs(t, out.Err, &merr)
	require.Equal(t, []string{"a"}, rec.tokens)
	require.Len(t, rec.errs, 1)
	require.Empty(t, rec.done)
}

func TestPumpMalformedLineSkipped(t *testing.T) {
	body := `{"token":"a"}` + "\n" + `<html>502</html>` + "\n" + `{"done":true}` + "\n"
	out := Pump(context.Background(), io.NopCloser(strings.NewReader(body)), NewParser(WithMalformedPolicy(MalformedSkip)), NewDispatcher(nil))
	require.True(t, out.Completed())
	require.Equal(t, "a", out.Text)
}

func TestPumpTransportErrorMidStream(t *testing.T) {
	boom := stderrors.New("unexpected EOF from proxy")
	src := io.MultiReader(strings.NewReader(`{"token":"a"}`+"\n"), iotest.ErrReader(boom))
	rec := &recorder{}
	out := Pump(context.Background(), io.NopCloser(src), nil, NewDispatcher(rec))

	require.ErrorIs(t, out.Err, boom)
	require.Equal(t, []string{"token:a", "error:unexpected EOF from proxy"}, rec.snapshot())
}

func TestPumpCancellationReleasesBodyAndStopsCallbacks(t *testing.T) {
	pr, pw := io.Pipe()
	body := &trackingCloser{Reader: pr, closeFn: func() { _ = pr.Close() }}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	d := NewDispatcher(rec)

	done := make(chan Outcome, 1)
	go func() { done <- Pump(ctx, body, nil, d) }()

	_, err := pw.Write([]byte(`{"token":"first"}` + "\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not return after cancel")
	}

	require.Equal(t, StateErrored, out.State)
	require.True(t, IsCancelled(out.Err))
	require.True(t, body.closed())

	_, _ = pw.Write([]byte(`{"token":"second"}` + "\n"))
	require.Equal(t, []string{"token:first", "error:stream cancelled: context canceled"}, rec.snapshot())
}

type chunkReader struct {
	chunks []string
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if c.chunks[0] == "" {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

type trackingCloser struct {
	io.Reader
	mu       sync.Mutex
	isClosed bool
	closeFn  func()
}

func (c *trackingCloser) Close() error {
	c.mu.Lock()
	c.isClosed = true
	c.mu.Unlock()
	if c.closeFn != nil {
		c.closeFn()
	}
	return nil
}

func (c *trackingCloser) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosed
}
