package stream

import (
	"bytes"
	stderrors "errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func pushAll(t *testing.T, p *Parser, chunks ...string) []Frame {
	t.Helper()
	var out []Frame
	for _, c := range chunks {
		frames, err := p.Push([]byte(c))
		require.NoError(t, err)
		out = append(out, frames...)
	}
	return out
}

func TestParserReassemblesSplitRecords(t *testing.T) {
	p := NewParser()
	frames := pushAll(t, p,
		`{"tok`,
		`en":"Hi"}`+"\n"+`{"done":tr`,
		`ue,"sources":[]}`+"\n",
	)

	require.Equal(t, []Frame{TokenFrame("Hi"), CompletionFrame([]SourceRef{})}, frames)
	require.Equal(t, 0, p.Pending())
}

func TestParserDropsUnterminatedTrailingLine(t *testing.T) {
	p := NewParser()
	frames := pushAll(t, p, `{"token":"a"}`+"\n", `{"token":"partial"`)
	require.Equal(t, []Frame{TokenFrame("a")}, frames)
	require.Equal(t, len(`{"token":"partial"`), p.Pending())

	require.Equal(t, len(`{"token":"partial"`), p.Finish())
	require.Equal(t, 0, p.Pending())
}

func TestParserSkipsBlankLines(t *testing.T) {
	p := NewParser()
	frames := pushAll(t, p, "\n  \n\t\n"+`{"token":"x"}`+"\r\n\n")
	require.Equal(t, []Frame{TokenFrame("x")}, frames)
}

func TestParserIgnoresRecordsWithoutIndicators(t *testing.T) {
	p := NewParser()
	frames := pushAll(t, p,
		`{"heartbeat":true}`+"\n",
		`{"token":""}`+"\n",
		`{"done":false,"sources":[{"source":"x"}]}`+"\n",
		`{"error":""}`+"\n",
		`{"token":"ok","extra":{"nested":[1,2]}}`+"\n",
	)
	require.Equal(t, []Frame{TokenFrame("ok")}, frames)
}

func TestParserIndicatorPrecedence(t *testing.T) {
	p := NewParser()
	frames := pushAll(t, p,
		`{"token":"t","error":"boom"}`+"\n",
		`{"token":"t","done":true}`+"\n",
	)
	require.Len(t, frames, 2)
	require.Equal(t, FailureFrame("boom"), frames[0])
	require.Equal(t, FrameCompletion, frames[1].Kind)
	require.NotNil(t, frames[1].Sources)
	require.Empty(t, frames[1].Sources)
}

func TestParserMalformedFailPolicy(t *testing.T) {
	p := NewParser()
	frames, err := p.Push([]byte(`{"token":"a"}` + "\n" + `not json` + "\n" + `{"token":"b"}` + "\n"))
	require.Equal(t, []Frame{TokenFrame("a")}, frames)

	var merr *MalformedFrameError
	require.True(t, stderrors.As(err, &merr))
	require.Equal(t, 2, merr.Line)
	require.Equal(t, "not json", merr.Raw)

	_, err = p.Push([]byte(`{"token":"c"}` + "\n"))
	require.ErrorAs(t, err, &merr)
}

func TestParserMalformedSkipPolicy(t *testing.T) {
	p := NewParser(WithMalformedPolicy(MalformedSkip))
	frames := pushAll(t, p,
		`{"token":"a"}`+"\n"+`{"token":`+"\n",
		`[1,2,3]`+"\n"+`"str"`+"\n"+`{"token":"b"}`+"\n",
	)
	require.Equal(t, []Frame{TokenFrame("a"), TokenFrame("b")}, frames)
}

func TestParserTreatsWrongFieldTypeAsMalformed(t *testing.T) {
	p := NewParser()
	_, err := p.Push([]byte(`{"token":42}` + "\n"))
	var merr *MalformedFrameError
	require.ErrorAs(t, err, &merr)
}

func TestParserSourcesKeepOrderAndExtraFields(t *testing.T) {
	p := NewParser()
	frames := pushAll(t, p, `{"done":true,"sources":[{"source":"b.docx","score":0.5,"content":"x","page":3},{"source":null},{"source":"a.docx"}]}`+"\n")
	require.Len(t, frames, 1)

	sources := frames[0].Sources
	require.Len(t, sources, 3)
	require.Equal(t, "b.docx", sources[0].Source)
	require.NotNil(t, sources[0].Score)
	require.InDelta(t, 0.5, *sources[0].Score, 1e-9)
	require.Equal(t, "x", sources[0].Content)
	require.Equal(t, float64(3), sources[0].Extra["page"])
	require.Equal(t, "", sources[1].Source)
	require.Nil(t, sources[1].Score)
	require.Equal(t, "a.docx", sources[2].Source)
}

const samplePayload = `{"token":"Grüße "}
{"token":"from "}

{"token":"日本 🎉 "}
{"token":"the agent"}
{"done":true,"sources":[{"source":"plans.docx","score":0.91},{"source":"billing.docx"}]}
`

func TestParserSplitAtEveryOffset(t *testing.T) {
	want := pushAll(t, NewParser(), samplePayload)
	require.Len(t, want, 5)

	payload := []byte(samplePayload)
	for i := 0; i <= len(payload); i++ {
		for j := i; j <= len(payload); j++ {
			p := NewParser()
			got := pushAll(t, p, string(payload[:i]), string(payload[i:j]), string(payload[j:]))
			require.Equal(t, want, got, "split at %d/%d", i, j)
		}
	}
}

func TestParserByteAtATime(t *testing.T) {
	want := pushAll(t, NewParser(), samplePayload)

	p := NewParser()
	var got []Frame
	for _, b := range []byte(samplePayload) {
		frames, err := p.Push([]byte{b})
		require.NoError(t, err)
		got = append(got, frames...)
	}
	require.Equal(t, want, got)

	var text strings.Builder
	for _, f := range got {
		if f.Kind == FrameToken {
			text.WriteString(f.Text)
		}
	}
	require.Equal(t, "Grüße from 日本 🎉 the agent", text.String())
}

func TestReaderIteratesFrames(t *testing.T) {
	src := iotest.OneByteReader(strings.NewReader(samplePayload + `{"token":"tail"`))
	r := NewReader(src, nil)

	var kinds []FrameKind
	for f, err := range r.Frames() {
		require.NoError(t, err)
		kinds = append(kinds, f.Kind)
	}
	require.Equal(t, []FrameKind{FrameToken, FrameToken, FrameToken, FrameToken, FrameCompletion}, kinds)

	_, err := r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderDeliversFramesBeforeMalformedError(t *testing.T) {
	r := NewReader(strings.NewReader(`{"token":"a"}`+"\n"+`{oops`+"\n"), nil)

	f, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TokenFrame("a"), f)

	_, err = r.Next()
	var merr *MalformedFrameError
	require.ErrorAs(t, err, &merr)
}

func TestReaderSurfacesReadErrors(t *testing.T) {
	boom := stderrors.New("connection reset")
	r := NewReader(io.MultiReader(strings.NewReader(`{"token":"a"}`+"\n"), iotest.ErrReader(boom)), nil)

	_, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.ErrorIs(t, err, boom)
}

func TestEncodeFrameRoundTripsThroughParser(t *testing.T) {
	var buf bytes.Buffer
	for _, f := range []Frame{TokenFrame("a\nb"), FailureFrame("bad"), CompletionFrame(nil)} {
		line, err := EncodeFrame(f)
		require.NoError(t, err)
		buf.Write(line)
	}
	frames := pushAll(t, NewParser(), buf.String())
	require.Equal(t, []Frame{TokenFrame("a\nb"), FailureFrame("bad"), CompletionFrame([]SourceRef{})}, frames)
}

func TestParseMalformedPolicy(t *testing.T) {
	p, err := ParseMalformedPolicy("SKIP")
	require.NoError(t, err)
	require.Equal(t, MalformedSkip, p)

	p, err = ParseMalformedPolicy("")
	require.NoError(t, err)
	require.Equal(t, MalformedFail, p)

	_, err = ParseMalformedPolicy("retry")
	require.Error(t, err)
}
