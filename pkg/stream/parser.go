package stream

import (
	"bytes"
	"io"
	"iter"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MalformedPolicy decides what the parser does with a line it cannot decode.
type MalformedPolicy int

const (
	// MalformedFail stops the stream with a MalformedFrameError.
	MalformedFail MalformedPolicy = iota
	// MalformedSkip logs the line and keeps going.
	MalformedSkip
)

func (p MalformedPolicy) String() string {
	if p == MalformedSkip {
		return "skip"
	}
	return "fail"
}

func ParseMalformedPolicy(s string) (MalformedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return MalformedFail, nil
	case "skip":
		return MalformedSkip, nil
	default:
		return MalformedFail, errors.Errorf("unknown malformed frame policy %q", s)
	}
}

// Parser reassembles newline-delimited records from arbitrarily chunked input.
// It is not safe for concurrent use; one read loop owns it.
type Parser struct {
	buf    []byte
	line   int
	policy MalformedPolicy
	logger zerolog.Logger
	err    error
}

type ParserOption func(*Parser)

func WithMalformedPolicy(p MalformedPolicy) ParserOption {
	return func(ps *Parser) { ps.policy = p }
}

func WithParserLogger(l zerolog.Logger) ParserOption {
	return func(ps *Parser) { ps.logger = l }
}

func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{logger: log.Logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Push appends chunk and returns the frames of every line it completed, in
// order. With MalformedFail, the frames decoded before the bad line are
// returned together with the error and the parser refuses further input.
func (p *Parser) Push(chunk []byte) ([]Frame, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.buf = append(p.buf, chunk...)

	var frames []Frame
	start := 0
	for {
		i := bytes.IndexByte(p.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := p.buf[start : start+i]
		start += i + 1
		p.line++

		f, ok, err := DecodeLine(line)
		if err != nil {
			merr := &MalformedFrameError{Line: p.line, Raw: string(line), Err: err}
			if p.policy == MalformedSkip {
				p.logger.Warn().Err(err).Int("line", p.line).Str("raw", truncate(merr.Raw, 200)).Msg("skipping malformed frame")
				continue
			}
			p.err = merr
			p.compact(start)
			return frames, merr
		}
		if ok {
			frames = append(frames, f)
		}
	}
	p.compact(start)
	return frames, nil
}

// Finish ends the stream. An unterminated trailing line is dropped, never
// parsed; the number of dropped bytes is returned.
func (p *Parser) Finish() int {
	n := len(p.buf)
	p.buf = p.buf[:0]
	return n
}

// Pending reports how many bytes wait for a newline.
func (p *Parser) Pending() int {
	return len(p.buf)
}

func (p *Parser) compact(start int) {
	if start == 0 {
		return
	}
	n := copy(p.buf, p.buf[start:])
	p.buf = p.buf[:n]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const readChunkSize = 4096

// Reader pulls frames out of an io.Reader.
type Reader struct {
	src     io.Reader
	parser  *Parser
	chunk   []byte
	pending []Frame
	err     error

	received func()
}

func NewReader(src io.Reader, parser *Parser) *Reader {
	if parser == nil {
		parser = NewParser()
	}
	return &Reader{
		src:    src,
		parser: parser,
		chunk:  make([]byte, readChunkSize),
	}
}

// Next returns the next frame. It returns io.EOF once the source is drained;
// any other error is final and returned again by later calls.
func (r *Reader) Next() (Frame, error) {
	for {
		if len(r.pending) > 0 {
			f := r.pending[0]
			r.pending = r.pending[1:]
			return f, nil
		}
		if r.err != nil {
			return Frame{}, r.err
		}

		n, err := r.src.Read(r.chunk)
		if n > 0 {
			if r.received != nil {
				r.received()
			}
			frames, perr := r.parser.Push(r.chunk[:n])
			r.pending = append(r.pending, frames...)
			if perr != nil {
				r.err = perr
				continue
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if dropped := r.parser.Finish(); dropped > 0 {
					r.parser.logger.Debug().Int("bytes", dropped).Msg("dropping unterminated trailing line")
				}
				r.err = io.EOF
			} else {
				r.err = err
			}
		}
	}
}

// Frames iterates until EOF. A non-EOF error is yielded once, last.
func (r *Reader) Frames() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			f, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (r *Reader) drain() []Frame {
	out := r.pending
	r.pending = nil
	return out
}
