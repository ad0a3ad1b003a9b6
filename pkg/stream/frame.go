package stream

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// FrameKind tags the variant carried by a Frame.
type FrameKind int

const (
	FrameToken FrameKind = iota + 1
	FrameCompletion
	FrameFailure
)

func (k FrameKind) String() string {
	switch k {
	case FrameToken:
		return "token"
	case FrameCompletion:
		return "completion"
	case FrameFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Frame is one decoded record of the response stream. Only the fields that
// belong to Kind are populated.
type Frame struct {
	Kind FrameKind

	// Text is set for FrameToken.
	Text string
	// Sources is set (possibly empty, never nil) for FrameCompletion.
	Sources []SourceRef
	// Message is set for FrameFailure.
	Message string
}

func TokenFrame(text string) Frame {
	return Frame{Kind: FrameToken, Text: text}
}

func CompletionFrame(sources []SourceRef) Frame {
	if sources == nil {
		sources = []SourceRef{}
	}
	return Frame{Kind: FrameCompletion, Sources: sources}
}

func FailureFrame(message string) Frame {
	return Frame{Kind: FrameFailure, Message: message}
}

// SourceRef is a citation attached to a completion. Source is the identifying
// label; fields the client does not know about are kept in Extra.
type SourceRef struct {
	Source  string         `json:"source"`
	Score   *float64       `json:"score,omitempty"`
	Content string         `json:"content,omitempty"`
	Extra   map[string]any `json:"-"`
}

func (s *SourceRef) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = SourceRef{}
	for k, v := range raw {
		switch k {
		case "source":
			if err := json.Unmarshal(v, nullable(&s.Source)); err != nil {
				return errors.Wrap(err, "source")
			}
		case "score":
			if err := json.Unmarshal(v, &s.Score); err != nil {
				return errors.Wrap(err, "score")
			}
		case "content":
			if err := json.Unmarshal(v, nullable(&s.Content)); err != nil {
				return errors.Wrap(err, "content")
			}
		default:
			var x any
			if err := json.Unmarshal(v, &x); err != nil {
				return errors.Wrap(err, k)
			}
			if s.Extra == nil {
				s.Extra = map[string]any{}
			}
			s.Extra[k] = x
		}
	}
	return nil
}

func (s SourceRef) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+3)
	for k, v := range s.Extra {
		out[k] = v
	}
	out["source"] = s.Source
	if s.Score != nil {
		out["score"] = *s.Score
	}
	if s.Content != "" {
		out["content"] = s.Content
	}
	return json.Marshal(out)
}

// nullable lets a JSON null leave a string at its zero value.
func nullable(dst *string) any {
	return &nullString{dst: dst}
}

type nullString struct{ dst *string }

func (n *nullString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, n.dst)
}

type wireRecord struct {
	Token   *string     `json:"token"`
	Done    *bool       `json:"done"`
	Sources []SourceRef `json:"sources"`
	Error   *string     `json:"error"`
}

// DecodeLine decodes one complete line of the response body.
//
// ok is false when the line carries no frame: blank lines, records with none
// of the known indicators, done=false, empty token. A non-blank line that is
// not a JSON object is an error. When a record carries several indicators the
// precedence is error, then done, then token.
func DecodeLine(line []byte) (frame Frame, ok bool, err error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Frame{}, false, nil
	}
	if line[0] != '{' {
		return Frame{}, false, errors.New("record is not a JSON object")
	}
	var rec wireRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Frame{}, false, errors.Wrap(err, "decode record")
	}
	switch {
	case rec.Error != nil && *rec.Error != "":
		return FailureFrame(*rec.Error), true, nil
	case rec.Done != nil && *rec.Done:
		return CompletionFrame(rec.Sources), true, nil
	case rec.Token != nil && *rec.Token != "":
		return TokenFrame(*rec.Token), true, nil
	default:
		return Frame{}, false, nil
	}
}

// EncodeFrame renders a frame as one wire line, newline included.
func EncodeFrame(f Frame) ([]byte, error) {
	var v any
	switch f.Kind {
	case FrameToken:
		v = map[string]any{"token": f.Text}
	case FrameCompletion:
		sources := f.Sources
		if sources == nil {
			sources = []SourceRef{}
		}
		v = map[string]any{"done": true, "sources": sources}
	case FrameFailure:
		v = map[string]any{"error": f.Message}
	default:
		return nil, errors.Errorf("cannot encode frame of kind %s", f.Kind)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
