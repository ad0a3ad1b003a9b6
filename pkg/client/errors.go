package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

// ValidationError rejects a request before it is sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransportError is a connection or HTTP-level failure. Detail is the
// human-readable reason, taken from the response body when it has one.
type TransportError struct {
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Detail != "":
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Detail)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": " + e.Detail
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

const maxErrorBody = 64 << 10

func statusError(op string, resp *http.Response) *TransportError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &TransportError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Detail:     errorDetail(b),
	}
}

// errorDetail understands {"detail": "..."}, the validation list form
// {"detail": [{"msg": "..."}]}, {"error": "..."} and {"message": "..."}.
// Short plain-text bodies are used as-is.
func errorDetail(body []byte) string {
	var env struct {
		Detail  json.RawMessage `json:"detail"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		if d := detailText(env.Detail); d != "" {
			return d
		}
		if env.Error != "" {
			return env.Error
		}
		if env.Message != "" {
			return env.Message
		}
		return ""
	}

	text := strings.TrimSpace(string(body))
	if text == "" || len(text) > 200 || !utf8.ValidString(text) || strings.HasPrefix(text, "<") {
		return ""
	}
	return text
}

func detailText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
		Loc []any  `json:"loc"`
	}
	if err := json.Unmarshal(raw, &items); err == nil && len(items) > 0 {
		msg := items[0].Msg
		if len(items[0].Loc) > 0 {
			msg = fmt.Sprintf("%v: %s", items[0].Loc[len(items[0].Loc)-1], msg)
		}
		return msg
	}
	return ""
}
