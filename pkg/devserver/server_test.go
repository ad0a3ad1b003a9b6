package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamchat/pkg/stream"
)

func post(t *testing.T, h http.Handler, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStreamWritesOneFramePerLine(t *testing.T) {
	h := New().Handler()
	rec := post(t, h, "/chat/stream", `{"session_id":"s","message":"a b"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	lines := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n"), "\n")
	require.Equal(t, []string{
		`{"token":"You "}`,
		`{"token":"said: "}`,
		`{"token":"a "}`,
		`{"token":"b "}`,
	}, lines[:4])
	require.True(t, strings.HasPrefix(lines[4], `{"done":true,"sources":[`))
}

func TestStreamAgentFailureIsInBand(t *testing.T) {
	h := New(WithResponder(func(context.Context, string, string, []string) (Reply, error) {
		return Reply{}, errors.New("llm down")
	})).Handler()
	rec := post(t, h, "/chat/stream", `{"session_id":"s","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	f, ok, err := stream.DecodeLine([]byte(strings.TrimSpace(rec.Body.String())))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, stream.FailureFrame("llm down"), f)
}

func TestChatAgentFailureIs500(t *testing.T) {
	h := New(WithResponder(func(context.Context, string, string, []string) (Reply, error) {
		return Reply{}, errors.New("llm down")
	})).Handler()
	rec := post(t, h, "/chat", `{"session_id":"s","message":"hi"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "Agent failed to process query: llm down")
}

func TestRejectsInvalidRequests(t *testing.T) {
	h := New().Handler()
	for _, body := range []string{`not json`, `{"session_id":"","message":"x"}`, `{"session_id":"s","message":"  "}`} {
		rec := post(t, h, "/chat/stream", body)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, body)

		var detail map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
		require.NotEmpty(t, detail["detail"])
	}
}

func TestHistoryIsCappedAndPassedToResponder(t *testing.T) {
	var seen [][]string
	s := New(WithMaxHistory(2), WithResponder(func(_ context.Context, _ string, msg string, history []string) (Reply, error) {
		seen = append(seen, history)
		return Reply{Answer: msg}, nil
	}))
	h := s.Handler()
	for _, m := range []string{"one", "two", "three", "four"} {
		rec := post(t, h, "/chat", `{"session_id":"s","message":"`+m+`"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Empty(t, seen[0])
	require.Equal(t, []string{"one", "two"}, seen[2])
	require.Equal(t, []string{"two", "three"}, seen[3])
}

func TestMethodRouting(t *testing.T) {
	h := New().Handler()
	req := httptest.NewRequest(http.MethodGet, "/chat/stream", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
