// Package client talks HTTP to the support agent: the streaming chat
// endpoint plus its request/response siblings.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultBaseURL = "http://127.0.0.1:8000"

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	userAgent  string
	logger     zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient sets the underlying client. A client Timeout also bounds
// how long a stream may run.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse base url %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("base url %q must be http or https", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{},
		userAgent:  "streamchat",
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// OpenStream posts req to /chat/stream and returns the response body once
// the server answered with a success status. The caller must close it.
func (c *Client) OpenStream(ctx context.Context, req OutboundRequest) (io.ReadCloser, error) {
	const op = "chat stream"
	httpReq, err := c.newJSONRequest(ctx, http.MethodPost, "/chat/stream", req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/x-ndjson, application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		terr := statusError(op, resp)
		c.logger.Debug().Str("component", "client").Int("status", resp.StatusCode).Str("detail", terr.Detail).Msg("stream request rejected")
		return nil, terr
	}
	if resp.Body == nil {
		return nil, &TransportError{Op: op, Detail: "response has no body"}
	}
	c.logger.Debug().Str("component", "client").Str("session_id", req.SessionID).Msg("stream opened")
	return resp.Body, nil
}

// Chat is the non-streaming exchange: one request, the full answer.
func (c *Client) Chat(ctx context.Context, req OutboundRequest) (*ChatResponse, error) {
	out := &ChatResponse{}
	if err := c.doJSON(ctx, "chat", http.MethodPost, "/chat", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClearSession asks the agent to forget the history of sessionID.
func (c *Client) ClearSession(ctx context.Context, sessionID string) (*SessionClearResponse, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	out := &SessionClearResponse{}
	if err := c.doJSON(ctx, "clear session", http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	out := &HealthResponse{}
	if err := c.doJSON(ctx, "health", http.MethodGet, "/health", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	out := &StatsResponse{}
	if err := c.doJSON(ctx, "admin stats", http.MethodGet, "/admin/stats", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Documents(ctx context.Context) (*DocumentsResponse, error) {
	out := &DocumentsResponse{}
	if err := c.doJSON(ctx, "admin documents", http.MethodGet, "/admin/documents", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, op string, method string, path string, body any, out any) error {
	req, err := c.newJSONRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Detail: "invalid response body", Err: err}
	}
	return nil
}

func (c *Client) newJSONRequest(ctx context.Context, method string, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		rd = bytes.NewReader(b)
	}
	// path is already escaped.
	target := strings.TrimSuffix(c.baseURL.String(), "/") + path

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}
