// Package devserver serves the agent's HTTP contract with a pluggable
// responder. It backs the client tests and `streamchat serve-dev`.
package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/client"
	"github.com/go-go-golems/streamchat/pkg/stream"
)

// Reply is what a Responder produces for one message.
type Reply struct {
	Answer  string
	Sources []stream.SourceRef
}

// Responder answers a message given the prior user messages of the session.
type Responder func(ctx context.Context, sessionID string, message string, history []string) (Reply, error)

// EchoResponder repeats the message back with the turn number.
func EchoResponder(_ context.Context, _ string, message string, history []string) (Reply, error) {
	return Reply{
		Answer: "You said: " + message,
		Sources: []stream.SourceRef{
			{Source: "echo", Content: strings.Join(append(history, message), " | ")},
		},
	}, nil
}

type Server struct {
	responder  Responder
	wordDelay  time.Duration
	maxHistory int
	appName    string
	version    string
	model      string
	documents  []string
	logger     zerolog.Logger

	mu       sync.Mutex
	sessions map[string][]string
}

type Option func(*Server)

func WithResponder(r Responder) Option {
	return func(s *Server) {
		if r != nil {
			s.responder = r
		}
	}
}

// WithWordDelay spaces out streamed tokens.
func WithWordDelay(d time.Duration) Option {
	return func(s *Server) { s.wordDelay = d }
}

func WithMaxHistory(n int) Option {
	return func(s *Server) { s.maxHistory = n }
}

func WithDocuments(docs ...string) Option {
	return func(s *Server) { s.documents = append([]string(nil), docs...) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func New(opts ...Option) *Server {
	s := &Server{
		responder:  EchoResponder,
		maxHistory: 20,
		appName:    "streamchat dev server",
		version:    "dev",
		model:      "echo",
		logger:     log.Logger,
		sessions:   map[string][]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/stream", s.handleStream)
	mux.HandleFunc("DELETE /session/{id}", s.handleClear)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /admin/stats", s.handleStats)
	mux.HandleFunc("GET /admin/documents", s.handleDocuments)
	return mux
}

// HasSession reports whether the server holds history for id.
func (s *Server) HasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	started := time.Now()
	history := s.history(req.SessionID)
	reply, err := s.responder(r.Context(), req.SessionID, req.Message, history)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("agent error")
		writeDetail(w, http.StatusInternalServerError, "Agent failed to process query: "+err.Error())
		return
	}
	s.remember(req.SessionID, req.Message)

	docs := make([]client.Document, 0, len(reply.Sources))
	for _, src := range reply.Sources {
		score := 0.0
		if src.Score != nil {
			score = *src.Score
		}
		docs = append(docs, client.Document{Content: src.Content, SourceFile: src.Source, Category: "general", RelevanceScore: score})
	}
	writeJSON(w, http.StatusOK, client.ChatResponse{
		SessionID:        req.SessionID,
		Answer:           reply.Answer,
		Sources:          docs,
		Confidence:       1,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	emit := func(f stream.Frame) bool {
		line, err := stream.EncodeFrame(f)
		if err != nil {
			s.logger.Error().Err(err).Msg("encode frame")
			return false
		}
		if _, err := w.Write(line); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	history := s.history(req.SessionID)
	reply, err := s.responder(r.Context(), req.SessionID, req.Message, history)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("streaming error")
		emit(stream.FailureFrame(err.Error()))
		return
	}
	s.remember(req.SessionID, req.Message)

	for _, word := range strings.Fields(reply.Answer) {
		if !emit(stream.TokenFrame(word + " ")) {
			return
		}
		if s.wordDelay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.wordDelay):
			}
		}
	}
	emit(stream.CompletionFrame(reply.Sources))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	msg := "Session not found."
	if existed {
		msg = "Session cleared."
	}
	s.logger.Info().Str("session_id", id).Bool("existed", existed).Msg("session cleared")
	writeJSON(w, http.StatusOK, client.SessionClearResponse{SessionID: id, Message: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "degraded"
	if len(s.documents) > 0 {
		status = "healthy"
	}
	writeJSON(w, http.StatusOK, client.HealthResponse{
		Status:           status,
		AppName:          s.appName,
		Version:          s.version,
		VectorStoreReady: len(s.documents) > 0,
		DocumentsIndexed: len(s.documents),
		Model:            s.model,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, client.StatsResponse{
		TotalChunks:    len(s.documents),
		CollectionName: "dev",
		EmbeddingModel: "none",
		ChatModel:      s.model,
		ActiveSessions: active,
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, _ *http.Request) {
	docs := append([]string{}, s.documents...)
	writeJSON(w, http.StatusOK, client.DocumentsResponse{Documents: docs, Total: len(docs)})
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (client.OutboundRequest, bool) {
	var body client.OutboundRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return client.OutboundRequest{}, false
	}
	req, err := client.NewOutboundRequest(body.SessionID, body.Message)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return client.OutboundRequest{}, false
	}
	return req, true
}

func (s *Server) history(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sessions[id]...)
}

func (s *Server) remember(id string, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.sessions[id], message)
	if s.maxHistory > 0 && len(h) > s.maxHistory {
		h = h[len(h)-s.maxHistory:]
	}
	s.sessions[id] = h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
