package client

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxSessionIDLength = 128
	MaxMessageLength   = 2000
)

// OutboundRequest is the body of /chat and /chat/stream.
type OutboundRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// NewOutboundRequest validates the request the way the agent does, so that
// bad input fails locally instead of as an HTTP 422. The message is trimmed.
func NewOutboundRequest(sessionID string, message string) (OutboundRequest, error) {
	if sessionID == "" {
		return OutboundRequest{}, &ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(sessionID) > MaxSessionIDLength {
		return OutboundRequest{}, &ValidationError{Field: "session_id", Reason: "must be at most 128 characters"}
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return OutboundRequest{}, &ValidationError{Field: "message", Reason: "cannot be blank or whitespace only"}
	}
	if utf8.RuneCountInString(message) > MaxMessageLength {
		return OutboundRequest{}, &ValidationError{Field: "message", Reason: "must be at most 2000 characters"}
	}
	return OutboundRequest{SessionID: sessionID, Message: message}, nil
}

// Document is a retrieved chunk cited by a non-streaming answer.
type Document struct {
	Content        string  `json:"content" yaml:"content"`
	SourceFile     string  `json:"source_file" yaml:"source_file"`
	Category       string  `json:"category" yaml:"category"`
	RelevanceScore float64 `json:"relevance_score" yaml:"relevance_score"`
}

type ChatResponse struct {
	SessionID        string     `json:"session_id" yaml:"session_id"`
	Answer           string     `json:"answer" yaml:"answer"`
	Sources          []Document `json:"sources" yaml:"sources"`
	Intent           string     `json:"intent,omitempty" yaml:"intent,omitempty"`
	NeedsEscalation  bool       `json:"needs_escalation" yaml:"needs_escalation"`
	Confidence       float64    `json:"confidence" yaml:"confidence"`
	ProcessingTimeMs int64      `json:"processing_time_ms" yaml:"processing_time_ms"`
}

type SessionClearResponse struct {
	SessionID string `json:"session_id" yaml:"session_id"`
	Message   string `json:"message" yaml:"message"`
}

type HealthResponse struct {
	Status           string `json:"status" yaml:"status"`
	AppName          string `json:"app_name" yaml:"app_name"`
	Version          string `json:"version" yaml:"version"`
	VectorStoreReady bool   `json:"vector_store_ready" yaml:"vector_store_ready"`
	DocumentsIndexed int    `json:"documents_indexed" yaml:"documents_indexed"`
	Model            string `json:"model" yaml:"model"`
}

func (h HealthResponse) Healthy() bool {
	return h.Status == "healthy"
}

type StatsResponse struct {
	TotalChunks    int    `json:"total_chunks" yaml:"total_chunks"`
	CollectionName string `json:"collection_name" yaml:"collection_name"`
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model"`
	ChatModel      string `json:"chat_model" yaml:"chat_model"`
	ActiveSessions int    `json:"active_sessions" yaml:"active_sessions"`
}

type DocumentsResponse struct {
	Documents []string `json:"documents" yaml:"documents"`
	Total     int      `json:"total" yaml:"total"`
	Message   string   `json:"message,omitempty" yaml:"message,omitempty"`
}
