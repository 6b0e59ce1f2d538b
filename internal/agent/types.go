// Package agent drives agent turns from the assistant backend stream.
package agent

import (
	"github.com/ashureev/turnkeeper/internal/domain"
)

// HistoryTurn is one prior turn sent to the backend as context.
type HistoryTurn struct {
	Role domain.Role `json:"role"`
	Text string      `json:"text"`
}

// RespondRequest asks the backend to produce an agent turn.
type RespondRequest struct {
	TurnID    string        `json:"turn_id"`
	SessionID string        `json:"session_id,omitempty"`
	Message   string        `json:"message"`
	History   []HistoryTurn `json:"history,omitempty"`
}

// StreamEvent is one item of the backend stream. Text is a streamed fragment
// unless Final is set, in which case it is the complete reply.
type StreamEvent struct {
	Text       string
	Final      bool
	Structured *domain.StructuredDelta
}

// ChunkType categorizes wire chunks.
type ChunkType string

const (
	// ChunkText carries a streamed text fragment.
	ChunkText ChunkType = "text"
	// ChunkStructured carries a structured extraction fragment.
	ChunkStructured ChunkType = "structured"
	// ChunkFinal carries the final payload and ends the stream.
	ChunkFinal ChunkType = "final"
	// ChunkError reports a backend failure.
	ChunkError ChunkType = "error"
)

// respondChunk is the JSON wire form of a stream item.
type respondChunk struct {
	Type         ChunkType               `json:"type"`
	Text         string                  `json:"text,omitempty"`
	Structured   *domain.StructuredDelta `json:"structured,omitempty"`
	ErrorMessage string                  `json:"error_message,omitempty"`
}

// HealthResponse is the backend health report.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type healthRequest struct{}
