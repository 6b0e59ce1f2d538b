// Package domain contains core domain types for the conversation log.
package domain

import (
	"time"
)

// Role identifies who authored a turn.
type Role string

const (
	// RoleUser marks a turn typed or spoken by the user.
	RoleUser Role = "user"
	// RoleAgent marks a turn produced by the assistant backend.
	RoleAgent Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// Phase is the streaming lifecycle state of a turn.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStreaming Phase = "streaming"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// Texts injected by the streaming state machine.
const (
	FallbackText       = "no response received"
	EmptyResponseError = "empty response"
	InterruptedText    = "…"
)

// Placeholders is the set of transient texts shown while the backend is
// still working; they never count as final content.
var Placeholders = []string{"thinking…", "recognizing…"}

// IsPlaceholder reports whether text is one of the known placeholders.
func IsPlaceholder(text string) bool {
	for _, p := range Placeholders {
		if text == p {
			return true
		}
	}
	return false
}

// ToolFlags records which extraction tools are currently running for a turn.
type ToolFlags struct {
	Schedule bool `json:"schedule,omitempty"`
	Contact  bool `json:"contact,omitempty"`
	Invoice  bool `json:"invoice,omitempty"`
	Meeting  bool `json:"meeting,omitempty"`
}

// Any returns true if at least one tool is running.
func (f ToolFlags) Any() bool {
	return f.Schedule || f.Contact || f.Invoice || f.Meeting
}

// Turn is one message in the conversation.
type Turn struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	Phase       Phase     `json:"phase"`
	ErrorReason string    `json:"error_reason,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Cards       Cards     `json:"cards"`
	Tools       ToolFlags `json:"tools"`
	AuxNote     string    `json:"aux_note,omitempty"`
}

// IsStreaming returns true while the backend is still producing the turn.
func (t *Turn) IsStreaming() bool {
	return t.Phase == PhaseStreaming
}

// IsTerminal returns true once the turn reached Completed or Error.
func (t *Turn) IsTerminal() bool {
	return t.Phase == PhaseCompleted || t.Phase == PhaseError
}

// Clone returns a deep copy of the turn so callers can hold snapshots that
// later mutations never touch.
func (t Turn) Clone() Turn {
	t.Cards = t.Cards.Clone()
	return t
}

// TurnRef is the minimal identity of a turn needed to address its card batches.
type TurnRef struct {
	ID        string
	Timestamp time.Time
}

// Ref returns the reference for t.
func (t *Turn) Ref() TurnRef {
	return TurnRef{ID: t.ID, Timestamp: t.Timestamp}
}

// ExternalUpdate is a cross-process notice that another writer persisted a turn.
type ExternalUpdate struct {
	TurnID    string    `json:"turn_id"`
	WrittenAt time.Time `json:"written_at"`
}

// IsZero reports whether the update carries no information.
func (u ExternalUpdate) IsZero() bool {
	return u.TurnID == "" && u.WrittenAt.IsZero()
}
