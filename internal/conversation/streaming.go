package conversation

import (
	"strings"

	"github.com/ashureev/turnkeeper/internal/domain"
)

// The transitions below are pure: they mutate only the turn they are given
// and report whether anything changed.

// Start moves a turn into Streaming from any phase. An explicit start is a
// restart, so it also clears a previous interruption.
func Start(t *domain.Turn) bool {
	if t.Phase == domain.PhaseStreaming && t.ErrorReason == "" && !t.Interrupted {
		return false
	}
	t.Phase = domain.PhaseStreaming
	t.ErrorReason = ""
	t.Interrupted = false
	return true
}

// AppendDelta concatenates a text fragment and forces Streaming. A turn that
// was interrupted ignores late fragments.
func AppendDelta(t *domain.Turn, fragment string) bool {
	if t.Interrupted {
		return false
	}
	changed := false
	if t.Phase != domain.PhaseStreaming {
		t.Phase = domain.PhaseStreaming
		t.ErrorReason = ""
		changed = true
	}
	if fragment == "" {
		return changed
	}
	t.Text += fragment
	return true
}

// Complete finishes a turn. A turn with no text and no cards is reclassified
// as Error so an empty reply is distinguishable from a failure. Completing a
// turn that is already Completed or Error changes nothing.
func Complete(t *domain.Turn) bool {
	if t.IsTerminal() {
		return false
	}
	t.Tools = domain.ToolFlags{}
	if strings.TrimSpace(t.Text) == "" && t.Cards.Len() == 0 {
		t.Text = domain.FallbackText
		t.Phase = domain.PhaseError
		t.ErrorReason = domain.EmptyResponseError
		return true
	}
	t.Phase = domain.PhaseCompleted
	t.ErrorReason = ""
	return true
}

// Fail moves a turn into Error with the given reason.
func Fail(t *domain.Turn, reason string) bool {
	if t.Phase == domain.PhaseError && t.ErrorReason == reason {
		return false
	}
	t.Tools = domain.ToolFlags{}
	if strings.TrimSpace(t.Text) == "" {
		t.Text = domain.FallbackText
	}
	t.Phase = domain.PhaseError
	t.ErrorReason = reason
	return true
}

// Interrupt stops a streaming turn at the user's request. It is valid only
// from Streaming; the turn ends Completed with the interrupted flag set.
func Interrupt(t *domain.Turn) bool {
	if t.Phase != domain.PhaseStreaming {
		return false
	}
	t.Interrupted = true
	t.Phase = domain.PhaseCompleted
	t.ErrorReason = ""
	t.Tools = domain.ToolFlags{}
	if strings.TrimSpace(t.Text) == "" {
		t.Text = domain.InterruptedText
	}
	return true
}
