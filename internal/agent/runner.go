package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/turnkeeper/internal/domain"
)

// TurnDriver is the part of the conversation engine a Runner drives.
type TurnDriver interface {
	StartStream(id string) (bool, error)
	AppendDelta(id, fragment string) bool
	ApplyStructuredDelta(ctx context.Context, id string, d domain.StructuredDelta) error
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, reason string) error
	Interrupt(ctx context.Context, id string) error
	RegisterCancel(id string, cancel context.CancelFunc) (release func())
	Get(id string) (domain.Turn, bool)
}

// Runner streams backend replies into agent turns.
type Runner struct {
	processor Processor
	turns     TurnDriver
	log       ConversationLogger
	logger    *slog.Logger
}

// NewRunner creates a runner. A nil conversation logger discards events.
func NewRunner(processor Processor, turns TurnDriver, conversationLogger ConversationLogger, logger *slog.Logger) *Runner {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		processor: processor,
		turns:     turns,
		log:       conversationLogger,
		logger:    logger,
	}
}

// Run drives the agent turn req.TurnID until the stream ends. Text fragments
// are appended as they arrive; the final payload and structured fragments go
// through the structured merge. A stream error fails the turn. When ctx is
// cancelled, or the turn is interrupted, the turn ends interrupted.
func (r *Runner) Run(ctx context.Context, req RespondRequest) error {
	id := req.TurnID
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := r.turns.RegisterCancel(id, cancel)
	defer release()

	// Persisting the outcome must survive the stream's cancellation.
	persistCtx := context.WithoutCancel(ctx)

	if _, err := r.turns.StartStream(id); err != nil {
		r.logger.Warn("Agent turn not started", "turn_id", id, "error", err)
		return errors.Join(
			fmt.Errorf("start stream for turn %s: %w", id, err),
			r.turns.Fail(persistCtx, id, err.Error()),
		)
	}
	r.logUserMessage(req)

	chunks := 0
	var streamErr error
	for ev, err := range r.processor.Respond(ctx, req) {
		if err != nil {
			streamErr = err
			break
		}
		if ev.Final {
			d := domain.StructuredDelta{IsDelta: false}
			if ev.Structured != nil {
				d = *ev.Structured
				d.IsDelta = false
			}
			if strings.TrimSpace(ev.Text) != "" {
				text := ev.Text
				d.Text = &text
			}
			if err := r.turns.ApplyStructuredDelta(persistCtx, id, d); err != nil {
				r.logger.Warn("Failed to persist final payload", "turn_id", id, "error", err)
			}
			break
		}
		if ev.Text != "" {
			chunks++
			r.turns.AppendDelta(id, ev.Text)
		}
		if ev.Structured != nil {
			if err := r.turns.ApplyStructuredDelta(persistCtx, id, *ev.Structured); err != nil {
				r.logger.Warn("Failed to persist structured fragment", "turn_id", id, "error", err)
			}
		}
	}

	var result error
	switch {
	case ctx.Err() != nil:
		r.logger.Info("Agent turn interrupted", "turn_id", id)
		result = r.turns.Interrupt(persistCtx, id)
	case streamErr != nil:
		r.logger.Error("Agent stream failed", "turn_id", id, "error", streamErr)
		result = errors.Join(
			fmt.Errorf("respond stream for turn %s: %w", id, streamErr),
			r.turns.Fail(persistCtx, id, streamErr.Error()),
		)
	default:
		result = r.turns.Complete(persistCtx, id)
	}

	r.logAssistantMessage(req, chunks, streamErr)
	return result
}

func (r *Runner) logUserMessage(req RespondRequest) {
	r.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     "local",
		SessionID:  req.SessionID,
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: req.Message,
		Content:    cleanForReadability(req.Message),
		Meta: map[string]any{
			"turn_id": req.TurnID,
		},
	})
}

func (r *Runner) logAssistantMessage(req RespondRequest, chunks int, streamErr error) {
	turn, ok := r.turns.Get(req.TurnID)
	if !ok {
		return
	}
	errMsg := ""
	if streamErr != nil {
		errMsg = streamErr.Error()
	}
	r.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     "local",
		SessionID:  req.SessionID,
		Channel:    "chat_http",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: turn.Text,
		Content:    cleanForReadability(turn.Text),
		Meta: map[string]any{
			"turn_id":       turn.ID,
			"phase":         turn.Phase,
			"interrupted":   turn.Interrupted,
			"cards":         turn.Cards.Len(),
			"stream_chunks": chunks,
			"stream_error":  errMsg,
		},
	})
}
