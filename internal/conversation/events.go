package conversation

import (
	"github.com/ashureev/turnkeeper/internal/domain"
)

// EventType classifies engine notifications.
type EventType string

const (
	// EventTurnsChanged means the turn list was replaced; re-read Snapshot.
	EventTurnsChanged EventType = "turns_changed"
	// EventReplay asks the renderer to play the reveal animation for TurnID once.
	EventReplay EventType = "replay"
	// EventSchedulesInvalidated carries remote schedule identities whose
	// server-side caches are stale.
	EventSchedulesInvalidated EventType = "schedules_invalidated"
)

// Event is an explicit "state changed" signal.
type Event struct {
	Type      EventType `json:"type"`
	TurnID    string    `json:"turn_id,omitempty"`
	Version   uint64    `json:"version"`
	RemoteIDs []string  `json:"remote_ids,omitempty"`
}

// InvalidationSink receives fire-and-forget cache invalidations for schedule
// cards that gained a server identity. Implementations must not block.
type InvalidationSink interface {
	InvalidateSchedules(turnID string, remoteIDs []string)
}

// UpdateSource is the cross-process signal channel.
type UpdateSource interface {
	// Updates delivers notifications as the external writer publishes them.
	Updates() <-chan domain.ExternalUpdate
	// Peek reports the newest published update if it was not acknowledged.
	Peek() (domain.ExternalUpdate, bool, error)
	// Ack marks an update as folded in.
	Ack(u domain.ExternalUpdate)
}

// Subscribe registers a listener. The returned cancel func unregisters it and
// closes the channel. A listener that falls behind loses events.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

func (e *Engine) emit(ev Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.logger.Warn("Dropping event for slow subscriber",
				"subscriber", id,
				"type", ev.Type,
				"turn_id", ev.TurnID)
		}
	}
}
