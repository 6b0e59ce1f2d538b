package domain

import (
	"fmt"
	"time"
)

// CardKind names one of the structured extraction types.
type CardKind string

const (
	KindSchedule CardKind = "schedule"
	KindContact  CardKind = "contact"
	KindInvoice  CardKind = "invoice"
	KindMeeting  CardKind = "meeting"
)

// AllKinds lists every card kind in persistence order.
var AllKinds = []CardKind{KindSchedule, KindContact, KindInvoice, KindMeeting}

// ParseCardKind converts a string into a CardKind.
func ParseCardKind(s string) (CardKind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown card kind %q", s)
}

// CardIdentity holds the local identity assigned at creation and the remote
// identity assigned once the backend persisted the card.
type CardIdentity struct {
	LocalID  string `json:"local_id"`
	RemoteID string `json:"remote_id,omitempty"`
}

// Matches compares by remote identity when both sides have one and by local
// identity otherwise. Empty identities never match.
func (c CardIdentity) Matches(other CardIdentity) bool {
	if c.RemoteID != "" && other.RemoteID != "" {
		return c.RemoteID == other.RemoteID
	}
	return c.LocalID != "" && c.LocalID == other.LocalID
}

// Key is the stable dedup key: the remote identity if known, else the local one.
func (c CardIdentity) Key() string {
	if c.RemoteID != "" {
		return "r:" + c.RemoteID
	}
	return "l:" + c.LocalID
}

// ScheduleCard is a calendar event extracted from the conversation.
type ScheduleCard struct {
	CardIdentity
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at,omitempty"`
	Location string    `json:"location,omitempty"`
	Notes    string    `json:"notes,omitempty"`
	AllDay   bool      `json:"all_day,omitempty"`
}

// ContactCard is a contact record. Impression and Notes are enrichment
// fields attached by a later tool observation.
type ContactCard struct {
	CardIdentity
	Name       string `json:"name"`
	Company    string `json:"company,omitempty"`
	JobTitle   string `json:"job_title,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Impression string `json:"impression,omitempty"`
	Notes      string `json:"notes,omitempty"`
	Avatar     []byte `json:"avatar,omitempty"`
	RawImage   []byte `json:"raw_image,omitempty"`
}

// InvoiceCard is an invoice or receipt.
type InvoiceCard struct {
	CardIdentity
	Vendor   string    `json:"vendor"`
	Number   string    `json:"number,omitempty"`
	Amount   float64   `json:"amount"`
	Currency string    `json:"currency,omitempty"`
	IssuedAt time.Time `json:"issued_at,omitempty"`
	Notes    string    `json:"notes,omitempty"`
}

// MeetingCard is a meeting summary.
type MeetingCard struct {
	CardIdentity
	Title        string    `json:"title"`
	Summary      string    `json:"summary,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	ActionItems  []string  `json:"action_items,omitempty"`
	HeldAt       time.Time `json:"held_at,omitempty"`
}

// Cards groups the independent card lists attached to a turn.
type Cards struct {
	Schedules []ScheduleCard `json:"schedules,omitempty"`
	Contacts  []ContactCard  `json:"contacts,omitempty"`
	Invoices  []InvoiceCard  `json:"invoices,omitempty"`
	Meetings  []MeetingCard  `json:"meetings,omitempty"`
}

// Len returns the total number of cards across all kinds.
func (c Cards) Len() int {
	return len(c.Schedules) + len(c.Contacts) + len(c.Invoices) + len(c.Meetings)
}

// Count returns the number of cards of one kind.
func (c Cards) Count(kind CardKind) int {
	switch kind {
	case KindSchedule:
		return len(c.Schedules)
	case KindContact:
		return len(c.Contacts)
	case KindInvoice:
		return len(c.Invoices)
	case KindMeeting:
		return len(c.Meetings)
	}
	return 0
}

// Clone copies every list so the result shares no backing arrays with c.
func (c Cards) Clone() Cards {
	out := Cards{
		Schedules: append([]ScheduleCard(nil), c.Schedules...),
		Invoices:  append([]InvoiceCard(nil), c.Invoices...),
	}
	for _, ct := range c.Contacts {
		ct.Avatar = append([]byte(nil), ct.Avatar...)
		ct.RawImage = append([]byte(nil), ct.RawImage...)
		out.Contacts = append(out.Contacts, ct)
	}
	for _, m := range c.Meetings {
		m.Participants = append([]string(nil), m.Participants...)
		m.ActionItems = append([]string(nil), m.ActionItems...)
		out.Meetings = append(out.Meetings, m)
	}
	return out
}

// ScheduleRemoteIDs returns the set of remote identities of the schedule cards.
func (c Cards) ScheduleRemoteIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(c.Schedules))
	for _, s := range c.Schedules {
		if s.RemoteID != "" {
			ids[s.RemoteID] = struct{}{}
		}
	}
	return ids
}

// StructuredDelta is one partial extraction result from the backend.
// Text is nil when the fragment carries no text. IsDelta is false for a
// final snapshot.
type StructuredDelta struct {
	Text             *string   `json:"text,omitempty"`
	IsDelta          bool      `json:"is_delta"`
	CorrelationToken string    `json:"correlation_token,omitempty"`
	Cards            Cards     `json:"cards"`
	Tools            ToolFlags `json:"tools"`
}

// CardBatch is the persisted collection of cards of one kind for one turn.
type CardBatch struct {
	TurnID    string
	Kind      CardKind
	Payload   []byte
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
