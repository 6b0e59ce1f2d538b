// Package cards persists the card lists attached to turns as versioned
// per-kind batches.
package cards

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/turnkeeper/internal/domain"
)

// DedupBy keeps the first occurrence of each identity and drops later
// duplicates, preserving order.
func DedupBy[T any, K comparable](items []T, key func(T) K) []T {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[K]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		k := key(item)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, item)
	}
	return out
}

func scheduleKey(c domain.ScheduleCard) string { return c.Key() }
func contactKey(c domain.ContactCard) string   { return c.Key() }
func invoiceKey(c domain.InvoiceCard) string   { return c.Key() }
func meetingKey(c domain.MeetingCard) string   { return c.Key() }

// Dedup returns c with the list of the given kind deduplicated by card identity.
func Dedup(c domain.Cards, kind domain.CardKind) domain.Cards {
	switch kind {
	case domain.KindSchedule:
		c.Schedules = DedupBy(c.Schedules, scheduleKey)
	case domain.KindContact:
		c.Contacts = DedupBy(c.Contacts, contactKey)
	case domain.KindInvoice:
		c.Invoices = DedupBy(c.Invoices, invoiceKey)
	case domain.KindMeeting:
		c.Meetings = DedupBy(c.Meetings, meetingKey)
	}
	return c
}

// DedupAll deduplicates every list in c.
func DedupAll(c domain.Cards) domain.Cards {
	for _, k := range domain.AllKinds {
		c = Dedup(c, k)
	}
	return c
}

func encodeKind(c domain.Cards, kind domain.CardKind) ([]byte, error) {
	var v any
	switch kind {
	case domain.KindSchedule:
		v = c.Schedules
	case domain.KindContact:
		v = c.Contacts
	case domain.KindInvoice:
		v = c.Invoices
	case domain.KindMeeting:
		v = c.Meetings
	default:
		return nil, fmt.Errorf("unknown card kind %q", kind)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s cards: %w", kind, err)
	}
	return data, nil
}

// decodeInto appends the cards in payload to the list of the given kind.
func decodeInto(dst *domain.Cards, kind domain.CardKind, payload []byte) error {
	var err error
	switch kind {
	case domain.KindSchedule:
		var list []domain.ScheduleCard
		if err = json.Unmarshal(payload, &list); err == nil {
			dst.Schedules = append(dst.Schedules, list...)
		}
	case domain.KindContact:
		var list []domain.ContactCard
		if err = json.Unmarshal(payload, &list); err == nil {
			dst.Contacts = append(dst.Contacts, list...)
		}
	case domain.KindInvoice:
		var list []domain.InvoiceCard
		if err = json.Unmarshal(payload, &list); err == nil {
			dst.Invoices = append(dst.Invoices, list...)
		}
	case domain.KindMeeting:
		var list []domain.MeetingCard
		if err = json.Unmarshal(payload, &list); err == nil {
			dst.Meetings = append(dst.Meetings, list...)
		}
	default:
		return fmt.Errorf("unknown card kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s cards: %w", kind, err)
	}
	return nil
}

// mergeKind copies the list of one kind from src into dst.
func mergeKind(dst *domain.Cards, src domain.Cards, kind domain.CardKind) {
	switch kind {
	case domain.KindSchedule:
		dst.Schedules = src.Schedules
	case domain.KindContact:
		dst.Contacts = src.Contacts
	case domain.KindInvoice:
		dst.Invoices = src.Invoices
	case domain.KindMeeting:
		dst.Meetings = src.Meetings
	}
}
