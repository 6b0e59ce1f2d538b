package conversation

import (
	"reflect"

	"github.com/ashureev/turnkeeper/internal/domain"
)

// BindIdentities returns a copy of incoming in which every card without an
// identity carries one. Such a card takes the identity of an existing card
// with the same content; in a snapshot it then falls back to the existing
// card at the same position. Anything left gets a fresh local identity.
// Each existing card lends its identity at most once.
func BindIdentities(existing, incoming domain.Cards, snapshot bool, newID func() string) domain.Cards {
	out := incoming.Clone()
	bindList(existing.Schedules, out.Schedules, scheduleIdent, snapshot, newID)
	bindList(existing.Contacts, out.Contacts, contactIdent, snapshot, newID)
	bindList(existing.Invoices, out.Invoices, invoiceIdent, snapshot, newID)
	bindList(existing.Meetings, out.Meetings, meetingIdent, snapshot, newID)
	return out
}

func scheduleIdent(c *domain.ScheduleCard) *domain.CardIdentity { return &c.CardIdentity }
func contactIdent(c *domain.ContactCard) *domain.CardIdentity   { return &c.CardIdentity }
func invoiceIdent(c *domain.InvoiceCard) *domain.CardIdentity   { return &c.CardIdentity }
func meetingIdent(c *domain.MeetingCard) *domain.CardIdentity   { return &c.CardIdentity }

func bindList[T any](existing, incoming []T, ident func(*T) *domain.CardIdentity, positional bool, newID func() string) {
	claimed := make([]bool, len(existing))
	for i := range existing {
		// An existing card without identity can never be matched again.
		if isBlank(*ident(&existing[i])) {
			claimed[i] = true
		}
	}

	pending := make([]bool, len(incoming))
	for j := range incoming {
		id := *ident(&incoming[j])
		if isBlank(id) {
			pending[j] = true
			continue
		}
		for i := range existing {
			if !claimed[i] && ident(&existing[i]).Matches(id) {
				claimed[i] = true
				break
			}
		}
	}

	for j := range incoming {
		if !pending[j] {
			continue
		}
		for i := range existing {
			if !claimed[i] && sameContent(existing[i], incoming[j], ident) {
				*ident(&incoming[j]) = *ident(&existing[i])
				claimed[i] = true
				pending[j] = false
				break
			}
		}
	}

	if positional {
		for j := range incoming {
			if pending[j] && j < len(existing) && !claimed[j] {
				*ident(&incoming[j]) = *ident(&existing[j])
				claimed[j] = true
				pending[j] = false
			}
		}
	}

	for j := range incoming {
		if pending[j] {
			ident(&incoming[j]).LocalID = newID()
		}
	}
}

func isBlank(id domain.CardIdentity) bool {
	return id.LocalID == "" && id.RemoteID == ""
}

// sameContent compares two cards with their identities ignored.
func sameContent[T any](a, b T, ident func(*T) *domain.CardIdentity) bool {
	*ident(&a) = domain.CardIdentity{}
	*ident(&b) = domain.CardIdentity{}
	return reflect.DeepEqual(a, b)
}
