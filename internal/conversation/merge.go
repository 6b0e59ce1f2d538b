package conversation

import (
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/turnkeeper/internal/domain"
)

// MergeResult describes what a structured merge changed.
type MergeResult struct {
	Changed      bool
	ChangedKinds []domain.CardKind
	// InvalidatedSchedules lists remote schedule identities that appeared on
	// the turn through a final (non-delta) payload.
	InvalidatedSchedules []string
}

// Merge applies a structured delta to the turn. Fragments for an interrupted
// turn are dropped; fragments arriving after Completed or Error are merged.
func Merge(t *domain.Turn, d domain.StructuredDelta) MergeResult {
	var res MergeResult
	if t.Interrupted {
		return res
	}

	if token := strings.TrimSpace(d.CorrelationToken); token != "" && token != t.AuxNote {
		t.AuxNote = token
		res.Changed = true
	}

	if t.Tools != d.Tools {
		t.Tools = d.Tools
		res.Changed = true
	}

	if d.Text != nil {
		frag := *d.Text
		if strings.TrimSpace(frag) != "" &&
			utf8.RuneCountInString(frag) >= utf8.RuneCountInString(t.Text) &&
			frag != t.Text {
			t.Text = frag
			res.Changed = true
		}
	}

	beforeRemote := t.Cards.ScheduleRemoteIDs()

	if len(d.Cards.Schedules) > 0 {
		merged := mergeList(t.Cards.Schedules, d.Cards.Schedules, scheduleIdentity, replaceSchedule)
		res.noteKind(domain.KindSchedule, !reflect.DeepEqual(merged, t.Cards.Schedules))
		t.Cards.Schedules = merged
	}
	if len(d.Cards.Contacts) > 0 {
		merged := mergeList(t.Cards.Contacts, d.Cards.Contacts, contactIdentity, mergeContact)
		res.noteKind(domain.KindContact, !reflect.DeepEqual(merged, t.Cards.Contacts))
		t.Cards.Contacts = merged
	}
	if len(d.Cards.Invoices) > 0 {
		merged := mergeList(t.Cards.Invoices, d.Cards.Invoices, invoiceIdentity, replaceInvoice)
		res.noteKind(domain.KindInvoice, !reflect.DeepEqual(merged, t.Cards.Invoices))
		t.Cards.Invoices = merged
	}
	if len(d.Cards.Meetings) > 0 {
		merged := mergeList(t.Cards.Meetings, d.Cards.Meetings, meetingIdentity, replaceMeeting)
		res.noteKind(domain.KindMeeting, !reflect.DeepEqual(merged, t.Cards.Meetings))
		t.Cards.Meetings = merged
	}

	// A populated list ends its tool's loading state.
	if clearPopulatedTools(t) {
		res.Changed = true
	}

	if !d.IsDelta && len(d.Cards.Schedules) > 0 {
		for id := range t.Cards.ScheduleRemoteIDs() {
			if _, seen := beforeRemote[id]; !seen {
				res.InvalidatedSchedules = append(res.InvalidatedSchedules, id)
			}
		}
		sort.Strings(res.InvalidatedSchedules)
	}

	return res
}

func (r *MergeResult) noteKind(kind domain.CardKind, changed bool) {
	if !changed {
		return
	}
	r.Changed = true
	r.ChangedKinds = append(r.ChangedKinds, kind)
}

func clearPopulatedTools(t *domain.Turn) bool {
	before := t.Tools
	if len(t.Cards.Schedules) > 0 {
		t.Tools.Schedule = false
	}
	if len(t.Cards.Contacts) > 0 {
		t.Tools.Contact = false
	}
	if len(t.Cards.Invoices) > 0 {
		t.Tools.Invoice = false
	}
	if len(t.Cards.Meetings) > 0 {
		t.Tools.Meeting = false
	}
	return before != t.Tools
}

// mergeList merges incoming cards into existing ones by identity. Matched
// cards are combined in place; unmatched cards are appended in the order
// they first appear.
func mergeList[T any](existing, incoming []T, id func(T) domain.CardIdentity, combine func(old, in T) T) []T {
	out := append([]T(nil), existing...)
	for _, in := range incoming {
		matched := false
		for i := range out {
			if id(out[i]).Matches(id(in)) {
				out[i] = combine(out[i], in)
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, in)
		}
	}
	return out
}

func scheduleIdentity(c domain.ScheduleCard) domain.CardIdentity { return c.CardIdentity }
func contactIdentity(c domain.ContactCard) domain.CardIdentity   { return c.CardIdentity }
func invoiceIdentity(c domain.InvoiceCard) domain.CardIdentity   { return c.CardIdentity }
func meetingIdentity(c domain.MeetingCard) domain.CardIdentity   { return c.CardIdentity }

// keepIdentity never lets an identity regress: a replacement that does not
// carry one of the identities inherits it from the existing card.
func keepIdentity(old, in domain.CardIdentity) domain.CardIdentity {
	if in.LocalID == "" {
		in.LocalID = old.LocalID
	}
	if in.RemoteID == "" {
		in.RemoteID = old.RemoteID
	}
	return in
}

func replaceSchedule(old, in domain.ScheduleCard) domain.ScheduleCard {
	in.CardIdentity = keepIdentity(old.CardIdentity, in.CardIdentity)
	return in
}

func replaceInvoice(old, in domain.InvoiceCard) domain.InvoiceCard {
	in.CardIdentity = keepIdentity(old.CardIdentity, in.CardIdentity)
	return in
}

func replaceMeeting(old, in domain.MeetingCard) domain.MeetingCard {
	in.CardIdentity = keepIdentity(old.CardIdentity, in.CardIdentity)
	return in
}

// mergeContact takes every incoming field except the enrichment fields and
// images, which survive when the incoming card does not carry them.
func mergeContact(old, in domain.ContactCard) domain.ContactCard {
	in.CardIdentity = keepIdentity(old.CardIdentity, in.CardIdentity)
	if strings.TrimSpace(in.Impression) == "" {
		in.Impression = old.Impression
	}
	if strings.TrimSpace(in.Notes) == "" {
		in.Notes = old.Notes
	}
	if len(in.Avatar) == 0 {
		in.Avatar = old.Avatar
	}
	if len(in.RawImage) == 0 {
		in.RawImage = old.RawImage
	}
	return in
}
