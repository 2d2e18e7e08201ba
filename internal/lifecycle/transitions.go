// Package lifecycle owns the appointment state machine. Every status write
// goes through Machine.Apply, which serializes requests per patient and
// persists them with the store's compare-and-swap.
package lifecycle

import (
	"fmt"
	"strings"

	"github.com/wolfman30/recall-engine/internal/patients"
)

// Event is a request to move a patient between statuses.
type Event string

const (
	EventDispatchReminder Event = "dispatch_reminder"
	EventConfirm          Event = "confirm"
	EventCancel           Event = "cancel"
	EventTimeout          Event = "timeout"
	EventOfferSlot        Event = "offer_slot"
	EventReinstate        Event = "reinstate"
	EventWaitlist         Event = "waitlist"
)

var allEvents = []Event{
	EventDispatchReminder,
	EventConfirm,
	EventCancel,
	EventTimeout,
	EventOfferSlot,
	EventReinstate,
	EventWaitlist,
}

// ParseEvent accepts any casing and dashes for underscores.
func ParseEvent(raw string) (Event, error) {
	e := Event(strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_")))
	for _, known := range allEvents {
		if e == known {
			return e, nil
		}
	}
	return "", &patients.ValidationError{Field: "event", Reason: fmt.Sprintf("unknown event %q", raw)}
}

type edge struct {
	from  patients.Status
	event Event
}

var table = map[edge]patients.Status{
	{patients.StatusPending, EventDispatchReminder}: patients.StatusSent,
	{patients.StatusPending, EventWaitlist}:         patients.StatusWaitlisted,
	{patients.StatusSent, EventConfirm}:             patients.StatusConfirmed,
	{patients.StatusSent, EventCancel}:              patients.StatusCancelled,
	{patients.StatusSent, EventTimeout}:             patients.StatusNoShow,
	{patients.StatusWaitlisted, EventOfferSlot}:     patients.StatusSent,
	{patients.StatusConfirmed, EventReinstate}:      patients.StatusWaitlisted,
	{patients.StatusCancelled, EventReinstate}:      patients.StatusWaitlisted,
	{patients.StatusNoShow, EventReinstate}:         patients.StatusWaitlisted,
}

// Next returns the target status for event from status from.
func Next(from patients.Status, event Event) (patients.Status, bool) {
	to, ok := table[edge{from: from, event: event}]
	return to, ok
}

// Allowed lists the events accepted from status, in declaration order.
func Allowed(from patients.Status) []Event {
	var out []Event
	for _, e := range allEvents {
		if _, ok := Next(from, e); ok {
			out = append(out, e)
		}
	}
	return out
}
