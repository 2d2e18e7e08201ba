// Package intent classifies free-text patient replies and maps the result
// onto lifecycle events.
package intent

import (
	"context"
	"strings"

	"github.com/wolfman30/recall-engine/internal/lifecycle"
)

// Intent is what a patient meant by a reply.
type Intent string

const (
	Confirm    Intent = "CONFIRM"
	Cancel     Intent = "CANCEL"
	Reschedule Intent = "RESCHEDULE"
	Unknown    Intent = "UNKNOWN"
)

// Parse maps a label onto an Intent; anything unrecognized is Unknown.
func Parse(label string) Intent {
	switch Intent(strings.ToUpper(strings.TrimSpace(label))) {
	case Confirm:
		return Confirm
	case Cancel:
		return Cancel
	case Reschedule:
		return Reschedule
	default:
		return Unknown
	}
}

// Classifier turns reply text into an Intent.
type Classifier interface {
	Classify(ctx context.Context, patientID, text string) (Intent, error)
}

// Action is the ordered list of lifecycle events an intent triggers.
type Action struct {
	Events []lifecycle.Event
}

// Map returns the action for in. The second result is false for Unknown,
// which leaves the patient untouched for manual review.
//
// Reschedule is a cancellation followed by reinstatement: the freed slot
// cascades to the queue and the patient waits for a new one.
func Map(in Intent) (Action, bool) {
	switch in {
	case Confirm:
		return Action{Events: []lifecycle.Event{lifecycle.EventConfirm}}, true
	case Cancel:
		return Action{Events: []lifecycle.Event{lifecycle.EventCancel}}, true
	case Reschedule:
		return Action{Events: []lifecycle.Event{lifecycle.EventCancel, lifecycle.EventReinstate}}, true
	default:
		return Action{}, false
	}
}
