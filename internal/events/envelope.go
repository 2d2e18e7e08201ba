// Package events defines the recall domain events and the Postgres outbox
// they are written to.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a recall domain event. Every event knows which patient or
// specialty it belongs to and which cancellation or message it traces back
// to, so callers never build envelopes by hand.
type Event interface {
	EventType() string
	AggregateID() string
	Correlation() string
	OccurredOn() time.Time
}

// Envelope is the stored and published form of an Event.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	Aggregate     string          `json:"aggregate"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

var (
	ErrNilEvent    = errors.New("events: nil event")
	ErrUntyped     = errors.New("events: event type missing")
	ErrNoAggregate = errors.New("events: event has no aggregate")
)

func patientAggregate(patientID string) string {
	if strings.TrimSpace(patientID) == "" {
		return ""
	}
	return "patient:" + strings.TrimSpace(patientID)
}

func specialtyAggregate(specialty string) string {
	s := strings.ToLower(strings.TrimSpace(specialty))
	if s == "" {
		return ""
	}
	return "specialty:" + s
}

// Seal validates evt and wraps it with a fresh id. Events without an
// occurrence time are stamped with now.
func Seal(evt Event, now time.Time) (Envelope, error) {
	if evt == nil {
		return Envelope{}, ErrNilEvent
	}
	typ := strings.TrimSpace(evt.EventType())
	if typ == "" {
		return Envelope{}, ErrUntyped
	}
	agg := evt.AggregateID()
	if agg == "" {
		return Envelope{}, fmt.Errorf("%w: %s", ErrNoAggregate, typ)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: encode %s: %w", typ, err)
	}
	at := evt.OccurredOn()
	if at.IsZero() {
		at = now
	}
	return Envelope{
		ID:            uuid.New(),
		Type:          typ,
		Aggregate:     agg,
		CorrelationID: strings.TrimSpace(evt.Correlation()),
		OccurredAt:    at.UTC(),
		Payload:       payload,
	}, nil
}
