package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type untypedEvent struct{ ReplyReceivedV1 }

func (untypedEvent) EventType() string { return "" }

func TestSealUsesEventAggregateAndCorrelation(t *testing.T) {
	received := time.Date(2026, 7, 1, 9, 30, 0, 0, time.FixedZone("BRT", -3*3600))
	env, err := Seal(ReplyReceivedV1{
		MessageID:  "SM123",
		PatientID:  "p1",
		FromE164:   "+5511988887777",
		Body:       "sim",
		Intent:     "CONFIRM",
		Source:     "twilio",
		ReceivedAt: received,
	}, time.Now())
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, env.ID)
	assert.Equal(t, "recall.reply.received.v1", env.Type)
	assert.Equal(t, "patient:p1", env.Aggregate)
	assert.Equal(t, "SM123", env.CorrelationID)
	assert.Equal(t, received.UTC(), env.OccurredAt)

	var payload ReplyReceivedV1
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "CONFIRM", payload.Intent)
}

func TestSealGroupsQueueEventsBySpecialty(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	env, err := Seal(PromotionEmptyV1{Specialty: " Cardiologia ", CancellationKey: "p1:v4"}, now)
	require.NoError(t, err)
	assert.Equal(t, "specialty:cardiologia", env.Aggregate)
	assert.Equal(t, "p1:v4", env.CorrelationID)
	assert.Equal(t, now, env.OccurredAt, "missing occurrence time falls back to now")
}

func TestSealRejectsIncompleteEvents(t *testing.T) {
	_, err := Seal(nil, time.Now())
	assert.ErrorIs(t, err, ErrNilEvent)

	_, err = Seal(untypedEvent{}, time.Now())
	assert.ErrorIs(t, err, ErrUntyped)

	_, err = Seal(PromotionFailedV1{CancellationKey: "k"}, time.Now())
	assert.ErrorIs(t, err, ErrNoAggregate)

	_, err = Seal(SlotOfferedV1{Specialty: "cardio"}, time.Now())
	assert.ErrorIs(t, err, ErrNoAggregate)
}
