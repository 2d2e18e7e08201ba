package events

import "time"

// PatientCancelledV1 is emitted when a patient's reply frees a slot.
type PatientCancelledV1 struct {
	PatientID       string     `json:"patient_id"`
	Specialty       string     `json:"specialty"`
	AppointmentDate *time.Time `json:"appointment_date,omitempty"`
	AppointmentTime string     `json:"appointment_time,omitempty"`
	CancellationKey string     `json:"cancellation_key"`
	Reason          string     `json:"reason,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
}

func (PatientCancelledV1) EventType() string { return "recall.patient.cancelled.v1" }
func (e PatientCancelledV1) AggregateID() string { return patientAggregate(e.PatientID) }
func (e PatientCancelledV1) Correlation() string { return e.CancellationKey }
func (e PatientCancelledV1) OccurredOn() time.Time { return e.OccurredAt }

// SlotOfferedV1 is emitted when a waiting patient is promoted into a slot.
type SlotOfferedV1 struct {
	PatientID       string    `json:"patient_id"`
	Specialty       string    `json:"specialty"`
	AppointmentDate time.Time `json:"appointment_date"`
	AppointmentTime string    `json:"appointment_time,omitempty"`
	Score           int       `json:"score"`
	CancellationKey string    `json:"cancellation_key"`
	Attempts        int       `json:"attempts"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func (SlotOfferedV1) EventType() string { return "recall.slot.offered.v1" }
func (e SlotOfferedV1) AggregateID() string { return patientAggregate(e.PatientID) }
func (e SlotOfferedV1) Correlation() string { return e.CancellationKey }
func (e SlotOfferedV1) OccurredOn() time.Time { return e.OccurredAt }

// PromotionEmptyV1 is emitted when a freed slot had nobody waiting.
type PromotionEmptyV1 struct {
	Specialty       string    `json:"specialty"`
	CancellationKey string    `json:"cancellation_key"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func (PromotionEmptyV1) EventType() string { return "recall.promotion.empty.v1" }
func (e PromotionEmptyV1) AggregateID() string { return specialtyAggregate(e.Specialty) }
func (e PromotionEmptyV1) Correlation() string { return e.CancellationKey }
func (e PromotionEmptyV1) OccurredOn() time.Time { return e.OccurredAt }

// PromotionFailedV1 is emitted when every candidate was lost to a race and
// the slot stays open for an operator.
type PromotionFailedV1 struct {
	Specialty       string    `json:"specialty"`
	CancellationKey string    `json:"cancellation_key"`
	Attempts        int       `json:"attempts"`
	Error           string    `json:"error"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func (PromotionFailedV1) EventType() string { return "recall.promotion.failed.v1" }
func (e PromotionFailedV1) AggregateID() string { return specialtyAggregate(e.Specialty) }
func (e PromotionFailedV1) Correlation() string { return e.CancellationKey }
func (e PromotionFailedV1) OccurredOn() time.Time { return e.OccurredAt }

// ReplyReceivedV1 captures an inbound patient reply after classification.
type ReplyReceivedV1 struct {
	MessageID  string    `json:"message_id"`
	PatientID  string    `json:"patient_id"`
	FromE164   string    `json:"from_e164"`
	Body       string    `json:"body"`
	Intent     string    `json:"intent"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`
}

func (ReplyReceivedV1) EventType() string { return "recall.reply.received.v1" }
func (e ReplyReceivedV1) AggregateID() string { return patientAggregate(e.PatientID) }
func (e ReplyReceivedV1) Correlation() string { return e.MessageID }
func (e ReplyReceivedV1) OccurredOn() time.Time { return e.ReceivedAt }
