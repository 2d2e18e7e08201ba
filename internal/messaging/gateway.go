// Package messaging sends patient-facing SMS and parses inbound replies.
package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/recall-engine/pkg/logging"
)

// Kind names the purpose of an outbound message.
type Kind string

const (
	KindReminder       Kind = "reminder"
	KindOffer          Kind = "offer"
	KindConfirmAck     Kind = "confirm_ack"
	KindCancelAck      Kind = "cancel_ack"
	KindRescheduleAck  Kind = "reschedule_ack"
	KindHelp           Kind = "help"
	KindPreAppointment Kind = "pre_appointment"
)

// Message is one outbound SMS.
type Message struct {
	PatientID string
	To        string
	Body      string
	Kind      Kind
	// Key deduplicates retries on the dispatcher; optional.
	Key string
}

// DeliveryReceipt is what the provider reported for a send.
type DeliveryReceipt struct {
	ProviderID string    `json:"provider_id"`
	Provider   string    `json:"provider"`
	Status     string    `json:"status"`
	SentAt     time.Time `json:"sent_at"`
}

// Gateway delivers a message to a patient.
type Gateway interface {
	Send(ctx context.Context, msg Message) (DeliveryReceipt, error)
}

var (
	errMissingTo   = errors.New("messaging: to required")
	errMissingBody = errors.New("messaging: body required")
)

func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errMissingTo
	}
	if strings.TrimSpace(m.Body) == "" {
		return errMissingBody
	}
	return nil
}

// LogGateway records messages instead of sending them. It backs local
// development and any deployment without SMS credentials.
type LogGateway struct {
	logger *logging.Logger

	mu   sync.Mutex
	sent []Message
}

func NewLogGateway(logger *logging.Logger) *LogGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(_ context.Context, msg Message) (DeliveryReceipt, error) {
	if err := msg.validate(); err != nil {
		return DeliveryReceipt{}, err
	}
	g.mu.Lock()
	g.sent = append(g.sent, msg)
	g.mu.Unlock()
	g.logger.Info("messaging: sms logged",
		"patient_id", msg.PatientID,
		"kind", msg.Kind,
		"to", msg.To,
		"body", msg.Body,
	)
	return DeliveryReceipt{
		ProviderID: uuid.NewString(),
		Provider:   "log",
		Status:     "logged",
		SentAt:     time.Now().UTC(),
	}, nil
}

// Sent returns a copy of every message seen so far.
func (g *LogGateway) Sent() []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Message(nil), g.sent...)
}
