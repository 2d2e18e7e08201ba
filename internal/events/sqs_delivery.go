package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/recall-engine/pkg/logging"
)

// SQSSender is the slice of the SQS client the outbox publisher needs.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSDelivery forwards outbox entries to an SQS queue for downstream
// consumers (reporting, CRM sync).
type SQSDelivery struct {
	client   SQSSender
	queueURL string
	logger   *logging.Logger
}

func NewSQSDelivery(client SQSSender, queueURL string, logger *logging.Logger) *SQSDelivery {
	if client == nil || queueURL == "" {
		panic("events: sqs client and queue url required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SQSDelivery{client: client, queueURL: queueURL, logger: logger}
}

type sqsEnvelope struct {
	ID        string          `json:"id"`
	Aggregate string          `json:"aggregate"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

func (d *SQSDelivery) Handle(ctx context.Context, entry OutboxEntry) error {
	body, err := json.Marshal(sqsEnvelope{
		ID:        entry.ID.String(),
		Aggregate: entry.Aggregate,
		Type:      entry.Type,
		Payload:   entry.Payload,
		CreatedAt: entry.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	})
	if err != nil {
		return fmt.Errorf("events: encode outbox entry: %w", err)
	}
	_, err = d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(entry.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", entry.ID, err)
	}
	d.logger.Debug("outbox entry published", "id", entry.ID, "type", entry.Type)
	return nil
}

// LogDelivery logs entries; used when no downstream queue is configured.
type LogDelivery struct {
	logger *logging.Logger
}

func NewLogDelivery(logger *logging.Logger) *LogDelivery {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogDelivery{logger: logger}
}

func (d *LogDelivery) Handle(_ context.Context, entry OutboxEntry) error {
	d.logger.Info("outbox entry", "id", entry.ID, "aggregate", entry.Aggregate, "type", entry.Type)
	return nil
}
