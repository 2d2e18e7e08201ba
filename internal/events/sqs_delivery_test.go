package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"github.com/wolfman30/recall-engine/pkg/logging"
)

type fakeSender struct {
	input *sqs.SendMessageInput
	err   error
}

func (f *fakeSender) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = in
	return &sqs.SendMessageOutput{}, f.err
}

func TestSQSDeliveryPublishesEnvelope(t *testing.T) {
	sender := &fakeSender{}
	d := NewSQSDelivery(sender, "https://sqs.local/outbox", logging.Discard())
	id := uuid.New()
	entry := OutboxEntry{ID: id, Aggregate: "patient:p1", Type: "recall.slot.offered.v1", Payload: json.RawMessage(`{"patient_id":"p1"}`), CreatedAt: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}

	if err := d.Handle(context.Background(), entry); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if aws.ToString(sender.input.QueueUrl) != "https://sqs.local/outbox" {
		t.Fatalf("unexpected queue url %q", aws.ToString(sender.input.QueueUrl))
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(aws.ToString(sender.input.MessageBody)), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got["id"] != id.String() || got["type"] != "recall.slot.offered.v1" {
		t.Fatalf("unexpected body: %#v", got)
	}
	if attr := sender.input.MessageAttributes["event_type"]; aws.ToString(attr.StringValue) != "recall.slot.offered.v1" {
		t.Fatalf("missing event_type attribute")
	}
}

func TestSQSDeliveryWrapsErrors(t *testing.T) {
	d := NewSQSDelivery(&fakeSender{err: errors.New("throttled")}, "q", logging.Discard())
	if err := d.Handle(context.Background(), OutboxEntry{ID: uuid.New()}); err == nil {
		t.Fatalf("expected error")
	}
	if err := NewLogDelivery(logging.Discard()).Handle(context.Background(), OutboxEntry{}); err != nil {
		t.Fatalf("log delivery: %v", err)
	}
}
