package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// DedupeScope namespaces SQS message ids in the processed-events table.
const DedupeScope = "inbound.reply"

// Handler processes one reply.
type Handler interface {
	HandleInbound(ctx context.Context, r Reply) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, r Reply) error

func (f HandlerFunc) HandleInbound(ctx context.Context, r Reply) error { return f(ctx, r) }

// Queue is what the consumer reads from.
type Queue interface {
	Receive(ctx context.Context, maxMessages, waitSeconds int) ([]QueueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Deduper remembers processed message ids. events.ProcessedStore satisfies it.
type Deduper interface {
	AlreadyProcessed(ctx context.Context, scope, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, scope, eventID string) (bool, error)
}

// ConsumerConfig tunes polling.
type ConsumerConfig struct {
	Workers     int
	BatchSize   int
	WaitSeconds int
}

// Consumer long-polls the queue and feeds replies to the handler. Messages
// that fail transiently are left for SQS to redeliver.
type Consumer struct {
	queue   Queue
	handler Handler
	dedupe  Deduper
	cfg     ConsumerConfig
	metrics *metrics.RecallMetrics
	logger  *logging.Logger
	wg      sync.WaitGroup
}

func NewConsumer(queue Queue, handler Handler, dedupe Deduper, cfg ConsumerConfig, m *metrics.RecallMetrics, logger *logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.Default()
	}
	if dedupe == nil {
		dedupe = NewMemoryDeduper()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.WaitSeconds < 0 || cfg.WaitSeconds > 20 {
		cfg.WaitSeconds = 20
	}
	return &Consumer{queue: queue, handler: handler, dedupe: dedupe, cfg: cfg, metrics: m, logger: logger}
}

// Start launches the pollers until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.run(ctx, i+1)
	}
}

// Wait blocks until every poller has exited.
func (c *Consumer) Wait() { c.wg.Wait() }

func (c *Consumer) run(ctx context.Context, workerID int) {
	defer c.wg.Done()
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		messages, err := c.queue.Receive(ctx, c.cfg.BatchSize, c.cfg.WaitSeconds)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			c.logger.Error("inbound: receive failed", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		for _, msg := range messages {
			c.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage processes one queue message. It reports whether the
// message was removed from the queue.
func (c *Consumer) HandleMessage(ctx context.Context, msg QueueMessage) bool {
	var reply Reply
	if err := json.Unmarshal([]byte(msg.Body), &reply); err != nil {
		c.logger.Error("inbound: undecodable message dropped", "error", err, "sqs_id", msg.ID)
		c.metrics.ObserveInbound("sqs", "invalid")
		c.delete(msg)
		return true
	}
	if err := reply.Validate(); err != nil {
		c.logger.Error("inbound: invalid reply dropped", "error", err, "sqs_id", msg.ID)
		c.metrics.ObserveInbound("sqs", "invalid")
		c.delete(msg)
		return true
	}

	seen, err := c.dedupe.AlreadyProcessed(ctx, DedupeScope, reply.MessageID)
	if err != nil {
		c.logger.Warn("inbound: dedupe check failed", "error", err, "message_id", reply.MessageID)
	} else if seen {
		c.logger.Info("inbound: duplicate reply skipped", "message_id", reply.MessageID)
		c.metrics.ObserveInbound("sqs", "duplicate")
		c.delete(msg)
		return true
	}

	if err := c.handler.HandleInbound(ctx, reply); err != nil {
		if IsPermanent(err) {
			c.logger.Warn("inbound: reply rejected", "error", err, "message_id", reply.MessageID)
			c.metrics.ObserveInbound("sqs", "rejected")
			c.markAndDelete(ctx, reply, msg)
			return true
		}
		c.logger.Error("inbound: reply failed, leaving for redelivery", "error", err, "message_id", reply.MessageID)
		c.metrics.ObserveInbound("sqs", "retry")
		return false
	}
	c.metrics.ObserveInbound("sqs", "handled")
	c.markAndDelete(ctx, reply, msg)
	return true
}

func (c *Consumer) markAndDelete(ctx context.Context, reply Reply, msg QueueMessage) {
	if _, err := c.dedupe.MarkProcessed(ctx, DedupeScope, reply.MessageID); err != nil {
		c.logger.Warn("inbound: mark processed failed", "error", err, "message_id", reply.MessageID)
	}
	c.delete(msg)
}

func (c *Consumer) delete(msg QueueMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		c.logger.Error("inbound: delete failed", "error", err, "sqs_id", msg.ID)
	}
}

// IsPermanent reports errors that will fail the same way on redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, patients.ErrNotFound) || patients.IsValidation(err)
}

// MemoryDeduper is an in-process Deduper.
type MemoryDeduper struct {
	seen sync.Map
}

func NewMemoryDeduper() *MemoryDeduper { return &MemoryDeduper{} }

func (m *MemoryDeduper) AlreadyProcessed(_ context.Context, scope, eventID string) (bool, error) {
	_, ok := m.seen.Load(scope + "|" + eventID)
	return ok, nil
}

func (m *MemoryDeduper) MarkProcessed(_ context.Context, scope, eventID string) (bool, error) {
	_, loaded := m.seen.LoadOrStore(scope+"|"+eventID, struct{}{})
	return !loaded, nil
}
