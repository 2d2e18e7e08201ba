package inbound

import (
	"context"

	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// Direct hands replies to the handler in the caller's goroutine. It is the
// publisher used when no inbound queue is configured and applies the same
// dedupe as the consumer, so provider retries are absorbed.
type Direct struct {
	handler Handler
	dedupe  Deduper
	source  string
	metrics *metrics.RecallMetrics
	logger  *logging.Logger
}

func NewDirect(handler Handler, dedupe Deduper, source string, m *metrics.RecallMetrics, logger *logging.Logger) *Direct {
	if logger == nil {
		logger = logging.Default()
	}
	if dedupe == nil {
		dedupe = NewMemoryDeduper()
	}
	if source == "" {
		source = "direct"
	}
	return &Direct{handler: handler, dedupe: dedupe, source: source, metrics: m, logger: logger}
}

// Publish handles r now. Permanent failures are marked processed and
// returned; transient ones are returned without marking.
func (d *Direct) Publish(ctx context.Context, r Reply) error {
	if err := r.Validate(); err != nil {
		d.metrics.ObserveInbound(d.source, "invalid")
		return err
	}
	if seen, err := d.dedupe.AlreadyProcessed(ctx, DedupeScope, r.MessageID); err != nil {
		d.logger.Warn("inbound: dedupe check failed", "error", err, "message_id", r.MessageID)
	} else if seen {
		d.metrics.ObserveInbound(d.source, "duplicate")
		return nil
	}
	err := d.handler.HandleInbound(ctx, r)
	switch {
	case err == nil:
		d.metrics.ObserveInbound(d.source, "handled")
	case IsPermanent(err):
		d.metrics.ObserveInbound(d.source, "rejected")
	default:
		d.metrics.ObserveInbound(d.source, "retry")
		return err
	}
	if _, markErr := d.dedupe.MarkProcessed(ctx, DedupeScope, r.MessageID); markErr != nil {
		d.logger.Warn("inbound: mark processed failed", "error", markErr, "message_id", r.MessageID)
	}
	return err
}
