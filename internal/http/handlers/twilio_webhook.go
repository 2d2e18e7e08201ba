package handlers

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/recall-engine/internal/inbound"
	"github.com/wolfman30/recall-engine/internal/messaging"
	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

var webhookTracer = otel.Tracer("recall.internal.http.handlers.twilio")

// Publisher accepts a verified patient reply. inbound.SQSQueue hands it to
// the worker; inbound.Direct handles it in-process.
type Publisher interface {
	Publish(ctx context.Context, reply inbound.Reply) error
}

// TwilioWebhookConfig configures signature checks.
type TwilioWebhookConfig struct {
	AuthToken     string
	PublicBaseURL string
	// SkipSignature disables validation for local runs only.
	SkipSignature bool
}

// TwilioWebhookHandler receives inbound SMS replies.
type TwilioWebhookHandler struct {
	cfg       TwilioWebhookConfig
	publisher Publisher
	metrics   *metrics.RecallMetrics
	logger    *logging.Logger
	now       func() time.Time
}

func NewTwilioWebhookHandler(cfg TwilioWebhookConfig, publisher Publisher, m *metrics.RecallMetrics, logger *logging.Logger) *TwilioWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioWebhookHandler{cfg: cfg, publisher: publisher, metrics: m, logger: logger, now: time.Now}
}

// Handle processes POST /webhooks/twilio/replies.
func (h *TwilioWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	ctx, span := webhookTracer.Start(r.Context(), "twilio.webhook")
	defer span.End()
	defer func() {
		h.metrics.ObserveWebhookLatency("twilio", time.Since(start).Seconds())
	}()

	if !h.cfg.SkipSignature {
		if h.cfg.AuthToken == "" {
			h.logger.Error("twilio webhook rejected: auth token not configured")
			span.SetStatus(codes.Error, "auth token missing")
			http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
			return
		}
		if !messaging.ValidateTwilioSignature(r, h.cfg.AuthToken, messaging.AbsoluteURL(r, h.cfg.PublicBaseURL)) {
			h.metrics.ObserveInbound("twilio", "bad_signature")
			span.SetStatus(codes.Error, "invalid signature")
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	sms, err := messaging.ParseTwilioWebhook(r)
	if err != nil {
		h.metrics.ObserveInbound("twilio", "invalid")
		span.RecordError(err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("twilio.message_sid", sms.MessageID))

	reply := inbound.Reply{
		MessageID:  sms.MessageID,
		From:       sms.From,
		Body:       sms.Body,
		Source:     "twilio",
		ReceivedAt: start.UTC(),
	}
	if err := h.publisher.Publish(ctx, reply); err != nil {
		if inbound.IsPermanent(err) {
			// Unknown sender or bad payload: acknowledge so Twilio stops retrying.
			h.logger.Warn("twilio reply dropped", "message_sid", sms.MessageID, "error", err)
			writeTwiML(w)
			return
		}
		h.logger.Error("twilio reply publish failed", "message_sid", sms.MessageID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
		return
	}
	writeTwiML(w)
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(messaging.TwiMLEmpty))
}
