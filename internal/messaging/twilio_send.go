package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/recall-engine/pkg/logging"
)

var twilioSendTracer = otel.Tracer("recall.internal.messaging.twilio_send")

const twilioAPIBase = "https://api.twilio.com"

// TwilioGateway posts SMS messages using Twilio's REST API.
type TwilioGateway struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	maxTries   int
	backoff    func(attempt int) time.Duration
	httpClient *http.Client
	logger     *logging.Logger
}

// NewTwilioGateway builds a gateway with a 10s client timeout and three tries.
func NewTwilioGateway(accountSID, authToken, from string, logger *logging.Logger) *TwilioGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioGateway{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    twilioAPIBase,
		maxTries:   3,
		backoff: func(int) time.Duration {
			return time.Duration(200+rand.Intn(300)) * time.Millisecond
		},
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// WithBaseURL points the gateway at another API host (tests).
func (g *TwilioGateway) WithBaseURL(base string) *TwilioGateway {
	g.baseURL = strings.TrimRight(base, "/")
	g.backoff = func(int) time.Duration { return 0 }
	return g
}

var _ Gateway = (*TwilioGateway)(nil)

// Send dispatches one SMS, retrying network errors, 429 and 5xx responses.
func (g *TwilioGateway) Send(ctx context.Context, msg Message) (DeliveryReceipt, error) {
	if g.accountSID == "" || g.authToken == "" {
		return DeliveryReceipt{}, errors.New("messaging: twilio credentials missing")
	}
	if g.from == "" {
		return DeliveryReceipt{}, errors.New("messaging: from required")
	}
	if err := msg.validate(); err != nil {
		return DeliveryReceipt{}, err
	}

	ctx, span := twilioSendTracer.Start(ctx, "messaging.twilio.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("recall.patient_id", msg.PatientID),
		attribute.String("recall.message_kind", string(msg.Kind)),
	)

	payload := url.Values{}
	payload.Set("To", msg.To)
	payload.Set("From", g.from)
	payload.Set("Body", msg.Body)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", g.baseURL, g.accountSID)

	var lastErr error
	for attempt := 1; attempt <= g.maxTries; attempt++ {
		receipt, retry, err := g.post(ctx, endpoint, payload)
		if err == nil {
			g.logger.Info("messaging: twilio sms sent",
				"patient_id", msg.PatientID,
				"kind", msg.Kind,
				"sid", receipt.ProviderID,
			)
			return receipt, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		if attempt < g.maxTries {
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				return DeliveryReceipt{}, ctx.Err()
			case <-time.After(g.backoff(attempt)):
			}
		}
	}
	span.RecordError(lastErr)
	return DeliveryReceipt{}, lastErr
}

func (g *TwilioGateway) post(ctx context.Context, endpoint string, payload url.Values) (DeliveryReceipt, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
	if err != nil {
		return DeliveryReceipt{}, false, err
	}
	req.SetBasicAuth(g.accountSID, g.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return DeliveryReceipt{}, true, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed struct {
			SID    string `json:"sid"`
			Status string `json:"status"`
		}
		_ = json.Unmarshal(body, &parsed)
		return DeliveryReceipt{
			ProviderID: parsed.SID,
			Provider:   "twilio",
			Status:     parsed.Status,
			SentAt:     time.Now().UTC(),
		}, false, nil
	}
	err = fmt.Errorf("messaging: twilio send failed: %s", formatTwilioError(resp.StatusCode, body))
	// 4xx other than rate limiting will not succeed on retry.
	retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return DeliveryReceipt{}, retry, err
}

type twilioAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func formatTwilioError(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Sprintf("status %d", status)
	}
	var parsed twilioAPIError
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("status %d code %d: %s", status, parsed.Code, parsed.Message)
		}
		return fmt.Sprintf("status %d: %s", status, parsed.Message)
	}
	return fmt.Sprintf("status %d: %s", status, trimmed)
}
