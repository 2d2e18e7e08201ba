package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/recall-engine/internal/audit"
	"github.com/wolfman30/recall-engine/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/recall-engine/internal/http/middleware"
	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/internal/messaging"
	"github.com/wolfman30/recall-engine/internal/notify"
	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/promotion"
	"github.com/wolfman30/recall-engine/internal/queue"
	"github.com/wolfman30/recall-engine/internal/recall"
	"github.com/wolfman30/recall-engine/internal/scoring"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

const testSecret = "test-secret"

func newTestRouter(t *testing.T, secret string) http.Handler {
	t.Helper()

	logger := logging.Discard()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := patients.NewMemoryStore()
	machine := lifecycle.NewMachine(store, m, logger)
	engine := scoring.MustDefault()
	q := queue.New(store, engine)
	svc, err := recall.NewService(recall.Deps{
		Store:       store,
		Engine:      engine,
		Machine:     machine,
		Queue:       q,
		Coordinator: promotion.NewCoordinator(promotion.NewMemoryLedger(), q, machine, 3, m, logger),
		Outbound:    messaging.NewDispatcher(messaging.NewLogGateway(logger), messaging.DispatcherConfig{}, m, logger),
		Notifier:    notify.NewService(notify.NewFeed(100), nil, "", logger),
		Audit:       audit.NewMemoryLog(),
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	return New(&Config{
		Logger:         logger,
		Admin:          handlers.NewAdminHandler(svc, logger),
		TwilioWebhook:  handlers.NewTwilioWebhookHandler(handlers.TwilioWebhookConfig{AuthToken: "tok"}, nil, m, logger),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		RateLimiter:    httpmiddleware.NewRateLimiter(600, 100),
		AdminJWTSecret: secret,
	})
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, testSecret)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestRouterAdminRequiresToken(t *testing.T) {
	router := newTestRouter(t, testSecret)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	token, err := httpmiddleware.IssueAdminToken(testSecret, "operator@clinic", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRouterPatientLifecycle(t *testing.T) {
	router := newTestRouter(t, "")

	body := `{"id":"p1","name":"Maria","phone":"11999990000","age":70,"specialty":"cardiologia","exam_type":"echocardiogram","appointment_date":"2026-07-15","appointment_time":"10:00"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/patients/p1/transitions", strings.NewReader(`{"event":"dispatch_reminder"}`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("dispatch: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/patients/p1/transitions", strings.NewReader(`{"event":"reinstate"}`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("reinstate from SENT: expected 422, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/patients/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown patient, got %d", rr.Code)
	}
}

func TestRouterTwilioWebhookRequiresSignature(t *testing.T) {
	router := newTestRouter(t, testSecret)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/replies", strings.NewReader("MessageSid=SM1&From=%2B5511999990000&Body=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unsigned webhook, got %d", rr.Code)
	}
}
