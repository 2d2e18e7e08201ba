package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// Completion is a single-turn prompt for a language model.
type Completion struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int32
	Temperature float32
}

// LLMClient completes a prompt and returns the model's text.
type LLMClient interface {
	Complete(ctx context.Context, req Completion) (string, error)
}

const classifierPrompt = `Você classifica respostas de pacientes a lembretes de consulta.
Responda SOMENTE com JSON no formato {"intent": "<INTENT>"} onde <INTENT> é um de:
- CONFIRM: o paciente confirma presença na consulta
- CANCEL: o paciente não poderá comparecer e desiste do horário
- RESCHEDULE: o paciente quer outra data ou horário
- UNKNOWN: não é possível determinar`

// LLMClassifier asks a model for the intent and falls back to keywords when
// the model fails, times out or answers with something unparseable.
type LLMClassifier struct {
	client   LLMClient
	model    string
	timeout  time.Duration
	fallback *KeywordClassifier
	metrics  *metrics.RecallMetrics
	logger   *logging.Logger
}

// NewLLMClassifier wraps client. timeout <= 0 means 5s.
func NewLLMClassifier(client LLMClient, model string, timeout time.Duration, m *metrics.RecallMetrics, logger *logging.Logger) *LLMClassifier {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LLMClassifier{
		client:   client,
		model:    model,
		timeout:  timeout,
		fallback: NewKeywordClassifier(),
		metrics:  m,
		logger:   logger,
	}
}

// Classify tries keywords first: a bare "1" or "não" never needs a model.
func (c *LLMClassifier) Classify(ctx context.Context, patientID, text string) (Intent, error) {
	if in := c.fallback.match(text); in != Unknown {
		c.metrics.ObserveIntent(string(in), "keyword")
		return in, nil
	}
	if c.client == nil || strings.TrimSpace(text) == "" {
		c.metrics.ObserveIntent(string(Unknown), "keyword")
		return Unknown, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.client.Complete(callCtx, Completion{
		Model:       c.model,
		System:      classifierPrompt,
		Prompt:      fmt.Sprintf("Resposta do paciente: %q", text),
		MaxTokens:   32,
		Temperature: 0,
	})
	if err != nil {
		c.logger.Warn("intent: llm classification failed, using keywords", "patient_id", patientID, "error", err)
		c.metrics.ObserveIntent(string(Unknown), "fallback")
		return Unknown, nil
	}
	in, err := parseIntentJSON(raw)
	if err != nil {
		c.logger.Warn("intent: unparseable llm output", "patient_id", patientID, "error", err)
		c.metrics.ObserveIntent(string(Unknown), "fallback")
		return Unknown, nil
	}
	c.metrics.ObserveIntent(string(in), "llm")
	return in, nil
}

func parseIntentJSON(raw string) (Intent, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Unknown, fmt.Errorf("intent: no json object in %q", raw)
	}
	var payload struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return Unknown, fmt.Errorf("intent: decode: %w", err)
	}
	return Parse(payload.Intent), nil
}
