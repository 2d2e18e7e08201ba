package intent

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/wolfman30/recall-engine/internal/observability/metrics"
)

// KeywordClassifier recognizes the numeric menu and common Portuguese
// words used in replies to reminders.
type KeywordClassifier struct {
	confirm    map[string]bool
	cancel     map[string]bool
	reschedule map[string]bool
	metrics    *metrics.RecallMetrics
}

// NewKeywordClassifier returns the default vocabulary.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		confirm:    wordSet("1", "sim", "s", "confirmo", "confirmar", "confirmado", "ok", "vou", "estarei", "yes"),
		cancel:     wordSet("2", "nao", "n", "cancelo", "cancelar", "cancela", "desisto", "no"),
		reschedule: wordSet("3", "remarcar", "reagendar", "remarco", "reagendo", "outro dia", "outra data"),
	}
}

func wordSet(words ...string) map[string]bool {
	out := make(map[string]bool, len(words))
	for _, w := range words {
		out[w] = true
	}
	return out
}

// WithMetrics counts every classification under the keyword label.
func (k *KeywordClassifier) WithMetrics(m *metrics.RecallMetrics) *KeywordClassifier {
	k.metrics = m
	return k
}

// Classify never fails; unrecognized text is Unknown.
func (k *KeywordClassifier) Classify(_ context.Context, _ string, text string) (Intent, error) {
	in := k.match(text)
	k.metrics.ObserveIntent(string(in), "keyword")
	return in, nil
}

func (k *KeywordClassifier) match(text string) Intent {
	normalized := Normalize(text)
	if normalized == "" {
		return Unknown
	}
	switch {
	case k.reschedule[normalized]:
		return Reschedule
	case k.confirm[normalized]:
		return Confirm
	case k.cancel[normalized]:
		return Cancel
	}
	// "sim, confirmo" or "nao vou poder": first decisive token wins, with
	// reschedule phrases checked across the whole reply.
	for phrase := range k.reschedule {
		if strings.Contains(normalized, phrase) && len(phrase) > 1 {
			return Reschedule
		}
	}
	for _, token := range strings.Fields(normalized) {
		switch {
		case k.cancel[token]:
			return Cancel
		case k.confirm[token]:
			return Confirm
		}
	}
	return Unknown
}

// stripMarks returns a fresh accent-removing transformer. Chains keep
// state between calls and cannot be shared across goroutines.
func stripMarks() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// Normalize lower-cases text, strips accents and punctuation and collapses
// whitespace, so "Não!" and "nao" compare equal.
func Normalize(text string) string {
	folded, _, err := transform.String(stripMarks(), strings.ToLower(text))
	if err != nil {
		folded = strings.ToLower(text)
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(cleaned), " ")
}
