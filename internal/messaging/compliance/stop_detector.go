package compliance

import (
	"strings"
	"unicode"
)

// Signal is a control keyword found at the start of a patient reply.
type Signal int

const (
	SignalNone Signal = iota
	SignalStop
	SignalHelp
)

var stopWords = []string{
	"sair", "parar", "pare", "stop", "cancelar inscricao", "cancelar inscrição",
	"descadastrar", "nao quero mais mensagens", "não quero mais mensagens",
	"unsubscribe",
}

var helpWords = []string{"ajuda", "help", "info", "menu", "?"}

// Detector spots opt-out and help requests before intent classification.
// "cancelar" alone is an appointment cancellation, not an opt-out.
type Detector struct {
	stop []string
	help []string
}

// NewDetector recognizes Portuguese and English keywords.
func NewDetector() *Detector {
	return &Detector{stop: stopWords, help: helpWords}
}

// Detect returns the control signal carried by body, if any.
func (d *Detector) Detect(body string) Signal {
	if d == nil {
		return SignalNone
	}
	text := strings.ToLower(strings.TrimSpace(body))
	text = strings.TrimPrefix(text, "por favor ")
	text = strings.TrimSpace(text)
	if text == "" {
		return SignalNone
	}
	for _, w := range d.stop {
		if hasWordPrefix(text, w) {
			return SignalStop
		}
	}
	for _, w := range d.help {
		if hasWordPrefix(text, w) {
			return SignalHelp
		}
	}
	return SignalNone
}

// IsStop reports an opt-out request.
func (d *Detector) IsStop(body string) bool { return d.Detect(body) == SignalStop }

// IsHelp reports a request for the reply menu.
func (d *Detector) IsHelp(body string) bool { return d.Detect(body) == SignalHelp }

// hasWordPrefix matches w at the start of text ending on a word boundary.
func hasWordPrefix(text, w string) bool {
	if !strings.HasPrefix(text, w) {
		return false
	}
	rest := text[len(w):]
	if rest == "" || w == "?" {
		return true
	}
	r := []rune(rest)[0]
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
