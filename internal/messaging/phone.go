package messaging

import "github.com/wolfman30/recall-engine/internal/patients"

// NormalizeE164 formats a provider or intake phone as +<digits>, adding the
// Brazilian country code to national numbers.
func NormalizeE164(value string) string {
	return patients.E164(value)
}
