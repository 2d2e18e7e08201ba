package messaging

import (
	"strings"

	"github.com/wolfman30/recall-engine/pkg/logging"
)

// ProviderConfig carries the credentials needed to build a gateway.
type ProviderConfig struct {
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
}

// BuildGateway returns Twilio when its credentials are complete and the log
// gateway otherwise. The second result names the choice and the third
// explains why Twilio was skipped.
func BuildGateway(cfg ProviderConfig, logger *logging.Logger) (Gateway, string, string) {
	if logger == nil {
		logger = logging.Default()
	}
	var missing []string
	if cfg.TwilioAccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID missing")
	}
	if cfg.TwilioAuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN missing")
	}
	if cfg.TwilioFromNumber == "" {
		missing = append(missing, "TWILIO_FROM_NUMBER missing")
	}
	if len(missing) > 0 {
		return NewLogGateway(logger), "log", strings.Join(missing, ", ")
	}
	twilio := NewTwilioGateway(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)
	return twilio, "twilio", ""
}
