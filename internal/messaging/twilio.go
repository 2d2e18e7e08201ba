package messaging

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// TwiMLEmpty acknowledges a webhook without an immediate reply; acks go
// out through the dispatcher instead.
const TwiMLEmpty = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// ValidateTwilioSignature checks X-Twilio-Signature against the form body.
func ValidateTwilioSignature(r *http.Request, authToken, webhookURL string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	expected := SignTwilioRequest(authToken, webhookURL, r.PostForm)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// SignTwilioRequest computes the signature Twilio would send for params
// posted to webhookURL: base64(HMAC-SHA1(url + sorted key/value pairs)).
func SignTwilioRequest(authToken, webhookURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(webhookURL)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}
	h := hmac.New(sha1.New, []byte(authToken))
	h.Write([]byte(payload.String()))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// InboundSMS is a patient reply delivered by a provider webhook.
type InboundSMS struct {
	MessageID string
	From      string
	To        string
	Body      string
}

// ParseTwilioWebhook reads the form fields Twilio posts for an inbound SMS.
func ParseTwilioWebhook(r *http.Request) (InboundSMS, error) {
	if err := r.ParseForm(); err != nil {
		return InboundSMS{}, fmt.Errorf("messaging: parse form: %w", err)
	}
	in := InboundSMS{
		MessageID: r.FormValue("MessageSid"),
		From:      NormalizeE164(r.FormValue("From")),
		To:        NormalizeE164(r.FormValue("To")),
		Body:      strings.TrimSpace(r.FormValue("Body")),
	}
	if in.MessageID == "" || in.From == "" {
		return InboundSMS{}, fmt.Errorf("messaging: twilio payload missing MessageSid or From")
	}
	return in, nil
}

// AbsoluteURL rebuilds the public URL of r, honoring proxy headers, for
// signature validation behind a load balancer.
func AbsoluteURL(r *http.Request, publicBase string) string {
	if publicBase != "" {
		return strings.TrimRight(publicBase, "/") + r.URL.RequestURI()
	}
	if r.URL.Scheme != "" && r.URL.Host != "" {
		return r.URL.String()
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
		if r.TLS == nil {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}
