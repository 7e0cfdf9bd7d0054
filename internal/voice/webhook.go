// Package voice adapts Twilio Voice webhooks to the turn contract: it parses
// webhook forms, checks request signatures and renders TwiML replies.
package voice

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries the Twilio request signature.
const SignatureHeader = "X-Twilio-Signature"

// IdempotencyHeader is set by Twilio on webhook retries of the same event.
const IdempotencyHeader = "I-Twilio-Idempotency-Token"

// Call statuses that end a call.
var terminalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

// Call is the subset of a Twilio Voice webhook form the service reads.
type Call struct {
	CallSID          string
	AccountSID       string
	From             string
	To               string
	Status           string
	SpeechResult     string
	SpeechConfidence float64
	IdempotencyToken string
}

// Ended reports whether the status callback marks the end of the call.
func (c Call) Ended() bool { return terminalStatuses[strings.ToLower(c.Status)] }

// ParseCall reads the webhook form of r.
func ParseCall(r *http.Request) (Call, error) {
	if err := r.ParseForm(); err != nil {
		return Call{}, fmt.Errorf("failed to parse webhook form: %w", err)
	}
	c := Call{
		CallSID:          r.PostForm.Get("CallSid"),
		AccountSID:       r.PostForm.Get("AccountSid"),
		From:             r.PostForm.Get("From"),
		To:               r.PostForm.Get("To"),
		Status:           r.PostForm.Get("CallStatus"),
		SpeechResult:     strings.TrimSpace(r.PostForm.Get("SpeechResult")),
		IdempotencyToken: r.Header.Get(IdempotencyHeader),
	}
	if raw := r.PostForm.Get("Confidence"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			c.SpeechConfidence = v
		}
	}
	if c.CallSID == "" {
		return Call{}, fmt.Errorf("webhook form has no CallSid")
	}
	return c, nil
}

// Verifier checks Twilio request signatures. A Verifier without an auth
// token accepts every request.
type Verifier struct {
	publicURL string
	validator *client.RequestValidator
}

// NewVerifier creates a Verifier. publicURL is the externally visible base URL
// Twilio signs against, for example https://voice.example.com.
func NewVerifier(authToken, publicURL string) *Verifier {
	v := &Verifier{publicURL: strings.TrimSuffix(publicURL, "/")}
	if authToken != "" {
		rv := client.NewRequestValidator(authToken)
		v.validator = &rv
	}
	return v
}

// Enabled reports whether signatures are checked.
func (v *Verifier) Enabled() bool { return v != nil && v.validator != nil }

// Verify reports whether r carries a valid signature. The form must be parsed.
func (v *Verifier) Verify(r *http.Request) bool {
	if !v.Enabled() {
		return true
	}
	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		slog.Warn("Verifier.Verify: missing signature", "path", r.URL.Path)
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	url := v.publicURL + r.URL.RequestURI()
	if !v.validator.Validate(url, params, sig) {
		slog.Warn("Verifier.Verify: signature mismatch", "url", url)
		return false
	}
	return true
}
