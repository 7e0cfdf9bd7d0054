// Package models defines the per-turn contracts exchanged with transports.
package models

import (
	"encoding/json"
	"errors"
	"strings"
)

// Action tells the transport what to do after speaking the reply.
type Action string

const (
	ActionContinue        Action = "continue"
	ActionEscalate        Action = "escalate"
	ActionTakeMessage     Action = "take-message"
	ActionEndCall         Action = "end-call"
	ActionBookingComplete Action = "booking-complete"
	// ActionNoMatch asks the caller to route the utterance to the fallback tier.
	ActionNoMatch Action = "no-match"
)

// Verdict is the validation outcome of a slot candidate.
type Verdict string

const (
	VerdictPending  Verdict = "pending"
	VerdictAccepted Verdict = "accepted"
	VerdictRejected Verdict = "rejected"
)

// SlotCandidate is a value pulled out of an utterance for one slot.
type SlotCandidate struct {
	Span     string   `json:"span"`
	Token    string   `json:"token"`
	Display  string   `json:"display"`
	Parts    []string `json:"parts,omitempty"`
	Score    float64  `json:"score"`
	Verdict  Verdict  `json:"verdict"`
	Attempt  int      `json:"attempt"`
	Explicit bool     `json:"explicit,omitempty"`
	// Intro marks a self-introduction ("I'm ..."), which also fits ordinary
	// adjectives and so only counts when the token scores as a real name.
	Intro bool `json:"intro,omitempty"`
}

// Booking outcomes recorded in turn traces.
const (
	OutcomeAdvance          = "advance"
	OutcomeAskPrompt        = "ask-prompt"
	OutcomeReprompt         = "reprompt"
	OutcomeSpellingFallback = "spelling-fallback"
	OutcomeEscalate         = "escalate"
	OutcomeComplete         = "complete"
)

// TurnTrace records how a reply was decided, for logs and debugging.
type TurnTrace struct {
	TurnID          string         `json:"turnId,omitempty"`
	Normalized      string         `json:"normalized"`
	TriageRuleID    string         `json:"triageRuleId,omitempty"`
	TriageAction    string         `json:"triageAction,omitempty"`
	ScenarioID      string         `json:"scenarioId,omitempty"`
	Confidence      float64        `json:"confidence,omitempty"`
	Alternates      []Alternate    `json:"alternates,omitempty"`
	Ambiguous       bool           `json:"ambiguous,omitempty"`
	StepBefore      StepID         `json:"stepBefore,omitempty"`
	StepAfter       StepID         `json:"stepAfter,omitempty"`
	BookingOutcome  string         `json:"bookingOutcome,omitempty"`
	Candidate       *SlotCandidate `json:"candidate,omitempty"`
	FailureKind     string         `json:"failureKind,omitempty"`
	ModeBefore      Mode           `json:"modeBefore,omitempty"`
	ModeAfter       Mode           `json:"modeAfter,omitempty"`
	Replayed        bool           `json:"replayed,omitempty"`
	PersistenceFail bool           `json:"persistenceFailure,omitempty"`
}

// Alternate is a ranked runner-up scenario.
type Alternate struct {
	ScenarioID string  `json:"scenarioId"`
	Confidence float64 `json:"confidence"`
	Priority   int     `json:"priority"`
	Cleared    bool    `json:"cleared"`
}

// TurnRequest is the inbound turn contract.
type TurnRequest struct {
	TenantID      string `json:"tenantId"`
	SessionID     string `json:"sessionId"`
	UtteranceText string `json:"utteranceText"`
	// TurnKey identifies a delivery of this turn; redeliveries with the same key replay the first response.
	TurnKey string `json:"turnKey,omitempty"`
}

// Validation errors for TurnRequest.
var (
	ErrEmptyTenant  = errors.New("tenantId is required")
	ErrEmptySession = errors.New("sessionId is required")
)

// Validate checks required fields. An empty utterance is a valid turn (silence).
func (r TurnRequest) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return ErrEmptyTenant
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return ErrEmptySession
	}
	return nil
}

// TurnResponse is the outbound turn contract.
type TurnResponse struct {
	ReplyText     string          `json:"replyText"`
	NextStateBlob json.RawMessage `json:"nextStateBlob"`
	Action        Action          `json:"action"`
	// EscalationReason is set when Action is ActionEscalate.
	EscalationReason string    `json:"escalationReason,omitempty"`
	Trace            TurnTrace `json:"trace"`
}
