// Package models defines the persisted conversation state and its blob codec.
package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// StateVersion is the current blob layout version.
const StateVersion = 1

// SlotValue is a collected piece of structured data.
type SlotValue struct {
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
	Source     SlotSource `json:"source"`
}

// BookingCursor tracks the position inside the booking flow.
type BookingCursor struct {
	StepID   StepID               `json:"stepId,omitempty"`
	Flags    map[FlagKey]TriState `json:"flags,omitempty"`
	Attempts int                  `json:"attempts,omitempty"`
	// Spelled accumulates letters while the step is in letter-by-letter mode.
	Spelled string `json:"spelled,omitempty"`
}

// Flag returns the tri-state value of a sub-flag. Missing keys are Unset.
func (c BookingCursor) Flag(key FlagKey) TriState {
	return c.Flags[key]
}

// SetFlag writes a sub-flag. Writing Unset removes the key.
func (c *BookingCursor) SetFlag(key FlagKey, v TriState) {
	if v == Unset {
		delete(c.Flags, key)
		return
	}
	if c.Flags == nil {
		c.Flags = make(map[FlagKey]TriState)
	}
	c.Flags[key] = v
}

// ClearFlags deletes every sub-flag of the current step.
func (c *BookingCursor) ClearFlags() {
	c.Flags = nil
}

// ConversationState is the per-call session state carried between turns.
type ConversationState struct {
	Version          int                   `json:"v"`
	SessionID        string                `json:"sessionId"`
	TenantID         string                `json:"tenantId"`
	Mode             Mode                  `json:"mode"`
	TurnCount        int                   `json:"turnCount"`
	CollectedSlots   map[SlotKey]SlotValue `json:"collectedSlots,omitempty"`
	Cursor           BookingCursor         `json:"bookingCursor"`
	EscalationReason string                `json:"escalationReason,omitempty"`
	LastPrompt       string                `json:"lastPrompt,omitempty"`
	LastAction       Action                `json:"lastAction,omitempty"`
	CreatedAt        time.Time             `json:"createdAt"`
	UpdatedAt        time.Time             `json:"updatedAt"`
}

// NewConversationState creates the state for the first turn of a call.
func NewConversationState(tenantID, sessionID string, mode Mode, now time.Time) *ConversationState {
	if !mode.IsValid() {
		mode = ModeDiscovery
	}
	return &ConversationState{
		Version:   StateVersion,
		SessionID: sessionID,
		TenantID:  tenantID,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so a turn never mutates its input.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.CollectedSlots = maps.Clone(s.CollectedSlots)
	out.Cursor.Flags = maps.Clone(s.Cursor.Flags)
	return &out
}

// Slot returns a collected slot value.
func (s *ConversationState) Slot(key SlotKey) (SlotValue, bool) {
	v, ok := s.CollectedSlots[key]
	return v, ok
}

// SetSlot writes a collected slot value.
func (s *ConversationState) SetSlot(key SlotKey, v SlotValue) {
	if s.CollectedSlots == nil {
		s.CollectedSlots = make(map[SlotKey]SlotValue)
	}
	s.CollectedSlots[key] = v
}

// Escalated reports whether the session was handed off.
func (s *ConversationState) Escalated() bool {
	return s.Cursor.StepID == StepEscalated
}

// EncodeState serializes a state into an opaque blob.
func EncodeState(s *ConversationState) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("cannot encode nil conversation state")
	}
	if s.Version == 0 {
		s.Version = StateVersion
	}
	return json.Marshal(s)
}

// DecodeState parses a blob produced by EncodeState.
// Sub-flags decoded as null are dropped so absent stays absent.
func DecodeState(blob []byte) (*ConversationState, error) {
	var s ConversationState
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("failed to decode conversation state: %w", err)
	}
	if s.Version != StateVersion {
		return nil, fmt.Errorf("unsupported conversation state version %d", s.Version)
	}
	for k, v := range s.Cursor.Flags {
		if v == Unset {
			delete(s.Cursor.Flags, k)
		}
	}
	if len(s.Cursor.Flags) == 0 {
		s.Cursor.Flags = nil
	}
	if !s.Mode.IsValid() {
		return nil, fmt.Errorf("invalid conversation mode %q", s.Mode)
	}
	return &s, nil
}
