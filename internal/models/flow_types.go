// Package models defines flow type definitions shared by the engine, the stores and the transports.
package models

// Mode is the conversation mode of a call session.
type Mode string

// StepID identifies a booking step.
type StepID string

// FlagKey names a per-step sub-flag.
type FlagKey string

// SlotKey names a collected slot.
type SlotKey string

// SlotKind selects the extractor and validator used for a booking step.
type SlotKind string

// SlotSource records where a slot value came from.
type SlotSource string

// Conversation modes.
const (
	ModeDiscovery  Mode = "discovery"
	ModeBooking    Mode = "booking"
	ModeAfterHours Mode = "afterhours"
	ModeVendor     Mode = "vendor"
)

// IsValid reports whether m is one of the known modes.
func (m Mode) IsValid() bool {
	switch m {
	case ModeDiscovery, ModeBooking, ModeAfterHours, ModeVendor:
		return true
	}
	return false
}

// Terminal booking cursor positions.
const (
	StepNone      StepID = ""
	StepComplete  StepID = "complete"
	StepEscalated StepID = "escalated"
)

// IsTerminal reports whether the cursor has left the step sequence.
func (s StepID) IsTerminal() bool {
	return s == StepComplete || s == StepEscalated
}

// Default step identifiers used by the built-in booking flow.
const (
	StepName     StepID = "name"
	StepLastName StepID = "lastName"
	StepPhone    StepID = "phone"
	StepAddress  StepID = "address"
)

// Sub-flags a step may declare in its schema.
const (
	FlagAsked    FlagKey = "asked"
	FlagSpelling FlagKey = "spelling"
	FlagExplicit FlagKey = "explicitSeen"
)

// Slot keys.
const (
	SlotName     SlotKey = "name"
	SlotLastName SlotKey = "lastName"
	SlotPhone    SlotKey = "phone"
	SlotAddress  SlotKey = "address"
)

// Slot kinds.
const (
	KindName     SlotKind = "name"
	KindLastName SlotKind = "lastName"
	KindPhone    SlotKind = "phone"
	KindAddress  SlotKind = "address"
)

// Slot sources.
const (
	SourceUtterance SlotSource = "utterance"
	SourceExplicit  SlotSource = "explicit"
	SourceSpelled   SlotSource = "spelled"
	SourceCombined  SlotSource = "combined"
)
