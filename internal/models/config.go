// Package models defines the scenario, triage and booking configuration shapes.
package models

import (
	"fmt"
	"slices"
)

// TriageAction is the closed set of outcomes a triage rule can request.
type TriageAction uint8

const (
	TriageActionUnknown TriageAction = iota
	TriageRouteToScenarios
	TriageExplainAndPush
	TriageEscalate
	TriageTakeMessage
	TriageEndCall

	// TriageActionCount bounds dispatch tables indexed by TriageAction.
	TriageActionCount
)

var triageActionNames = [TriageActionCount]string{
	TriageActionUnknown:    "unknown",
	TriageRouteToScenarios: "route-to-scenarios",
	TriageExplainAndPush:   "explain-and-push",
	TriageEscalate:         "escalate",
	TriageTakeMessage:      "take-message",
	TriageEndCall:          "end-call",
}

func (a TriageAction) String() string {
	if a >= TriageActionCount {
		return fmt.Sprintf("TriageAction(%d)", uint8(a))
	}
	return triageActionNames[a]
}

// ParseTriageAction converts a configured action name into the enum.
func ParseTriageAction(s string) (TriageAction, error) {
	for i, name := range triageActionNames {
		if TriageAction(i) != TriageActionUnknown && name == s {
			return TriageAction(i), nil
		}
	}
	return TriageActionUnknown, fmt.Errorf("unknown triage action %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a TriageAction) MarshalText() ([]byte, error) {
	if a == TriageActionUnknown || a >= TriageActionCount {
		return nil, fmt.Errorf("cannot marshal triage action %d", uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler; YAML and JSON both use it.
func (a *TriageAction) UnmarshalText(text []byte) error {
	v, err := ParseTriageAction(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Scenario is a configured intent with trigger keywords and candidate replies.
// Enabled is the only field that decides whether a scenario is loaded.
type Scenario struct {
	ID                  string   `yaml:"id" json:"id" validate:"required"`
	Name                string   `yaml:"name,omitempty" json:"name,omitempty"`
	TriggerKeywords     []string `yaml:"triggerKeywords" json:"triggerKeywords" validate:"required,min=1,dive,required"`
	NegativeKeywords    []string `yaml:"negativeKeywords,omitempty" json:"negativeKeywords,omitempty" validate:"dive,required"`
	ConfidenceThreshold float64  `yaml:"confidenceThreshold" json:"confidenceThreshold" validate:"gte=0,lte=1"`
	Priority            int      `yaml:"priority" json:"priority"`
	Replies             []string `yaml:"replies" json:"replies" validate:"dive,required"`
	Enabled             bool     `yaml:"enabled" json:"enabled"`
	Modes               []Mode   `yaml:"modes,omitempty" json:"modes,omitempty"`
	SwitchMode          Mode     `yaml:"switchMode,omitempty" json:"switchMode,omitempty"`
}

// EligibleIn reports whether the scenario may be selected while the call is in mode m.
func (s Scenario) EligibleIn(m Mode) bool {
	if len(s.Modes) == 0 {
		return m != ModeBooking
	}
	return slices.Contains(s.Modes, m)
}

// Clone deep-copies the scenario slices.
func (s Scenario) Clone() Scenario {
	s.TriggerKeywords = slices.Clone(s.TriggerKeywords)
	s.NegativeKeywords = slices.Clone(s.NegativeKeywords)
	s.Replies = slices.Clone(s.Replies)
	s.Modes = slices.Clone(s.Modes)
	return s
}

// ScenarioOverride adjusts a shared template for one tenant. Nil fields keep the template value.
type ScenarioOverride struct {
	ID                  string   `yaml:"id" validate:"required"`
	Enabled             *bool    `yaml:"enabled,omitempty"`
	Priority            *int     `yaml:"priority,omitempty"`
	ConfidenceThreshold *float64 `yaml:"confidenceThreshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	TriggerKeywords     []string `yaml:"triggerKeywords,omitempty" validate:"omitempty,dive,required"`
	NegativeKeywords    []string `yaml:"negativeKeywords,omitempty" validate:"omitempty,dive,required"`
	Replies             []string `yaml:"replies,omitempty" validate:"omitempty,dive,required"`
}

// TriageRule is a deterministic AND/NOT keyword rule evaluated before scenario selection.
type TriageRule struct {
	ID               string       `yaml:"id" json:"id" validate:"required"`
	MustHaveKeywords []string     `yaml:"mustHaveKeywords" json:"mustHaveKeywords" validate:"required,min=1,dive,required"`
	ExcludeKeywords  []string     `yaml:"excludeKeywords,omitempty" json:"excludeKeywords,omitempty" validate:"dive,required"`
	Action           TriageAction `yaml:"action" json:"action" validate:"required"`
	Priority         int          `yaml:"priority" json:"priority"`
	Enabled          bool         `yaml:"enabled" json:"enabled"`
	Reply            string       `yaml:"reply,omitempty" json:"reply,omitempty"`
	Reason           string       `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// BookingStepDefinition describes one slot-filling step.
type BookingStepDefinition struct {
	ID                     StepID    `yaml:"id" json:"id" validate:"required"`
	Kind                   SlotKind  `yaml:"kind" json:"kind" validate:"required,oneof=name lastName phone address"`
	Slots                  []SlotKey `yaml:"slots" json:"slots" validate:"required,min=1"`
	Prompt                 string    `yaml:"prompt" json:"prompt" validate:"required"`
	Reprompt               string    `yaml:"reprompt" json:"reprompt" validate:"required"`
	SpellingPrompt         string    `yaml:"spellingPrompt,omitempty" json:"spellingPrompt,omitempty"`
	SubFlags               []FlagKey `yaml:"subFlags,omitempty" json:"subFlags,omitempty"`
	AcceptThreshold        float64   `yaml:"acceptThreshold,omitempty" json:"acceptThreshold,omitempty" validate:"gte=0,lte=1"`
	SpellingThreshold      int       `yaml:"spellingThreshold,omitempty" json:"spellingThreshold,omitempty" validate:"gte=0"`
	MaxAttempts            int       `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty" validate:"gte=0"`
	EscalateOnFirstFailure bool      `yaml:"escalateOnFirstFailure,omitempty" json:"escalateOnFirstFailure,omitempty"`

	// zeroed marks tuning fields an override set to zero on purpose, so
	// WithDefaults leaves them alone.
	zeroed tuningField
}

type tuningField uint8

const (
	tuneAccept tuningField = 1 << iota
	tuneSpelling
)

// Defaults applied to step definitions that leave tuning fields at zero.
const (
	DefaultAcceptThreshold   = 0.7
	DefaultSpellingThreshold = 2
	DefaultMaxAttempts       = 3
)

// WithDefaults fills zero tuning fields.
func (d BookingStepDefinition) WithDefaults() BookingStepDefinition {
	if d.AcceptThreshold == 0 && d.zeroed&tuneAccept == 0 {
		d.AcceptThreshold = DefaultAcceptThreshold
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.SpellingThreshold == 0 && d.SpellingPrompt != "" && d.zeroed&tuneSpelling == 0 {
		d.SpellingThreshold = DefaultSpellingThreshold
	}
	if !slices.Contains(d.SubFlags, FlagAsked) {
		d.SubFlags = append(slices.Clone(d.SubFlags), FlagAsked)
	}
	if d.SpellingPrompt != "" && !slices.Contains(d.SubFlags, FlagSpelling) {
		d.SubFlags = append(slices.Clone(d.SubFlags), FlagSpelling)
	}
	return d
}

// AllowsFlag reports whether key is in the step's declared sub-flag schema.
func (d BookingStepDefinition) AllowsFlag(key FlagKey) bool {
	return slices.Contains(d.SubFlags, key)
}

// BookingStepOverride adjusts a library step for one tenant.
type BookingStepOverride struct {
	ID                     StepID   `yaml:"id" validate:"required"`
	Prompt                 string   `yaml:"prompt,omitempty"`
	Reprompt               string   `yaml:"reprompt,omitempty"`
	SpellingPrompt         string   `yaml:"spellingPrompt,omitempty"`
	AcceptThreshold        *float64 `yaml:"acceptThreshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	SpellingThreshold      *int     `yaml:"spellingThreshold,omitempty" validate:"omitempty,gte=0"`
	MaxAttempts            *int     `yaml:"maxAttempts,omitempty" validate:"omitempty,gte=1"`
	EscalateOnFirstFailure *bool    `yaml:"escalateOnFirstFailure,omitempty"`
	Disabled               bool     `yaml:"disabled,omitempty"`
}

// Apply returns def with the override's non-empty fields written over it.
func (o BookingStepOverride) Apply(def BookingStepDefinition) BookingStepDefinition {
	if o.Prompt != "" {
		def.Prompt = o.Prompt
	}
	if o.Reprompt != "" {
		def.Reprompt = o.Reprompt
	}
	if o.SpellingPrompt != "" {
		def.SpellingPrompt = o.SpellingPrompt
	}
	if o.AcceptThreshold != nil {
		def.AcceptThreshold = *o.AcceptThreshold
		def.zeroed = markZero(def.zeroed, tuneAccept, def.AcceptThreshold == 0)
	}
	if o.SpellingThreshold != nil {
		def.SpellingThreshold = *o.SpellingThreshold
		def.zeroed = markZero(def.zeroed, tuneSpelling, def.SpellingThreshold == 0)
	}
	if o.MaxAttempts != nil {
		def.MaxAttempts = *o.MaxAttempts
	}
	if o.EscalateOnFirstFailure != nil {
		def.EscalateOnFirstFailure = *o.EscalateOnFirstFailure
	}
	return def
}

func markZero(set, field tuningField, zero bool) tuningField {
	if zero {
		return set | field
	}
	return set &^ field
}

// TenantSettings carries tenant-level texts and call routing data.
type TenantSettings struct {
	DisplayName     string   `yaml:"displayName,omitempty" json:"displayName,omitempty"`
	PhoneNumbers    []string `yaml:"phoneNumbers,omitempty" json:"phoneNumbers,omitempty"`
	TransferNumber  string   `yaml:"transferNumber,omitempty" json:"transferNumber,omitempty"`
	Greeting        string   `yaml:"greeting,omitempty" json:"greeting,omitempty"`
	EscalationText  string   `yaml:"escalationText,omitempty" json:"escalationText,omitempty"`
	TakeMessageText string   `yaml:"takeMessageText,omitempty" json:"takeMessageText,omitempty"`
	EndCallText     string   `yaml:"endCallText,omitempty" json:"endCallText,omitempty"`
	CompletionText  string   `yaml:"completionText,omitempty" json:"completionText,omitempty"`
	RepeatText      string   `yaml:"repeatText,omitempty" json:"repeatText,omitempty"`
	Timezone        string   `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	OpenHour        int      `yaml:"openHour,omitempty" json:"openHour,omitempty" validate:"gte=0,lte=23"`
	CloseHour       int      `yaml:"closeHour,omitempty" json:"closeHour,omitempty" validate:"gte=0,lte=24"`
}

// Merge returns s with every empty field filled from base.
func (s TenantSettings) Merge(base TenantSettings) TenantSettings {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&s.DisplayName, base.DisplayName)
	fill(&s.TransferNumber, base.TransferNumber)
	fill(&s.Greeting, base.Greeting)
	fill(&s.EscalationText, base.EscalationText)
	fill(&s.TakeMessageText, base.TakeMessageText)
	fill(&s.EndCallText, base.EndCallText)
	fill(&s.CompletionText, base.CompletionText)
	fill(&s.RepeatText, base.RepeatText)
	fill(&s.Timezone, base.Timezone)
	if s.OpenHour == 0 && s.CloseHour == 0 {
		s.OpenHour, s.CloseHour = base.OpenHour, base.CloseHour
	}
	return s
}
