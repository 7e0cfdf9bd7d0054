// Package booking runs the ordered slot-filling flow used to book a service
// visit: name, last name, phone and address.
package booking

import (
	"fmt"
	"slices"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Flow is an ordered, validated list of booking steps.
type Flow struct {
	steps []models.BookingStepDefinition
}

// NewFlow applies defaults to every step and checks the sequence.
func NewFlow(steps []models.BookingStepDefinition) (Flow, error) {
	if len(steps) == 0 {
		return Flow{}, fmt.Errorf("booking flow has no steps")
	}
	out := make([]models.BookingStepDefinition, 0, len(steps))
	seen := make(map[models.StepID]bool, len(steps))
	for _, s := range steps {
		if s.ID == models.StepNone || s.ID.IsTerminal() {
			return Flow{}, fmt.Errorf("invalid booking step id %q", s.ID)
		}
		if seen[s.ID] {
			return Flow{}, fmt.Errorf("duplicate booking step id %q", s.ID)
		}
		if len(s.Slots) == 0 {
			return Flow{}, fmt.Errorf("booking step %q has no target slots", s.ID)
		}
		if s.Prompt == "" || s.Reprompt == "" {
			return Flow{}, fmt.Errorf("booking step %q needs prompt and reprompt text", s.ID)
		}
		seen[s.ID] = true
		out = append(out, s.WithDefaults())
	}
	return Flow{steps: out}, nil
}

// MustFlow is NewFlow for static definitions.
func MustFlow(steps []models.BookingStepDefinition) Flow {
	f, err := NewFlow(steps)
	if err != nil {
		panic(err)
	}
	return f
}

// Steps returns a copy of the step definitions.
func (f Flow) Steps() []models.BookingStepDefinition {
	return slices.Clone(f.steps)
}

// Len returns the number of steps.
func (f Flow) Len() int { return len(f.steps) }

// Step looks up a step definition by id.
func (f Flow) Step(id models.StepID) (models.BookingStepDefinition, bool) {
	for _, s := range f.steps {
		if s.ID == id {
			return s, true
		}
	}
	return models.BookingStepDefinition{}, false
}

func (f Flow) index(id models.StepID) int {
	return slices.IndexFunc(f.steps, func(s models.BookingStepDefinition) bool { return s.ID == id })
}

// NextOpen returns the first step after position from whose target slots are
// not all collected, or StepComplete. Pass -1 to search from the start.
func (f Flow) NextOpen(from int, state *models.ConversationState) models.StepID {
	for i := from + 1; i < len(f.steps); i++ {
		if !filled(f.steps[i], state) {
			return f.steps[i].ID
		}
	}
	return models.StepComplete
}

func filled(def models.BookingStepDefinition, state *models.ConversationState) bool {
	for _, k := range def.Slots {
		if v, ok := state.Slot(k); !ok || v.Value == "" {
			return false
		}
	}
	return true
}

// ApplyOverrides returns steps with tenant overrides applied. Disabled steps are removed.
func ApplyOverrides(steps []models.BookingStepDefinition, overrides []models.BookingStepOverride) []models.BookingStepDefinition {
	byID := make(map[models.StepID]models.BookingStepOverride, len(overrides))
	for _, o := range overrides {
		byID[o.ID] = o
	}
	out := make([]models.BookingStepDefinition, 0, len(steps))
	for _, s := range steps {
		o, ok := byID[s.ID]
		if !ok {
			out = append(out, s)
			continue
		}
		if o.Disabled {
			continue
		}
		out = append(out, o.Apply(s))
	}
	return out
}

// DefaultSteps is the built-in booking flow.
func DefaultSteps() []models.BookingStepDefinition {
	return []models.BookingStepDefinition{
		{
			ID:             models.StepName,
			Kind:           models.KindName,
			Slots:          []models.SlotKey{models.SlotName},
			Prompt:         "I can get someone out to you. Can I start with your name?",
			Reprompt:       "Sorry, I didn't catch your name. Could you say it again?",
			SpellingPrompt: "Could you spell your first name for me, one letter at a time?",
			SubFlags:       []models.FlagKey{models.FlagAsked, models.FlagSpelling, models.FlagExplicit},
		},
		{
			ID:             models.StepLastName,
			Kind:           models.KindLastName,
			Slots:          []models.SlotKey{models.SlotLastName},
			Prompt:         "Thanks. And what's your last name?",
			Reprompt:       "Sorry, could you tell me your last name again?",
			SpellingPrompt: "Could you spell your last name for me, one letter at a time?",
			SubFlags:       []models.FlagKey{models.FlagAsked, models.FlagSpelling, models.FlagExplicit},
		},
		{
			ID:       models.StepPhone,
			Kind:     models.KindPhone,
			Slots:    []models.SlotKey{models.SlotPhone},
			Prompt:   "What's the best phone number to reach you?",
			Reprompt: "Sorry, could you repeat that number, digit by digit?",
		},
		{
			ID:       models.StepAddress,
			Kind:     models.KindAddress,
			Slots:    []models.SlotKey{models.SlotAddress},
			Prompt:   "And what's the address where you need the service?",
			Reprompt: "Sorry, could you give me the street number and street name again?",
			// Street names without a suffix are common answers once asked.
			AcceptThreshold: ScoreAddressLoose,
		},
	}
}
