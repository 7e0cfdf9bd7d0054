package booking

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/nlu"
)

// Option configures a Runner.
type Option func(*Runner)

// WithNameValidator replaces the embedded reference name set.
func WithNameValidator(v *nlu.NameValidator) Option {
	return func(r *Runner) { r.names = v }
}

// WithOverrideFloor sets the lowest score an explicit candidate may be accepted with.
func WithOverrideFloor(f float64) Option {
	return func(r *Runner) { r.overrideFloor = f }
}

// Runner advances a conversation through a booking flow one utterance at a
// time. It holds no per-call state; everything lives in the ConversationState.
type Runner struct {
	flow          Flow
	extractor     *nlu.Extractor
	names         *nlu.NameValidator
	overrideFloor float64
}

// NewRunner creates a runner over flow.
func NewRunner(flow Flow, opts ...Option) *Runner {
	r := &Runner{
		flow:          flow,
		extractor:     nlu.NewExtractor(),
		names:         nlu.DefaultNameValidator(),
		overrideFloor: DefaultOverrideFloor,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result describes what one booking turn did.
type Result struct {
	// Reply is the prompt to speak. Empty for terminal outcomes, where the
	// caller supplies tenant text.
	Reply      string
	Outcome    string
	Action     models.Action
	StepBefore models.StepID
	StepAfter  models.StepID
	Candidate  *models.SlotCandidate
	// Failure is the taxonomy error behind a reprompt, fallback or escalation.
	Failure error
}

// Start moves the state into booking mode at the first step that still needs data.
func (r *Runner) Start(state *models.ConversationState) {
	state.Mode = models.ModeBooking
	state.Cursor = models.BookingCursor{StepID: r.flow.NextOpen(-1, state)}
	slog.Debug("BookingFlowRunner.Start: entering booking", "sessionID", state.SessionID, "stepID", state.Cursor.StepID)
}

// Step processes one utterance against the current step and mutates state.
func (r *Runner) Step(state *models.ConversationState, utterance string) Result {
	if state.Cursor.StepID == models.StepNone {
		r.Start(state)
	}
	before := state.Cursor.StepID
	res := r.step(state, utterance)
	res.StepBefore = before
	res.StepAfter = state.Cursor.StepID
	slog.Debug("BookingFlowRunner.Step: processed", "sessionID", state.SessionID, "stepBefore", before,
		"stepAfter", res.StepAfter, "outcome", res.Outcome, "attempts", state.Cursor.Attempts)
	return res
}

func (r *Runner) step(state *models.ConversationState, utterance string) Result {
	cur := state.Cursor.StepID
	switch cur {
	case models.StepEscalated:
		return Result{Outcome: models.OutcomeEscalate, Action: models.ActionEscalate}
	case models.StepComplete:
		return Result{Outcome: models.OutcomeComplete, Action: models.ActionBookingComplete}
	}

	def, ok := r.flow.Step(cur)
	if !ok {
		slog.Warn("BookingFlowRunner.Step: step no longer configured", "sessionID", state.SessionID, "stepID", cur)
		return r.escalate(state, fmt.Sprintf("booking step %q is no longer configured", cur), models.ErrAttemptsExhausted)
	}

	if state.Cursor.Attempts >= def.MaxAttempts {
		return r.escalate(state, exhaustedReason(def, state.Cursor.Attempts), models.ErrAttemptsExhausted)
	}

	if !state.Cursor.Flag(models.FlagAsked).IsTrue() {
		if c, ok := r.extractor.Extract(def.Kind, utterance, nlu.ExtractOptions{}); ok {
			c.Score = validate(r.names, def.Kind, c, false)
			if (c.Explicit || c.Intro || def.Kind == models.KindPhone) && r.accepts(def, c) {
				return r.advance(state, def, c, false)
			}
		}
		r.setFlag(state, def, models.FlagAsked, models.True)
		return Result{Reply: def.Prompt, Outcome: models.OutcomeAskPrompt, Action: models.ActionContinue}
	}

	spelling := state.Cursor.Flag(models.FlagSpelling).IsTrue()
	var (
		c     models.SlotCandidate
		found bool
	)
	if spelling {
		letters := nlu.SpellLetters(utterance)
		state.Cursor.Spelled = letters
		c, found = nlu.SpelledCandidate(letters)
		if !found {
			// A whole word is a fine answer to a spelling prompt too.
			c, found = r.extractor.Extract(def.Kind, utterance, nlu.ExtractOptions{Direct: true})
			spelling = false
		}
	} else {
		c, found = r.extractor.Extract(def.Kind, utterance, nlu.ExtractOptions{Direct: true})
	}

	if found {
		c.Score = validate(r.names, def.Kind, c, spelling)
		if r.accepts(def, c) {
			return r.advance(state, def, c, spelling)
		}
		if c.Explicit {
			r.setFlag(state, def, models.FlagExplicit, models.True)
		}
		return r.fail(state, def, &c, models.ErrValidationRejected)
	}
	return r.fail(state, def, nil, models.ErrExtractionFailure)
}

func (r *Runner) accepts(def models.BookingStepDefinition, c models.SlotCandidate) bool {
	if c.Score >= def.AcceptThreshold {
		return true
	}
	return c.Explicit && c.Score > 0 && c.Score >= r.overrideFloor
}

func (r *Runner) advance(state *models.ConversationState, def models.BookingStepDefinition, c models.SlotCandidate, spelled bool) Result {
	c.Verdict = models.VerdictAccepted
	c.Attempt = state.Cursor.Attempts + 1
	r.write(state, def, c, spelled)

	next := r.flow.NextOpen(r.flow.index(def.ID), state)
	state.Cursor = models.BookingCursor{StepID: next}
	if next == models.StepComplete {
		slog.Info("BookingFlowRunner.Step: booking complete", "sessionID", state.SessionID)
		return Result{Outcome: models.OutcomeComplete, Action: models.ActionBookingComplete, Candidate: &c}
	}
	nextDef, _ := r.flow.Step(next)
	r.setFlag(state, nextDef, models.FlagAsked, models.True)
	return Result{Reply: nextDef.Prompt, Outcome: models.OutcomeAdvance, Action: models.ActionContinue, Candidate: &c}
}

func (r *Runner) write(state *models.ConversationState, def models.BookingStepDefinition, c models.SlotCandidate, spelled bool) {
	source := models.SourceUtterance
	switch {
	case spelled:
		source = models.SourceSpelled
	case c.Explicit:
		source = models.SourceExplicit
	}
	value := func(v string) models.SlotValue {
		return models.SlotValue{Value: v, Confidence: c.Score, Source: source}
	}

	switch def.Kind {
	case models.KindName:
		if len(c.Parts) >= 2 {
			state.SetSlot(models.SlotName, value(c.Display))
			state.SetSlot(models.SlotLastName, value(nlu.DisplayName(c.Parts[len(c.Parts)-1])))
			return
		}
		state.SetSlot(models.SlotName, value(c.Display))
	case models.KindLastName:
		last := c.Display
		state.SetSlot(models.SlotLastName, value(last))
		if first, ok := state.Slot(models.SlotName); ok && first.Value != "" {
			fields := strings.Fields(first.Value)
			if len(fields) == 1 || !strings.EqualFold(fields[len(fields)-1], last) {
				state.SetSlot(models.SlotName, models.SlotValue{
					Value:      fields[0] + " " + last,
					Confidence: min(first.Confidence, c.Score),
					Source:     models.SourceCombined,
				})
			}
		}
	default:
		v := c.Token
		if def.Kind == models.KindAddress || def.Kind == models.KindPhone {
			v = c.Display
		}
		for _, k := range def.Slots {
			state.SetSlot(k, value(v))
		}
	}
}

func (r *Runner) fail(state *models.ConversationState, def models.BookingStepDefinition, c *models.SlotCandidate, cause error) Result {
	state.Cursor.Attempts++
	if c != nil {
		c.Verdict = models.VerdictRejected
		c.Attempt = state.Cursor.Attempts
	}

	if def.EscalateOnFirstFailure {
		res := r.escalate(state, fmt.Sprintf("could not collect %s", def.ID), cause)
		res.Candidate = c
		return res
	}
	if state.Cursor.Attempts >= def.MaxAttempts {
		res := r.escalate(state, exhaustedReason(def, state.Cursor.Attempts), models.ErrAttemptsExhausted)
		res.Candidate = c
		return res
	}
	if def.SpellingThreshold > 0 && def.SpellingPrompt != "" && state.Cursor.Attempts >= def.SpellingThreshold {
		r.setFlag(state, def, models.FlagSpelling, models.True)
		return Result{Reply: def.SpellingPrompt, Outcome: models.OutcomeSpellingFallback, Action: models.ActionContinue, Candidate: c, Failure: cause}
	}
	return Result{Reply: def.Reprompt, Outcome: models.OutcomeReprompt, Action: models.ActionContinue, Candidate: c, Failure: cause}
}

func (r *Runner) escalate(state *models.ConversationState, reason string, cause error) Result {
	slog.Info("BookingFlowRunner.Step: escalating", "sessionID", state.SessionID, "stepID", state.Cursor.StepID, "reason", reason)
	state.Cursor = models.BookingCursor{StepID: models.StepEscalated}
	state.EscalationReason = reason
	return Result{Outcome: models.OutcomeEscalate, Action: models.ActionEscalate, Failure: cause}
}

// setFlag writes a sub-flag only when the step declares it.
func (r *Runner) setFlag(state *models.ConversationState, def models.BookingStepDefinition, key models.FlagKey, v models.TriState) {
	if !def.AllowsFlag(key) {
		slog.Warn("BookingFlowRunner.setFlag: flag not declared for step", "stepID", def.ID, "flag", key)
		return
	}
	state.Cursor.SetFlag(key, v)
}

func exhaustedReason(def models.BookingStepDefinition, attempts int) string {
	return fmt.Sprintf("could not collect %s after %d attempts", def.ID, attempts)
}
