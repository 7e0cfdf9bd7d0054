// Package engine decides the reply for one caller utterance. Engine is pure
// decision logic; TurnService wraps it with state loading, saving and
// redelivery handling.
package engine

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CallPipe/internal/booking"
	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/nlu"
	"github.com/BTreeMap/CallPipe/internal/scenario"
	"github.com/BTreeMap/CallPipe/internal/triage"
)

// Fallback texts used when a tenant leaves the corresponding setting empty.
const (
	DefaultEscalationText  = "Let me get you over to someone on our team who can help."
	DefaultTakeMessageText = "I can take a message. Please tell me your name, number and what you need, and we'll call you back."
	DefaultEndCallText     = "Thanks for calling. Goodbye."
	DefaultCompletionText  = "You're all set. We have your details and someone will call you shortly to confirm a time."
	DefaultRepeatText      = "Sorry, could you repeat that?"
)

var defaultFlow = booking.MustFlow(booking.DefaultSteps())

// TurnInput carries everything a turn needs. Nothing else is consulted.
type TurnInput struct {
	TenantID  string
	SessionID string
	Utterance string
	// State is the session state loaded for this turn; nil starts a new session.
	State       *models.ConversationState
	Scenarios   []models.Scenario
	Rules       []models.TriageRule
	Flow        booking.Flow
	Settings    models.TenantSettings
	Scoring     scenario.Options
	InitialMode models.Mode
	Now         time.Time
}

// TurnResult is the decision for one turn.
type TurnResult struct {
	Reply  string
	State  *models.ConversationState
	Action models.Action
	Trace  models.TurnTrace
}

// Option configures an Engine.
type Option func(*Engine)

// WithNameValidator sets the name reference set used by booking steps.
func WithNameValidator(v *nlu.NameValidator) Option {
	return func(e *Engine) { e.names = v }
}

// WithOverrideFloor sets the lowest score an explicitly stated slot value is accepted with.
func WithOverrideFloor(f float64) Option {
	return func(e *Engine) { e.overrideFloor = f }
}

// Engine composes triage, scenario selection and the booking flow.
// It holds only immutable configuration and is safe for concurrent use.
type Engine struct {
	names         *nlu.NameValidator
	overrideFloor float64
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		names:         nlu.DefaultNameValidator(),
		overrideFloor: booking.DefaultOverrideFloor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// turn is the working set of one ProcessTurn call.
type turn struct {
	in     *TurnInput
	state  *models.ConversationState
	runner *booking.Runner
	trace  *models.TurnTrace
}

// ProcessTurn decides the reply for one utterance. The input state is never
// modified; the returned state is a new value.
func (e *Engine) ProcessTurn(in TurnInput) TurnResult {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	if in.Flow.Len() == 0 {
		in.Flow = defaultFlow
	}

	st := in.State.Clone()
	if st == nil || st.SessionID != in.SessionID || st.TenantID != in.TenantID {
		if st != nil {
			slog.Warn("Engine.ProcessTurn: state belongs to another session, starting fresh",
				"sessionID", in.SessionID, "stateSessionID", st.SessionID, "tenantID", in.TenantID)
		}
		st = models.NewConversationState(in.TenantID, in.SessionID, in.InitialMode, in.Now)
	}
	st.TurnCount++
	st.UpdatedAt = in.Now

	normalized := nlu.Normalize(in.Utterance)
	trace := models.TurnTrace{
		Normalized: normalized,
		ModeBefore: st.Mode,
		StepBefore: st.Cursor.StepID,
	}
	t := &turn{
		in:     &in,
		state:  st,
		runner: booking.NewRunner(in.Flow, booking.WithNameValidator(e.names), booking.WithOverrideFloor(e.overrideFloor)),
		trace:  &trace,
	}

	reply, action := e.decide(t, normalized)

	if reply != "" {
		st.LastPrompt = reply
	}
	st.LastAction = action
	trace.ModeAfter = st.Mode
	trace.StepAfter = st.Cursor.StepID
	slog.Debug("Engine.ProcessTurn: decided", "sessionID", in.SessionID, "tenantID", in.TenantID,
		"action", action, "modeBefore", trace.ModeBefore, "modeAfter", trace.ModeAfter,
		"stepBefore", trace.StepBefore, "stepAfter", trace.StepAfter)
	return TurnResult{Reply: reply, State: st, Action: action, Trace: trace}
}

func (e *Engine) decide(t *turn, normalized string) (string, models.Action) {
	if t.state.Escalated() {
		return textOr(t.in.Settings.EscalationText, DefaultEscalationText), models.ActionEscalate
	}
	// Silence. Booking counts it as a failed attempt; elsewhere ask again.
	if normalized == "" && t.state.Mode != models.ModeBooking {
		return textOr(t.in.Settings.RepeatText, DefaultRepeatText), models.ActionContinue
	}

	if rule, ok := triage.Match(normalized, t.in.Rules); ok {
		t.trace.TriageRuleID = rule.ID
		t.trace.TriageAction = rule.Action.String()
		if reply, action, handled := runPlaybook(t, rule); handled {
			return reply, action
		}
	}

	if t.state.Mode == models.ModeBooking {
		return e.continueBooking(t)
	}
	return e.selectScenario(t, normalized)
}

func (e *Engine) continueBooking(t *turn) (string, models.Action) {
	res := t.runner.Step(t.state, t.in.Utterance)
	return bookingReply(t, res, "")
}

func (e *Engine) selectScenario(t *turn, normalized string) (string, models.Action) {
	eligible := make([]models.Scenario, 0, len(t.in.Scenarios))
	for _, s := range t.in.Scenarios {
		if s.Enabled && s.EligibleIn(t.state.Mode) {
			eligible = append(eligible, s)
		}
	}
	res := scenario.Select(normalized, eligible, t.in.Scoring)
	t.trace.Alternates = res.Alternates
	t.trace.Ambiguous = res.Ambiguous
	if res.Ambiguous {
		t.trace.FailureKind = models.FailureKind(models.ErrAmbiguousMatch)
	}
	if !res.Matched {
		return "", models.ActionNoMatch
	}
	t.trace.ScenarioID = res.Scenario.ID
	t.trace.Confidence = res.Confidence
	reply := scenario.Reply(res.Scenario, t.state.TurnCount-1)

	switch {
	case res.Scenario.SwitchMode == models.ModeBooking:
		t.runner.Start(t.state)
		step := t.runner.Step(t.state, t.in.Utterance)
		return bookingReply(t, step, reply)
	case res.Scenario.SwitchMode.IsValid():
		t.state.Mode = res.Scenario.SwitchMode
	}
	return reply, models.ActionContinue
}

// bookingReply maps a runner result onto the turn. fallback is spoken when
// the runner has nothing to say for a non-terminal outcome.
func bookingReply(t *turn, res booking.Result, fallback string) (string, models.Action) {
	t.trace.BookingOutcome = res.Outcome
	t.trace.Candidate = res.Candidate
	if res.Failure != nil {
		t.trace.FailureKind = models.FailureKind(res.Failure)
	}
	switch res.Action {
	case models.ActionEscalate:
		return textOr(t.in.Settings.EscalationText, DefaultEscalationText), models.ActionEscalate
	case models.ActionBookingComplete:
		t.state.Mode = models.ModeDiscovery
		return textOr(t.in.Settings.CompletionText, DefaultCompletionText), models.ActionBookingComplete
	}
	if res.Reply == "" {
		return fallback, res.Action
	}
	return res.Reply, res.Action
}

func textOr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
