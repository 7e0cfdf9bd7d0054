package engine

import (
	"log/slog"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// playbook executes a triage action. handled is false when the turn should
// continue to booking or scenario selection.
type playbook func(t *turn, rule models.TriageRule) (reply string, action models.Action, handled bool)

// playbooks is indexed by TriageAction. The two array declarations below stop
// compiling when an action is added to models without a playbook here.
var playbooks = [...]playbook{
	models.TriageActionUnknown:    playUnknown,
	models.TriageRouteToScenarios: playRouteToScenarios,
	models.TriageExplainAndPush:   playExplainAndPush,
	models.TriageEscalate:         playEscalate,
	models.TriageTakeMessage:      playTakeMessage,
	models.TriageEndCall:          playEndCall,
}

var (
	_ [len(playbooks) - int(models.TriageActionCount)]struct{}
	_ [int(models.TriageActionCount) - len(playbooks)]struct{}
)

func runPlaybook(t *turn, rule models.TriageRule) (string, models.Action, bool) {
	if rule.Action >= models.TriageActionCount || playbooks[rule.Action] == nil {
		return playUnknown(t, rule)
	}
	return playbooks[rule.Action](t, rule)
}

func playUnknown(t *turn, rule models.TriageRule) (string, models.Action, bool) {
	slog.Warn("Engine.runPlaybook: triage rule has no usable action, ignoring", "ruleID", rule.ID, "action", rule.Action, "sessionID", t.state.SessionID)
	return "", "", false
}

func playRouteToScenarios(*turn, models.TriageRule) (string, models.Action, bool) {
	return "", "", false
}

// playExplainAndPush answers with the rule text and steers the caller into
// booking. Mid-booking the utterance still goes through the runner, so it can
// fill the current step and counts against its attempts when it does not.
func playExplainAndPush(t *turn, rule models.TriageRule) (string, models.Action, bool) {
	if t.state.Mode != models.ModeBooking {
		t.runner.Start(t.state)
	}
	res := t.runner.Step(t.state, t.in.Utterance)
	reply, action := bookingReply(t, res, "")
	if action != models.ActionContinue {
		return reply, action, true
	}
	return joinReply(rule.Reply, reply), action, true
}

func playEscalate(t *turn, rule models.TriageRule) (string, models.Action, bool) {
	reason := rule.Reason
	if reason == "" {
		reason = "triage rule " + rule.ID
	}
	t.state.Cursor = models.BookingCursor{StepID: models.StepEscalated}
	t.state.EscalationReason = reason
	slog.Info("Engine.playEscalate: escalating on triage rule", "sessionID", t.state.SessionID, "ruleID", rule.ID, "reason", reason)
	return textOr(rule.Reply, textOr(t.in.Settings.EscalationText, DefaultEscalationText)), models.ActionEscalate, true
}

func playTakeMessage(t *turn, rule models.TriageRule) (string, models.Action, bool) {
	return textOr(rule.Reply, textOr(t.in.Settings.TakeMessageText, DefaultTakeMessageText)), models.ActionTakeMessage, true
}

func playEndCall(t *turn, rule models.TriageRule) (string, models.Action, bool) {
	return textOr(rule.Reply, textOr(t.in.Settings.EndCallText, DefaultEndCallText)), models.ActionEndCall, true
}

func joinReply(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p
	}
	return out
}
