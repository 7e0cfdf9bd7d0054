// Package triage evaluates deterministic AND/NOT keyword rules ahead of
// scenario selection. A matched rule can short-circuit the turn.
package triage

import (
	"log/slog"
	"sort"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/nlu"
)

// Passes reports whether rule r fires for an already normalized utterance.
// Disabled rules and rules without must-have keywords never fire.
func Passes(r models.TriageRule, normalized string) bool {
	if !r.Enabled || len(r.MustHaveKeywords) == 0 {
		return false
	}
	for _, kw := range r.MustHaveKeywords {
		if !nlu.ContainsPhrase(normalized, kw) {
			return false
		}
	}
	for _, kw := range r.ExcludeKeywords {
		if nlu.ContainsPhrase(normalized, kw) {
			return false
		}
	}
	return true
}

// MatchAll returns every firing rule, highest priority first, declaration order on ties.
func MatchAll(normalized string, rules []models.TriageRule) []models.TriageRule {
	var out []models.TriageRule
	for _, r := range rules {
		if Passes(r, normalized) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Match returns the winning rule for the utterance, or false when none fires.
// The utterance may be raw or normalized.
func Match(utterance string, rules []models.TriageRule) (models.TriageRule, bool) {
	normalized := nlu.Normalize(utterance)
	best := -1
	for i, r := range rules {
		if !Passes(r, normalized) {
			continue
		}
		if best < 0 || r.Priority > rules[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return models.TriageRule{}, false
	}
	slog.Debug("TriageMatcher.Match: rule fired", "ruleID", rules[best].ID, "action", rules[best].Action, "priority", rules[best].Priority)
	return rules[best], true
}
