package scenario

import (
	"log/slog"
	"math"
	"sort"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/nlu"
)

// Options tune the scoring formula.
type Options struct {
	// FuzzyWeight scales a fuzzy keyword hit relative to an exact one.
	FuzzyWeight float64 `yaml:"fuzzyWeight" json:"fuzzyWeight" validate:"gte=0,lte=1"`
	// FuzzyFloor is the minimum similarity for a fuzzy hit.
	FuzzyFloor float64 `yaml:"fuzzyFloor" json:"fuzzyFloor" validate:"gte=0,lte=1"`
	// MinFuzzyLength keeps short keywords exact-only.
	MinFuzzyLength int `yaml:"minFuzzyLength" json:"minFuzzyLength" validate:"gte=0"`
	// MultiHitBonus is added per keyword hit beyond the first.
	MultiHitBonus float64 `yaml:"multiHitBonus" json:"multiHitBonus" validate:"gte=0,lte=1"`
	// MaxAlternates bounds the ranked runners-up in a result.
	MaxAlternates int `yaml:"maxAlternates" json:"maxAlternates" validate:"gte=0"`
}

// DefaultOptions returns the built-in scoring constants.
func DefaultOptions() Options {
	return Options{
		FuzzyWeight:    0.85,
		FuzzyFloor:     0.75,
		MinFuzzyLength: 5,
		MultiHitBonus:  0.05,
		MaxAlternates:  5,
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.FuzzyWeight == 0 {
		o.FuzzyWeight = d.FuzzyWeight
	}
	if o.FuzzyFloor == 0 {
		o.FuzzyFloor = d.FuzzyFloor
	}
	if o.MinFuzzyLength == 0 {
		o.MinFuzzyLength = d.MinFuzzyLength
	}
	if o.MultiHitBonus == 0 {
		o.MultiHitBonus = d.MultiHitBonus
	}
	if o.MaxAlternates == 0 {
		o.MaxAlternates = d.MaxAlternates
	}
	return o
}

// Result is the outcome of a selection.
type Result struct {
	Scenario   models.Scenario
	Matched    bool
	Confidence float64
	// Alternates are the ranked runners-up, best first.
	Alternates []models.Alternate
	// Ambiguous is set when the winner tied another cleared candidate on
	// priority and confidence and won on declaration order.
	Ambiguous bool
}

type candidate struct {
	index      int
	scenario   models.Scenario
	confidence float64
	cleared    bool
}

const epsilon = 1e-9

// Score returns the confidence of one scenario for a normalized utterance.
func Score(normalized string, s models.Scenario, opts Options) float64 {
	tokens := nlu.Tokens(normalized)
	for _, kw := range s.NegativeKeywords {
		if nlu.ContainsPhrase(normalized, kw) {
			return 0
		}
	}
	best, hits := 0.0, 0
	for _, kw := range s.TriggerKeywords {
		score := keywordScore(normalized, tokens, kw, opts)
		if score <= 0 {
			continue
		}
		hits++
		best = math.Max(best, score)
	}
	if hits == 0 {
		return 0
	}
	return math.Min(1, best+opts.MultiHitBonus*float64(hits-1))
}

func keywordScore(normalized string, tokens []string, kw string, opts Options) float64 {
	if nlu.ContainsPhrase(normalized, kw) {
		return 1
	}
	norm := nlu.Normalize(kw)
	if len([]rune(norm)) < opts.MinFuzzyLength {
		return 0
	}
	sim := nlu.BestWindowSimilarity(tokens, norm)
	if sim < opts.FuzzyFloor {
		return 0
	}
	return opts.FuzzyWeight * sim
}

// Select scores utterance against pool. Among candidates clearing their own
// threshold the highest priority wins, then the higher confidence, then the
// earlier declaration.
func Select(utterance string, pool []models.Scenario, opts Options) Result {
	opts = opts.WithDefaults()
	normalized := nlu.Normalize(utterance)
	if normalized == "" || len(pool) == 0 {
		return Result{}
	}

	var cands []candidate
	for i, s := range pool {
		conf := Score(normalized, s, opts)
		if conf <= 0 {
			continue
		}
		cands = append(cands, candidate{
			index:      i,
			scenario:   s,
			confidence: conf,
			cleared:    conf+epsilon >= s.ConfidenceThreshold,
		})
	}
	if len(cands) == 0 {
		return Result{}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.cleared != b.cleared {
			return a.cleared
		}
		if a.cleared && a.scenario.Priority != b.scenario.Priority {
			return a.scenario.Priority > b.scenario.Priority
		}
		if math.Abs(a.confidence-b.confidence) > epsilon {
			return a.confidence > b.confidence
		}
		return a.index < b.index
	})

	var res Result
	rest := cands
	if cands[0].cleared {
		top := cands[0]
		res.Scenario = top.scenario
		res.Matched = true
		res.Confidence = top.confidence
		if len(cands) > 1 && cands[1].cleared &&
			cands[1].scenario.Priority == top.scenario.Priority &&
			math.Abs(cands[1].confidence-top.confidence) <= epsilon {
			res.Ambiguous = true
			slog.Warn("ScenarioSelector.Select: ambiguous match resolved by declaration order",
				"error", models.ErrAmbiguousMatch, "winner", top.scenario.ID, "runnerUp", cands[1].scenario.ID,
				"confidence", top.confidence, "priority", top.scenario.Priority)
		}
		rest = cands[1:]
	}
	for _, c := range rest {
		if len(res.Alternates) == opts.MaxAlternates {
			break
		}
		res.Alternates = append(res.Alternates, models.Alternate{
			ScenarioID: c.scenario.ID,
			Confidence: c.confidence,
			Priority:   c.scenario.Priority,
			Cleared:    c.cleared,
		})
	}
	slog.Debug("ScenarioSelector.Select: scored", "matched", res.Matched, "scenarioID", res.Scenario.ID,
		"confidence", res.Confidence, "candidates", len(cands))
	return res
}

// Reply picks a reply variant for the scenario. The choice rotates with the
// turn count so repeated matches do not repeat verbatim.
func Reply(s models.Scenario, turnCount int) string {
	if len(s.Replies) == 0 {
		return ""
	}
	if turnCount < 0 {
		turnCount = 0
	}
	return s.Replies[turnCount%len(s.Replies)]
}
