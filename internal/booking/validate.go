package booking

import (
	"strings"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/nlu"
)

// Validation scores for non-name slots.
const (
	ScoreSpelled       = 0.9
	ScorePhoneFull     = 1.0
	ScorePhoneLocal    = 0.4
	ScoreAddressStreet = 0.9
	ScoreAddressLoose  = 0.5
)

// DefaultOverrideFloor is the lowest score an explicitly stated value may be accepted with.
const DefaultOverrideFloor = 0.4

// validate scores a candidate for the step kind.
func validate(names *nlu.NameValidator, kind models.SlotKind, c models.SlotCandidate, spelled bool) float64 {
	switch kind {
	case models.KindName, models.KindLastName:
		if spelled {
			s := names.Score(c.Token)
			if s == 0 {
				return 0
			}
			return max(s, ScoreSpelled)
		}
		return names.ScoreParts(c.Parts)
	case models.KindPhone:
		switch len(c.Token) {
		case 10:
			return ScorePhoneFull
		case 7:
			return ScorePhoneLocal
		default:
			return 0
		}
	case models.KindAddress:
		if strings.TrimSpace(c.Token) == "" {
			return 0
		}
		if c.Explicit {
			return ScoreAddressStreet
		}
		return ScoreAddressLoose
	default:
		return 0
	}
}
