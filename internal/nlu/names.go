package nlu

import (
	"bufio"
	_ "embed"
	"strings"
	"sync"
	"unicode"
)

//go:embed names.txt
var embeddedNames string

// Name plausibility scores.
const (
	ScoreKnownName   = 1.0
	ScoreNearName    = 0.8
	ScorePlausible   = 0.5
	ScoreImplausible = 0.2
)

// NameValidator scores candidate name tokens against a reference name set.
type NameValidator struct {
	names map[string]struct{}
}

// NewNameValidator builds a validator from a list of names. Entries are normalized.
func NewNameValidator(names []string) *NameValidator {
	v := &NameValidator{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n = Normalize(n); n != "" {
			v.names[n] = struct{}{}
		}
	}
	return v
}

var (
	defaultValidatorOnce sync.Once
	defaultValidator     *NameValidator
)

// DefaultNameValidator returns a validator over the embedded reference set.
// It is immutable after construction and safe to share.
func DefaultNameValidator() *NameValidator {
	defaultValidatorOnce.Do(func() {
		var names []string
		sc := bufio.NewScanner(strings.NewReader(embeddedNames))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			names = append(names, line)
		}
		defaultValidator = NewNameValidator(names)
	})
	return defaultValidator
}

// Known reports whether token is in the reference set.
func (v *NameValidator) Known(token string) bool {
	_, ok := v.names[Normalize(token)]
	return ok
}

// Score returns a plausibility score in [0,1] for a single name token.
func (v *NameValidator) Score(token string) float64 {
	t := Normalize(token)
	if len([]rune(t)) < 2 || strings.ContainsRune(t, ' ') {
		return 0
	}
	if _, stop := nameStopWords[t]; stop {
		return 0
	}
	if _, ok := v.names[t]; ok {
		return ScoreKnownName
	}
	if !isNameShaped(t) {
		return 0
	}
	if len(t) >= 4 {
		for n := range v.names {
			if abs(len(n)-len(t)) <= 1 && Levenshtein(n, t) <= 1 {
				return ScoreNearName
			}
		}
	}
	if hasVowel(t) {
		return ScorePlausible
	}
	return ScoreImplausible
}

// ScoreParts averages the scores of a multi-token name. Any zero part zeroes the name.
func (v *NameValidator) ScoreParts(parts []string) float64 {
	if len(parts) == 0 {
		return 0
	}
	total := 0.0
	for _, p := range parts {
		s := v.Score(p)
		if s == 0 {
			return 0
		}
		total += s
	}
	return total / float64(len(parts))
}

func isNameShaped(t string) bool {
	for _, r := range t {
		if !unicode.IsLetter(r) && r != '\'' && r != '-' {
			return false
		}
	}
	return len(t) <= 20
}

func hasVowel(t string) bool {
	return strings.ContainsAny(t, "aeiouy")
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
