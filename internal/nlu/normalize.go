// Package nlu provides the rule-based text handling used by the turn engine:
// utterance normalization, phrase containment, fuzzy similarity, slot
// extraction and name plausibility scoring.
package nlu

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	clauseSplitRE = regexp.MustCompile(`[,.;:!?]+`)
	apostropheRE  = regexp.MustCompile("[‘’ʼ`]")
)

// Normalize lowercases, folds accents and collapses everything that is not a
// letter, digit or apostrophe into single spaces.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = apostropheRE.ReplaceAllString(s, "'")
	// Casers and transformers keep internal state, so each call builds its own.
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err == nil {
		s = folded
	}
	s = cases.Fold().String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(strings.Trim(b.String(), "'"))
}

// Tokens returns the normalized words of s.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}

// Clauses splits raw text on punctuation and normalizes each non-empty part.
func Clauses(s string) []string {
	s = apostropheRE.ReplaceAllString(s, "'")
	var out []string
	for _, part := range clauseSplitRE.Split(s, -1) {
		if n := Normalize(part); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// ContainsPhrase reports whether the normalized phrase occurs in the
// normalized text on token boundaries. An empty phrase never matches.
func ContainsPhrase(normalized, phrase string) bool {
	p := Normalize(phrase)
	if p == "" || normalized == "" {
		return false
	}
	return strings.Contains(" "+normalized+" ", " "+p+" ")
}

// DisplayName title-cases name parts for speaking and storage.
func DisplayName(parts ...string) string {
	caser := cases.Title(language.English)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, caser.String(p))
		}
	}
	return strings.Join(out, " ")
}
