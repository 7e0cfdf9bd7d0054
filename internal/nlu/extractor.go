package nlu

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// ---------- compiled patterns ----------

var (
	lastNameRE  = regexp.MustCompile(`\b(?:my )?(?:last name|surname|family name)(?: is|'s)?\s+(.+)$`)
	firstNameRE = regexp.MustCompile(`\b(?:my )?(?:first |full )?name(?: is|'s)\s+(.+)$`)
	thisIsRE    = regexp.MustCompile(`\b(?:this is|call me)\s+(.+)$`)
	introRE     = regexp.MustCompile(`\b(?:i am|i'm|im)\s+(.+)$`)
	directRE    = regexp.MustCompile(`^(?:it's|its|it is|yes it's|yeah it's|sure it's)\s+(.+)$`)
	addressRE   = regexp.MustCompile(`\b(\d{1,6})\s+((?:[a-z0-9']+\s+){0,4}?)(street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl|circle|cir|parkway|pkwy|highway|hwy|terrace|trail)\b`)
	looseAddrRE = regexp.MustCompile(`\b(\d{1,6})\s+([a-z][a-z']+(?:\s+[a-z][a-z']+){0,2})`)
	digitsRE    = regexp.MustCompile(`\d`)
)

// nameStopWords are never name tokens; they end an explicit name span.
var nameStopWords = toSet(
	"a", "about", "ac", "actually", "air", "am", "an", "and", "appointment", "are", "as", "at",
	"back", "be", "broken", "but", "call", "calling", "can", "conditioner", "could", "do", "doing",
	"first", "fix", "for", "from", "full", "furnace", "get", "going", "good", "got", "has",
	"have", "having", "heat", "heater", "hello", "help", "here", "hey", "hi", "how", "i",
	"i'm", "im", "in", "is", "issue", "issues", "it", "it's", "its", "just", "last", "leak",
	"like", "looking", "me", "my", "name", "need", "needs", "no", "nope", "not", "of", "ok",
	"okay", "on", "or", "our", "out", "please", "problem", "problems", "really", "repair", "schedule",
	"service", "so", "sorry", "spell", "spelled", "sure", "surname", "thank", "thanks", "that",
	"the", "there", "this", "to", "uh", "um", "unit", "want", "was", "we", "we're", "well",
	"with", "working", "yeah", "yep", "yes", "you", "your",
)

// fillerWords are dropped from direct answers before counting tokens.
var fillerWords = toSet(
	"uh", "um", "yes", "yeah", "yep", "sure", "ok", "okay", "it's", "its", "it", "is", "well",
	"so", "my", "name", "last", "first", "surname", "that's", "thats", "please", "thanks",
)

var spokenDigits = map[string]string{
	"zero": "0", "oh": "0", "o": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
}

var natoLetters = map[string]string{
	"alpha": "a", "bravo": "b", "charlie": "c", "delta": "d", "echo": "e", "foxtrot": "f",
	"golf": "g", "hotel": "h", "india": "i", "juliet": "j", "kilo": "k", "lima": "l", "mike": "m",
	"november": "n", "oscar": "o", "papa": "p", "quebec": "q", "romeo": "r", "sierra": "s",
	"tango": "t", "uniform": "u", "victor": "v", "whiskey": "w", "xray": "x", "yankee": "y", "zulu": "z",
}

// ExtractOptions scope an extraction to the conversation position.
type ExtractOptions struct {
	// Direct means the caller was just asked for this slot, so a bare answer counts.
	Direct bool
}

// Extractor pulls slot candidates out of raw utterances.
// It holds no mutable state and is safe for concurrent use.
type Extractor struct{}

// NewExtractor returns a rule-based extractor.
func NewExtractor() *Extractor { return &Extractor{} }

// Extract returns at most one candidate for the given slot kind.
func (e *Extractor) Extract(kind models.SlotKind, utterance string, opts ExtractOptions) (models.SlotCandidate, bool) {
	switch kind {
	case models.KindName:
		return e.extractName(utterance, opts, false)
	case models.KindLastName:
		return e.extractName(utterance, opts, true)
	case models.KindPhone:
		return e.extractPhone(utterance)
	case models.KindAddress:
		return e.extractAddress(utterance)
	default:
		return models.SlotCandidate{}, false
	}
}

func (e *Extractor) extractName(utterance string, opts ExtractOptions, lastOnly bool) (models.SlotCandidate, bool) {
	clauses := Clauses(utterance)

	// Explicit last-name statements win for both name kinds.
	for _, c := range clauses {
		if m := lastNameRE.FindStringSubmatch(c); m != nil {
			if parts := leadingNameTokens(m[1], 2); len(parts) > 0 {
				last := parts[len(parts)-1]
				return nameCandidate(m[0], []string{last}, true, true), true
			}
		}
	}

	for _, c := range clauses {
		for _, re := range []*regexp.Regexp{firstNameRE, thisIsRE, introRE} {
			m := re.FindStringSubmatch(c)
			if m == nil {
				continue
			}
			parts := leadingNameTokens(m[1], 3)
			if len(parts) == 0 {
				continue
			}
			if lastOnly {
				parts = parts[len(parts)-1:]
			}
			if re == introRE {
				cand := nameCandidate(m[0], parts, false, lastOnly)
				cand.Intro = true
				return cand, true
			}
			return nameCandidate(m[0], parts, true, lastOnly), true
		}
	}

	if !opts.Direct {
		return models.SlotCandidate{}, false
	}

	for _, c := range clauses {
		if m := directRE.FindStringSubmatch(c); m != nil {
			if parts := leadingNameTokens(m[1], 3); len(parts) > 0 {
				if lastOnly {
					parts = parts[len(parts)-1:]
				}
				return nameCandidate(m[0], parts, false, lastOnly), true
			}
		}
	}

	// Bare answer: a handful of non-filler alphabetic words.
	var parts []string
	for _, tok := range Tokens(utterance) {
		if _, filler := fillerWords[tok]; filler {
			continue
		}
		if !isNameShaped(tok) {
			return models.SlotCandidate{}, false
		}
		parts = append(parts, tok)
	}
	if len(parts) == 0 || len(parts) > 3 {
		return models.SlotCandidate{}, false
	}
	if lastOnly {
		parts = parts[len(parts)-1:]
	}
	return nameCandidate(strings.Join(parts, " "), parts, false, lastOnly), true
}

// leadingNameTokens collects up to limit tokens from the start of span, stopping at the first stop word.
func leadingNameTokens(span string, limit int) []string {
	var parts []string
	for _, tok := range strings.Fields(span) {
		if _, stop := nameStopWords[tok]; stop || !isNameShaped(tok) {
			break
		}
		parts = append(parts, tok)
		if len(parts) == limit {
			break
		}
	}
	return parts
}

func nameCandidate(span string, parts []string, explicit, lastOnly bool) models.SlotCandidate {
	if !lastOnly && len(parts) > 2 {
		parts = []string{parts[0], parts[len(parts)-1]}
	}
	return models.SlotCandidate{
		Span:     span,
		Token:    strings.Join(parts, " "),
		Display:  DisplayName(parts...),
		Parts:    parts,
		Verdict:  models.VerdictPending,
		Explicit: explicit,
	}
}

func (e *Extractor) extractPhone(utterance string) (models.SlotCandidate, bool) {
	var digits strings.Builder
	tokens := Tokens(utterance)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case (tok == "double" || tok == "triple") && i+1 < len(tokens):
			d, ok := spokenDigits[tokens[i+1]]
			if !ok && digitsRE.MatchString(tokens[i+1]) && len(tokens[i+1]) == 1 {
				d, ok = tokens[i+1], true
			}
			if ok {
				n := 2
				if tok == "triple" {
					n = 3
				}
				digits.WriteString(strings.Repeat(d, n))
				i++
			}
		case spokenDigits[tok] != "":
			// A lone "o" only counts inside a digit run.
			if tok == "o" && digits.Len() == 0 {
				continue
			}
			digits.WriteString(spokenDigits[tok])
		default:
			for _, r := range tok {
				if r >= '0' && r <= '9' {
					digits.WriteRune(r)
				}
			}
		}
	}
	d := digits.String()
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	if len(d) < 7 {
		return models.SlotCandidate{}, false
	}
	return models.SlotCandidate{
		Span:    utterance,
		Token:   d,
		Display: formatPhone(d),
		Verdict: models.VerdictPending,
	}, true
}

func formatPhone(d string) string {
	if len(d) != 10 {
		return d
	}
	return "(" + d[:3] + ") " + d[3:6] + "-" + d[6:]
}

func (e *Extractor) extractAddress(utterance string) (models.SlotCandidate, bool) {
	n := Normalize(utterance)
	if m := addressRE.FindStringSubmatch(n); m != nil {
		street := strings.TrimSpace(m[2] + m[3])
		return models.SlotCandidate{
			Span:     m[0],
			Token:    m[1] + " " + street,
			Display:  m[1] + " " + DisplayName(strings.Fields(street)...),
			Parts:    []string{m[1], strings.TrimSpace(m[2]), m[3]},
			Verdict:  models.VerdictPending,
			Explicit: true,
		}, true
	}
	if m := looseAddrRE.FindStringSubmatch(n); m != nil {
		return models.SlotCandidate{
			Span:    m[0],
			Token:   m[1] + " " + m[2],
			Display: m[1] + " " + DisplayName(strings.Fields(m[2])...),
			Parts:   []string{m[1], m[2]},
			Verdict: models.VerdictPending,
		}, true
	}
	return models.SlotCandidate{}, false
}

// SpellLetters collects letter-by-letter input such as "G as in George, O, N"
// or "g-o-n". Words that are not letters are ignored.
func SpellLetters(utterance string) string {
	tokens := Tokens(utterance)
	var b strings.Builder
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok == "as" && i+2 < len(tokens) && (tokens[i+1] == "in" || tokens[i+1] == "for"):
			i += 2
		case tok == "double" && i+1 < len(tokens) && isLetter(tokens[i+1]):
			b.WriteString(tokens[i+1] + tokens[i+1])
			i++
		case isLetter(tok):
			b.WriteString(tok)
		case natoLetters[tok] != "":
			b.WriteString(natoLetters[tok])
		}
	}
	return b.String()
}

// SpelledCandidate wraps collected letters as a name candidate.
func SpelledCandidate(letters string) (models.SlotCandidate, bool) {
	if len(letters) < 2 {
		return models.SlotCandidate{}, false
	}
	return models.SlotCandidate{
		Span:     letters,
		Token:    letters,
		Display:  DisplayName(letters),
		Parts:    []string{letters},
		Verdict:  models.VerdictPending,
		Explicit: true,
	}, true
}

func isLetter(tok string) bool {
	return len(tok) == 1 && tok[0] >= 'a' && tok[0] <= 'z'
}

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
