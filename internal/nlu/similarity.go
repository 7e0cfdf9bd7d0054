package nlu

import "strings"

// Levenshtein returns the rune-level edit distance between a and b.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// Similarity maps edit distance into [0,1], 1 meaning identical.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	n := max(len([]rune(a)), len([]rune(b)))
	if n == 0 {
		return 1
	}
	return 1 - float64(Levenshtein(a, b))/float64(n)
}

// BestWindowSimilarity compares phrase against every window of the same
// token length in tokens and returns the best similarity.
func BestWindowSimilarity(tokens []string, phrase string) float64 {
	pt := Tokens(phrase)
	if len(pt) == 0 || len(tokens) == 0 {
		return 0
	}
	target := strings.Join(pt, " ")
	if len(tokens) < len(pt) {
		return Similarity(strings.Join(tokens, " "), target)
	}
	best := 0.0
	for i := 0; i+len(pt) <= len(tokens); i++ {
		if s := Similarity(strings.Join(tokens[i:i+len(pt)], " "), target); s > best {
			best = s
		}
	}
	return best
}
