package nlu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CallPipe/internal/models"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hi, my name is Mark!", "hi my name is mark"},
		{"  GAS   leak ", "gas leak"},
		{"José Núñez", "jose nunez"},
		{"I’m here", "i'm here"},
		{"555-123-4567", "555 123 4567"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %q", tt.in)
	}
}

func TestContainsPhrase(t *testing.T) {
	n := Normalize("I think there's a Gas Leak in the kitchen")
	assert.True(t, ContainsPhrase(n, "gas leak"))
	assert.True(t, ContainsPhrase(n, "GAS  LEAK"))
	assert.False(t, ContainsPhrase(n, "leak in the garage"))
	assert.False(t, ContainsPhrase(n, ""))
	// Token boundaries: "no" is not inside "know".
	assert.False(t, ContainsPhrase(Normalize("I know"), "no"))
}

func TestClauses(t *testing.T) {
	got := Clauses("Hi, my name is Mark, I'm having AC problems.")
	assert.Equal(t, []string{"hi", "my name is mark", "i'm having ac problems"}, got)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 0, Levenshtein("mark", "mark"))
	assert.Equal(t, 1, Levenshtein("mark", "marc"))
	assert.Equal(t, 3, Levenshtein("", "abc"))
	assert.InDelta(t, 0.75, Similarity("mark", "marc"), 1e-9)
	assert.InDelta(t, 1.0, BestWindowSimilarity(Tokens("my air conditioner is broken"), "air conditioner"), 1e-9)
	assert.Greater(t, BestWindowSimilarity(Tokens("my air conditoner is broken"), "air conditioner"), 0.9)
	assert.Equal(t, 0.0, BestWindowSimilarity(nil, "x"))
}

func TestNameValidatorScore(t *testing.T) {
	v := DefaultNameValidator()
	assert.Equal(t, ScoreKnownName, v.Score("Mark"))
	assert.Equal(t, ScoreKnownName, v.Score("gonzalez"))
	assert.Equal(t, ScoreNearName, v.Score("gonzalex"))
	assert.Equal(t, ScorePlausible, v.Score("zorblat"))
	assert.Equal(t, 0.0, v.Score("having"))
	assert.Equal(t, 0.0, v.Score("a1b2"))
	assert.Equal(t, 0.0, v.Score("x"))
	assert.True(t, v.Known("MARK"))
	assert.InDelta(t, 1.0, v.ScoreParts([]string{"mark", "gonzalez"}), 1e-9)
	assert.Equal(t, 0.0, v.ScoreParts([]string{"mark", "the"}))
}

func TestExtractNameExplicitFirstName(t *testing.T) {
	e := NewExtractor()
	c, ok := e.Extract(models.KindName, "Hi, my name is Mark, I'm having AC problems", ExtractOptions{})
	require.True(t, ok)
	assert.Equal(t, "mark", c.Token)
	assert.Equal(t, "Mark", c.Display)
	assert.Equal(t, []string{"mark"}, c.Parts)
	assert.True(t, c.Explicit)
}

func TestExtractNameFullName(t *testing.T) {
	e := NewExtractor()
	c, ok := e.Extract(models.KindName, "this is Sarah Johnson calling about my furnace", ExtractOptions{})
	require.True(t, ok)
	assert.Equal(t, []string{"sarah", "johnson"}, c.Parts)
	assert.Equal(t, "Sarah Johnson", c.Display)
}

func TestExtractLastName(t *testing.T) {
	e := NewExtractor()
	c, ok := e.Extract(models.KindLastName, "My last name is Gonzalez", ExtractOptions{Direct: true})
	require.True(t, ok)
	assert.Equal(t, "gonzalez", c.Token)
	assert.Equal(t, "Gonzalez", c.Display)
	assert.True(t, c.Explicit)

	// Bare answers count only when the slot was asked for.
	_, ok = e.Extract(models.KindLastName, "Gonzalez", ExtractOptions{})
	assert.False(t, ok)
	c, ok = e.Extract(models.KindLastName, "uh Gonzalez", ExtractOptions{Direct: true})
	require.True(t, ok)
	assert.Equal(t, "gonzalez", c.Token)
	assert.False(t, c.Explicit)
}

func TestExtractNameSelfIntroIsNotExplicit(t *testing.T) {
	e := NewExtractor()
	for _, utt := range []string{
		"I'm worried, my heater is broken",
		"I am new to this area",
		"im desperate here",
	} {
		c, ok := e.Extract(models.KindName, utt, ExtractOptions{})
		require.True(t, ok, utt)
		assert.False(t, c.Explicit, utt)
		assert.True(t, c.Intro, utt)
	}

	c, ok := e.Extract(models.KindName, "call me Sarah", ExtractOptions{})
	require.True(t, ok)
	assert.True(t, c.Explicit)
	assert.False(t, c.Intro)
}

func TestExtractNameNoCandidate(t *testing.T) {
	e := NewExtractor()
	_, ok := e.Extract(models.KindName, "I'm having AC problems", ExtractOptions{})
	assert.False(t, ok)
	_, ok = e.Extract(models.KindName, "can you just send someone out here today please", ExtractOptions{Direct: true})
	assert.False(t, ok)
}

func TestExtractPhone(t *testing.T) {
	e := NewExtractor()
	tests := []struct {
		in   string
		want string
	}{
		{"it's 555-123-4567", "5551234567"},
		{"1 555 123 4567", "5551234567"},
		{"five five five, one two three, four five six seven", "5551234567"},
		{"five double five one two three four five six oh", "5551234560"},
	}
	for _, tt := range tests {
		c, ok := e.Extract(models.KindPhone, tt.in, ExtractOptions{Direct: true})
		require.True(t, ok, tt.in)
		assert.Equal(t, tt.want, c.Token, tt.in)
	}
	c, _ := e.Extract(models.KindPhone, "555 123 4567", ExtractOptions{})
	assert.Equal(t, "(555) 123-4567", c.Display)

	_, ok := e.Extract(models.KindPhone, "I don't know it", ExtractOptions{Direct: true})
	assert.False(t, ok)
}

func TestExtractAddress(t *testing.T) {
	e := NewExtractor()
	c, ok := e.Extract(models.KindAddress, "sure, it's 123 Main Street in Springfield", ExtractOptions{Direct: true})
	require.True(t, ok)
	assert.Equal(t, "123 Main Street", c.Display)
	assert.True(t, c.Explicit)

	c, ok = e.Extract(models.KindAddress, "4500 Stanley", ExtractOptions{Direct: true})
	require.True(t, ok)
	assert.False(t, c.Explicit)
	assert.Equal(t, "4500 Stanley", c.Display)

	_, ok = e.Extract(models.KindAddress, "I'd rather not say", ExtractOptions{Direct: true})
	assert.False(t, ok)
}

func TestSpellLetters(t *testing.T) {
	assert.Equal(t, "gonzalez", SpellLetters("G as in George, O, N, Z, A, L, E, Z"))
	assert.Equal(t, "gon", SpellLetters("g-o-n"))
	assert.Equal(t, "all", SpellLetters("A double L"))
	assert.Equal(t, "ab", SpellLetters("alpha bravo"))
	assert.Equal(t, "", SpellLetters("I'm not sure"))

	_, ok := SpelledCandidate("g")
	assert.False(t, ok)
	c, ok := SpelledCandidate("gonzalez")
	require.True(t, ok)
	assert.Equal(t, "Gonzalez", c.Display)
}
