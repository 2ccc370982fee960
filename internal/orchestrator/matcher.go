package orchestrator

import (
	"strings"
	"unicode"
)

// Matcher scores how well a worker capability description fits a task
// intent. Higher is better; scores are only compared with each other.
type Matcher interface {
	Score(intent, capability string) float64
}

// MatcherFunc adapts a plain function to the Matcher interface.
type MatcherFunc func(intent, capability string) float64

// Score calls f(intent, capability).
func (f MatcherFunc) Score(intent, capability string) float64 {
	return f(intent, capability)
}

// stopWords are dropped before keyword matching.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "if": true,
	"in": true, "into": true, "is": true, "it": true, "its": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "their": true, "this": true,
	"to": true, "was": true, "were": true, "will": true, "with": true, "you": true,
	"your": true, "who": true, "which": true, "based": true, "given": true,
	"each": true, "all": true, "any": true, "one": true, "step": true,
}

// KeywordMatcher scores the overlap between the keyword sets of the intent
// and the capability. The score is the fraction of intent keywords that the
// capability covers, so it lies in [0, 1].
type KeywordMatcher struct{}

// Score implements Matcher.
func (KeywordMatcher) Score(intent, capability string) float64 {
	want := keywords(intent)
	if len(want) == 0 {
		return 0
	}
	have := keywords(capability)

	hits := 0
	for kw := range want {
		if have[kw] {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

// keywords lower-cases, splits on non-alphanumerics, drops stop words and
// reduces each token to a crude stem.
func keywords(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] {
			continue
		}
		set[stem(f)] = true
	}
	return set
}

// stemSuffixes are stripped longest first.
var stemSuffixes = []string{
	"ation", "ility", "ator", "ment", "ness", "ing", "ion", "ize", "ate",
	"ers", "ies", "iz", "at", "or", "ed", "er", "es", "ly", "s",
}

// stem strips up to two suffixes, so "evaluating", "evaluation" and
// "evaluator" share a stem.
func stem(word string) string {
	for pass := 0; pass < 2; pass++ {
		stripped := word
		for _, suf := range stemSuffixes {
			if len(word) > len(suf)+2 && strings.HasSuffix(word, suf) {
				stripped = strings.TrimSuffix(word, suf)
				break
			}
		}
		if stripped == word {
			break
		}
		word = stripped
	}
	return word
}

// Rule routes intents containing any of Keywords to workers whose
// capability description contains Capability.
type Rule struct {
	Keywords   []string `yaml:"keywords" mapstructure:"keywords"`
	Capability string   `yaml:"capability" mapstructure:"capability"`
}

// RuleMatcher scores with a rule table first: a rule hit scores 1 plus the
// fallback score, so rule targets always outrank plain keyword matches.
type RuleMatcher struct {
	rules    []Rule
	fallback Matcher
}

// NewRuleMatcher creates a rule table matcher. A nil fallback uses KeywordMatcher.
func NewRuleMatcher(rules []Rule, fallback Matcher) *RuleMatcher {
	if fallback == nil {
		fallback = KeywordMatcher{}
	}
	return &RuleMatcher{rules: rules, fallback: fallback}
}

// Score implements Matcher.
func (m *RuleMatcher) Score(intent, capability string) float64 {
	base := m.fallback.Score(intent, capability)
	lowerIntent := strings.ToLower(intent)
	lowerCap := strings.ToLower(capability)
	for _, r := range m.rules {
		if r.Capability == "" || !strings.Contains(lowerCap, strings.ToLower(r.Capability)) {
			continue
		}
		for _, kw := range r.Keywords {
			if strings.Contains(lowerIntent, strings.ToLower(kw)) {
				return 1 + base
			}
		}
	}
	return base
}
