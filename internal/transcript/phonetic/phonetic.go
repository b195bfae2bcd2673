// Package phonetic matches misheard words against a list of known names using
// Double Metaphone codes and Jaro-Winkler similarity.
//
// A candidate phrase matches a name when both share at least one Double
// Metaphone code and their Jaro-Winkler similarity reaches the phonetic
// threshold (default 0.70). Without a shared code the similarity must reach
// the stricter fuzzy threshold (default 0.85).
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for [New].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum similarity for a phonetically related
// name. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum similarity for a name without a shared
// phonetic code. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher scores phrases against names. It is read-only after construction
// and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Name is a known name with its phonetic codes computed once.
type Name struct {
	// Text is the name as it should appear in corrected text.
	Text string

	lower  string
	tokens []string
	codes  []codeSet
}

// Words returns the number of words in the name.
func (n Name) Words() int { return len(n.tokens) }

// Prepare lowercases, tokenises and encodes names. Blank names are skipped.
func Prepare(names []string) []Name {
	out := make([]Name, 0, len(names))
	for _, raw := range names {
		lower := strings.ToLower(strings.TrimSpace(raw))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		out = append(out, Name{
			Text:   strings.TrimSpace(raw),
			lower:  lower,
			tokens: tokens,
			codes:  encode(tokens),
		})
	}
	return out
}

// Score compares the spoken phrase tokens against name. It reports the
// similarity and whether it clears the applicable threshold.
func (m *Matcher) Score(tokens []string, name Name) (float64, bool) {
	if len(tokens) == 0 {
		return 0, false
	}
	score := similarity(tokens, name)
	if sharesCode(encode(tokens), name.codes) {
		return score, score >= m.phoneticThreshold
	}
	return score, score >= m.fuzzyThreshold
}

// Match returns the best name for phrase. When nothing clears a threshold it
// returns phrase unchanged, 0 and false. Phonetic matches win over fuzzy ones.
func (m *Matcher) Match(phrase string, names []Name) (string, float64, bool) {
	tokens := strings.Fields(strings.ToLower(phrase))
	if len(tokens) == 0 {
		return phrase, 0, false
	}
	input := encode(tokens)

	var (
		best      string
		bestScore float64
		bestPhon  bool
	)
	for _, n := range names {
		score := similarity(tokens, n)
		phon := sharesCode(input, n.codes)
		switch {
		case phon && score >= m.phoneticThreshold:
			if !bestPhon || score > bestScore {
				best, bestScore, bestPhon = n.Text, score, true
			}
		case !phon && !bestPhon && score >= m.fuzzyThreshold && score > bestScore:
			best, bestScore = n.Text, score
		}
	}
	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

// Related reports whether two single words share a Double Metaphone code.
func Related(a, b string) bool {
	return sharesCode(encode([]string{strings.ToLower(a)}), encode([]string{strings.ToLower(b)}))
}

type codeSet [2]string

func encode(tokens []string) []codeSet {
	out := make([]codeSet, 0, len(tokens))
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		out = append(out, codeSet{p, s})
	}
	return out
}

func sharesCode(a, b []codeSet) bool {
	for _, x := range a {
		for _, y := range b {
			for _, cx := range x {
				if cx == "" {
					continue
				}
				if cx == y[0] || cx == y[1] {
					return true
				}
			}
		}
	}
	return false
}

// similarity is the larger of the Jaro-Winkler score on the full phrases and
// on the phrases with spaces removed, which catches names split by the
// recogniser ("elder nacks" for "Eldrinax").
func similarity(tokens []string, n Name) float64 {
	full := strings.Join(tokens, " ")
	score := matchr.JaroWinkler(full, n.lower, false)
	if len(tokens) > 1 || len(n.tokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(tokens, ""), strings.Join(n.tokens, ""), false); s > score {
			score = s
		}
	}
	return score
}
