// Package transcript fixes misheard proper nouns in recognised speech.
//
// General speech models rarely know the names of a campaign's characters and
// places. The [Corrector] rewrites spans of a transcript that sound like a
// known name into that name, so analysis prompts and the transcript log use
// consistent spelling.
package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/dundra/internal/transcript/phonetic"
)

// minWordRunes is the shortest single word considered for correction. Short
// function words ("the", "and") sound like too many names.
const minWordRunes = 4

// Correction is one substitution made by [Corrector.Correct].
type Correction struct {
	// Original is the span as recognised.
	Original string

	// Corrected is the known name that replaced it.
	Corrected string

	// Confidence is the similarity score in the range 0.0–1.0.
	Confidence float64
}

// Corrector aligns transcript spans with known names. It is safe for
// concurrent use.
type Corrector struct {
	matcher *phonetic.Matcher
}

// NewCorrector returns a Corrector using m, or a default matcher when m is nil.
func NewCorrector(m *phonetic.Matcher) *Corrector {
	if m == nil {
		m = phonetic.New()
	}
	return &Corrector{matcher: m}
}

// Correct returns text with misheard names replaced and the list of
// substitutions. Longer spans are tried first so multi-word names win over
// partial matches. A name may also absorb two recognised words when the
// recogniser split a single-word name. Punctuation around a span is kept.
// When names is empty or nothing matches, text is returned unchanged and the
// corrections slice is empty (non-nil).
func (c *Corrector) Correct(text string, names []string) (string, []Correction) {
	corrections := []Correction{}
	prepared := phonetic.Prepare(names)
	tokens := strings.Fields(text)
	if len(prepared) == 0 || len(tokens) == 0 {
		return text, corrections
	}

	maxWindow := 2
	for _, n := range prepared {
		if n.Words() > maxWindow {
			maxWindow = n.Words()
		}
	}

	out := make([]string, 0, len(tokens))
	changed := false
	for i := 0; i < len(tokens); {
		size := min(maxWindow, len(tokens)-i)
		consumed := 0
		for n := size; n >= 1; n-- {
			window := tokens[i : i+n]
			lead, words, trail := splitPunct(window)
			if len(words) == 0 {
				continue
			}
			if n == 1 && utf8.RuneCountInString(words[0]) < minWordRunes {
				continue
			}
			candidates := candidatesFor(words, prepared)
			if len(candidates) == 0 {
				continue
			}
			phrase := strings.Join(words, " ")
			name, score, ok := c.matcher.Match(phrase, candidates)
			if !ok || (n == 2 && !c.splitBeatsFirst(words[0], name, score, candidates)) {
				continue
			}
			if strings.EqualFold(phrase, name) {
				out = append(out, window...)
			} else {
				out = append(out, lead+name+trail)
				corrections = append(corrections, Correction{Original: phrase, Corrected: name, Confidence: score})
				changed = true
			}
			consumed = n
			break
		}
		if consumed == 0 {
			out = append(out, tokens[i])
			consumed = 1
		}
		i += consumed
	}

	if !changed {
		return text, corrections
	}
	return strings.Join(out, " "), corrections
}

// splitBeatsFirst reports whether a two-word window scored better against a
// single-word name than its first word alone. Otherwise the second word is
// ordinary speech following the name and must not be absorbed.
func (c *Corrector) splitBeatsFirst(first, name string, pairScore float64, candidates []phonetic.Name) bool {
	for _, n := range candidates {
		if n.Text != name || n.Words() != 1 {
			continue
		}
		single, _ := c.matcher.Score([]string{strings.ToLower(first)}, n)
		return pairScore > single
	}
	return true
}

// candidatesFor returns the names a window of words may be compared with. A
// window matches names of the same word count. A two-word window also matches
// single-word names. Multi-word windows must start with a word that sounds
// like the name's first word.
func candidatesFor(words []string, names []phonetic.Name) []phonetic.Name {
	var out []phonetic.Name
	for _, n := range names {
		k := n.Words()
		if len(words) != k && !(k == 1 && len(words) == 2) {
			continue
		}
		if len(words) > 1 && !phonetic.Related(words[0], strings.Fields(n.Text)[0]) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// splitPunct strips leading punctuation from the first token and trailing
// punctuation from the last one, returning both so they can be reattached.
func splitPunct(window []string) (lead string, words []string, trail string) {
	words = make([]string, 0, len(window))
	for i, tok := range window {
		core := strings.TrimFunc(tok, isPunct)
		if core == "" {
			return "", nil, ""
		}
		if i == 0 {
			lead = tok[:strings.Index(tok, core)]
		}
		if i == len(window)-1 {
			trail = tok[strings.Index(tok, core)+len(core):]
		}
		words = append(words, core)
	}
	return lead, words, trail
}

func isPunct(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
