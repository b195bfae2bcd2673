package stream

import "github.com/MrWong99/dundra/pkg/provider/stt"

// vocabularyBoost is the keyword boost applied to built-in tabletop terms.
const vocabularyBoost = 2

// tabletopTerms are rules and table-talk terms that general speech models
// tend to mishear.
var tabletopTerms = []string{
	"dungeon master", "DM", "GM", "game master",
	"initiative", "armor class", "AC", "hit points", "HP",
	"saving throw", "spell slot", "cantrip", "ritual",
	"barbarian", "bard", "cleric", "druid", "fighter",
	"monk", "paladin", "ranger", "rogue", "sorcerer",
	"warlock", "wizard", "artificer",
	"strength", "dexterity", "constitution", "intelligence",
	"wisdom", "charisma", "proficiency",
	"advantage", "disadvantage", "critical hit", "nat twenty",
	"perception check", "investigation", "insight",
	"persuasion", "deception", "intimidation",
	"stealth", "sleight of hand", "acrobatics", "athletics",
}

// DefaultVocabulary returns keyword boosts for common tabletop terms.
func DefaultVocabulary() []stt.KeywordBoost {
	out := make([]stt.KeywordBoost, len(tabletopTerms))
	for i, term := range tabletopTerms {
		out[i] = stt.KeywordBoost{Keyword: term, Boost: vocabularyBoost}
	}
	return out
}
