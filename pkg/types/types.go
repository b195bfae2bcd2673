// Package types defines the shared types used across all dundra packages.
//
// These types form the lingua franca between the speech stream adapter, the
// analysis engine, the context store and the client-facing gateway. Each
// package defines its own internal types, but cross-cutting data structures
// live here to avoid circular imports. JSON tags match the wire format used by
// connected clients.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UnknownSpeaker is the speaker label used when no speaker was identified.
const UnknownSpeaker = "Unknown"

// TranscriptionSegment is one unit of recognised speech with speaker,
// confidence and timing metadata. Segments are values and are never mutated
// after creation.
type TranscriptionSegment struct {
	// ID uniquely identifies the segment.
	ID string `json:"id"`

	// Text is the recognised speech.
	Text string `json:"text"`

	// Speaker is the player name (if mapped) or the raw speaker label.
	Speaker string `json:"speaker"`

	// Timestamp is the wall-clock time the segment was produced.
	Timestamp time.Time `json:"timestamp"`

	// Confidence is the recognition confidence in the range 0.0–1.0.
	Confidence float64 `json:"confidence"`
}

// NewSegment returns seg with defaults applied to every missing field: a
// random ID, [UnknownSpeaker], confidence 1.0 and the current time.
func NewSegment(seg TranscriptionSegment) TranscriptionSegment {
	if seg.ID == "" {
		seg.ID = "segment_" + uuid.NewString()
	}
	if seg.Speaker == "" {
		seg.Speaker = UnknownSpeaker
	}
	if seg.Confidence == 0 {
		seg.Confidence = 1.0
	}
	if seg.Timestamp.IsZero() {
		seg.Timestamp = time.Now()
	}
	return seg
}

// GameState is the coarse mode the table is currently playing in.
type GameState string

const (
	GameStateCombat      GameState = "combat"
	GameStateExploration GameState = "exploration"
	GameStateSocial      GameState = "social"
	GameStatePlanning    GameState = "planning"
	GameStateUnknown     GameState = "unknown"
)

// IsValid reports whether s is one of the known game states.
func (s GameState) IsValid() bool {
	switch s {
	case GameStateCombat, GameStateExploration, GameStateSocial, GameStatePlanning, GameStateUnknown:
		return true
	}
	return false
}

// GameContext is the mutable summary of what is currently happening in one
// session's game world. It primes every analysis prompt.
type GameContext struct {
	CampaignID       string    `json:"campaignId"`
	SessionID        string    `json:"sessionId"`
	CurrentLocation  string    `json:"currentLocation,omitempty"`
	ActiveCharacters []string  `json:"activeCharacters"`
	OngoingQuests    []string  `json:"ongoingQuests"`
	RecentEvents     []string  `json:"recentEvents"`
	GameState        GameState `json:"gameState"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// Clone returns a deep copy of c so callers never share slices with the store.
func (c GameContext) Clone() GameContext {
	c.ActiveCharacters = cloneStrings(c.ActiveCharacters)
	c.OngoingQuests = cloneStrings(c.OngoingQuests)
	c.RecentEvents = cloneStrings(c.RecentEvents)
	return c
}

// ContextUpdate is a partial [GameContext]. A nil field was not provided and
// leaves the stored value untouched.
type ContextUpdate struct {
	CurrentLocation  *string    `json:"currentLocation,omitempty"`
	ActiveCharacters []string   `json:"activeCharacters,omitempty"`
	OngoingQuests    []string   `json:"ongoingQuests,omitempty"`
	RecentEvents     []string   `json:"recentEvents,omitempty"`
	GameState        *GameState `json:"gameState,omitempty"`
}

// IsEmpty reports whether u provides no fields at all.
func (u ContextUpdate) IsEmpty() bool {
	return u.CurrentLocation == nil && u.ActiveCharacters == nil && u.OngoingQuests == nil &&
		u.RecentEvents == nil && u.GameState == nil
}

// KeyMomentType classifies a notable moment in play.
type KeyMomentType string

const (
	KeyMomentCombatStart          KeyMomentType = "combat_start"
	KeyMomentCombatEnd            KeyMomentType = "combat_end"
	KeyMomentDiscovery            KeyMomentType = "discovery"
	KeyMomentSocialEncounter      KeyMomentType = "social_encounter"
	KeyMomentQuestUpdate          KeyMomentType = "quest_update"
	KeyMomentCharacterDevelopment KeyMomentType = "character_development"
	KeyMomentEnvironmentalChange  KeyMomentType = "environmental_change"
)

// Severity grades a key moment.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// KeyMoment is a notable event identified in a batch of segments.
type KeyMoment struct {
	Type              KeyMomentType `json:"type"`
	Description       string        `json:"description"`
	Timestamp         time.Time     `json:"timestamp"`
	Severity          Severity      `json:"severity"`
	RelatedCharacters []string      `json:"relatedCharacters"`
}

// CardType is the kind of content a card generation trigger asks for.
type CardType string

const (
	CardNPC           CardType = "npc"
	CardLocation      CardType = "location"
	CardItem          CardType = "item"
	CardCreature      CardType = "creature"
	CardPlotHook      CardType = "plot_hook"
	CardEnvironmental CardType = "environmental"
)

// CardGenerationTrigger suggests a piece of content to surface to the game
// master. Priority is opaque to the server and only orders rendering.
type CardGenerationTrigger struct {
	Type             CardType `json:"type"`
	Priority         int      `json:"priority"`
	Description      string   `json:"description"`
	Context          string   `json:"context"`
	SuggestedContent string   `json:"suggestedContent"`
}

// CharacterUpdateType classifies a change to a character.
type CharacterUpdateType string

const (
	UpdateDamage       CharacterUpdateType = "damage"
	UpdateHealing      CharacterUpdateType = "healing"
	UpdateStatusEffect CharacterUpdateType = "status_effect"
	UpdateItemGain     CharacterUpdateType = "item_gain"
	UpdateItemLoss     CharacterUpdateType = "item_loss"
	UpdateSkillUse     CharacterUpdateType = "skill_use"
	UpdateSpellCast    CharacterUpdateType = "spell_cast"
)

// CharacterUpdate describes a change to a character detected in speech.
type CharacterUpdate struct {
	CharacterName string              `json:"characterName"`
	UpdateType    CharacterUpdateType `json:"updateType"`
	Details       string              `json:"details"`
	Value         *float64            `json:"value,omitempty"`
}

// AnalysisResult is the structured output of a batch analysis.
type AnalysisResult struct {
	KeyMoments             []KeyMoment             `json:"keyMoments"`
	GameStateUpdate        ContextUpdate           `json:"gameStateUpdate"`
	CardGenerationTriggers []CardGenerationTrigger `json:"cardGenerationTriggers"`
	CharacterUpdates       []CharacterUpdate       `json:"characterUpdates"`
	ContextSummary         string                  `json:"contextSummary"`
}

// RealtimeResult is the output of a single-segment real-time analysis.
type RealtimeResult struct {
	ImmediateActions []string          `json:"immediateActions"`
	TriggerCard      bool              `json:"triggerCard"`
	UrgentUpdates    []CharacterUpdate `json:"urgentUpdates"`
}

// SpeakerMapping binds a provider speaker tag to a player name.
type SpeakerMapping struct {
	SpeakerID  string `json:"speakerId"`
	PlayerName string `json:"playerName"`
}

// SpeakerLabel is the display label for an unmapped speaker tag.
func SpeakerLabel(tag string) string {
	if tag == "" {
		return UnknownSpeaker
	}
	return fmt.Sprintf("Speaker %s", tag)
}

func cloneStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
