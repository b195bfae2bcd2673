package analysis

import (
	"strings"
	"time"

	"github.com/MrWong99/dundra/pkg/types"
)

// recentEventsInPrompt is how many of the latest recent events are shown.
const recentEventsInPrompt = 5

const batchSystemPrompt = "You are an expert tabletop RPG game master assistant analyzing live gameplay transcription. " +
	"You identify key moments, track game state and decide when AI-generated content should be created. " +
	"Reply with a single JSON object and nothing else."

const realtimeSystemPrompt = "You are a tabletop RPG assistant providing real-time analysis of gameplay. " +
	"Reply with a single JSON object and nothing else."

const batchSchema = `Use this JSON structure:
{
  "keyMoments": [
    {
      "type": "combat_start|combat_end|discovery|social_encounter|quest_update|character_development|environmental_change",
      "description": "What happened",
      "timestamp": "ISO timestamp taken from the transcription",
      "severity": "low|medium|high",
      "relatedCharacters": ["character1", "character2"]
    }
  ],
  "gameStateUpdate": {
    "currentLocation": "New location, only if changed",
    "activeCharacters": ["updated character list"],
    "ongoingQuests": ["updated quest list"],
    "recentEvents": ["new events to add"],
    "gameState": "combat|exploration|social|planning|unknown"
  },
  "cardGenerationTriggers": [
    {
      "type": "npc|location|item|creature|plot_hook|environmental",
      "priority": 5,
      "description": "What needs to be generated",
      "context": "Context for generation",
      "suggestedContent": "Specific suggestion for the content generator"
    }
  ],
  "characterUpdates": [
    {
      "characterName": "Character name",
      "updateType": "damage|healing|status_effect|item_gain|item_loss|skill_use|spell_cast",
      "details": "Specific details",
      "value": 12
    }
  ],
  "contextSummary": "Brief summary of events for future reference"
}

Priority is an integer from 1 to 10. Omit gameStateUpdate fields that did not change.

Focus on:
- Combat: initiative, damage, spells, tactical decisions
- Exploration: new locations, discoveries, environmental details
- Social: NPC interactions, negotiations, roleplay moments
- Items and equipment: gains, losses, identification, usage
- Character development: level ups, new abilities, story moments
- Environment: weather, lighting, atmosphere changes

Be thorough but concise. Only include genuine updates and triggers.`

const realtimeSchema = `Provide a JSON response indicating immediate actions:
{
  "immediateActions": ["List of immediate actions to take"],
  "triggerCard": false,
  "urgentUpdates": [
    {
      "characterName": "Character name",
      "updateType": "damage|healing|status_effect|item_gain|item_loss",
      "details": "What happened",
      "value": 12
    }
  ]
}

Focus on urgent needs:
- Combat damage or healing that should be tracked immediately
- Critical status effects
- Important item acquisitions
- Environmental hazards
- NPC introductions requiring immediate card generation

Only include truly urgent items.`

// FormatTranscript renders segments as "[timestamp] speaker: text" lines.
func FormatTranscript(segments []types.TranscriptionSegment) string {
	var b strings.Builder
	for i, s := range segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteByte('[')
		b.WriteString(s.Timestamp.UTC().Format(time.RFC3339Nano))
		b.WriteString("] ")
		b.WriteString(s.Speaker)
		b.WriteString(": ")
		b.WriteString(s.Text)
	}
	return b.String()
}

// buildBatchPrompt renders the user prompt for a batch analysis.
func buildBatchPrompt(segments []types.TranscriptionSegment, gc types.GameContext) string {
	var b strings.Builder
	b.WriteString("CURRENT GAME CONTEXT:\n")
	writeContextLine(&b, "Location", orUnknown(gc.CurrentLocation))
	writeContextLine(&b, "Active Characters", joinOrNone(gc.ActiveCharacters))
	writeContextLine(&b, "Ongoing Quests", joinOrNone(gc.OngoingQuests))
	writeContextLine(&b, "Recent Events", joinOrNone(lastN(gc.RecentEvents, recentEventsInPrompt)))
	writeContextLine(&b, "Current State", string(gc.GameState))

	b.WriteString("\nTRANSCRIPTION TO ANALYZE:\n")
	b.WriteString(FormatTranscript(segments))

	b.WriteString("\n\nAnalyze this transcription. Identify key moments, game state changes, ")
	b.WriteString("moments that call for generated content and character updates, then summarize what happened.\n\n")
	b.WriteString(batchSchema)
	return b.String()
}

// buildRealtimePrompt renders the user prompt for a single-segment analysis.
func buildRealtimePrompt(seg types.TranscriptionSegment, gc types.GameContext) string {
	var b strings.Builder
	b.WriteString("Analyze this single statement for immediate actions needed.\n\n")
	b.WriteString("CONTEXT:\n")
	writeContextLine(&b, "Speaker", seg.Speaker)
	writeContextLine(&b, "Game State", string(gc.GameState))
	writeContextLine(&b, "Active Characters", joinOrNone(gc.ActiveCharacters))
	b.WriteString("\nSTATEMENT TO ANALYZE:\n\"")
	b.WriteString(seg.Text)
	b.WriteString("\"\n\n")
	b.WriteString(realtimeSchema)
	return b.String()
}

func writeContextLine(b *strings.Builder, label, value string) {
	b.WriteString("- ")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteByte('\n')
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
