package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/MrWong99/dundra/internal/transcriptlog"
	"github.com/MrWong99/dundra/pkg/provider/stt"
	"github.com/MrWong99/dundra/pkg/types"
)

// Commands accepted from clients.
const (
	CmdStartTranscription = "start_transcription"
	CmdStopTranscription  = "stop_transcription"
	CmdAudioChunk         = "audio_chunk"
	CmdAudioFinal         = "audio_final"
	CmdSpeakerMapping     = "speaker_mapping"
	CmdGetStatus          = "get_status"
	CmdJoinSession        = "join_session"
	CmdLeaveSession       = "leave_session"
	CmdAnalyzeBatch       = "analyze_batch"
	CmdAnalyzeRealtime    = "analyze_realtime"
	CmdUpsertContext      = "upsert_context"
	CmdGetContext         = "get_context"
	CmdSubmitSegment      = "submit_segment"
	CmdEndSession         = "end_session"
	CmdGetTranscript      = "get_transcript"
)

// Events sent to clients, in addition to the room events of package fanout.
const (
	EventConnected       = "connected"
	EventTranscription   = "transcription"
	EventSpeakerDetected = "speaker_detected"
	EventSpeakerMapped   = "speaker_mapped"
	EventStatus          = "status"
	EventError           = "error"
	EventSessionJoined   = "session_joined"
	EventContext         = "context"
	EventTranscript      = "transcript"
	EventSessionEnded    = "session_ended"
)

// Client-facing error texts.
const (
	msgUnknownType      = "Unknown message type"
	msgInvalidFormat    = "Invalid message format"
	msgSessionRequired  = "sessionId is required"
	msgSegmentRequired  = "segment text is required"
	msgSegmentsRequired = "segments are required"
)

// defaultTranscriptLimit applies when get_transcript names no limit.
const defaultTranscriptLimit = 100

type connectedEvent struct {
	SessionID string `json:"sessionId"`
}

type errorEvent struct {
	Error string `json:"error"`
}

type statusEvent struct {
	Status string `json:"status"`
}

type speakerEvent struct {
	SpeakerID  string `json:"speaker_id"`
	PlayerName string `json:"player_name,omitempty"`
}

type transcriptionEvent struct {
	ID         string     `json:"id,omitempty"`
	Text       string     `json:"text"`
	RawText    string     `json:"rawText,omitempty"`
	Speaker    string     `json:"speaker"`
	SpeakerID  string     `json:"speakerId,omitempty"`
	Confidence float64    `json:"confidence"`
	IsFinal    bool       `json:"isFinal"`
	Timestamp  time.Time  `json:"timestamp"`
	Words      []stt.Word `json:"words,omitempty"`
}

type sessionEvent struct {
	SessionID string             `json:"sessionId"`
	Context   *types.GameContext `json:"context,omitempty"`
}

type transcriptEvent struct {
	SessionID string                `json:"sessionId"`
	Entries   []transcriptlog.Entry `json:"entries"`
}

// Command payloads.
type (
	speakerMappingCmd struct {
		SpeakerID  string `json:"speaker_id"`
		PlayerName string `json:"player_name"`
	}

	sessionCmd struct {
		SessionID  string `json:"sessionId"`
		CampaignID string `json:"campaignId"`
	}

	analyzeBatchCmd struct {
		SessionID string           `json:"sessionId"`
		Segments  []segmentPayload `json:"segments"`
	}

	segmentCmd struct {
		SessionID string         `json:"sessionId"`
		Segment   segmentPayload `json:"segment"`
		Realtime  bool           `json:"realtime"`
	}

	upsertContextCmd struct {
		SessionID  string              `json:"sessionId"`
		CampaignID string              `json:"campaignId"`
		Fields     types.ContextUpdate `json:"fields"`
	}

	transcriptCmd struct {
		SessionID string `json:"sessionId"`
		Limit     int    `json:"limit"`
	}
)

// segmentPayload is a client-supplied segment. The speaker may be given as
// speaker or speakerId; the timestamp as RFC 3339 text or epoch
// milliseconds.
type segmentPayload struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Speaker    string   `json:"speaker"`
	SpeakerID  string   `json:"speakerId"`
	Timestamp  flexTime `json:"timestamp"`
	Confidence float64  `json:"confidence"`
}

func (p segmentPayload) segment() types.TranscriptionSegment {
	speaker := p.Speaker
	if speaker == "" {
		speaker = p.SpeakerID
	}
	return types.NewSegment(types.TranscriptionSegment{
		ID:         p.ID,
		Text:       p.Text,
		Speaker:    speaker,
		Timestamp:  time.Time(p.Timestamp),
		Confidence: p.Confidence,
	})
}

// flexTime decodes RFC 3339 strings and epoch milliseconds.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		*t = flexTime(parsed)
		return nil
	}
	ms, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", b, err)
	}
	*t = flexTime(time.UnixMilli(int64(ms)))
	return nil
}

// decodeAudio extracts audio bytes from a chunk command. Binary frames carry
// them directly; JSON payloads hold a base64 string or an array of byte
// values, either bare or in a {"data": ...} object.
func decodeAudio(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, err
		}
		raw = bytes.TrimSpace(wrapped.Data)
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var audio []byte
	if err := json.Unmarshal(raw, &audio); err != nil {
		return nil, fmt.Errorf("audio data must be base64 or a byte array: %w", err)
	}
	return audio, nil
}
