// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g. Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw audio frames and emits a
// single ordered stream of Transcript values, interim and final interleaved as
// the provider produced them.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after the session has ended.
var ErrSessionClosed = errors.New("stt: session is closed")

// KeywordBoost is a vocabulary hint that raises recognition probability for
// uncommon words such as fantasy proper nouns.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g. "Tiamat").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// StreamConfig describes the audio format and recognition hints for a new STT
// session. Providers ignore fields they have no equivalent for.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Encoding names the audio encoding (e.g. "linear16", "opus"). Empty
	// lets the provider detect containerised audio such as WebM.
	Encoding string

	// Language is the BCP-47 language tag for recognition (e.g. "en-US").
	Language string

	// Model selects a provider-specific recognition model. Empty uses the
	// provider default.
	Model string

	// Diarize enables speaker diarization.
	Diarize bool

	// MinSpeakers and MaxSpeakers bound the diarization speaker count.
	MinSpeakers int
	MaxSpeakers int

	// Punctuate enables automatic punctuation.
	Punctuate bool

	// WordTimeOffsets requests per-word timing detail.
	WordTimeOffsets bool

	// InterimResults requests low-latency interim transcripts.
	InterimResults bool

	// Keywords is a list of vocabulary hints.
	Keywords []KeywordBoost
}

// Transcript is one recognition result.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal marks an end-of-utterance result whose text will not be revised.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0).
	Confidence float64

	// Words carries per-word detail when the provider reports it.
	Words []Word
}

// SpeakerTag returns the speaker tag of the first word, or "" if the result
// carries no diarization data.
func (t Transcript) SpeakerTag() string {
	if len(t.Words) == 0 {
		return ""
	}
	return t.Words[0].SpeakerTag
}

// Word holds per-word metadata.
type Word struct {
	Word       string        `json:"word"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence"`
	SpeakerTag string        `json:"speakerTag,omitempty"`
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes to the provider. Calling
	// SendAudio after the session ended returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Transcripts returns the ordered stream of results. The channel is
	// closed when the session ends, whether by Close or by an upstream fault.
	Transcripts() <-chan Transcript

	// Err reports why the session ended. It returns nil while the session is
	// running and after a clean Close. Only meaningful once Transcripts is
	// closed.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// handle is ready to accept audio immediately. Its lifetime is bound to
	// ctx.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
