// Package speech defines the synthesis and recognition contracts the voice
// controller drives, plus the ElevenLabs streaming synthesizer.
package speech

import (
	"context"
	"time"
)

// VoiceConfig selects the synthesis voice and model.
type VoiceConfig struct {
	VoiceID string  `json:"voice_id"`
	ModelID string  `json:"model_id,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
}

// AudioSink receives synthesized audio chunks as they stream in. Returning
// an error aborts the synthesis.
type AudioSink func(chunk []byte) error

// Synthesizer voices text. Speak blocks until playback has fully completed
// (or ctx is cancelled), which is what lets the controller keep the
// microphone hard-stopped for the whole utterance.
type Synthesizer interface {
	Speak(ctx context.Context, text string, cfg VoiceConfig, onStart func()) error
	IsSpeaking() bool
	// Stop aborts any in-flight synthesis.
	Stop()
}

// TranscriptEvent is one recognition result. Final marks the recognizer's
// own endpoint decision; interim events carry partial text.
type TranscriptEvent struct {
	Text  string    `json:"text"`
	Final bool      `json:"final"`
	At    time.Time `json:"at"`
}

// ErrorReason classifies recognition failures coarsely; the controller's
// retry policy only needs these three buckets.
type ErrorReason string

const (
	ReasonNoSpeech     ErrorReason = "no_speech"
	ReasonNoPermission ErrorReason = "no_permission"
	ReasonOther        ErrorReason = "other"
)

// RecognitionError is a recognition failure event.
type RecognitionError struct {
	Reason  ErrorReason `json:"reason"`
	Message string      `json:"message,omitempty"`
}

// Recognizer is a continuous speech-to-text source. Implementations emit
// interim and final transcripts on Transcripts and failures on Errors.
type Recognizer interface {
	Start(ctx context.Context) error
	Stop()
	Transcripts() <-chan TranscriptEvent
	Errors() <-chan RecognitionError
}
