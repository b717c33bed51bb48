package speech

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ChannelRecognizer is an in-process Recognizer fed by an external event
// source, typically the voice WebSocket bridging a client-side recognition
// engine. Events pushed while stopped are dropped, which implements the
// hard-stop contract: a stopped microphone produces nothing.
type ChannelRecognizer struct {
	transcripts chan TranscriptEvent
	errors      chan RecognitionError
	running     atomic.Bool
	nowFn       func() time.Time
}

// NewChannelRecognizer creates a stopped recognizer.
func NewChannelRecognizer() *ChannelRecognizer {
	return &ChannelRecognizer{
		transcripts: make(chan TranscriptEvent, 16),
		errors:      make(chan RecognitionError, 4),
		nowFn:       time.Now,
	}
}

// Start begins accepting pushed events.
func (r *ChannelRecognizer) Start(_ context.Context) error {
	r.running.Store(true)
	slog.Debug("ChannelRecognizer.Start: recognition started")
	return nil
}

// Stop discards all further pushed events until the next Start.
func (r *ChannelRecognizer) Stop() {
	r.running.Store(false)
	slog.Debug("ChannelRecognizer.Stop: recognition stopped")
}

// Running reports whether events are currently accepted.
func (r *ChannelRecognizer) Running() bool {
	return r.running.Load()
}

// Transcripts returns the transcript event stream.
func (r *ChannelRecognizer) Transcripts() <-chan TranscriptEvent {
	return r.transcripts
}

// Errors returns the recognition failure stream.
func (r *ChannelRecognizer) Errors() <-chan RecognitionError {
	return r.errors
}

// PushTranscript feeds one recognition result. Returns false when the
// recognizer is stopped or the buffer is full.
func (r *ChannelRecognizer) PushTranscript(text string, final bool) bool {
	if !r.running.Load() {
		return false
	}
	select {
	case r.transcripts <- TranscriptEvent{Text: text, Final: final, At: r.nowFn()}:
		return true
	default:
		slog.Warn("ChannelRecognizer.PushTranscript: transcript buffer full, dropping event")
		return false
	}
}

// PushError feeds one recognition failure. Errors are delivered even while
// stopped so permission failures always surface.
func (r *ChannelRecognizer) PushError(reason ErrorReason, message string) bool {
	select {
	case r.errors <- RecognitionError{Reason: reason, Message: message}:
		return true
	default:
		return false
	}
}
