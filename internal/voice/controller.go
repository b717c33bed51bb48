// Package voice implements the turn-taking protocol for voice mode:
// listen, endpoint, submit, speak, resume. The microphone and the speaker
// are never active at the same time.
package voice

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/originx/one-engine/internal/models"
	"github.com/originx/one-engine/internal/speech"
)

// State is the controller's externally visible phase.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateSpeaking  State = "speaking"
	StateMuted     State = "muted"
)

// Timings holds every delay the protocol uses. All fields are overridable
// so tests run in milliseconds.
type Timings struct {
	// EndpointPunct applies when an interim transcript already ends in
	// terminal punctuation.
	EndpointPunct time.Duration
	// EndpointShort applies to fragments of at most two words.
	EndpointShort time.Duration
	// EndpointDefault applies to everything else.
	EndpointDefault time.Duration
	// Settle is the pause between playback completion and resuming the
	// microphone, absorbing the audio buffer tail.
	Settle time.Duration
	// NoSpeechRestart delays the automatic restart after a no-speech error.
	NoSpeechRestart time.Duration
	// TransientRetry delays the single retry after other recognition errors.
	TransientRetry time.Duration
}

// DefaultTimings returns the production delays.
func DefaultTimings() Timings {
	return Timings{
		EndpointPunct:   800 * time.Millisecond,
		EndpointShort:   2000 * time.Millisecond,
		EndpointDefault: 1500 * time.Millisecond,
		Settle:          300 * time.Millisecond,
		NoSpeechRestart: 500 * time.Millisecond,
		TransientRetry:  2 * time.Second,
	}
}

// EndpointDelay computes the silence timeout for an interim transcript.
// Pure function of the transcript shape.
func EndpointDelay(transcript string, t Timings) time.Duration {
	trimmed := strings.TrimSpace(transcript)
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") || strings.HasSuffix(trimmed, "?") {
		return t.EndpointPunct
	}
	if len(strings.Fields(trimmed)) <= 2 {
		return t.EndpointShort
	}
	return t.EndpointDefault
}

// TurnHandler produces the engine response for a finalized utterance.
type TurnHandler func(ctx context.Context, text string) (*models.EngineResponse, error)

// Controller owns the voice-mode state machine. All transitions happen
// under one mutex so the mic/speaker exclusion holds under rapid mode
// changes.
type Controller struct {
	rec     speech.Recognizer
	synth   speech.Synthesizer
	handle  TurnHandler
	voice   speech.VoiceConfig
	timings Timings

	// onResponse delivers each engine response to the transport layer.
	onResponse func(*models.EngineResponse)
	// onFatal reports unrecoverable voice-mode failures.
	onFatal func(error)

	mu            sync.Mutex
	phase         State
	active        bool // voice mode entered and not exited
	speaking      bool // synthesis in flight
	pendingText   string
	endpointTimer *time.Timer
	inFlightText  string // last content handed to the synthesizer
	retried       bool   // one transient-error retry per episode

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithTimings overrides the protocol delays.
func WithTimings(t Timings) Option {
	return func(c *Controller) { c.timings = t }
}

// WithVoice sets the synthesis voice.
func WithVoice(v speech.VoiceConfig) Option {
	return func(c *Controller) { c.voice = v }
}

// WithResponseSink registers the engine-response callback.
func WithResponseSink(fn func(*models.EngineResponse)) Option {
	return func(c *Controller) { c.onResponse = fn }
}

// WithFatalHandler registers the unrecoverable-error callback.
func WithFatalHandler(fn func(error)) Option {
	return func(c *Controller) { c.onFatal = fn }
}

// NewController wires recognition, synthesis, and the turn handler.
func NewController(rec speech.Recognizer, synth speech.Synthesizer, handle TurnHandler, opts ...Option) *Controller {
	c := &Controller{
		rec:     rec,
		synth:   synth,
		handle:  handle,
		timings: DefaultTimings(),
		phase:   StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// EnterVoiceMode activates the controller and starts listening. It spawns
// the event loop consuming recognizer output; ExitVoiceMode stops it.
func (c *Controller) EnterVoiceMode(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	loopCtx := c.ctx
	c.mu.Unlock()

	go c.eventLoop(loopCtx)

	slog.Info("Controller.EnterVoiceMode: voice mode active")
	c.startListening()
	return nil
}

// ExitVoiceMode deactivates the controller, stopping recognition and any
// in-flight synthesis.
func (c *Controller) ExitVoiceMode() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.phase = StateIdle
	c.stopEndpointTimerLocked()
	cancel := c.cancel
	c.mu.Unlock()

	c.rec.Stop()
	c.synth.Stop()
	if cancel != nil {
		cancel()
	}
	slog.Info("Controller.ExitVoiceMode: voice mode stopped")
}

// Mute stops recognition immediately and suppresses every auto-resume until
// Unmute. Active synthesis keeps playing.
func (c *Controller) Mute() {
	c.mu.Lock()
	c.phase = StateMuted
	c.stopEndpointTimerLocked()
	c.pendingText = ""
	c.mu.Unlock()

	c.rec.Stop()
	slog.Info("Controller.Mute: microphone muted")
}

// Unmute lifts the override. Listening resumes only when no synthesis is
// playing; otherwise the normal post-playback resume takes over.
func (c *Controller) Unmute() {
	c.mu.Lock()
	if c.phase != StateMuted {
		c.mu.Unlock()
		return
	}
	if c.speaking {
		c.phase = StateSpeaking
		c.mu.Unlock()
		slog.Info("Controller.Unmute: unmuted during playback, resume deferred")
		return
	}
	c.phase = StateIdle
	c.mu.Unlock()

	slog.Info("Controller.Unmute: microphone unmuted")
	c.startListening()
}

// startListening transitions to listening unless muted, speaking, or
// inactive. Ties resolve in favor of silence.
func (c *Controller) startListening() {
	c.mu.Lock()
	if !c.active || c.phase == StateMuted || c.speaking {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.phase = StateListening
	c.mu.Unlock()

	if err := c.rec.Start(ctx); err != nil {
		slog.Error("Controller.startListening: recognizer failed to start", "error", err)
		c.mu.Lock()
		c.phase = StateIdle
		c.mu.Unlock()
		return
	}
	slog.Debug("Controller.startListening: listening")
}

// retriedReset clears the transient-retry budget. Caller holds mu.
func (c *Controller) retriedReset() {
	c.retried = false
}

func (c *Controller) stopEndpointTimerLocked() {
	if c.endpointTimer != nil {
		c.endpointTimer.Stop()
		c.endpointTimer = nil
	}
}

// eventLoop consumes recognizer output until voice mode exits.
func (c *Controller) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.rec.Transcripts():
			c.handleTranscript(ctx, ev)
		case recErr := <-c.rec.Errors():
			c.handleRecognitionError(recErr)
		}
	}
}

// handleTranscript applies the adaptive endpointing policy: final results
// submit immediately, interim results arm (or re-arm) the silence timer.
func (c *Controller) handleTranscript(ctx context.Context, ev speech.TranscriptEvent) {
	c.mu.Lock()
	if c.phase != StateListening {
		c.mu.Unlock()
		return
	}
	c.pendingText = ev.Text
	c.retriedReset()
	c.stopEndpointTimerLocked()

	if ev.Final {
		c.mu.Unlock()
		// Off the event loop, like the timer path, so recognition errors
		// arriving during the turn and playback are still consumed.
		go c.submit(ctx)
		return
	}

	delay := EndpointDelay(ev.Text, c.timings)
	c.endpointTimer = time.AfterFunc(delay, func() { c.submit(ctx) })
	c.mu.Unlock()
	slog.Debug("Controller.handleTranscript: endpoint timer armed", "delay", delay, "words", len(strings.Fields(ev.Text)))
}

// submit finalizes the pending utterance: hard-stop the microphone, run the
// turn, voice the reply.
func (c *Controller) submit(ctx context.Context) {
	c.mu.Lock()
	if c.phase != StateListening || strings.TrimSpace(c.pendingText) == "" {
		c.mu.Unlock()
		return
	}
	text := c.pendingText
	c.pendingText = ""
	c.stopEndpointTimerLocked()
	c.phase = StateIdle
	c.retriedReset()
	c.mu.Unlock()

	// Recognition stops strictly before anything can be voiced.
	c.rec.Stop()
	slog.Info("Controller.submit: turn submitted", "chars", len(text))

	resp, err := c.handle(ctx, text)
	if err != nil {
		slog.Error("Controller.submit: turn failed", "error", err)
		c.startListening()
		return
	}
	if c.onResponse != nil {
		c.onResponse(resp)
	}
	c.speakResponse(ctx, resp.Message)
}

// speakResponse voices one reply and schedules the post-playback resume.
// Duplicate requests for content already in flight are suppressed.
func (c *Controller) speakResponse(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		c.startListening()
		return
	}

	c.mu.Lock()
	if c.speaking && c.inFlightText == text {
		c.mu.Unlock()
		slog.Debug("Controller.speakResponse: duplicate synthesis suppressed")
		return
	}
	c.speaking = true
	c.inFlightText = text
	if c.phase != StateMuted {
		c.phase = StateSpeaking
	}
	c.mu.Unlock()

	err := c.synth.Speak(ctx, text, c.voice, nil)

	c.mu.Lock()
	c.speaking = false
	c.inFlightText = ""
	resume := c.phase == StateSpeaking && c.active
	c.mu.Unlock()

	if err != nil {
		slog.Warn("Controller.speakResponse: synthesis failed", "error", err)
	}
	if !resume {
		// Muted or exited during playback; stay silent.
		return
	}

	// Settle delay absorbs the audio tail before the microphone reopens.
	time.AfterFunc(c.timings.Settle, func() {
		c.mu.Lock()
		stillDue := c.phase == StateSpeaking && c.active && !c.speaking
		if stillDue {
			c.phase = StateIdle
		}
		c.mu.Unlock()
		if stillDue {
			c.startListening()
		}
	})
}

// handleRecognitionError applies the per-reason retry policy.
func (c *Controller) handleRecognitionError(recErr speech.RecognitionError) {
	switch recErr.Reason {
	case speech.ReasonNoSpeech:
		c.mu.Lock()
		due := c.active && c.phase == StateListening && !c.speaking
		c.mu.Unlock()
		if due {
			slog.Debug("Controller.handleRecognitionError: no speech, restarting")
			time.AfterFunc(c.timings.NoSpeechRestart, func() {
				c.mu.Lock()
				restart := c.active && c.phase == StateListening && !c.speaking
				if restart {
					c.phase = StateIdle
				}
				c.mu.Unlock()
				if restart {
					c.startListening()
				}
			})
		}

	case speech.ReasonNoPermission:
		slog.Error("Controller.handleRecognitionError: microphone permission denied")
		c.ExitVoiceMode()
		if c.onFatal != nil {
			c.onFatal(models.ErrVoicePermissionDenied)
		}

	default:
		c.mu.Lock()
		due := c.active && !c.retried && c.phase != StateMuted && !c.speaking
		if due {
			c.retried = true
		}
		c.mu.Unlock()
		if !due {
			slog.Warn("Controller.handleRecognitionError: transient error not retried", "message", recErr.Message)
			return
		}
		slog.Warn("Controller.handleRecognitionError: transient error, retrying once", "message", recErr.Message)
		time.AfterFunc(c.timings.TransientRetry, func() {
			c.mu.Lock()
			retry := c.active && c.phase != StateMuted && !c.speaking
			if retry {
				c.phase = StateIdle
			}
			c.mu.Unlock()
			if retry {
				c.rec.Stop()
				c.startListening()
			}
		})
	}
}
