package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	elevenLabsWSBase  = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"
	defaultModelID    = "eleven_flash_v2_5"
	defaultOutputFmt  = "pcm_24000"
	wsWriteTimeout    = 5 * time.Second
	defaultVoiceSpeed = 1.0
)

// ElevenLabsSynthesizer streams synthesis over the ElevenLabs stream-input
// WebSocket, forwarding audio chunks to a sink as they arrive.
type ElevenLabsSynthesizer struct {
	apiKey    string
	wsBaseURL string
	sink      AudioSink
	dialer    *websocket.Dialer

	speaking atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// ElevenLabsOption configures the synthesizer.
type ElevenLabsOption func(*ElevenLabsSynthesizer)

// WithWSBaseURL overrides the WebSocket endpoint (tests point this at a
// local server).
func WithWSBaseURL(base string) ElevenLabsOption {
	return func(s *ElevenLabsSynthesizer) {
		if strings.TrimSpace(base) != "" {
			s.wsBaseURL = base
		}
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) ElevenLabsOption {
	return func(s *ElevenLabsSynthesizer) { s.dialer = d }
}

// NewElevenLabsSynthesizer creates a synthesizer that pushes audio to sink.
func NewElevenLabsSynthesizer(apiKey string, sink AudioSink, opts ...ElevenLabsOption) (*ElevenLabsSynthesizer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("audio sink is required")
	}
	s := &ElevenLabsSynthesizer{
		apiKey:    strings.TrimSpace(apiKey),
		wsBaseURL: elevenLabsWSBase,
		sink:      sink,
		dialer:    websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IsSpeaking reports whether a synthesis is in flight.
func (s *ElevenLabsSynthesizer) IsSpeaking() bool {
	return s.speaking.Load()
}

// Stop aborts the in-flight synthesis, if any.
func (s *ElevenLabsSynthesizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Speak streams text through the vendor and blocks until the final audio
// chunk has been delivered to the sink.
func (s *ElevenLabsSynthesizer) Speak(ctx context.Context, text string, cfg VoiceConfig, onStart func()) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if cfg.VoiceID == "" {
		return fmt.Errorf("voice id is required")
	}

	speakCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	wsURL, err := buildWSURL(s.wsBaseURL, cfg)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("xi-api-key", s.apiKey)
	conn, _, err := s.dialer.DialContext(speakCtx, wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to dial synthesis endpoint: %w", err)
	}
	defer conn.Close()

	s.speaking.Store(true)
	defer s.speaking.Store(false)

	speed := cfg.Speed
	if speed <= 0 {
		speed = defaultVoiceSpeed
	}

	// Initial frame opens the vendor-side context.
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	opening := map[string]any{
		"text":           " ",
		"voice_id":       cfg.VoiceID,
		"voice_settings": map[string]any{"speed": speed},
	}
	if err := conn.WriteJSON(opening); err != nil {
		return fmt.Errorf("failed to open synthesis stream: %w", err)
	}

	payload := strings.TrimSpace(text)
	if !strings.HasSuffix(payload, " ") {
		payload += " "
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(map[string]any{"text": payload, "flush": true}); err != nil {
		return fmt.Errorf("failed to send synthesis text: %w", err)
	}

	// Cancel unblocks the blocking read below.
	go func() {
		<-speakCtx.Done()
		_ = conn.Close()
	}()

	started := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if speakCtx.Err() != nil {
				slog.Debug("ElevenLabsSynthesizer.Speak: synthesis aborted")
				return speakCtx.Err()
			}
			return fmt.Errorf("synthesis stream closed unexpectedly: %w", err)
		}

		var msg struct {
			Audio    string `json:"audio"`
			IsFinal  bool   `json:"isFinal"`
			IsFinal2 bool   `json:"is_final"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if msg.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err == nil && len(audio) > 0 {
				if !started {
					started = true
					if onStart != nil {
						onStart()
					}
				}
				if err := s.sink(audio); err != nil {
					return fmt.Errorf("audio sink rejected chunk: %w", err)
				}
			}
		}
		if msg.IsFinal || msg.IsFinal2 {
			slog.Debug("ElevenLabsSynthesizer.Speak: synthesis complete", "chars", len(text))
			return nil
		}
	}
}

// buildWSURL expands the voice-id template and applies model defaults.
func buildWSURL(base string, cfg VoiceConfig) (string, error) {
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(cfg.VoiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid synthesis ws url: %w", err)
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		model := cfg.ModelID
		if model == "" {
			model = defaultModelID
		}
		q.Set("model_id", model)
	}
	if q.Get("output_format") == "" {
		q.Set("output_format", defaultOutputFmt)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
