package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/originx/one-engine/internal/models"
	"github.com/originx/one-engine/internal/speech"
	"github.com/originx/one-engine/internal/voice"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The browser client is served from a different origin in development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientMessage is what the browser sends over the voice socket.
type clientMessage struct {
	Type    string `json:"type"` // start, transcript, error, mute, unmute, stop
	UserID  string `json:"user_id,omitempty"`
	VoiceID string `json:"voice_id,omitempty"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// serverMessage is what the engine sends back.
type serverMessage struct {
	Type     string                 `json:"type"` // state, response, audio, fatal
	State    voice.State            `json:"state,omitempty"`
	Response *models.EngineResponse `json:"response,omitempty"`
	Audio    string                 `json:"audio,omitempty"` // base64 PCM
	Error    string                 `json:"error,omitempty"`
}

// voiceSession owns one WebSocket voice connection: a recognizer fed by
// client transcripts, a per-session synthesizer streaming audio back, and
// the turn-taking controller between them.
type voiceSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	rec        *speech.ChannelRecognizer
	controller *voice.Controller
	userID     string
}

// send serializes writes; gorilla connections allow one writer at a time.
func (vs *voiceSession) send(msg serverMessage) {
	vs.writeMu.Lock()
	defer vs.writeMu.Unlock()
	_ = vs.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := vs.conn.WriteJSON(msg); err != nil {
		slog.Debug("voiceSession.send: write failed", "error", err)
	}
}

// voiceHandler upgrades to WebSocket and runs the voice session loop.
func (s *Server) voiceHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Server.voiceHandler: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	vs := &voiceSession{conn: conn}
	defer func() {
		if vs.controller != nil {
			vs.controller.ExitVoiceMode()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("Server.voiceHandler: connection closed", "userID", vs.userID, "error", err)
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Server.voiceHandler: unparseable client message")
			continue
		}
		if done := s.dispatchVoiceMessage(r, vs, msg); done {
			return
		}
	}
}

// dispatchVoiceMessage handles one client message. Returns true when the
// session should end.
func (s *Server) dispatchVoiceMessage(r *http.Request, vs *voiceSession, msg clientMessage) bool {
	switch msg.Type {
	case "start":
		if vs.controller != nil {
			return false
		}
		if msg.UserID == "" {
			vs.send(serverMessage{Type: "fatal", Error: models.ErrEmptyUserID.Error()})
			return true
		}
		if err := s.startVoiceSession(r, vs, msg); err != nil {
			slog.Error("Server.dispatchVoiceMessage: session start failed", "userID", msg.UserID, "error", err)
			vs.send(serverMessage{Type: "fatal", Error: "voice session unavailable"})
			return true
		}
		vs.send(serverMessage{Type: "state", State: vs.controller.State()})

	case "transcript":
		if vs.rec != nil {
			vs.rec.PushTranscript(msg.Text, msg.Final)
		}

	case "error":
		if vs.rec != nil {
			vs.rec.PushError(mapErrorReason(msg.Reason), msg.Message)
		}

	case "mute":
		if vs.controller != nil {
			vs.controller.Mute()
			vs.send(serverMessage{Type: "state", State: vs.controller.State()})
		}

	case "unmute":
		if vs.controller != nil {
			vs.controller.Unmute()
			vs.send(serverMessage{Type: "state", State: vs.controller.State()})
		}

	case "stop":
		if vs.controller != nil {
			vs.controller.ExitVoiceMode()
			vs.send(serverMessage{Type: "state", State: voice.StateIdle})
		}
		return true

	default:
		slog.Warn("Server.dispatchVoiceMessage: unknown message type", "type", msg.Type)
	}
	return false
}

// startVoiceSession wires recognizer, synthesizer, and controller for one
// connection and enters voice mode.
func (s *Server) startVoiceSession(r *http.Request, vs *voiceSession, msg clientMessage) error {
	vs.userID = msg.UserID
	vs.rec = speech.NewChannelRecognizer()

	var synth speech.Synthesizer = noopSynthesizer{}
	if s.deps.SynthFor != nil {
		sink := func(chunk []byte) error {
			vs.send(serverMessage{Type: "audio", Audio: base64.StdEncoding.EncodeToString(chunk)})
			return nil
		}
		built, err := s.deps.SynthFor(sink)
		if err != nil {
			return err
		}
		synth = built
	}

	voiceCfg := s.deps.Voice
	if msg.VoiceID != "" {
		voiceCfg.VoiceID = msg.VoiceID
	}

	handle := func(ctx context.Context, text string) (*models.EngineResponse, error) {
		return s.deps.Engine.HandleTurn(ctx, models.TurnRequest{
			UserID:    vs.userID,
			Text:      text,
			VoiceMode: true,
		})
	}

	opts := []voice.Option{
		voice.WithVoice(voiceCfg),
		voice.WithResponseSink(func(resp *models.EngineResponse) {
			vs.send(serverMessage{Type: "response", Response: resp})
		}),
		voice.WithFatalHandler(func(err error) {
			vs.send(serverMessage{Type: "fatal", Error: err.Error()})
		}),
	}
	if s.deps.Timings != (voice.Timings{}) {
		opts = append(opts, voice.WithTimings(s.deps.Timings))
	}
	vs.controller = voice.NewController(vs.rec, synth, handle, opts...)

	// The controller outlives this request handler's context only until the
	// socket closes; the deferred ExitVoiceMode tears it down.
	return vs.controller.EnterVoiceMode(r.Context())
}

// mapErrorReason converts client-reported recognition errors to the coarse
// taxonomy the controller understands.
func mapErrorReason(reason string) speech.ErrorReason {
	switch reason {
	case "no-speech", "no_speech":
		return speech.ReasonNoSpeech
	case "not-allowed", "no_permission", "permission-denied":
		return speech.ReasonNoPermission
	default:
		return speech.ReasonOther
	}
}

// noopSynthesizer keeps voice sessions functional when no synthesis vendor
// is configured: turns still flow, replies stay text-only.
type noopSynthesizer struct{}

func (noopSynthesizer) Speak(_ context.Context, _ string, _ speech.VoiceConfig, onStart func()) error {
	if onStart != nil {
		onStart()
	}
	return nil
}
func (noopSynthesizer) IsSpeaking() bool { return false }
func (noopSynthesizer) Stop()            {}
