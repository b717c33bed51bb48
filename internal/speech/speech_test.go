package speech

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBuildWSURL(t *testing.T) {
	got, err := buildWSURL(elevenLabsWSBase, VoiceConfig{VoiceID: "v123"})
	if err != nil {
		t.Fatalf("buildWSURL failed: %v", err)
	}
	if !strings.Contains(got, "/v1/text-to-speech/v123/stream-input") {
		t.Errorf("voice id not expanded: %s", got)
	}
	if !strings.Contains(got, "model_id="+defaultModelID) {
		t.Errorf("default model missing: %s", got)
	}
	if !strings.Contains(got, "output_format=pcm_24000") {
		t.Errorf("output format missing: %s", got)
	}
}

func TestBuildWSURLCustomModel(t *testing.T) {
	got, err := buildWSURL(elevenLabsWSBase, VoiceConfig{VoiceID: "v1", ModelID: "eleven_multilingual_v2"})
	if err != nil {
		t.Fatalf("buildWSURL failed: %v", err)
	}
	if !strings.Contains(got, "model_id=eleven_multilingual_v2") {
		t.Errorf("custom model not applied: %s", got)
	}
}

func TestNewElevenLabsSynthesizerValidation(t *testing.T) {
	if _, err := NewElevenLabsSynthesizer("", func([]byte) error { return nil }); err == nil {
		t.Error("expected error without api key")
	}
	if _, err := NewElevenLabsSynthesizer("key", nil); err == nil {
		t.Error("expected error without sink")
	}
}

// fakeVendor speaks just enough of the stream-input protocol for Speak:
// reads the opening frame and the text frame, answers with two audio chunks
// and a final marker.
func fakeVendor(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame["flush"] != true {
			t.Errorf("expected flush on text frame, got %v", frame)
		}

		chunk := base64.StdEncoding.EncodeToString([]byte("pcmdata"))
		conn.WriteJSON(map[string]any{"audio": chunk})
		conn.WriteJSON(map[string]any{"audio": chunk})
		conn.WriteJSON(map[string]any{"isFinal": true})
	}))
}

func TestSpeakStreamsAudio(t *testing.T) {
	srv := fakeVendor(t)
	defer srv.Close()

	var chunks [][]byte
	sink := func(b []byte) error {
		chunks = append(chunks, b)
		return nil
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s, err := NewElevenLabsSynthesizer("test-key", sink, WithWSBaseURL(wsURL))
	if err != nil {
		t.Fatalf("NewElevenLabsSynthesizer failed: %v", err)
	}

	started := false
	err = s.Speak(context.Background(), "hello there", VoiceConfig{VoiceID: "v1"}, func() { started = true })
	if err != nil {
		t.Fatalf("Speak failed: %v", err)
	}
	if !started {
		t.Error("onStart was not called")
	}
	if len(chunks) != 2 {
		t.Errorf("expected 2 audio chunks, got %d", len(chunks))
	}
	if s.IsSpeaking() {
		t.Error("IsSpeaking must be false after completion")
	}
}

func TestSpeakEmptyTextIsNoop(t *testing.T) {
	s, _ := NewElevenLabsSynthesizer("key", func([]byte) error { return nil })
	if err := s.Speak(context.Background(), "   ", VoiceConfig{VoiceID: "v1"}, nil); err != nil {
		t.Errorf("empty text should be a no-op, got %v", err)
	}
}

func TestChannelRecognizerDropsWhenStopped(t *testing.T) {
	r := NewChannelRecognizer()

	if r.PushTranscript("hello", false) {
		t.Error("stopped recognizer must drop transcripts")
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !r.PushTranscript("hello", true) {
		t.Error("running recognizer must accept transcripts")
	}

	select {
	case ev := <-r.Transcripts():
		if ev.Text != "hello" || !ev.Final {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("transcript not delivered")
	}

	r.Stop()
	if r.PushTranscript("late", false) {
		t.Error("transcripts after Stop must be dropped")
	}
}

func TestChannelRecognizerErrorsAlwaysDelivered(t *testing.T) {
	r := NewChannelRecognizer()
	// Not started: permission errors must still surface.
	if !r.PushError(ReasonNoPermission, "denied") {
		t.Fatal("error not accepted")
	}
	ev := <-r.Errors()
	if ev.Reason != ReasonNoPermission {
		t.Errorf("unexpected reason: %s", ev.Reason)
	}
}
