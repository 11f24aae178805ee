package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeUpstream records client events and replies to session.update with a
// fixed script of server events.
func fakeUpstream(t *testing.T, script []string, got chan<- map[string]any) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Header.Get("OpenAI-Beta") != "realtime=v1" {
			t.Errorf("beta header=%q", r.Header.Get("OpenAI-Beta"))
		}
		if r.URL.Query().Get("model") != "gpt-test" {
			t.Errorf("model=%q", r.URL.Query().Get("model"))
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			got <- msg
			if msg["type"] == "session.update" {
				for _, s := range script {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(s))
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestClient_DispatchesEvents(t *testing.T) {
	got := make(chan map[string]any, 8)
	srv := fakeUpstream(t, []string{
		`{"type":"session.updated","event_id":"e1"}`,
		`not json`,
		`{"type":"response.audio_transcript.delta","delta":"Hel"}`,
		`{"type":"response.text.delta","delta":"lo"}`,
		`{"type":"response.audio.delta","delta":"AAAA"}`,
	}, got)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: wsURL(srv), Model: "gpt-test", APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	all := make(chan Event, 8)
	texts := make(chan string, 4)
	audio := make(chan string, 4)
	c.On("*", func(ev Event) { all <- ev })
	c.OnTextDelta(func(d Delta) { texts <- d.Delta })
	c.OnAudioDelta(func(d Delta) { audio <- d.Delta })

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	if err := c.UpdateSession(ctx, Session{Voice: "alloy", TurnDetection: &TurnDetection{Type: "server_vad", Threshold: 0.5}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	msg := <-got
	if msg["type"] != "session.update" {
		t.Fatalf("msg=%v", msg)
	}
	sess := msg["session"].(map[string]any)
	if sess["voice"] != "alloy" || sess["turn_detection"].(map[string]any)["type"] != "server_vad" {
		t.Fatalf("session=%v", sess)
	}

	first := <-all
	if first.Type != EventSessionUpdated || first.EventID != "e1" {
		t.Fatalf("first=%+v", first)
	}
	if d := <-texts; d != "Hel" {
		t.Fatalf("text delta=%q", d)
	}
	if d := <-texts; d != "lo" {
		t.Fatalf("text delta=%q", d)
	}
	if d := <-audio; d != "AAAA" {
		t.Fatalf("audio delta=%q", d)
	}

	if err := c.AppendAudio(ctx, "UklGRg=="); err != nil {
		t.Fatalf("append: %v", err)
	}
	msg = <-got
	if msg["type"] != "input_audio_buffer.append" || msg["audio"] != "UklGRg==" {
		t.Fatalf("append msg=%v", msg)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestDial_Unauthorized(t *testing.T) {
	srv := fakeUpstream(t, nil, make(chan map[string]any, 1))
	_, err := Dial(context.Background(), Config{URL: wsURL(srv), Model: "gpt-test", APIKey: "wrong"})
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if _, err := Dial(context.Background(), Config{URL: wsURL(srv)}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	if err != nil {
		t.Fatal(err)
	}
	var e ErrorEvent
	if err := ev.Decode(&e); err != nil || e.Error.Message != "bad" {
		t.Fatalf("decode=%+v err=%v", e, err)
	}
	if !json.Valid(ev.Raw) {
		t.Fatalf("raw not preserved")
	}
	if _, err := ParseEvent([]byte(`{"delta":"x"}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
}
