package convai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-clone/pkg/core"
	"github.com/vango-go/vai-clone/pkg/session"
)

type serverFunc func(t *testing.T, r *http.Request, conn *websocket.Conn)

func newServer(t *testing.T, fn serverFunc) (string, *httptest.Server) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fn(t, r, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/convai/conversation", srv
}

func readType(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Errorf("server read: %v", err)
		return nil
	}
	return msg
}

func acceptHandshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if msg := readType(t, conn); msg["type"] != "conversation_initiation_client_data" {
		t.Errorf("first frame=%v", msg)
	}
	_ = conn.WriteJSON(map[string]any{
		"type": "conversation_initiation_metadata",
		"conversation_initiation_metadata_event": map[string]any{
			"conversation_id":           "conv_123",
			"agent_output_audio_format": "pcm_16000",
		},
	})
}

func nextEvent(t *testing.T, c session.Conn) session.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestOpen_SendsAgentIDAndKey(t *testing.T) {
	gotQuery := make(chan string, 1)
	gotKey := make(chan string, 1)
	url, _ := newServer(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		gotQuery <- r.URL.Query().Get("agent_id")
		gotKey <- r.Header.Get("xi-api-key")
		acceptHandshake(t, conn)
		_, _, _ = conn.ReadMessage()
	})

	c, err := New(WithURL(url)).Open(context.Background(), session.OpenRequest{AgentID: "abc-123", APIKey: "xi_key"})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer c.Close(context.Background())

	if q := <-gotQuery; q != "abc-123" {
		t.Fatalf("agent_id=%q", q)
	}
	if k := <-gotKey; k != "xi_key" {
		t.Fatalf("xi-api-key=%q", k)
	}
	if c.ConversationID() != "conv_123" {
		t.Fatalf("conversation id=%q", c.ConversationID())
	}
	if f := c.(*Conn).AudioFormat(); f != "pcm_16000" {
		t.Fatalf("audio format=%q", f)
	}
}

func TestOpen_NoKeyMeansNoHeader(t *testing.T) {
	gotKey := make(chan []string, 1)
	url, _ := newServer(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		gotKey <- r.Header.Values("xi-api-key")
		acceptHandshake(t, conn)
		_, _, _ = conn.ReadMessage()
	})

	c, err := New(WithURL(url)).Open(context.Background(), session.OpenRequest{AgentID: "abc-123"})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer c.Close(context.Background())
	if v := <-gotKey; len(v) != 0 {
		t.Fatalf("xi-api-key=%v", v)
	}
}

func TestOpen_RequiresAgentID(t *testing.T) {
	_, err := New().Open(context.Background(), session.OpenRequest{})
	if core.TypeOf(err) != core.ErrConfiguration {
		t.Fatalf("err=%v", err)
	}
}

func TestOpen_HandshakeTimeout(t *testing.T) {
	url, _ := newServer(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		time.Sleep(500 * time.Millisecond)
	})

	start := time.Now()
	_, err := New(WithURL(url), WithHandshakeTimeout(50*time.Millisecond)).
		Open(context.Background(), session.OpenRequest{AgentID: "abc-123"})
	if core.TypeOf(err) != core.ErrTransport {
		t.Fatalf("err=%v", err)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatal("handshake timeout not applied")
	}
}

func TestConn_TranslatesFrames(t *testing.T) {
	pong := make(chan map[string]any, 1)
	url, _ := newServer(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		acceptHandshake(t, conn)
		frames := []map[string]any{
			{"type": "user_transcript", "user_transcription_event": map[string]any{"user_transcript": "hello"}},
			{"type": "agent_response", "agent_response_event": map[string]any{"agent_response": "hi there"}},
			{"type": "ping", "ping_event": map[string]any{"event_id": 7, "ping_ms": 20}},
			{"type": "audio", "audio_event": map[string]any{"audio_base_64": "AAAA", "event_id": 8}},
			{"type": "audio", "audio_event": map[string]any{"audio_base_64": "AAAA", "event_id": 9}},
			{"type": "interruption", "interruption_event": map[string]any{"event_id": 9}},
			{"type": "text", "text": "typed reply"},
			{"type": "error", "error": map[string]any{"message": "quota exceeded"}},
		}
		for _, f := range frames {
			_ = conn.WriteJSON(f)
		}
		pong <- readType(t, conn)
		_, _, _ = conn.ReadMessage()
	})

	c, err := New(WithURL(url)).Open(context.Background(), session.OpenRequest{AgentID: "abc-123"})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer c.Close(context.Background())

	want := []session.Event{
		session.MessageEvent{Kind: session.KindTranscript, Text: "hello"},
		session.StatusEvent{Status: "processing"},
		session.MessageEvent{Kind: session.KindResponse, Text: "hi there"},
		session.StatusEvent{Status: "listening"},
		session.ModeEvent{Mode: "speaking"},
		session.ModeEvent{Mode: "listening"},
		session.MessageEvent{Kind: session.KindText, Text: "typed reply"},
	}
	for i, w := range want {
		if got := nextEvent(t, c); got != w {
			t.Fatalf("event %d=%#v, want %#v", i, got, w)
		}
	}
	ev, ok := nextEvent(t, c).(session.ErrorEvent)
	if !ok || !strings.Contains(ev.Err.Error(), "quota exceeded") {
		t.Fatalf("error event=%#v", ev)
	}

	select {
	case msg := <-pong:
		if msg["type"] != "pong" || msg["event_id"] != float64(7) {
			t.Fatalf("pong=%v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong")
	}
}

func TestConn_SpeakingEndsWhenUserTalks(t *testing.T) {
	url, _ := newServer(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		acceptHandshake(t, conn)
		frames := []map[string]any{
			{"type": "audio", "audio_event": map[string]any{"audio_base_64": "AAAA", "event_id": 1}},
			{"type": "agent_response", "agent_response_event": map[string]any{"agent_response": "hi"}},
			{"type": "user_transcript", "user_transcription_event": map[string]any{"user_transcript": "next"}},
			{"type": "audio", "audio_event": map[string]any{"audio_base_64": "AAAA", "event_id": 2}},
			{"type": "text", "text": "end"},
		}
		for _, f := range frames {
			_ = conn.WriteJSON(f)
		}
		_, _, _ = conn.ReadMessage()
	})

	c, err := New(WithURL(url)).Open(context.Background(), session.OpenRequest{AgentID: "abc-123"})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer c.Close(context.Background())

	want := []session.Event{
		session.ModeEvent{Mode: "speaking"},
		session.MessageEvent{Kind: session.KindResponse, Text: "hi"},
		session.StatusEvent{Status: "listening"},
		session.ModeEvent{Mode: "listening"},
		session.MessageEvent{Kind: session.KindTranscript, Text: "next"},
		session.StatusEvent{Status: "processing"},
		session.ModeEvent{Mode: "speaking"},
		session.MessageEvent{Kind: session.KindText, Text: "end"},
	}
	for i, w := range want {
		if got := nextEvent(t, c); got != w {
			t.Fatalf("event %d=%#v, want %#v", i, got, w)
		}
	}
}

func TestConn_OutboundFrames(t *testing.T) {
	got := make(chan []map[string]any, 1)
	url, _ := newServer(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		acceptHandshake(t, conn)
		var frames []map[string]any
		for i := 0; i < 3; i++ {
			frames = append(frames, readType(t, conn))
		}
		got <- frames
		_, _, _ = conn.ReadMessage()
	})

	c, err := New(WithURL(url)).Open(context.Background(), session.OpenRequest{AgentID: "abc-123"})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer c.Close(context.Background())

	if err := c.SendText(context.Background(), "hey"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := c.SendContextualUpdate(context.Background(), "on page 2"); err != nil {
		t.Fatalf("SendContextualUpdate: %v", err)
	}
	if err := c.SendActivity(context.Background()); err != nil {
		t.Fatalf("SendActivity: %v", err)
	}

	frames := <-got
	payload, _ := json.Marshal(frames)
	want := `[{"text":"hey","type":"user_message"},{"text":"on page 2","type":"contextual_update"},{"type":"user_activity"}]`
	if string(payload) != want {
		t.Fatalf("frames=%s", payload)
	}
}

func TestConn_AbnormalCloseReports1006(t *testing.T) {
	url, _ := newServer(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		acceptHandshake(t, conn)
		_ = conn.UnderlyingConn().Close()
	})

	c, err := New(WithURL(url)).Open(context.Background(), session.OpenRequest{AgentID: "abc-123"})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer c.Close(context.Background())

	ev, ok := nextEvent(t, c).(session.DisconnectedEvent)
	if !ok || ev.Code != session.CloseAbnormal || !ev.Abnormal() {
		t.Fatalf("event=%#v", ev)
	}
	if _, open := <-c.Events(); open {
		t.Fatal("event stream must close after disconnect")
	}
}

func TestConn_ServerCloseFrameCode(t *testing.T) {
	url, _ := newServer(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		acceptHandshake(t, conn)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})

	c, err := New(WithURL(url)).Open(context.Background(), session.OpenRequest{AgentID: "abc-123"})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer c.Close(context.Background())

	ev, ok := nextEvent(t, c).(session.DisconnectedEvent)
	if !ok || ev.Code != session.CloseNormal || ev.Reason != "bye" {
		t.Fatalf("event=%#v", ev)
	}
}

func TestConn_LocalCloseIsNormal(t *testing.T) {
	closeCode := make(chan int, 1)
	url, _ := newServer(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		acceptHandshake(t, conn)
		_, _, err := conn.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			closeCode <- ce.Code
		}
	})

	c, err := New(WithURL(url)).Open(context.Background(), session.OpenRequest{AgentID: "abc-123"})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case code := <-closeCode:
		if code != websocket.CloseNormalClosure {
			t.Fatalf("server saw code %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw close frame")
	}

	var last session.Event
	for ev := range c.Events() {
		last = ev
	}
	if d, ok := last.(session.DisconnectedEvent); !ok || d.Code != session.CloseNormal {
		t.Fatalf("last event=%#v", last)
	}
	if err := c.SendText(context.Background(), "late"); core.TypeOf(err) != core.ErrTransport {
		t.Fatalf("send after close err=%v", err)
	}
}

func TestConn_SetVolume(t *testing.T) {
	c := &Conn{volume: 1}
	if err := c.SetVolume(2); core.TypeOf(err) != core.ErrInvalidRequest {
		t.Fatalf("err=%v", err)
	}
	if err := c.SetVolume(0.4); err != nil || c.Volume() != 0.4 {
		t.Fatalf("volume=%v err=%v", c.Volume(), err)
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{DefaultURL, "wss://api.elevenlabs.io/v1/convai/conversation?agent_id=a+b"},
		{"https://example.com", "wss://example.com/v1/convai/conversation?agent_id=a+b"},
		{"http://localhost:8080/custom", "ws://localhost:8080/custom?agent_id=a+b"},
	}
	for _, tt := range tests {
		got, err := buildURL(tt.base, "a b")
		if err != nil {
			t.Fatalf("buildURL(%q): %v", tt.base, err)
		}
		if got != tt.want {
			t.Fatalf("buildURL(%q)=%q, want %q", tt.base, got, tt.want)
		}
	}
	if _, err := buildURL("ftp://x", "a"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}
