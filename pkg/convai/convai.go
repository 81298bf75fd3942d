// Package convai implements session.Transport over the ElevenLabs
// Conversational AI websocket.
package convai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-clone/pkg/core"
	"github.com/vango-go/vai-clone/pkg/session"
	"github.com/vango-go/vai-clone/pkg/telemetry"
)

const (
	DefaultURL              = "wss://api.elevenlabs.io/v1/convai/conversation"
	DefaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 5 * time.Second
	eventBuffer             = 64
)

var (
	_ session.Transport = (*Transport)(nil)
	_ session.Conn      = (*Conn)(nil)
)

// Option configures a Transport.
type Option func(*Transport)

// WithURL overrides DefaultURL.
func WithURL(u string) Option {
	return func(t *Transport) {
		if strings.TrimSpace(u) != "" {
			t.url = strings.TrimSpace(u)
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithHandshakeTimeout bounds the wait for conversation metadata.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.handshakeTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithRecorder(r *telemetry.Recorder) Option {
	return func(t *Transport) { t.recorder = r }
}

// Transport dials conversations.
type Transport struct {
	url              string
	dialer           *websocket.Dialer
	handshakeTimeout time.Duration
	logger           *slog.Logger
	recorder         *telemetry.Recorder
}

// New creates a Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		url:              DefaultURL,
		dialer:           websocket.DefaultDialer,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open dials the conversation endpoint and waits for the conversation id.
func (t *Transport) Open(ctx context.Context, req session.OpenRequest) (session.Conn, error) {
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return nil, core.NewConfigurationError("Agent ID not configured")
	}
	wsURL, err := buildURL(t.url, agentID)
	if err != nil {
		return nil, core.NewInvalidRequestErrorWithParam(err.Error(), "url")
	}
	header := http.Header{}
	if key := strings.TrimSpace(req.APIKey); key != "" {
		header.Set("xi-api-key", key)
	}

	t.recorder.StartSpan(telemetry.SpanWebsocketConnection, nil)
	ws, resp, err := t.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.recorder.EndSpan(telemetry.SpanWebsocketConnection, map[string]any{"ok": err == nil})
	if err != nil {
		if resp != nil {
			return nil, core.NewTransportError(fmt.Sprintf("dial conversation: %v (status %d)", err, resp.StatusCode), err)
		}
		return nil, core.NewTransportError(fmt.Sprintf("dial conversation: %v", err), err)
	}

	c := &Conn{
		ws:     ws,
		logger: t.logger,
		events: make(chan session.Event, eventBuffer),
		closed: make(chan struct{}),
		volume: 1,
	}
	if err := c.handshake(ctx, t.handshakeTimeout); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// Conn is one conversation. It implements session.Conn.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	conversationID string
	audioFormat    string

	events    chan session.Event
	closed    chan struct{}
	closeOnce sync.Once
	local     atomic.Bool

	writeMu sync.Mutex

	volMu  sync.Mutex
	volume float64

	// speaking is only touched by readLoop.
	speaking bool
}

func (c *Conn) handshake(ctx context.Context, timeout time.Duration) error {
	if err := c.writeJSON(ctx, clientData{Type: typeClientData}); err != nil {
		return core.NewTransportError("send conversation initiation", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return core.NewTransportError(fmt.Sprintf("await conversation metadata: %v", err), err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case typeMetadata:
			if f.Metadata == nil || f.Metadata.ConversationID == "" {
				return core.NewTransportError("conversation metadata missing conversation id", nil)
			}
			c.conversationID = f.Metadata.ConversationID
			c.audioFormat = f.Metadata.AgentOutputAudioFormat
			return nil
		case typePing:
			c.pong(f)
		case typeError:
			return core.NewTransportError(f.errorMessage(), nil)
		}
	}
}

func (c *Conn) Events() <-chan session.Event { return c.events }

func (c *Conn) ConversationID() string { return c.conversationID }

// AudioFormat is the agent output format announced by the server.
func (c *Conn) AudioFormat() string { return c.audioFormat }

func (c *Conn) SendText(ctx context.Context, text string) error {
	return c.writeJSON(ctx, textMessage{Type: typeUserMessage, Text: text})
}

func (c *Conn) SendContextualUpdate(ctx context.Context, text string) error {
	return c.writeJSON(ctx, textMessage{Type: typeContextualUpdate, Text: text})
}

func (c *Conn) SendActivity(ctx context.Context) error {
	return c.writeJSON(ctx, clientData{Type: typeUserActivity})
}

// SetVolume records the playback volume. Audio playback is not performed by
// this package.
func (c *Conn) SetVolume(volume float64) error {
	if volume < 0 || volume > 1 {
		return core.NewInvalidRequestErrorWithParam("volume must be between 0 and 1", "volume")
	}
	c.volMu.Lock()
	c.volume = volume
	c.volMu.Unlock()
	return nil
}

func (c *Conn) Volume() float64 {
	c.volMu.Lock()
	defer c.volMu.Unlock()
	return c.volume
}

// Close sends a normal closure and tears the connection down. The final
// event reports code 1000.
func (c *Conn) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.local.Store(true)
		deadline := time.Now().Add(writeTimeout)
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
		c.writeMu.Lock()
		err = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		close(c.closed)
		_ = c.ws.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *Conn) readLoop() {
	final := session.DisconnectedEvent{Code: session.CloseAbnormal}
	defer func() {
		if c.local.Load() {
			final = session.DisconnectedEvent{Code: session.CloseNormal, Reason: "closed by client"}
			select {
			case c.events <- final:
			default:
			}
		} else {
			select {
			case c.events <- final:
			case <-c.closed:
			}
		}
		close(c.events)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				final.Code = closeErr.Code
				final.Reason = strings.TrimSpace(closeErr.Text)
			} else {
				final.Reason = strings.TrimSpace(err.Error())
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		for _, ev := range c.translate(f) {
			if !c.emit(ev) {
				return
			}
		}
	}
}

// translate maps one vendor frame to zero or more session events.
func (c *Conn) translate(f frame) []session.Event {
	switch f.Type {
	case typeUserTranscript:
		if f.UserTranscription == nil {
			return nil
		}
		var out []session.Event
		// The user spoke, so the agent's previous turn is over. Audio has no
		// end frame of its own.
		if c.speaking {
			c.speaking = false
			out = append(out, session.ModeEvent{Mode: "listening"})
		}
		return append(out,
			session.MessageEvent{Kind: session.KindTranscript, Text: f.UserTranscription.UserTranscript},
			session.StatusEvent{Status: "processing"},
		)
	case typeAgentResponse:
		if f.AgentResponse == nil {
			return nil
		}
		return []session.Event{
			session.MessageEvent{Kind: session.KindResponse, Text: f.AgentResponse.AgentResponse},
			session.StatusEvent{Status: "listening"},
		}
	case typeText:
		return []session.Event{session.MessageEvent{Kind: session.KindText, Text: f.Text}}
	case typeAudio:
		if c.speaking {
			return nil
		}
		c.speaking = true
		return []session.Event{session.ModeEvent{Mode: "speaking"}}
	case typeInterruption:
		c.speaking = false
		return []session.Event{session.ModeEvent{Mode: "listening"}}
	case typePing:
		c.pong(f)
		return nil
	case typeError:
		return []session.Event{session.ErrorEvent{Err: core.NewTransportError(f.errorMessage(), nil)}}
	case typeMetadata:
		if f.Metadata != nil && f.Metadata.ConversationID != "" {
			return []session.Event{session.ConnectedEvent{ConversationID: f.Metadata.ConversationID}}
		}
	}
	return nil
}

func (c *Conn) emit(ev session.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Conn) pong(f frame) {
	if f.Ping == nil {
		return
	}
	if err := c.writeJSON(context.Background(), pongMessage{Type: typePong, EventID: f.Ping.EventID}); err != nil {
		c.logger.Debug("pong failed", "error", err)
	}
}

func (c *Conn) writeJSON(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return core.NewTransportError("conversation closed", websocket.ErrCloseSent)
	default:
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	return c.ws.WriteJSON(payload)
}

func buildURL(base, agentID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid conversation url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported conversation url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/convai/conversation"
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
