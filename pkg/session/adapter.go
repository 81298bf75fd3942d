// Package session turns a vendor real-time conversation into an ordered
// message list and a small set of state flags, with keep-alive pulses and a
// single automatic reconnect after an abnormal closure.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-clone/pkg/agentconfig"
	"github.com/vango-go/vai-clone/pkg/core"
	"github.com/vango-go/vai-clone/pkg/telemetry"
)

const (
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
)

// Role is the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry. Messages are never modified after
// creation.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Phase is the connection lifecycle.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
)

// State flags are independent; all are false while disconnected.
type State struct {
	Connected  bool
	Listening  bool
	Processing bool
	Speaking   bool
}

// ConfigSource supplies the agent configuration on connect.
// *optimizer.Optimizer implements it.
type ConfigSource interface {
	Config(ctx context.Context) (*agentconfig.AgentConfig, error)
}

// ConfigSourceFunc adapts a function to ConfigSource.
type ConfigSourceFunc func(ctx context.Context) (*agentconfig.AgentConfig, error)

func (f ConfigSourceFunc) Config(ctx context.Context) (*agentconfig.AgentConfig, error) {
	return f(ctx)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithAutoReconnect enables one reconnect attempt after an abnormal closure.
func WithAutoReconnect(enabled bool) Option {
	return func(a *Adapter) { a.autoReconnect = enabled }
}

func WithKeepAliveInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.keepAliveInterval = d
		}
	}
}

func WithReconnectDelay(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.reconnectDelay = d
		}
	}
}

// WithOnMessage observes every message appended to the transcript.
func WithOnMessage(fn func(Message)) Option {
	return func(a *Adapter) { a.onMessage = fn }
}

// WithOnError observes transport and reconnect failures.
func WithOnError(fn func(error)) Option {
	return func(a *Adapter) { a.onError = fn }
}

func WithOnConnectionChange(fn func(connected bool)) Option {
	return func(a *Adapter) { a.onConnectionChange = fn }
}

func WithOnStateChange(fn func(State)) Option {
	return func(a *Adapter) { a.onStateChange = fn }
}

func WithClock(c clockwork.Clock) Option {
	return func(a *Adapter) {
		if c != nil {
			a.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithRecorder(r *telemetry.Recorder) Option {
	return func(a *Adapter) { a.recorder = r }
}

// Adapter is safe for concurrent use. Callbacks run outside the adapter's
// lock, inbound ones on the session's event goroutine in arrival order.
type Adapter struct {
	transport Transport
	source    ConfigSource
	clock     clockwork.Clock
	logger    *slog.Logger
	recorder  *telemetry.Recorder

	autoReconnect     bool
	keepAliveInterval time.Duration
	reconnectDelay    time.Duration

	onMessage          func(Message)
	onError            func(error)
	onConnectionChange func(bool)
	onStateChange      func(State)

	mu             sync.Mutex
	phase          Phase
	state          State
	messages       []Message
	conn           Conn
	conversationID string
	lastConfig     *agentconfig.AgentConfig
	volume         float64
	awaitingFirst  bool
	closed         bool
	// connectSpan is set while Connect's total connection span is open.
	connectSpan bool

	// gen changes on every connect, disconnect and closure; work carrying
	// an older generation is discarded.
	gen             uint64
	keepAliveStop   chan struct{}
	keepAliveTicker clockwork.Ticker
	reconnectTimer  clockwork.Timer
}

// New creates a disconnected Adapter.
func New(transport Transport, source ConfigSource, opts ...Option) *Adapter {
	a := &Adapter{
		transport:         transport,
		source:            source,
		clock:             clockwork.NewRealClock(),
		logger:            slog.Default(),
		keepAliveInterval: DefaultKeepAliveInterval,
		reconnectDelay:    DefaultReconnectDelay,
		phase:             PhaseDisconnected,
		volume:            1,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var errSuperseded = errors.New("session: connect superseded")

// Connect fetches the configuration and opens a vendor session. Connecting
// while a session is active or being opened is a no-op. Failures are
// returned and also reported through the error callback.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return core.NewInvalidRequestError("session adapter is closed")
	}
	if a.phase != PhaseDisconnected {
		a.mu.Unlock()
		return nil
	}
	a.gen++
	gen := a.gen
	a.stopReconnectLocked()
	a.phase = PhaseConnecting
	a.connectSpan = true
	a.mu.Unlock()

	a.recorder.StartSpan(telemetry.SpanTotalConnection, nil)
	a.logger.Info("fetching agent configuration")

	cfg, err := a.source.Config(ctx)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		a.failConnect(gen, err)
		return err
	}

	if err := a.open(ctx, gen, cfg); err != nil {
		if errors.Is(err, errSuperseded) {
			// Disconnect already ended the span.
			return nil
		}
		a.failConnect(gen, err)
		return err
	}
	a.endConnectSpan(gen, nil)
	return nil
}

// endConnectSpan ends the total connection span opened by Connect for gen.
func (a *Adapter) endConnectSpan(gen uint64, attrs map[string]any) {
	a.mu.Lock()
	open := a.connectSpan && gen == a.gen
	if open {
		a.connectSpan = false
	}
	a.mu.Unlock()
	if open {
		a.recorder.EndSpan(telemetry.SpanTotalConnection, attrs)
	}
}

func (a *Adapter) failConnect(gen uint64, err error) {
	a.endConnectSpan(gen, map[string]any{"error": err.Error()})
	a.mu.Lock()
	if gen == a.gen && a.phase == PhaseConnecting {
		a.phase = PhaseDisconnected
	}
	a.mu.Unlock()
	a.logger.Error("failed to connect", "error", err)
	a.reportError(err)
}

// open dials the vendor and installs the session if gen is still current.
func (a *Adapter) open(ctx context.Context, gen uint64, cfg *agentconfig.AgentConfig) error {
	a.logger.Info("connecting to agent", "agent_id", redact(cfg.AgentID))
	a.recorder.StartSpan(telemetry.SpanSessionCreation, nil)
	conn, err := a.transport.Open(ctx, OpenRequest{AgentID: cfg.AgentID, APIKey: cfg.APIKey})
	a.recorder.EndSpan(telemetry.SpanSessionCreation, map[string]any{"ok": err == nil})
	if err != nil {
		var ce *core.Error
		if errors.As(err, &ce) {
			return err
		}
		return core.NewTransportError(fmt.Sprintf("open session: %v", err), err)
	}

	a.mu.Lock()
	if a.closed || gen != a.gen {
		a.mu.Unlock()
		_ = conn.Close(context.Background())
		return errSuperseded
	}
	a.conn = conn
	a.conversationID = conn.ConversationID()
	a.lastConfig = cfg.Clone()
	a.phase = PhaseConnected
	a.state = State{Connected: true, Listening: true}
	a.awaitingFirst = true
	volume := a.volume
	a.startKeepAliveLocked(gen, conn)
	state := a.state
	a.mu.Unlock()

	if volume != 1 {
		if err := conn.SetVolume(volume); err != nil {
			a.logger.Warn("apply volume", "error", err)
		}
	}
	a.recorder.StartSpan(telemetry.SpanFirstMessage, nil)
	a.logger.Info("conversation started", "conversation_id", conn.ConversationID())

	go a.readEvents(gen, conn)

	if a.onConnectionChange != nil {
		a.onConnectionChange(true)
	}
	a.notifyState(state)
	return nil
}

// Disconnect ends the session, clears the transcript and resets every flag.
// It is safe to call at any time.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.gen++
	a.stopKeepAliveLocked()
	a.stopReconnectLocked()
	conn := a.conn
	wasActive := a.phase != PhaseDisconnected
	superseded := a.connectSpan
	a.connectSpan = false
	a.conn = nil
	a.phase = PhaseDisconnected
	a.state = State{}
	a.messages = nil
	a.conversationID = ""
	a.awaitingFirst = false
	a.mu.Unlock()

	if superseded {
		a.recorder.EndSpan(telemetry.SpanTotalConnection, map[string]any{"superseded": true})
	}

	var err error
	if conn != nil {
		a.logger.Info("ending conversation")
		if cerr := conn.Close(ctx); cerr != nil {
			a.logger.Warn("error ending session", "error", cerr)
			err = core.NewTransportError("end session", cerr)
		}
	}
	if wasActive {
		if a.onConnectionChange != nil {
			a.onConnectionChange(false)
		}
		a.notifyState(State{})
	}
	return err
}

// Close disconnects and permanently disables the adapter.
func (a *Adapter) Close() error {
	err := a.Disconnect(context.Background())
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return err
}

// SendTextMessage appends a user message and sends it to the agent.
func (a *Adapter) SendTextMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	conn := a.conn
	if conn == nil || a.phase != PhaseConnected {
		a.mu.Unlock()
		return core.NewInvalidRequestError("not connected to conversation")
	}
	msg := a.newMessageLocked(RoleUser, text)
	a.messages = append(a.messages, msg)
	a.mu.Unlock()

	if a.onMessage != nil {
		a.onMessage(msg)
	}
	if err := conn.SendText(ctx, text); err != nil {
		err = core.NewTransportError("send message", err)
		a.reportError(err)
		return err
	}
	return nil
}

// SendContextualUpdate sends background context without adding a message.
func (a *Adapter) SendContextualUpdate(ctx context.Context, text string) error {
	a.mu.Lock()
	conn := a.conn
	connected := a.phase == PhaseConnected
	a.mu.Unlock()
	if conn == nil || !connected {
		return core.NewInvalidRequestError("not connected to conversation")
	}
	if err := conn.SendContextualUpdate(ctx, text); err != nil {
		err = core.NewTransportError("send contextual update", err)
		a.reportError(err)
		return err
	}
	return nil
}

// SetVolume sets playback volume in [0, 1]. It is kept across reconnects.
func (a *Adapter) SetVolume(volume float64) error {
	if volume < 0 || volume > 1 {
		return core.NewInvalidRequestErrorWithParam("volume must be between 0 and 1", "volume")
	}
	a.mu.Lock()
	a.volume = volume
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.SetVolume(volume)
}

// ClearMessages empties the transcript without touching the session.
func (a *Adapter) ClearMessages() {
	a.mu.Lock()
	a.messages = nil
	a.mu.Unlock()
}

// Messages returns a copy of the transcript in arrival order.
func (a *Adapter) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, len(a.messages))
	copy(out, a.messages)
	return out
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// ConversationID is empty while disconnected.
func (a *Adapter) ConversationID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conversationID
}

func (a *Adapter) readEvents(gen uint64, conn Conn) {
	for ev := range conn.Events() {
		if d, ok := ev.(DisconnectedEvent); ok {
			a.handleDisconnect(gen, d)
			return
		}
		a.handleEvent(gen, ev)
	}
	a.handleDisconnect(gen, DisconnectedEvent{Code: CloseAbnormal, Reason: "event stream ended"})
}

func (a *Adapter) handleEvent(gen uint64, ev Event) {
	switch ev := ev.(type) {
	case ConnectedEvent:
		a.mu.Lock()
		if gen == a.gen && ev.ConversationID != "" {
			a.conversationID = ev.ConversationID
		}
		a.mu.Unlock()

	case MessageEvent:
		if ev.Text == "" {
			return
		}
		role := RoleAssistant
		if ev.Kind == KindTranscript {
			role = RoleUser
		}
		a.mu.Lock()
		if gen != a.gen {
			a.mu.Unlock()
			return
		}
		msg := a.newMessageLocked(role, ev.Text)
		a.messages = append(a.messages, msg)
		first := role == RoleAssistant && a.awaitingFirst
		if first {
			a.awaitingFirst = false
		}
		a.mu.Unlock()

		if first {
			a.recorder.EndSpan(telemetry.SpanFirstMessage, nil)
		}
		a.logger.Debug("message received", "role", string(role), "kind", string(ev.Kind))
		if a.onMessage != nil {
			a.onMessage(msg)
		}

	case StatusEvent:
		processing := ev.Status == "thinking" || ev.Status == "processing"
		a.updateState(gen, func(s *State) { s.Processing = processing })

	case ModeEvent:
		if ev.Mode != "listening" && ev.Mode != "speaking" {
			return
		}
		a.updateState(gen, func(s *State) {
			s.Listening = ev.Mode == "listening"
			s.Speaking = ev.Mode == "speaking"
		})

	case ErrorEvent:
		a.mu.Lock()
		current := gen == a.gen
		a.mu.Unlock()
		if !current {
			return
		}
		err := ev.Err
		if err == nil {
			err = core.NewTransportError("Conversation error occurred", nil)
		} else if core.TypeOf(err) == "" {
			err = core.NewTransportError(err.Error(), err)
		}
		a.logger.Error("conversation error", "error", err)
		a.reportError(err)
	}
}

func (a *Adapter) updateState(gen uint64, mutate func(*State)) {
	a.mu.Lock()
	if gen != a.gen || a.phase != PhaseConnected {
		a.mu.Unlock()
		return
	}
	prev := a.state
	mutate(&a.state)
	state := a.state
	a.mu.Unlock()
	if state != prev {
		a.notifyState(state)
	}
}

func (a *Adapter) handleDisconnect(gen uint64, ev DisconnectedEvent) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.gen++
	a.stopKeepAliveLocked()
	a.conn = nil
	a.phase = PhaseDisconnected
	a.state = State{}
	a.conversationID = ""
	a.awaitingFirst = false

	scheduled := false
	if a.autoReconnect && ev.Abnormal() && a.lastConfig != nil && !a.closed {
		token := a.gen
		a.reconnectTimer = a.clock.AfterFunc(a.reconnectDelay, func() { a.reconnect(token) })
		scheduled = true
	}
	a.mu.Unlock()

	a.logger.Info("disconnected", "code", ev.Code, "reason", ev.Reason)
	if scheduled {
		a.logger.Info("attempting to reconnect", "delay", a.reconnectDelay)
	}
	if a.onConnectionChange != nil {
		a.onConnectionChange(false)
	}
	a.notifyState(State{})
}

// reconnect makes the single automatic attempt scheduled by handleDisconnect.
func (a *Adapter) reconnect(token uint64) {
	a.mu.Lock()
	if a.closed || token != a.gen || a.phase != PhaseDisconnected {
		a.mu.Unlock()
		return
	}
	a.reconnectTimer = nil
	a.gen++
	gen := a.gen
	a.phase = PhaseConnecting
	cfg := a.lastConfig.Clone()
	a.mu.Unlock()

	err := a.open(context.Background(), gen, cfg)
	if err == nil {
		a.logger.Info("reconnected", "conversation_id", a.ConversationID())
		return
	}
	if errors.Is(err, errSuperseded) {
		return
	}

	a.mu.Lock()
	if gen == a.gen && a.phase == PhaseConnecting {
		a.phase = PhaseDisconnected
	}
	a.mu.Unlock()
	a.logger.Error("reconnection failed", "error", err)
	a.reportError(core.NewReconnectError(err))
}

func (a *Adapter) startKeepAliveLocked(gen uint64, conn Conn) {
	a.stopKeepAliveLocked()
	stop := make(chan struct{})
	ticker := a.clock.NewTicker(a.keepAliveInterval)
	a.keepAliveStop = stop
	a.keepAliveTicker = ticker

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
			}
			a.mu.Lock()
			live := gen == a.gen && a.phase == PhaseConnected
			a.mu.Unlock()
			if !live {
				continue
			}
			a.logger.Debug("sending keep-alive")
			if err := conn.SendActivity(context.Background()); err != nil {
				a.logger.Warn("keep-alive failed", "error", err)
			}
		}
	}()
}

func (a *Adapter) stopKeepAliveLocked() {
	if a.keepAliveStop != nil {
		close(a.keepAliveStop)
		a.keepAliveStop = nil
	}
	if a.keepAliveTicker != nil {
		a.keepAliveTicker.Stop()
		a.keepAliveTicker = nil
	}
}

func (a *Adapter) stopReconnectLocked() {
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
}

func (a *Adapter) newMessageLocked(role Role, content string) Message {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Message{
		ID:        id.String(),
		Role:      role,
		Content:   content,
		Timestamp: a.clock.Now(),
	}
}

func (a *Adapter) reportError(err error) {
	if a.onError != nil && err != nil {
		a.onError(err)
	}
}

func (a *Adapter) notifyState(s State) {
	if a.onStateChange != nil {
		a.onStateChange(s)
	}
}

func redact(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
