package session

import (
	"context"
)

// WebSocket close codes the adapter distinguishes.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// OpenRequest carries what a vendor needs to start a conversation.
type OpenRequest struct {
	AgentID string
	APIKey  string
}

// Transport opens vendor sessions. pkg/convai provides the ElevenLabs one.
type Transport interface {
	Open(ctx context.Context, req OpenRequest) (Conn, error)
}

// Conn is one open vendor session. Events is closed after the final
// DisconnectedEvent.
type Conn interface {
	Events() <-chan Event
	ConversationID() string
	SendText(ctx context.Context, text string) error
	SendContextualUpdate(ctx context.Context, text string) error
	SendActivity(ctx context.Context) error
	SetVolume(volume float64) error
	Close(ctx context.Context) error
}

// Event is implemented by every inbound vendor event.
type Event interface {
	sessionEvent()
}

// ConnectedEvent reports the vendor's conversation id.
type ConnectedEvent struct {
	ConversationID string
}

// DisconnectedEvent is the last event of a Conn.
type DisconnectedEvent struct {
	Code   int
	Reason string
}

// MessageKind classifies inbound text.
type MessageKind string

const (
	KindTranscript MessageKind = "transcript"
	KindResponse   MessageKind = "response"
	KindText       MessageKind = "text"
)

// MessageEvent carries user transcripts and agent replies.
type MessageEvent struct {
	Kind MessageKind
	Text string
}

// StatusEvent reports agent status such as "thinking" or "processing".
type StatusEvent struct {
	Status string
}

// ModeEvent reports "listening" or "speaking".
type ModeEvent struct {
	Mode string
}

// ErrorEvent reports a vendor error that did not end the session.
type ErrorEvent struct {
	Err error
}

func (ConnectedEvent) sessionEvent()    {}
func (DisconnectedEvent) sessionEvent() {}
func (MessageEvent) sessionEvent()      {}
func (StatusEvent) sessionEvent()       {}
func (ModeEvent) sessionEvent()         {}
func (ErrorEvent) sessionEvent()        {}

// Abnormal reports whether the closure was unexpected.
func (e DisconnectedEvent) Abnormal() bool {
	return e.Code == CloseAbnormal
}
