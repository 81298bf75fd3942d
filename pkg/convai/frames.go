package convai

import (
	"encoding/json"
	"strings"
)

const (
	typeClientData       = "conversation_initiation_client_data"
	typeMetadata         = "conversation_initiation_metadata"
	typeUserTranscript   = "user_transcript"
	typeAgentResponse    = "agent_response"
	typeText             = "text"
	typeAudio            = "audio"
	typeInterruption     = "interruption"
	typePing             = "ping"
	typePong             = "pong"
	typeError            = "error"
	typeUserMessage      = "user_message"
	typeContextualUpdate = "contextual_update"
	typeUserActivity     = "user_activity"
)

// frame is the union of the server frames this package reads.
type frame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	Metadata *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	UserTranscription *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	Ping *struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms"`
	} `json:"ping_event,omitempty"`

	Message string          `json:"message,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// errorMessage extracts a readable message from the shapes error frames use.
func (f frame) errorMessage() string {
	if len(f.Error) > 0 {
		var s string
		if err := json.Unmarshal(f.Error, &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(f.Error, &obj); err == nil && strings.TrimSpace(obj.Message) != "" {
			return strings.TrimSpace(obj.Message)
		}
	}
	if m := strings.TrimSpace(f.Message); m != "" {
		return m
	}
	return "Conversation error occurred"
}

type clientData struct {
	Type string `json:"type"`
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}
