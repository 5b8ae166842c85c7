package chat

import (
	"encoding/json"
	"time"
)

// Event names on the wire. Inbound names are what clients send, outbound
// names are what the hub emits.
const (
	EventChatMessage      = "chat-message"
	EventTyping           = "typing"
	EventStopTyping       = "stop-typing"
	EventChatHistory      = "chat-history"
	EventUserConnected    = "user-connected"
	EventUserDisconnected = "user-disconnected"
	EventUserTyping       = "user-typing"
	EventUserStopTyping   = "user-stop-typing"
)

// Envelope is the framing for every websocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type SendMessagePayload struct {
	Message string `json:"message"`
}

type MessagePayload struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PresencePayload carries the affected user and a full snapshot of current
// members, not a diff.
type PresencePayload struct {
	Username       string   `json:"username"`
	ConnectedUsers []string `json:"connectedUsers"`
}

func marshalEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
