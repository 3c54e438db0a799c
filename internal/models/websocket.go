package models

// WebSocket event types
const (
	EventJoin           = "join"
	EventNewMessage     = "newMessage"
	EventPresenceUpdate = "presence.update"
	EventTypingStart    = "typing.start"
	EventTypingStop     = "typing.stop"
	EventError          = "error"
)

// NewMessageAliases lists every wire name that announces a new message.
// Older servers emit "new-message" or the dotted "message.new".
var NewMessageAliases = []string{EventNewMessage, "new-message", "message.new"}

type WSMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

type JoinPayload struct {
	UserID string `json:"user_id"`
}

// InboundMessage is the normalized new-message notification.
type InboundMessage struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

type WSErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}
