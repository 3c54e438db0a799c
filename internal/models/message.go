package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Message is immutable once created by the server.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Sender         Participant `json:"sender"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
}

// MessageSummary is the preview shown in the conversation list.
type MessageSummary struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary returns the list preview for the message
func (m Message) Summary() *MessageSummary {
	return &MessageSummary{
		Content:   m.Content,
		SenderID:  m.Sender.ID,
		CreatedAt: m.CreatedAt,
	}
}

type SendMessageRequest struct {
	Content string `json:"content" validate:"required,max=10000"`
}

// Validate trims the content and rejects empty or oversized bodies
func (r *SendMessageRequest) Validate() error {
	r.Content = trimContent(r.Content)
	return validate.Struct(r)
}

func trimContent(s string) string {
	return strings.TrimSpace(s)
}
