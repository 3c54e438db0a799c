package models

import "time"

// Conversation is a two-party thread as seen by the local user.
type Conversation struct {
	ID          string          `json:"id"`
	Participant Participant     `json:"participant"`
	ListingRef  *string         `json:"listing_ref,omitempty"`
	LastMessage *MessageSummary `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StartConversationRequest opens a conversation with another user,
// optionally about a listing, carrying the first message.
type StartConversationRequest struct {
	ParticipantID string  `json:"participant_id" validate:"required"`
	ListingRef    *string `json:"listing_ref,omitempty"`
	Message       string  `json:"message" validate:"required,max=10000"`
}

// Validate trims the first message and checks required fields
func (r *StartConversationRequest) Validate() error {
	r.Message = trimContent(r.Message)
	return validate.Struct(r)
}

type StartConversationResponse struct {
	Conversation Conversation `json:"conversation"`
	Message      Message      `json:"message"`
}
