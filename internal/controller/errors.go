package controller

import (
	"errors"
	"fmt"

	"github.com/tullo/marketchat/internal/history"
)

var (
	ErrInvalidContent         = errors.New("invalid message content")
	ErrNoActiveConversation   = errors.New("no active conversation")
	ErrLiveUpdatesUnavailable = errors.New("live updates unavailable")
)

// Op names the intent or background task that failed.
type Op string

const (
	OpLoadConversations Op = "load conversations"
	OpLoadHistory       Op = "load history"
	OpSendMessage       Op = "send message"
	OpStartConversation Op = "start conversation"
	OpConnect           Op = "connect"
)

// Error is the typed failure handed to the presentation layer. The
// store is never modified by a failed operation.
type Error struct {
	Op             Op
	ConversationID string
	Err            error
}

func (e *Error) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("%s (%s): %v", e.Op, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the operation may succeed
func (e *Error) Retryable() bool {
	if errors.Is(e.Err, ErrLiveUpdatesUnavailable) {
		return false
	}
	return history.IsRetryable(e.Err)
}
