package transport

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
	"github.com/tullo/marketchat/internal/models"
)

// envelope mirrors models.WSMessage with a deferred payload.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// wrappedMessage is the {conversation_id, message} payload shape.
type wrappedMessage struct {
	ConversationID string          `json:"conversation_id"`
	Message        *models.Message `json:"message"`
}

func isNewMessage(event string) bool {
	return lo.Contains(models.NewMessageAliases, event)
}

// splitFrame separates envelopes that a server write pump batched into
// one frame with newline separators.
func splitFrame(frame []byte) [][]byte {
	parts := bytes.Split(frame, []byte{'\n'})
	return lo.Filter(parts, func(p []byte, _ int) bool {
		return len(bytes.TrimSpace(p)) > 0
	})
}

// decodeEnvelope parses one envelope from the wire.
func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Event == "" {
		return envelope{}, fmt.Errorf("envelope without event name")
	}
	return env, nil
}

// normalizeMessage maps either payload shape of a new-message event to
// one InboundMessage.
func normalizeMessage(payload json.RawMessage) (models.InboundMessage, error) {
	var wrapped wrappedMessage
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return models.InboundMessage{}, fmt.Errorf("failed to decode message payload: %w", err)
	}

	var message models.Message
	if wrapped.Message != nil {
		message = *wrapped.Message
	} else if err := json.Unmarshal(payload, &message); err != nil {
		return models.InboundMessage{}, fmt.Errorf("failed to decode message payload: %w", err)
	}

	conversationID := lo.CoalesceOrEmpty(wrapped.ConversationID, message.ConversationID)
	if conversationID == "" {
		return models.InboundMessage{}, fmt.Errorf("message payload without conversation id")
	}
	message.ConversationID = conversationID

	return models.InboundMessage{
		ConversationID: conversationID,
		Message:        message,
	}, nil
}
