package repository

import (
	"fmt"

	"github.com/tullo/marketchat/internal/database"
	"github.com/tullo/marketchat/internal/models"
)

type MessageRepository struct {
	db *database.DB
}

func NewMessageRepository(db *database.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create stores a message, bumps the conversation and counts it as
// unread for every member except the sender.
func (r *MessageRepository) Create(message *models.Message) error {
	return r.db.Update(func(t *database.Tables) error {
		row, err := memberRow(t, message.ConversationID, message.Sender.ID)
		if err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}

		t.Messages[row.ID] = append(t.Messages[row.ID], *message)
		row.UpdatedAt = message.CreatedAt
		for _, member := range row.Members {
			if member != message.Sender.ID {
				row.Unread[member]++
			}
		}
		return nil
	})
}

// GetByConversationID returns the full history, oldest first
func (r *MessageRepository) GetByConversationID(conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.View(func(t *database.Tables) error {
		if _, ok := t.Conversations[conversationID]; !ok {
			return fmt.Errorf("conversation %s: %w", conversationID, database.ErrNotFound)
		}
		messages = append([]models.Message{}, t.Messages[conversationID]...)
		return nil
	})
	return messages, err
}
