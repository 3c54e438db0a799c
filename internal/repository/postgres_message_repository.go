package repository

import (
	"database/sql"
	"fmt"

	"github.com/tullo/marketchat/internal/database"
	"github.com/tullo/marketchat/internal/models"
)

type PostgresMessageRepository struct {
	db *database.Postgres
}

func NewPostgresMessageRepository(db *database.Postgres) *PostgresMessageRepository {
	return &PostgresMessageRepository{db: db}
}

// Create stores a message, bumps the conversation and counts it as
// unread for every member except the sender.
func (r *PostgresMessageRepository) Create(message *models.Message) error {
	return r.db.InTx(func(tx *sql.Tx) error {
		if err := memberCheck(tx, message.ConversationID, message.Sender.ID); err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}

		_, err := tx.Exec(`
			INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, message.ID, message.ConversationID, message.Sender.ID, message.Content, message.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}

		if _, err := tx.Exec(
			`UPDATE conversations SET updated_at = $2 WHERE id = $1`,
			message.ConversationID, message.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to bump conversation: %w", err)
		}

		if _, err := tx.Exec(
			`UPDATE conversation_members SET unread_count = unread_count + 1 WHERE conversation_id = $1 AND user_id <> $2`,
			message.ConversationID, message.Sender.ID,
		); err != nil {
			return fmt.Errorf("failed to count unread: %w", err)
		}
		return nil
	})
}

// GetByConversationID returns the full history, oldest first
func (r *PostgresMessageRepository) GetByConversationID(conversationID string) ([]models.Message, error) {
	if err := conversationExists(r.db, conversationID); err != nil {
		return nil, err
	}

	query := `
		SELECT m.id, m.conversation_id, m.content, m.created_at,
			m.sender_id, u.display_name, u.avatar_url
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at, m.seq
	`

	rows, err := r.db.Query(query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var (
			message models.Message
			name    sql.NullString
		)
		err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.Content,
			&message.CreatedAt,
			&message.Sender.ID,
			&name,
			&message.Sender.AvatarURL,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		message.Sender.DisplayName = name.String
		messages = append(messages, message)
	}

	return messages, rows.Err()
}
