package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/marketchat/internal/database"
	"github.com/tullo/marketchat/internal/models"
)

// conversationViewQuery selects conversations as seen by the member $1,
// with the other member as participant and the latest message preview.
const conversationViewQuery = `
	SELECT c.id, c.listing_ref, c.updated_at, me.unread_count,
		other.user_id, u.display_name, u.avatar_url,
		last.content, last.sender_id, last.created_at
	FROM conversations c
	INNER JOIN conversation_members me ON me.conversation_id = c.id AND me.user_id = $1
	INNER JOIN conversation_members other ON other.conversation_id = c.id AND other.user_id <> $1
	LEFT JOIN users u ON u.id = other.user_id
	LEFT JOIN LATERAL (
		SELECT m.content, m.sender_id, m.created_at
		FROM messages m
		WHERE m.conversation_id = c.id
		ORDER BY m.created_at DESC, m.seq DESC
		LIMIT 1
	) last ON true
`

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

type PostgresConversationRepository struct {
	db *database.Postgres
}

func NewPostgresConversationRepository(db *database.Postgres) *PostgresConversationRepository {
	return &PostgresConversationRepository{db: db}
}

// GetOrCreateDirectConversation returns the conversation between the two
// users about listingRef, creating it when missing. The result is the
// view of user1.
func (r *PostgresConversationRepository) GetOrCreateDirectConversation(user1ID, user2ID string, listingRef *string) (*models.Conversation, bool, error) {
	var (
		conversationID string
		created        bool
	)
	err := r.db.InTx(func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, user2ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check user: %w", err)
		}
		if !exists {
			return fmt.Errorf("user %s: %w", user2ID, database.ErrNotFound)
		}

		query := `
			SELECT c.id
			FROM conversations c
			INNER JOIN conversation_members cm1 ON c.id = cm1.conversation_id
			INNER JOIN conversation_members cm2 ON c.id = cm2.conversation_id
			WHERE cm1.user_id = $1
			AND cm2.user_id = $2
			AND c.listing_ref IS NOT DISTINCT FROM $3::text
			LIMIT 1
		`
		err := tx.QueryRow(query, user1ID, user2ID, listingRef).Scan(&conversationID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check existing conversation: %w", err)
		}

		conversationID = uuid.NewString()
		now := time.Now().UTC()
		_, err = tx.Exec(
			`INSERT INTO conversations (id, listing_ref, created_at, updated_at) VALUES ($1, $2, $3, $3)`,
			conversationID, listingRef, now,
		)
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}

		for _, member := range []string{user1ID, user2ID} {
			_, err = tx.Exec(
				`INSERT INTO conversation_members (conversation_id, user_id, joined_at) VALUES ($1, $2, $3)`,
				conversationID, member, now,
			)
			if err != nil {
				return fmt.Errorf("failed to add member: %w", err)
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	view, err := r.GetByID(conversationID, user1ID)
	if err != nil {
		return nil, false, err
	}
	return view, created, nil
}

// GetByID returns a conversation as seen by viewerID
func (r *PostgresConversationRepository) GetByID(conversationID, viewerID string) (*models.Conversation, error) {
	view, err := scanConversation(r.db.QueryRow(conversationViewQuery+` WHERE c.id = $2`, viewerID, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		if err := memberCheck(r.db, conversationID, viewerID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("conversation %s: %w", conversationID, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &view, nil
}

// GetByUserID retrieves all conversations for a user, most recent first
func (r *PostgresConversationRepository) GetByUserID(userID string) ([]models.Conversation, error) {
	rows, err := r.db.Query(conversationViewQuery+` ORDER BY c.updated_at DESC, c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		view, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, view)
	}

	return conversations, rows.Err()
}

// GetMembers returns the member ids of a conversation
func (r *PostgresConversationRepository) GetMembers(conversationID string) ([]string, error) {
	if err := conversationExists(r.db, conversationID); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1 ORDER BY joined_at, user_id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, id)
	}

	return members, rows.Err()
}

// IsMember checks whether the user belongs to the conversation
func (r *PostgresConversationRepository) IsMember(conversationID, userID string) (bool, error) {
	err := memberCheck(r.db, conversationID, userID)
	if errors.Is(err, ErrNotMember) {
		return false, nil
	}
	return err == nil, err
}

// MarkAsRead clears the user's unread counter
func (r *PostgresConversationRepository) MarkAsRead(conversationID, userID string) error {
	result, err := r.db.Exec(
		`UPDATE conversation_members SET unread_count = 0 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark as read: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return memberCheck(r.db, conversationID, userID)
	}
	return nil
}

func scanConversation(row scanner) (models.Conversation, error) {
	var (
		view     models.Conversation
		name     sql.NullString
		content  sql.NullString
		senderID sql.NullString
		sentAt   sql.NullTime
	)
	err := row.Scan(
		&view.ID,
		&view.ListingRef,
		&view.UpdatedAt,
		&view.UnreadCount,
		&view.Participant.ID,
		&name,
		&view.Participant.AvatarURL,
		&content,
		&senderID,
		&sentAt,
	)
	if err != nil {
		return view, err
	}

	view.Participant.DisplayName = view.Participant.ID
	if name.Valid {
		view.Participant.DisplayName = name.String
	}
	if content.Valid {
		view.LastMessage = &models.MessageSummary{
			Content:   content.String,
			SenderID:  senderID.String,
			CreatedAt: sentAt.Time,
		}
	}
	return view, nil
}

// memberCheck tells a missing conversation (database.ErrNotFound) apart
// from a user outside it (ErrNotMember).
func memberCheck(q querier, conversationID, userID string) error {
	var exists, member bool
	query := `
		SELECT
			EXISTS(SELECT 1 FROM conversations WHERE id = $1),
			EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)
	`
	if err := q.QueryRow(query, conversationID, userID).Scan(&exists, &member); err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !exists {
		return fmt.Errorf("conversation %s: %w", conversationID, database.ErrNotFound)
	}
	if !member {
		return ErrNotMember
	}
	return nil
}

func conversationExists(q querier, conversationID string) error {
	var exists bool
	if err := q.QueryRow(`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if !exists {
		return fmt.Errorf("conversation %s: %w", conversationID, database.ErrNotFound)
	}
	return nil
}
