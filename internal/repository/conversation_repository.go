package repository

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tullo/marketchat/internal/database"
	"github.com/tullo/marketchat/internal/models"
)

var ErrNotMember = errors.New("not a conversation member")

type ConversationRepository struct {
	db *database.DB
}

func NewConversationRepository(db *database.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// GetOrCreateDirectConversation returns the conversation between the two
// users about listingRef, creating it when missing. The result is the
// view of user1.
func (r *ConversationRepository) GetOrCreateDirectConversation(user1ID, user2ID string, listingRef *string) (*models.Conversation, bool, error) {
	var (
		view    models.Conversation
		created bool
	)
	err := r.db.Update(func(t *database.Tables) error {
		if _, ok := t.Users[user2ID]; !ok {
			return fmt.Errorf("user %s: %w", user2ID, database.ErrNotFound)
		}

		row, ok := lo.Find(lo.Values(t.Conversations), func(row *database.ConversationRow) bool {
			return lo.Contains(row.Members, user1ID) && lo.Contains(row.Members, user2ID) &&
				sameListing(row.ListingRef, listingRef)
		})
		if !ok {
			now := time.Now().UTC()
			row = &database.ConversationRow{
				ID:         uuid.NewString(),
				Members:    []string{user1ID, user2ID},
				ListingRef: listingRef,
				CreatedAt:  now,
				UpdatedAt:  now,
				Unread:     make(map[string]int),
			}
			t.Conversations[row.ID] = row
			created = true
		}

		view = viewOf(t, row, user1ID)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &view, created, nil
}

// GetByID returns a conversation as seen by viewerID
func (r *ConversationRepository) GetByID(conversationID, viewerID string) (*models.Conversation, error) {
	var view models.Conversation
	err := r.db.View(func(t *database.Tables) error {
		row, err := memberRow(t, conversationID, viewerID)
		if err != nil {
			return err
		}
		view = viewOf(t, row, viewerID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// GetByUserID retrieves all conversations for a user, most recent first
func (r *ConversationRepository) GetByUserID(userID string) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := r.db.View(func(t *database.Tables) error {
		rows := lo.Filter(lo.Values(t.Conversations), func(row *database.ConversationRow, _ int) bool {
			return lo.Contains(row.Members, userID)
		})
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
				return rows[i].ID < rows[j].ID
			}
			return rows[i].UpdatedAt.After(rows[j].UpdatedAt)
		})
		conversations = lo.Map(rows, func(row *database.ConversationRow, _ int) models.Conversation {
			return viewOf(t, row, userID)
		})
		return nil
	})
	return conversations, err
}

// GetMembers returns the member ids of a conversation
func (r *ConversationRepository) GetMembers(conversationID string) ([]string, error) {
	var members []string
	err := r.db.View(func(t *database.Tables) error {
		row, ok := t.Conversations[conversationID]
		if !ok {
			return fmt.Errorf("conversation %s: %w", conversationID, database.ErrNotFound)
		}
		members = append([]string(nil), row.Members...)
		return nil
	})
	return members, err
}

// IsMember checks whether the user belongs to the conversation
func (r *ConversationRepository) IsMember(conversationID, userID string) (bool, error) {
	err := r.db.View(func(t *database.Tables) error {
		_, err := memberRow(t, conversationID, userID)
		return err
	})
	if errors.Is(err, ErrNotMember) {
		return false, nil
	}
	return err == nil, err
}

// MarkAsRead clears the user's unread counter
func (r *ConversationRepository) MarkAsRead(conversationID, userID string) error {
	return r.db.Update(func(t *database.Tables) error {
		row, err := memberRow(t, conversationID, userID)
		if err != nil {
			return err
		}
		delete(row.Unread, userID)
		return nil
	})
}

func memberRow(t *database.Tables, conversationID, userID string) (*database.ConversationRow, error) {
	row, ok := t.Conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, database.ErrNotFound)
	}
	if !lo.Contains(row.Members, userID) {
		return nil, ErrNotMember
	}
	return row, nil
}

func viewOf(t *database.Tables, row *database.ConversationRow, viewerID string) models.Conversation {
	otherID, _ := lo.Find(row.Members, func(id string) bool { return id != viewerID })
	other, ok := t.Users[otherID]
	participant := models.Participant{ID: otherID, DisplayName: otherID}
	if ok {
		participant = other.Participant()
	}

	view := models.Conversation{
		ID:          row.ID,
		Participant: participant,
		ListingRef:  row.ListingRef,
		UnreadCount: row.Unread[viewerID],
		UpdatedAt:   row.UpdatedAt,
	}
	if messages := t.Messages[row.ID]; len(messages) > 0 {
		view.LastMessage = messages[len(messages)-1].Summary()
	}
	return view
}

func sameListing(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
