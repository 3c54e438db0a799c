package repository

import (
	"github.com/tullo/marketchat/internal/database"
	"github.com/tullo/marketchat/internal/models"
)

// UserStore persists users.
type UserStore interface {
	Create(user *models.User) error
	GetByID(id string) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	List() ([]models.User, error)
}

// ConversationStore persists two-party conversations with per-member
// unread counters. Views are always built for one member.
type ConversationStore interface {
	GetOrCreateDirectConversation(user1ID, user2ID string, listingRef *string) (*models.Conversation, bool, error)
	GetByID(conversationID, viewerID string) (*models.Conversation, error)
	GetByUserID(userID string) ([]models.Conversation, error)
	GetMembers(conversationID string) ([]string, error)
	IsMember(conversationID, userID string) (bool, error)
	MarkAsRead(conversationID, userID string) error
}

// MessageStore persists messages, oldest first per conversation.
type MessageStore interface {
	Create(message *models.Message) error
	GetByConversationID(conversationID string) ([]models.Message, error)
}

// Set is the storage the server runs on.
type Set struct {
	Users         UserStore
	Conversations ConversationStore
	Messages      MessageStore
}

// NewMemorySet keeps everything in process memory
func NewMemorySet() Set {
	db := database.New()
	return Set{
		Users:         NewUserRepository(db),
		Conversations: NewConversationRepository(db),
		Messages:      NewMessageRepository(db),
	}
}

// NewPostgresSet stores everything in Postgres
func NewPostgresSet(db *database.Postgres) Set {
	return Set{
		Users:         NewPostgresUserRepository(db),
		Conversations: NewPostgresConversationRepository(db),
		Messages:      NewPostgresMessageRepository(db),
	}
}

var (
	_ UserStore         = (*UserRepository)(nil)
	_ ConversationStore = (*ConversationRepository)(nil)
	_ MessageStore      = (*MessageRepository)(nil)
	_ UserStore         = (*PostgresUserRepository)(nil)
	_ ConversationStore = (*PostgresConversationRepository)(nil)
	_ MessageStore      = (*PostgresMessageRepository)(nil)
)
