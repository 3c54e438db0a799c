package devserver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/marketchat/internal/auth"
	"github.com/tullo/marketchat/internal/database"
	"github.com/tullo/marketchat/internal/models"
)

type seedUser struct {
	name  string
	email string
}

type seedMessage struct {
	from, to string
	listing  string
	content  string
}

var (
	seedUsers = []seedUser{
		{"Alice Seller", "alice@example.com"},
		{"Bob Buyer", "bob@example.com"},
		{"Carol Collector", "carol@example.com"},
	}

	seedMessages = []seedMessage{
		{"bob@example.com", "alice@example.com", "listing-bike", "Hi, is the bike still available?"},
		{"alice@example.com", "bob@example.com", "listing-bike", "Yes it is. Want to see it this weekend?"},
		{"carol@example.com", "alice@example.com", "listing-lamp", "Would you take 20 for the lamp?"},
	}
)

// Seed creates demo users sharing password and a few conversations
// between them. It returns the users in creation order. Against storage
// that was seeded before, the existing users are returned and nothing
// is written.
func (s *Server) Seed(password string) ([]models.User, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	byEmail := make(map[string]models.User, len(seedUsers))
	users := make([]models.User, 0, len(seedUsers))
	reused := 0
	for _, su := range seedUsers {
		existing, err := s.Users.GetByEmail(su.email)
		if err == nil {
			byEmail[su.email] = *existing
			users = append(users, *existing)
			reused++
			continue
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up %s: %w", su.email, err)
		}

		user := models.User{
			ID:           uuid.NewString(),
			Email:        su.email,
			DisplayName:  su.name,
			PasswordHash: hash,
			CreatedAt:    time.Now().UTC(),
		}
		if err := s.Users.Create(&user); err != nil {
			return nil, fmt.Errorf("failed to seed %s: %w", su.email, err)
		}
		byEmail[su.email] = user
		users = append(users, user)
	}

	if reused > 0 {
		s.log.Info("demo data already present", "users", len(users))
		return users, nil
	}

	at := time.Now().UTC().Add(-time.Hour)
	for _, sm := range seedMessages {
		from, to := byEmail[sm.from], byEmail[sm.to]
		listing := sm.listing
		conv, _, err := s.Conversations.GetOrCreateDirectConversation(from.ID, to.ID, &listing)
		if err != nil {
			return nil, err
		}

		at = at.Add(time.Minute)
		if err := s.Messages.Create(&models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Sender:         from.Participant(),
			Content:        sm.content,
			CreatedAt:      at,
		}); err != nil {
			return nil, fmt.Errorf("failed to seed message %q: %w", strings.TrimSpace(sm.content), err)
		}
	}

	s.log.Info("seeded demo data", "users", len(users), "messages", len(seedMessages))
	return users, nil
}
