package repository

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/tullo/marketchat/internal/database"
	"github.com/tullo/marketchat/internal/models"
)

var ErrEmailTaken = errors.New("email already registered")

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create creates a new user
func (r *UserRepository) Create(user *models.User) error {
	return r.db.Update(func(t *database.Tables) error {
		email := strings.ToLower(user.Email)
		_, taken := lo.FindKeyBy(t.Users, func(_ string, u models.User) bool {
			return strings.ToLower(u.Email) == email
		})
		if taken {
			return fmt.Errorf("failed to create user: %w", ErrEmailTaken)
		}
		t.Users[user.ID] = *user
		return nil
	})
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(id string) (*models.User, error) {
	var user models.User
	err := r.db.View(func(t *database.Tables) error {
		u, ok := t.Users[id]
		if !ok {
			return fmt.Errorf("user %s: %w", id, database.ErrNotFound)
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByEmail retrieves a user by email, ignoring case
func (r *UserRepository) GetByEmail(email string) (*models.User, error) {
	var user models.User
	err := r.db.View(func(t *database.Tables) error {
		u, ok := lo.Find(lo.Values(t.Users), func(u models.User) bool {
			return strings.EqualFold(u.Email, email)
		})
		if !ok {
			return fmt.Errorf("user %s: %w", email, database.ErrNotFound)
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// List returns every user, oldest first
func (r *UserRepository) List() ([]models.User, error) {
	var users []models.User
	err := r.db.View(func(t *database.Tables) error {
		users = lo.Values(t.Users)
		return nil
	})
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, err
}
