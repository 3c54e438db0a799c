// Package database holds the reference server storage: in-memory tables
// for tests and single-process runs, and the Postgres connection with
// its schema migrations.
package database

import (
	"errors"
	"sync"
	"time"

	"github.com/tullo/marketchat/internal/models"
)

var ErrNotFound = errors.New("not found")

// ConversationRow is a stored two-party conversation. Unread counts are
// tracked per member.
type ConversationRow struct {
	ID         string
	Members    []string
	ListingRef *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Unread     map[string]int
}

type Tables struct {
	Users         map[string]models.User
	Conversations map[string]*ConversationRow
	// Messages are stored oldest first per conversation
	Messages map[string][]models.Message
}

type DB struct {
	mu     sync.RWMutex
	tables Tables
}

func New() *DB {
	return &DB{
		tables: Tables{
			Users:         make(map[string]models.User),
			Conversations: make(map[string]*ConversationRow),
			Messages:      make(map[string][]models.Message),
		},
	}
}

// View runs fn with shared access to the tables
func (db *DB) View(fn func(t *Tables) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return fn(&db.tables)
}

// Update runs fn with exclusive access to the tables
func (db *DB) Update(fn func(t *Tables) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return fn(&db.tables)
}
