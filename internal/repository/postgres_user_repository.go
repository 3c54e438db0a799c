package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tullo/marketchat/internal/database"
	"github.com/tullo/marketchat/internal/models"
)

type PostgresUserRepository struct {
	db *database.Postgres
}

func NewPostgresUserRepository(db *database.Postgres) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

// Create creates a new user
func (r *PostgresUserRepository) Create(user *models.User) error {
	query := `
		INSERT INTO users (id, email, display_name, avatar_url, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(
		query,
		user.ID,
		user.Email,
		user.DisplayName,
		user.AvatarURL,
		user.PasswordHash,
		user.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("failed to create user: %w", ErrEmailTaken)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetByID retrieves a user by ID
func (r *PostgresUserRepository) GetByID(id string) (*models.User, error) {
	query := `
		SELECT id, email, display_name, avatar_url, password_hash, created_at
		FROM users
		WHERE id = $1
	`
	return r.getOne(query, id)
}

// GetByEmail retrieves a user by email, ignoring case
func (r *PostgresUserRepository) GetByEmail(email string) (*models.User, error) {
	query := `
		SELECT id, email, display_name, avatar_url, password_hash, created_at
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`
	return r.getOne(query, email)
}

// List returns every user, oldest first
func (r *PostgresUserRepository) List() ([]models.User, error) {
	query := `
		SELECT id, email, display_name, avatar_url, password_hash, created_at
		FROM users
		ORDER BY created_at, id
	`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var user models.User
		if err := scanUser(rows, &user); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

func (r *PostgresUserRepository) getOne(query string, key string) (*models.User, error) {
	user := &models.User{}
	err := scanUser(r.db.QueryRow(query, key), user)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", key, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner, user *models.User) error {
	return row.Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.AvatarURL,
		&user.PasswordHash,
		&user.CreatedAt,
	)
}
