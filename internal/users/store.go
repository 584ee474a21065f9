// Package users is a minimal directory of the people who own CRM data.
// It resolves where reminders for a user should be delivered.
// Authentication lives outside this service.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no user has the requested ID.
var ErrNotFound = errors.New("user not found")

// User is an account owner.
type User struct {
	ID          string    `json:"id"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	Email       string    `json:"email"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists users in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the users database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE COLLATE NOCASE,
			phone_number TEXT,
			created_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create adds a user, assigning a UUIDv7 when ID is empty.
func (s *Store) Create(ctx context.Context, u *User) error {
	u.Email = strings.TrimSpace(u.Email)
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate id: %w", err)
		}
		u.ID = id.String()
	}
	u.CreatedAt = time.Now().UTC().Truncate(time.Second)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, first_name, last_name, email, phone_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.FirstName, u.LastName, u.Email, sql.NullString{String: u.PhoneNumber, Valid: u.PhoneNumber != ""},
		u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Get returns a user by ID.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	var u User
	var phone sql.NullString
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, email, phone_number, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &phone, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.PhoneNumber = phone.String
	u.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &u, nil
}

// Email returns a user's email address, or ErrNotFound.
func (s *Store) Email(ctx context.Context, id string) (string, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return u.Email, nil
}
