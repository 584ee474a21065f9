// Package contacts provides per-user storage for CRM contacts and the
// interactions logged against them.
//
// Every read and write goes through a [Book] obtained from
// [Store.ForUser]. A Book carries its owner's ID and adds it to every
// statement, so code holding a Book has no way to address another
// user's rows.
package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nugget/crm-assistant/internal/events"
	"github.com/nugget/crm-assistant/internal/reminders"
)

// Errors returned by Book operations.
var (
	ErrNotFound        = errors.New("contact not found")
	ErrMissingIdentity = errors.New("first name or email is required")
	ErrDuplicateEmail  = errors.New("a contact with this email already exists")
	ErrNoChanges       = errors.New("no fields to update")
)

const (
	// DefaultSearchLimit is used when SearchOptions.Limit is zero.
	DefaultSearchLimit = 20
	// MaxSearchLimit caps SearchOptions.Limit.
	MaxSearchLimit = 100
	// briefingInteractions is how many recent interactions a briefing shows.
	briefingInteractions = 5

	timeFormat = time.RFC3339
)

// ReminderLister finds a user's pending reminders whose description
// mentions a term. Implemented by *reminders.Store.
type ReminderLister interface {
	PendingMatching(ctx context.Context, userID string, contactID int64, term string) ([]*reminders.Reminder, error)
}

// Store manages contact persistence in SQLite.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	bus       *events.Bus
	reminders ReminderLister
	now       func() time.Time
}

// NewStore creates a contact store using the given database path.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetEventBus publishes contact ADD/UPDATE/DELETE events to bus.
func (s *Store) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetReminderLister enables pending reminders in briefings.
func (s *Store) SetReminderLister(r ReminderLister) {
	s.reminders = r
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			first_name TEXT,
			last_name TEXT,
			email TEXT,
			phone_number TEXT,
			company TEXT,
			notes TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			in_trash INTEGER NOT NULL DEFAULT 0,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			CHECK (first_name IS NOT NULL OR email IS NOT NULL)
		);

		CREATE INDEX IF NOT EXISTS idx_contacts_user ON contacts(user_id, is_deleted, in_trash, created_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_user_email
			ON contacts(user_id, LOWER(email)) WHERE email IS NOT NULL AND is_deleted = 0;

		CREATE TABLE IF NOT EXISTS interactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			contact_id INTEGER NOT NULL REFERENCES contacts(id),
			type TEXT NOT NULL,
			summary TEXT NOT NULL,
			date TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_interactions_contact ON interactions(user_id, contact_id, date);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ForUser returns the contact book owned by userID.
func (s *Store) ForUser(userID string) *Book {
	return &Book{s: s, userID: userID}
}

func (s *Store) publish(userID, kind string, data map[string]any) {
	s.bus.Publish(events.Event{
		Timestamp: s.now().UTC(),
		Source:    events.SourceContacts,
		Kind:      kind,
		UserID:    userID,
		Data:      data,
	})
}

// translateConstraint maps SQLite constraint failures to package errors.
func translateConstraint(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique:
			return ErrDuplicateEmail
		case sqlite3.ErrConstraintCheck:
			return ErrMissingIdentity
		}
	}
	return err
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
