// Package reminders stores follow-up reminders and delivers them by
// email once they come due.
package reminders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a reminder does not exist for the user.
var ErrNotFound = errors.New("reminder not found")

// Status is a reminder's delivery state.
type Status string

// Reminder statuses.
const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// MaxAttempts is how many delivery failures mark a reminder failed.
const MaxAttempts = 3

const (
	reminderColumns = "id, user_id, user_email, title, description, contact_id, due_date, status, attempts, sent_at, created_at"
	timeFormat      = time.RFC3339
)

// Reminder is a follow-up the user asked to be emailed about.
type Reminder struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"-"`
	UserEmail   string     `json:"userEmail"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	ContactID   int64      `json:"contactId,omitempty"`
	DueDate     time.Time  `json:"dueDate"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"-"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Patch lists reminder fields to change. Nil fields are left alone.
type Patch struct {
	Title       *string
	Description *string
	DueDate     *time.Time
	UserEmail   *string
}

// Store persists reminders in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore opens (or creates) the reminders database at dbPath.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
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

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS reminders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			user_email TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			contact_id INTEGER,
			due_date TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			sent_at TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(status, due_date);
		CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders(user_id, due_date);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create stores a new pending reminder and fills in its ID.
func (s *Store) Create(ctx context.Context, r *Reminder) error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("reminder title is required")
	}
	if r.DueDate.IsZero() {
		return errors.New("reminder due date is required")
	}
	if r.UserEmail == "" {
		return errors.New("reminder needs a delivery address")
	}

	r.Status = StatusPending
	r.CreatedAt = s.now().UTC().Truncate(time.Second)
	r.DueDate = r.DueDate.UTC().Truncate(time.Second)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (user_id, user_email, title, description, contact_id, due_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.UserID, r.UserEmail, r.Title, nullStr(r.Description), nullInt(r.ContactID),
		r.DueDate.Format(timeFormat), string(r.Status), r.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// Get returns one of the user's reminders.
func (s *Store) Get(ctx context.Context, userID string, id int64) (*Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = ? AND user_id = ?`, id, userID)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder %d: %w", id, err)
	}
	return r, nil
}

// List returns all of the user's reminders, latest due date first.
func (s *Store) List(ctx context.Context, userID string) ([]*Reminder, error) {
	return s.query(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = ? ORDER BY due_date DESC, id DESC`, userID)
}

// Update changes a reminder. Rescheduling a reminder makes it pending again.
func (s *Store) Update(ctx context.Context, userID string, id int64, p Patch) (*Reminder, error) {
	var sets []string
	var args []any
	if p.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *p.Title)
	}
	if p.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*p.Description))
	}
	if p.UserEmail != nil {
		sets = append(sets, "user_email = ?")
		args = append(args, *p.UserEmail)
	}
	if p.DueDate != nil {
		sets = append(sets, "due_date = ?", "status = 'pending'", "attempts = 0", "sent_at = NULL")
		args = append(args, p.DueDate.UTC().Format(timeFormat))
	}
	if len(sets) == 0 {
		return nil, errors.New("no fields to update")
	}
	args = append(args, id, userID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update reminder %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, userID, id)
}

// Delete removes one of the user's reminders.
func (s *Store) Delete(ctx context.Context, userID string, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete reminder %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Due returns pending reminders for every user whose due date is at or
// before now, oldest first.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*Reminder, error) {
	return s.query(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE status = 'pending' AND due_date <= ? ORDER BY due_date, id`,
		now.UTC().Format(timeFormat))
}

// PendingMatching returns the user's pending reminders that are linked
// to contactID or whose description contains term, case-insensitively.
// A zero contactID or an empty term disables that half of the match.
func (s *Store) PendingMatching(ctx context.Context, userID string, contactID int64, term string) ([]*Reminder, error) {
	var conds []string
	args := []any{userID}
	if contactID != 0 {
		conds = append(conds, "contact_id = ?")
		args = append(args, contactID)
	}
	if term = strings.TrimSpace(term); term != "" {
		conds = append(conds, "LOWER(COALESCE(description, '')) LIKE ?")
		args = append(args, "%"+strings.ToLower(term)+"%")
	}
	if len(conds) == 0 {
		return nil, nil
	}
	return s.query(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE user_id = ? AND status = 'pending' AND (`+strings.Join(conds, " OR ")+`)
		 ORDER BY due_date, id`,
		args...)
}

// MarkSent records a successful delivery.
func (s *Store) MarkSent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = 'sent', sent_at = ? WHERE id = ?`,
		at.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("mark reminder %d sent: %w", id, err)
	}
	return nil
}

// RecordFailure counts a failed delivery and returns the new status:
// still pending, or failed once MaxAttempts is reached.
func (s *Store) RecordFailure(ctx context.Context, id int64) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE reminders
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE status END
		WHERE id = ?
		RETURNING status
	`, MaxAttempts, id).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("record reminder %d failure: %w", id, err)
	}
	return Status(status), nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	out := []*Reminder{}
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*Reminder, error) {
	var r Reminder
	var desc, sentAt sql.NullString
	var contactID sql.NullInt64
	var due, created, status string

	if err := row.Scan(&r.ID, &r.UserID, &r.UserEmail, &r.Title, &desc, &contactID,
		&due, &status, &r.Attempts, &sentAt, &created); err != nil {
		return nil, err
	}
	r.Description = desc.String
	r.ContactID = contactID.Int64
	r.Status = Status(status)

	var err error
	if r.DueDate, err = time.Parse(timeFormat, due); err != nil {
		return nil, fmt.Errorf("parse due_date: %w", err)
	}
	if r.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sentAt.Valid {
		t, err := time.Parse(timeFormat, sentAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse sent_at: %w", err)
		}
		r.SentAt = &t
	}
	return &r, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}
