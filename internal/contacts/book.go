package contacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/crm-assistant/internal/events"
	"github.com/nugget/crm-assistant/internal/reminders"
)

const (
	contactColumns = "id, first_name, last_name, email, phone_number, company, notes, tags, in_trash, created_at, updated_at"
	// ownedActive scopes a statement to one user's live contacts.
	ownedActive = "user_id = ? AND is_deleted = 0 AND in_trash = 0"
)

// Contact is a person in a user's CRM.
type Contact struct {
	ID          int64     `json:"id"`
	FirstName   string    `json:"firstName,omitempty"`
	LastName    string    `json:"lastName,omitempty"`
	Email       string    `json:"email,omitempty"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	Company     string    `json:"company,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	Tags        []string  `json:"tags"`
	InTrash     bool      `json:"inTrash,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DisplayName returns "First Last", falling back to the email address.
func (c *Contact) DisplayName() string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		return c.Email
	}
	return name
}

// NewContact holds the fields accepted by Create.
type NewContact struct {
	FirstName   string
	LastName    string
	Email       string
	PhoneNumber string
	Company     string
	Notes       string
	Tags        []string
}

// Patch lists fields to change. Nil fields are left alone; an empty
// string clears the field.
type Patch struct {
	FirstName   *string
	LastName    *string
	Email       *string
	PhoneNumber *string
	Company     *string
	Notes       *string
	Tags        []string // nil means unchanged
}

func (p Patch) empty() bool {
	return p.FirstName == nil && p.LastName == nil && p.Email == nil &&
		p.PhoneNumber == nil && p.Company == nil && p.Notes == nil && p.Tags == nil
}

// SearchOptions filter a contact search. Zero values mean "no filter".
type SearchOptions struct {
	// Query is split on whitespace; every term must match at least one of
	// first name, last name, email, company, phone number, or notes.
	Query    string
	DateFrom time.Time
	// DateTo is inclusive through the end of that day.
	DateTo time.Time
	Limit  int
}

// Interaction is a logged touchpoint with a contact.
type Interaction struct {
	ID        int64     `json:"id"`
	ContactID int64     `json:"contactId"`
	Type      string    `json:"type"`
	Summary   string    `json:"summary"`
	Date      time.Time `json:"date"`
	CreatedAt time.Time `json:"createdAt"`
}

// Briefing summarizes a relationship ahead of a meeting.
type Briefing struct {
	Profile   *Contact              `json:"profile"`
	History   []*Interaction        `json:"history"`
	Reminders []*reminders.Reminder `json:"reminders"`
	Note      string                `json:"ai_note"`
}

// Stats is a user's CRM overview.
type Stats struct {
	TotalContacts         int `json:"total_contacts"`
	InteractionsThisMonth int `json:"interactions_this_month"`
}

// Book is one user's view of the contact store.
type Book struct {
	s      *Store
	userID string
}

// UserID returns the owner of this book.
func (b *Book) UserID() string { return b.userID }

// Create adds a contact. First name or email must be present.
func (b *Book) Create(ctx context.Context, in NewContact) (*Contact, error) {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.Email = strings.TrimSpace(in.Email)
	if in.FirstName == "" && in.Email == "" {
		return nil, ErrMissingIdentity
	}

	tags, err := encodeTags(in.Tags)
	if err != nil {
		return nil, err
	}

	now := formatTime(b.s.now())
	res, err := b.s.db.ExecContext(ctx, `
		INSERT INTO contacts (user_id, first_name, last_name, email, phone_number, company, notes, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.userID, nullStr(in.FirstName), nullStr(in.LastName), nullStr(in.Email),
		nullStr(in.PhoneNumber), nullStr(in.Company), nullStr(in.Notes), tags, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert contact: %w", translateConstraint(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert contact: %w", err)
	}

	c, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b.s.publish(b.userID, events.KindContactAdded, map[string]any{"contact": c})
	return c, nil
}

// Get returns an active contact by ID.
func (b *Book) Get(ctx context.Context, id int64) (*Contact, error) {
	row := b.s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ? AND `+ownedActive, id, b.userID)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %d: %w", id, err)
	}
	return c, nil
}

// All returns every active contact, oldest first.
func (b *Book) All(ctx context.Context) ([]*Contact, error) {
	rows, err := b.s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE `+ownedActive+` ORDER BY id`, b.userID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return scanContacts(rows)
}

// Search returns active contacts matching opts, newest first.
func (b *Book) Search(ctx context.Context, opts SearchOptions) ([]*Contact, error) {
	where := []string{ownedActive}
	args := []any{b.userID}

	for _, term := range strings.Fields(strings.ToLower(opts.Query)) {
		pattern := "%" + escapeLike(term) + "%"
		var ors []string
		for _, col := range []string{"first_name", "last_name", "email", "company", "phone_number", "notes"} {
			ors = append(ors, "LOWER("+col+`) LIKE ? ESCAPE '\'`)
			args = append(args, pattern)
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}

	if !opts.DateFrom.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(startOfDay(opts.DateFrom)))
	}
	if !opts.DateTo.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(startOfDay(opts.DateTo).AddDate(0, 0, 1)))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	args = append(args, limit)

	rows, err := b.s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	return scanContacts(rows)
}

// Update applies a partial patch to an active contact and returns the
// updated record.
func (b *Book) Update(ctx context.Context, id int64, p Patch) (*Contact, error) {
	if p.empty() {
		return nil, ErrNoChanges
	}

	var sets []string
	var args []any
	add := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, nullStr(strings.TrimSpace(*v)))
		}
	}
	add("first_name", p.FirstName)
	add("last_name", p.LastName)
	add("email", p.Email)
	add("phone_number", p.PhoneNumber)
	add("company", p.Company)
	add("notes", p.Notes)
	if p.Tags != nil {
		tags, err := encodeTags(p.Tags)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(b.s.now()), id, b.userID)

	res, err := b.s.db.ExecContext(ctx,
		`UPDATE contacts SET `+strings.Join(sets, ", ")+` WHERE id = ? AND `+ownedActive, args...)
	if err != nil {
		return nil, fmt.Errorf("update contact %d: %w", id, translateConstraint(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	c, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b.s.publish(b.userID, events.KindContactUpdated, map[string]any{"contact": c})
	return c, nil
}

// SoftDelete moves an active contact to the trash.
func (b *Book) SoftDelete(ctx context.Context, id int64) error {
	if err := b.setFlag(ctx, id, "in_trash = 1", ownedActive); err != nil {
		return err
	}
	b.s.publish(b.userID, events.KindContactDeleted, map[string]any{"contact_id": id, "trash": true})
	return nil
}

// Restore moves a trashed contact back to the active list.
func (b *Book) Restore(ctx context.Context, id int64) (*Contact, error) {
	if err := b.setFlag(ctx, id, "in_trash = 0", "user_id = ? AND is_deleted = 0 AND in_trash = 1"); err != nil {
		return nil, err
	}
	c, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b.s.publish(b.userID, events.KindContactAdded, map[string]any{"contact": c, "restored": true})
	return c, nil
}

// PermanentDelete removes a contact, trashed or not, from every view.
// The row is kept for interaction history.
func (b *Book) PermanentDelete(ctx context.Context, id int64) error {
	if err := b.setFlag(ctx, id, "is_deleted = 1", "user_id = ? AND is_deleted = 0"); err != nil {
		return err
	}
	b.s.publish(b.userID, events.KindContactDeleted, map[string]any{"contact_id": id, "trash": false})
	return nil
}

func (b *Book) setFlag(ctx context.Context, id int64, set, scope string) error {
	res, err := b.s.db.ExecContext(ctx,
		`UPDATE contacts SET `+set+`, updated_at = ? WHERE id = ? AND `+scope,
		formatTime(b.s.now()), id, b.userID)
	if err != nil {
		return fmt.Errorf("update contact %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Trash returns contacts in the trash, most recently trashed first.
func (b *Book) Trash(ctx context.Context) ([]*Contact, error) {
	rows, err := b.s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = ? AND is_deleted = 0 AND in_trash = 1
		 ORDER BY updated_at DESC, id DESC`, b.userID)
	if err != nil {
		return nil, fmt.Errorf("list trash: %w", err)
	}
	return scanContacts(rows)
}

// CreateInteraction logs a touchpoint. A zero date means now.
func (b *Book) CreateInteraction(ctx context.Context, contactID int64, kind, summary string, date time.Time) (*Interaction, error) {
	if _, err := b.Get(ctx, contactID); err != nil {
		return nil, err
	}
	now := b.s.now()
	if date.IsZero() {
		date = now
	}

	res, err := b.s.db.ExecContext(ctx, `
		INSERT INTO interactions (user_id, contact_id, type, summary, date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.userID, contactID, kind, summary, formatTime(date), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert interaction: %w", err)
	}
	id, _ := res.LastInsertId()

	return &Interaction{
		ID:        id,
		ContactID: contactID,
		Type:      kind,
		Summary:   summary,
		Date:      date.UTC().Truncate(time.Second),
		CreatedAt: now.UTC().Truncate(time.Second),
	}, nil
}

// Interactions returns up to limit interactions with a contact, newest
// first. A limit of zero returns all of them.
func (b *Book) Interactions(ctx context.Context, contactID int64, limit int) ([]*Interaction, error) {
	q := `SELECT id, contact_id, type, summary, date, created_at FROM interactions
		WHERE user_id = ? AND contact_id = ? ORDER BY date DESC, id DESC`
	args := []any{b.userID, contactID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var out []*Interaction
	for rows.Next() {
		var in Interaction
		var date, created string
		if err := rows.Scan(&in.ID, &in.ContactID, &in.Type, &in.Summary, &date, &created); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		in.Date, _ = time.Parse(timeFormat, date)
		in.CreatedAt, _ = time.Parse(timeFormat, created)
		out = append(out, &in)
	}
	return out, rows.Err()
}

// Briefing gathers a contact's profile, recent interactions, and pending
// reminders linked to the contact or mentioning it by first name.
func (b *Book) Briefing(ctx context.Context, contactID int64) (*Briefing, error) {
	c, err := b.Get(ctx, contactID)
	if err != nil {
		return nil, err
	}

	history, err := b.Interactions(ctx, contactID, briefingInteractions)
	if err != nil {
		return nil, err
	}

	br := &Briefing{
		Profile:   c,
		History:   history,
		Reminders: []*reminders.Reminder{},
		Note:      "Summarize this data for the user in a bulleted briefing format.",
	}
	if br.History == nil {
		br.History = []*Interaction{}
	}

	term := c.FirstName
	if term == "" {
		term = c.Email
	}
	if b.s.reminders != nil {
		pending, err := b.s.reminders.PendingMatching(ctx, b.userID, contactID, term)
		if err != nil {
			b.s.logger.Warn("briefing reminders lookup failed", "contact_id", contactID, "error", err)
		} else if pending != nil {
			br.Reminders = pending
		}
	}
	return br, nil
}

// Stats counts active contacts and interactions since the first of the
// current month.
func (b *Book) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := b.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts WHERE `+ownedActive, b.userID,
	).Scan(&st.TotalContacts); err != nil {
		return nil, fmt.Errorf("count contacts: %w", err)
	}

	now := b.s.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if err := b.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interactions WHERE user_id = ? AND date >= ?`,
		b.userID, formatTime(monthStart),
	).Scan(&st.InteractionsThisMonth); err != nil {
		return nil, fmt.Errorf("count interactions: %w", err)
	}
	return &st, nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	var first, last, email, phone, company, notes sql.NullString
	var tags, created, updated string

	if err := row.Scan(&c.ID, &first, &last, &email, &phone, &company, &notes,
		&tags, &c.InTrash, &created, &updated); err != nil {
		return nil, err
	}

	c.FirstName = first.String
	c.LastName = last.String
	c.Email = email.String
	c.PhoneNumber = phone.String
	c.Company = company.String
	c.Notes = notes.String

	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for contact %d: %w", c.ID, err)
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}

	var err error
	if c.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &c, nil
}

func scanContacts(rows *sql.Rows) ([]*Contact, error) {
	defer rows.Close()
	out := []*Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// encodeTags normalizes tags to lowercase, trimmed, de-duplicated JSON.
func encodeTags(tags []string) (string, error) {
	seen := make(map[string]bool, len(tags))
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		clean = append(clean, t)
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(data), nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
