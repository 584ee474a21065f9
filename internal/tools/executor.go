package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/crm-assistant/internal/contacts"
	"github.com/nugget/crm-assistant/internal/reminders"
	"github.com/nugget/crm-assistant/internal/users"
)

// ContactBooks hands out per-user contact books.
type ContactBooks interface {
	ForUser(userID string) *contacts.Book
}

// ReminderCreator stores new reminders.
type ReminderCreator interface {
	Create(ctx context.Context, r *reminders.Reminder) error
}

// UserDirectory resolves a user's own email address.
type UserDirectory interface {
	Email(ctx context.Context, userID string) (string, error)
}

// Mailer sends a single markdown email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// errNoMailer is reported by send_email when the executor was built
// without a mailer.
var errNoMailer = errors.New("email sending is not available")

// Executor runs tool calls for a user. Every call is bound to the
// caller's user ID before any handler runs; handlers only ever see that
// user's contact book.
type Executor struct {
	contacts  ContactBooks
	reminders ReminderCreator
	users     UserDirectory
	mailer    Mailer
	logger    *slog.Logger
	loc       *time.Location
	now       func() time.Time
}

// NewExecutor creates an executor over the given domain services. The
// mailer may be nil, in which case send_email always fails.
func NewExecutor(c ContactBooks, r ReminderCreator, u UserDirectory, m Mailer, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		contacts:  c,
		reminders: r,
		users:     u,
		mailer:    m,
		logger:    logger.With("component", "tools"),
		loc:       time.Local,
		now:       time.Now,
	}
}

// SetLocation sets the zone used for dates the model gives without an
// offset.
func (e *Executor) SetLocation(loc *time.Location) {
	if loc != nil {
		e.loc = loc
	}
}

// scope is everything a handler may touch during one call.
type scope struct {
	ctx    context.Context
	userID string
	book   *contacts.Book
	e      *Executor
}

// Execute runs one tool call. It never returns an error: unknown tools,
// bad arguments, domain failures, and panics all come back as a Result
// with Success false.
func (e *Executor) Execute(ctx context.Context, userID, name string, raw json.RawMessage) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", name, "user", userID, "panic", r)
			res = fail(fmt.Errorf("%s failed unexpectedly", name))
		}
		e.logger.Debug("tool executed",
			"tool", name,
			"user", userID,
			"success", res.Success,
			"error", res.Error,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}()

	if userID == "" {
		return fail(errors.New("no user for tool call"))
	}

	args, err := Decode(name, raw)
	if err != nil {
		return fail(err)
	}

	fields, err := args.run(&scope{
		ctx:    ctx,
		userID: userID,
		book:   e.contacts.ForUser(userID),
		e:      e,
	})
	if err != nil {
		return fail(err)
	}
	return ok(fields)
}

func contactError(id int64, err error) error {
	if errors.Is(err, contacts.ErrNotFound) {
		return fmt.Errorf("Contact %d not found", id)
	}
	return err
}

func (a *CreateContactArgs) run(s *scope) (map[string]any, error) {
	c, err := s.book.Create(s.ctx, contacts.NewContact{
		FirstName:   a.FirstName,
		LastName:    a.LastName,
		Email:       a.Email,
		PhoneNumber: a.PhoneNumber,
		Company:     a.Company,
		Notes:       a.Notes,
		Tags:        a.Tags,
	})
	if err != nil {
		if errors.Is(err, contacts.ErrDuplicateEmail) {
			return nil, fmt.Errorf("a contact with email %s already exists", a.Email)
		}
		return nil, err
	}
	return map[string]any{
		"contactId": c.ID,
		"message":   fmt.Sprintf("Contact %s created successfully", c.DisplayName()),
	}, nil
}

func (a *SearchContactsArgs) run(s *scope) (map[string]any, error) {
	opts := contacts.SearchOptions{Query: a.Query, Limit: a.Limit}
	var err error
	if !blank(a.DateFrom) {
		if opts.DateFrom, err = parseWhen("dateFrom", a.DateFrom, s.e.loc); err != nil {
			return nil, err
		}
	}
	if !blank(a.DateTo) {
		if opts.DateTo, err = parseWhen("dateTo", a.DateTo, s.e.loc); err != nil {
			return nil, err
		}
	}

	found, err := s.book.Search(s.ctx, opts)
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []*contacts.Contact{}
	}
	return map[string]any{"count": len(found), "contacts": found}, nil
}

func (a *UpdateContactArgs) run(s *scope) (map[string]any, error) {
	c, err := s.book.Update(s.ctx, a.ContactID, contacts.Patch{
		FirstName:   a.FirstName,
		LastName:    a.LastName,
		Email:       a.Email,
		PhoneNumber: a.PhoneNumber,
		Company:     a.Company,
		Notes:       a.Notes,
		Tags:        a.Tags,
	})
	if err != nil {
		return nil, contactError(a.ContactID, err)
	}
	return map[string]any{"message": "Contact updated successfully", "contact": c}, nil
}

func (a *DeleteContactArgs) run(s *scope) (map[string]any, error) {
	if err := s.book.SoftDelete(s.ctx, a.ContactID); err != nil {
		return nil, contactError(a.ContactID, err)
	}
	return map[string]any{"message": "Contact moved to trash"}, nil
}

func (a *SendEmailArgs) run(s *scope) (map[string]any, error) {
	if s.e.mailer == nil {
		return nil, errNoMailer
	}
	to := strings.TrimSpace(a.RecipientEmail)
	if err := s.e.mailer.Send(s.ctx, to, a.Subject, a.Body); err != nil {
		return nil, fmt.Errorf("Failed to send email: %w", err)
	}
	return map[string]any{"message": "Email sent to " + to}, nil
}

func (a *SetReminderArgs) run(s *scope) (map[string]any, error) {
	due, err := parseWhen("dueDateTime", a.DueDateTime, s.e.loc)
	if err != nil {
		return nil, err
	}

	addr, err := s.e.users.Email(s.ctx, s.userID)
	if err != nil || addr == "" {
		if err == nil || errors.Is(err, users.ErrNotFound) {
			return nil, errors.New("no email address on file to deliver the reminder to")
		}
		return nil, fmt.Errorf("look up user email: %w", err)
	}

	if a.ContactID > 0 {
		if _, err := s.book.Get(s.ctx, a.ContactID); err != nil {
			return nil, contactError(a.ContactID, err)
		}
	}

	title := strings.TrimSpace(a.Title)
	desc := strings.TrimSpace(a.TaskDescription)
	if title == "" {
		title = desc
	}
	if extra := strings.TrimSpace(a.Description); extra != "" {
		desc = strings.TrimSpace(desc + "\n\n" + extra)
	}

	r := &reminders.Reminder{
		UserID:      s.userID,
		UserEmail:   addr,
		Title:       title,
		Description: desc,
		ContactID:   a.ContactID,
		DueDate:     due,
	}
	if err := s.e.reminders.Create(s.ctx, r); err != nil {
		return nil, fmt.Errorf("Failed to set reminder: %w", err)
	}

	fields := map[string]any{
		"reminderId": r.ID,
		"dueDate":    r.DueDate.Format(time.RFC3339),
		"message":    "Reminder set successfully",
	}
	if due.Before(s.e.now()) {
		fields["warning"] = "the due date is in the past; the reminder will be sent right away"
	}
	return fields, nil
}

func (a *LogInteractionArgs) run(s *scope) (map[string]any, error) {
	var date time.Time
	if !blank(a.Date) {
		var err error
		if date, err = parseWhen("date", a.Date, s.e.loc); err != nil {
			return nil, err
		}
	}
	in, err := s.book.CreateInteraction(s.ctx, a.ContactID, strings.ToLower(strings.TrimSpace(a.Type)), a.Description, date)
	if err != nil {
		return nil, contactError(a.ContactID, err)
	}
	return map[string]any{"interactionId": in.ID, "message": "Interaction logged"}, nil
}

func (a *GenerateBriefingArgs) run(s *scope) (map[string]any, error) {
	br, err := s.book.Briefing(s.ctx, a.ContactID)
	if err != nil {
		return nil, contactError(a.ContactID, err)
	}
	return map[string]any{"briefing": br}, nil
}

func (*GetCRMStatsArgs) run(s *scope) (map[string]any, error) {
	st, err := s.book.Stats(s.ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"totalContacts":         st.TotalContacts,
		"interactionsThisMonth": st.InteractionsThisMonth,
	}, nil
}
