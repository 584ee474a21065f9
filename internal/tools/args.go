package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Args is the decoded, typed argument set for one tool. Each tool has
// exactly one implementation, and that implementation carries its own
// validation and handler, so a tool cannot be registered without both.
type Args interface {
	// Tool returns the catalog name this argument set belongs to.
	Tool() string
	validate() error
	run(s *scope) (map[string]any, error)
}

// CreateContactArgs are the arguments to create_contact.
type CreateContactArgs struct {
	FirstName   string   `json:"firstName"`
	LastName    string   `json:"lastName"`
	Email       string   `json:"email"`
	PhoneNumber string   `json:"phoneNumber"`
	Company     string   `json:"company"`
	Notes       string   `json:"notes"`
	Tags        []string `json:"tags"`
}

// SearchContactsArgs are the arguments to search_contacts.
type SearchContactsArgs struct {
	Query    string `json:"query"`
	DateFrom string `json:"dateFrom"`
	DateTo   string `json:"dateTo"`
	Limit    int    `json:"limit"`
}

// UpdateContactArgs are the arguments to update_contact. Absent fields
// are left unchanged.
type UpdateContactArgs struct {
	ContactID   int64    `json:"contactId"`
	FirstName   *string  `json:"firstName"`
	LastName    *string  `json:"lastName"`
	Email       *string  `json:"email"`
	PhoneNumber *string  `json:"phoneNumber"`
	Company     *string  `json:"company"`
	Notes       *string  `json:"notes"`
	Tags        []string `json:"tags"`
}

// DeleteContactArgs are the arguments to delete_contact.
type DeleteContactArgs struct {
	ContactID int64 `json:"contactId"`
}

// SendEmailArgs are the arguments to send_email.
type SendEmailArgs struct {
	RecipientEmail string `json:"recipientEmail"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
}

// SetReminderArgs are the arguments to set_reminder.
type SetReminderArgs struct {
	Title           string `json:"title"`
	TaskDescription string `json:"taskDescription"`
	Description     string `json:"description"`
	DueDateTime     string `json:"dueDateTime"`
	ContactID       int64  `json:"contactId"`
}

// LogInteractionArgs are the arguments to log_interaction.
type LogInteractionArgs struct {
	ContactID   int64  `json:"contactId"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Date        string `json:"date"`
}

// GenerateBriefingArgs are the arguments to generate_briefing.
type GenerateBriefingArgs struct {
	ContactID int64 `json:"contactId"`
}

// GetCRMStatsArgs are the (empty) arguments to get_crm_stats.
type GetCRMStatsArgs struct{}

func (*CreateContactArgs) Tool() string    { return CreateContact }
func (*SearchContactsArgs) Tool() string   { return SearchContacts }
func (*UpdateContactArgs) Tool() string    { return UpdateContact }
func (*DeleteContactArgs) Tool() string    { return DeleteContact }
func (*SendEmailArgs) Tool() string        { return SendEmail }
func (*SetReminderArgs) Tool() string      { return SetReminder }
func (*LogInteractionArgs) Tool() string   { return LogInteraction }
func (*GenerateBriefingArgs) Tool() string { return GenerateBriefing }
func (*GetCRMStatsArgs) Tool() string      { return GetCRMStats }

// argTypes maps each catalog name to a constructor for its arguments.
var argTypes = map[string]func() Args{
	CreateContact:    func() Args { return &CreateContactArgs{} },
	SearchContacts:   func() Args { return &SearchContactsArgs{} },
	UpdateContact:    func() Args { return &UpdateContactArgs{} },
	DeleteContact:    func() Args { return &DeleteContactArgs{} },
	SendEmail:        func() Args { return &SendEmailArgs{} },
	SetReminder:      func() Args { return &SetReminderArgs{} },
	LogInteraction:   func() Args { return &LogInteractionArgs{} },
	GenerateBriefing: func() Args { return &GenerateBriefingArgs{} },
	GetCRMStats:      func() Args { return &GetCRMStatsArgs{} },
}

// schemas holds each tool's compiled parameter schema.
var schemas = mustCompileSchemas()

func mustCompileSchemas() map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(catalog))
	for _, d := range catalog {
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.Parameters))
		if err != nil {
			panic(fmt.Sprintf("tools: schema for %s: %v", d.Name, err))
		}
		out[d.Name] = s
	}
	return out
}

// Decode turns a tool name and raw JSON arguments into typed, validated
// Args. Empty or null arguments are treated as an empty object.
func Decode(name string, raw json.RawMessage) (Args, error) {
	newArgs, ok := argTypes[name]
	if !ok {
		return nil, fmt.Errorf("Unknown tool: %s", name)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}

	if err := checkSchema(name, raw); err != nil {
		return nil, err
	}

	args := newArgs()
	if err := json.Unmarshal(raw, args); err != nil {
		return nil, &ValidationError{Message: "invalid arguments for " + name + ": " + err.Error()}
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	return args, nil
}

// checkSchema validates raw against the tool's schema. Missing required
// fields are left to each Args type, which reports them with a
// tool-specific message.
func checkSchema(name string, raw []byte) error {
	res, err := schemas[name].Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{Message: "arguments are not valid JSON: " + err.Error()}
	}
	if res.Valid() {
		return nil
	}

	var field string
	var problems []string
	for _, e := range res.Errors() {
		if e.Type() == "required" {
			continue
		}
		if field == "" {
			field = e.Field()
		}
		problems = append(problems, e.Field()+": "+e.Description())
	}
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Field: field, Message: "invalid arguments: " + strings.Join(problems, "; ")}
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func (a *CreateContactArgs) validate() error {
	if blank(a.FirstName) && blank(a.Email) {
		return &ValidationError{Field: "firstName", Message: "firstName or email is required to create a contact"}
	}
	return nil
}

func (a *SearchContactsArgs) validate() error {
	if a.Limit < 0 {
		return &ValidationError{Field: "limit", Message: "limit must be positive"}
	}
	return nil
}

func (a *UpdateContactArgs) validate() error {
	if a.ContactID <= 0 {
		return required("contactId", "update a contact")
	}
	if a.FirstName == nil && a.LastName == nil && a.Email == nil && a.PhoneNumber == nil &&
		a.Company == nil && a.Notes == nil && a.Tags == nil {
		return &ValidationError{Message: "at least one field to change is required to update a contact"}
	}
	return nil
}

func (a *DeleteContactArgs) validate() error {
	if a.ContactID <= 0 {
		return required("contactId", "delete a contact")
	}
	return nil
}

func (a *SendEmailArgs) validate() error {
	switch {
	case blank(a.RecipientEmail):
		return required("recipientEmail", "send an email")
	case blank(a.Subject):
		return required("subject", "send an email")
	case blank(a.Body):
		return required("body", "send an email")
	}
	return nil
}

func (a *SetReminderArgs) validate() error {
	if blank(a.TaskDescription) && blank(a.Title) {
		return &ValidationError{Field: "taskDescription", Message: "taskDescription or title is required to set a reminder"}
	}
	if blank(a.DueDateTime) {
		return required("dueDateTime", "set a reminder")
	}
	return nil
}

func (a *LogInteractionArgs) validate() error {
	switch {
	case a.ContactID <= 0:
		return required("contactId", "log an interaction")
	case blank(a.Type):
		return required("type", "log an interaction")
	case blank(a.Description):
		return required("description", "log an interaction")
	}
	return nil
}

func (a *GenerateBriefingArgs) validate() error {
	if a.ContactID <= 0 {
		return required("contactId", "generate a briefing")
	}
	return nil
}

func (*GetCRMStatsArgs) validate() error { return nil }

// dateLayouts are the date and date-time forms the model tends to emit.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseWhen parses s in loc unless it carries its own offset.
func parseWhen(field, s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("%s %q is not a recognized date; use YYYY-MM-DD or an ISO 8601 timestamp", field, s),
	}
}
