// Package tools defines the actions the assistant can take and executes
// them against one user's CRM data.
package tools

// Tool names as the model sees them.
const (
	CreateContact    = "create_contact"
	SearchContacts   = "search_contacts"
	UpdateContact    = "update_contact"
	DeleteContact    = "delete_contact"
	SendEmail        = "send_email"
	SetReminder      = "set_reminder"
	LogInteraction   = "log_interaction"
	GenerateBriefing = "generate_briefing"
	GetCRMStats      = "get_crm_stats"
)

// Definition describes one tool to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func tags() map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": "Single lower-case words inferred from context: role, status, or where you met (e.g. [\"developer\", \"client\", \"conference\"]).",
	}
}

func object(props map[string]any, required ...string) map[string]any {
	o := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		o["required"] = required
	}
	return o
}

var catalog = []Definition{
	{
		Name:        CreateContact,
		Description: "Create a new contact. Use this when the user wants to add or save a person. A first name or an email address is required. Call it once per person.",
		Parameters: object(map[string]any{
			"firstName":   str("The contact's first name."),
			"lastName":    str("The contact's last name."),
			"email":       str("The contact's email address."),
			"phoneNumber": str("The contact's phone number."),
			"company":     str("The company the contact works for."),
			"notes":       str("Any initial notes about the contact."),
			"tags":        tags(),
		}),
	},
	{
		Name:        SearchContacts,
		Description: "Search contacts by name, company, email, phone, or notes, optionally limited to when they were added. Every word in the query must match some field, so leave out descriptive words like 'client' or 'startup'.",
		Parameters: object(map[string]any{
			"query":    str("Words to look for (e.g. 'Alex', 'HeyGov'). Optional when searching by date only."),
			"dateFrom": str("Start of the range the contact was added, YYYY-MM-DD."),
			"dateTo":   str("End of the range the contact was added, YYYY-MM-DD, inclusive."),
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results (default 20, at most 100).",
				"minimum":     1,
			},
		}),
	},
	{
		Name:        UpdateContact,
		Description: "Update an existing contact. Requires contactId; if you don't have it, search for the contact first. Only the fields you pass are changed.",
		Parameters: object(map[string]any{
			"contactId":   integer("The ID of the contact to update."),
			"firstName":   str("New first name."),
			"lastName":    str("New last name."),
			"email":       str("New email address."),
			"phoneNumber": str("New phone number."),
			"company":     str("New company."),
			"notes":       str("Replacement notes."),
			"tags":        tags(),
		}, "contactId"),
	},
	{
		Name:        DeleteContact,
		Description: "Move a contact to the trash. Requires contactId; if you don't have it, search for the contact first.",
		Parameters: object(map[string]any{
			"contactId": integer("The ID of the contact to delete."),
		}, "contactId"),
	},
	{
		Name:        SendEmail,
		Description: "Send an email now. Only use this after the user has confirmed they want to send it. The body may use markdown.",
		Parameters: object(map[string]any{
			"recipientEmail": str("The address to send to."),
			"subject":        str("The subject line."),
			"body":           str("The message body."),
		}, "recipientEmail", "subject", "body"),
	},
	{
		Name:        SetReminder,
		Description: "Set a follow-up reminder. The user is emailed when it comes due.",
		Parameters: object(map[string]any{
			"title":           str("Short title for the reminder."),
			"taskDescription": str("What to remind the user about (e.g. 'Call Alex')."),
			"description":     str("Extra detail for the reminder."),
			"dueDateTime":     str("When it is due: an ISO 8601 timestamp or 'YYYY-MM-DD HH:mm'."),
			"contactId":       integer("The contact this reminder is about, if any."),
		}, "dueDateTime"),
	},
	{
		Name:        LogInteraction,
		Description: "Record a call, meeting, email, or other touchpoint with a contact.",
		Parameters: object(map[string]any{
			"contactId":   integer("The contact the interaction was with."),
			"type":        str("Kind of interaction, e.g. call, meeting, email, note."),
			"description": str("What happened."),
			"date":        str("When it happened, YYYY-MM-DD or ISO 8601. Defaults to now."),
		}, "contactId", "type", "description"),
	},
	{
		Name:        GenerateBriefing,
		Description: "Gather a contact's profile, recent interactions, and pending reminders so you can brief the user before a meeting.",
		Parameters: object(map[string]any{
			"contactId": integer("The contact to brief on."),
		}, "contactId"),
	},
	{
		Name:        GetCRMStats,
		Description: "Count the user's contacts and this month's interactions.",
		Parameters:  object(map[string]any{}),
	},
}

// Catalog returns the tool definitions in a stable order.
func Catalog() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog)
	return out
}

// Definitions returns the catalog in the function-calling format the LLM
// clients accept.
func Definitions() []map[string]any {
	out := make([]map[string]any, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		})
	}
	return out
}
