package api

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/crm-assistant/internal/contacts"
	"github.com/nugget/crm-assistant/internal/reminders"
)

func testContactStore(t *testing.T) *contacts.Store {
	t.Helper()
	store, err := contacts.NewStore(filepath.Join(t.TempDir(), "contacts.db"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func dataList(t *testing.T, h http.Handler, path, user string) []any {
	t.Helper()
	rec := do(t, h, http.MethodGet, path, user, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s status = %d, body %s", path, rec.Code, rec.Body)
	}
	list, ok := decodeBody(t, rec)["data"].([]any)
	if !ok {
		t.Fatalf("GET %s data is not a list: %s", path, rec.Body)
	}
	return list
}

func TestContacts_TrashRestoreDelete(t *testing.T) {
	store := testContactStore(t)
	ctx := context.Background()
	ada, err := store.ForUser("u1").Create(ctx, contacts.NewContact{FirstName: "Ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ForUser("u2").Create(ctx, contacts.NewContact{FirstName: "Grace"}); err != nil {
		t.Fatal(err)
	}

	s := newTestServer(&fakeAssistant{})
	s.SetContacts(store)
	h := s.Handler()
	one := fmt.Sprintf("/v1/contacts/%d", ada.ID)

	if got := dataList(t, h, "/v1/contacts", "u1"); len(got) != 1 {
		t.Fatalf("contacts = %d, want 1", len(got))
	}
	if rec := do(t, h, http.MethodGet, one, "u1", ""); rec.Code != http.StatusOK {
		t.Errorf("GET own contact status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, one, "u2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET other user's contact status = %d, want 404", rec.Code)
	}

	if rec := do(t, h, http.MethodDelete, one, "u2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("trash by other user status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, one, "u1", ""); rec.Code != http.StatusOK {
		t.Fatalf("trash status = %d, body %s", rec.Code, rec.Body)
	}
	if got := dataList(t, h, "/v1/contacts", "u1"); len(got) != 0 {
		t.Errorf("contacts after trash = %d, want 0", len(got))
	}
	if got := dataList(t, h, "/v1/contacts/trash", "u1"); len(got) != 1 {
		t.Errorf("trash = %d, want 1", len(got))
	}
	if got := dataList(t, h, "/v1/contacts/trash", "u2"); len(got) != 0 {
		t.Errorf("other user's trash = %d, want 0", len(got))
	}

	rec := do(t, h, http.MethodPost, one+"/restore", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("restore status = %d, body %s", rec.Code, rec.Body)
	}
	if c, _ := decodeBody(t, rec)["data"].(map[string]any); c == nil || c["firstName"] != "Ada" {
		t.Errorf("restore data = %s", rec.Body)
	}
	if rec := do(t, h, http.MethodPost, one+"/restore", "u1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("restore of active contact status = %d, want 404", rec.Code)
	}

	if rec := do(t, h, http.MethodDelete, one+"/permanent", "u2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("permanent delete by other user status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, one+"/permanent", "u1", ""); rec.Code != http.StatusOK {
		t.Fatalf("permanent delete status = %d, body %s", rec.Code, rec.Body)
	}
	if got := dataList(t, h, "/v1/contacts", "u1"); len(got) != 0 {
		t.Errorf("contacts after delete = %d, want 0", len(got))
	}
	if got := dataList(t, h, "/v1/contacts/trash", "u1"); len(got) != 0 {
		t.Errorf("trash after delete = %d, want 0", len(got))
	}
	if rec := do(t, h, http.MethodGet, one, "u1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET deleted contact status = %d, want 404", rec.Code)
	}
}

func TestContacts_Errors(t *testing.T) {
	s := newTestServer(&fakeAssistant{})
	if rec := do(t, s.Handler(), http.MethodGet, "/v1/contacts", "u1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("without a store status = %d, want 404", rec.Code)
	}

	s.SetContacts(testContactStore(t))
	h := s.Handler()
	tests := []struct {
		method, path, user string
		want               int
	}{
		{http.MethodGet, "/v1/contacts", "", http.StatusUnauthorized},
		{http.MethodGet, "/v1/contacts/abc", "u1", http.StatusBadRequest},
		{http.MethodDelete, "/v1/contacts/0", "u1", http.StatusBadRequest},
		{http.MethodDelete, "/v1/contacts/99", "u1", http.StatusNotFound},
		{http.MethodPost, "/v1/contacts/99/restore", "u1", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := do(t, h, tt.method, tt.path, tt.user, ""); rec.Code != tt.want {
			t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func testReminderStore(t *testing.T) *reminders.Store {
	t.Helper()
	store, err := reminders.NewStore(filepath.Join(t.TempDir(), "reminders.db"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestReminders_ListUpdateDelete(t *testing.T) {
	store := testReminderStore(t)
	ctx := context.Background()
	due := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)
	mine := &reminders.Reminder{UserID: "u1", UserEmail: "ada@example.com", Title: "Call Grace", DueDate: due}
	if err := store.Create(ctx, mine); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, &reminders.Reminder{UserID: "u2", UserEmail: "g@example.com", Title: "Other", DueDate: due}); err != nil {
		t.Fatal(err)
	}

	s := newTestServer(&fakeAssistant{})
	s.SetReminders(store)
	h := s.Handler()
	one := fmt.Sprintf("/v1/reminders/%d", mine.ID)

	got := dataList(t, h, "/v1/reminders", "u1")
	if len(got) != 1 || got[0].(map[string]any)["title"] != "Call Grace" {
		t.Fatalf("reminders = %v", got)
	}

	rec := do(t, h, http.MethodPatch, one, "u1", `{"title":"Call Grace Hopper","dueDate":"2026-11-01T15:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body)
	}
	data := decodeBody(t, rec)["data"].(map[string]any)
	if data["title"] != "Call Grace Hopper" || data["dueDate"] != "2026-11-01T15:00:00Z" || data["status"] != "pending" {
		t.Errorf("updated reminder = %v", data)
	}

	for _, tt := range []struct {
		name, path, user, body string
		want                   int
	}{
		{"other user", one, "u2", `{"title":"x"}`, http.StatusNotFound},
		{"no fields", one, "u1", `{}`, http.StatusBadRequest},
		{"empty title", one, "u1", `{"title":""}`, http.StatusBadRequest},
		{"bad json", one, "u1", `{`, http.StatusBadRequest},
		{"bad date", one, "u1", `{"dueDate":"tomorrow"}`, http.StatusBadRequest},
		{"bad id", "/v1/reminders/x", "u1", `{"title":"x"}`, http.StatusBadRequest},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPatch, tt.path, tt.user, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}

	if rec := do(t, h, http.MethodDelete, one, "u2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("delete by other user status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, one, "u1", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body %s", rec.Code, rec.Body)
	}
	if got := dataList(t, h, "/v1/reminders", "u1"); len(got) != 0 {
		t.Errorf("reminders after delete = %d, want 0", len(got))
	}
	if got := dataList(t, h, "/v1/reminders", "u2"); len(got) != 1 {
		t.Errorf("other user's reminders = %d, want 1", len(got))
	}
}

func TestReminders_NotConfigured(t *testing.T) {
	rec := do(t, newTestServer(&fakeAssistant{}).Handler(), http.MethodGet, "/v1/reminders", "u1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
