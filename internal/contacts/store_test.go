package contacts

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-vcard"

	"github.com/nugget/crm-assistant/internal/events"
	"github.com/nugget/crm-assistant/internal/reminders"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "crm-contacts-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	store, err := NewStore(tmpFile.Name(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// clockAt pins the store clock and returns a setter for moving it.
func clockAt(s *Store, t time.Time) func(time.Time) {
	now := t
	s.now = func() time.Time { return now }
	return func(next time.Time) { now = next }
}

func mustCreate(t *testing.T, b *Book, in NewContact) *Contact {
	t.Helper()
	c, err := b.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create(%+v) error: %v", in, err)
	}
	return c
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	book := store.ForUser("u1")
	ctx := context.Background()

	c := mustCreate(t, book, NewContact{
		FirstName: "Alex",
		LastName:  "Smith",
		Email:     "alex@heygov.com",
		Company:   "HeyGov",
		Tags:      []string{"Client", " client ", "vip"},
	})
	if c.ID == 0 {
		t.Fatal("Create() did not assign an ID")
	}
	if strings.Join(c.Tags, ",") != "client,vip" {
		t.Errorf("Tags = %v, want [client vip]", c.Tags)
	}

	got, err := book.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.DisplayName() != "Alex Smith" {
		t.Errorf("DisplayName() = %q, want %q", got.DisplayName(), "Alex Smith")
	}
}

func TestCreate_RequiresNameOrEmail(t *testing.T) {
	book := newTestStore(t).ForUser("u1")
	ctx := context.Background()

	if _, err := book.Create(ctx, NewContact{LastName: "Smith"}); !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("Create(no name/email) error = %v, want ErrMissingIdentity", err)
	}
	if _, err := book.Create(ctx, NewContact{Email: "only@example.com"}); err != nil {
		t.Errorf("Create(email only) error: %v", err)
	}
}

func TestCreate_DuplicateEmail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store.ForUser("u1"), NewContact{FirstName: "A", Email: "a@x.io"})

	if _, err := store.ForUser("u1").Create(ctx, NewContact{FirstName: "B", Email: "A@X.io"}); !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("duplicate Create() error = %v, want ErrDuplicateEmail", err)
	}
	// The same address is fine for a different user.
	if _, err := store.ForUser("u2").Create(ctx, NewContact{FirstName: "A", Email: "a@x.io"}); err != nil {
		t.Errorf("Create() for another user error: %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := mustCreate(t, store.ForUser("owner"), NewContact{FirstName: "Alex"})
	other := store.ForUser("intruder")

	if _, err := other.Get(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	name := "Mallory"
	if _, err := other.Update(ctx, c.ID, Patch{FirstName: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
	if err := other.SoftDelete(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("SoftDelete() error = %v, want ErrNotFound", err)
	}
	if _, err := other.CreateInteraction(ctx, c.ID, "call", "x", time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateInteraction() error = %v, want ErrNotFound", err)
	}
	if got, _ := other.Search(ctx, SearchOptions{Query: "alex"}); len(got) != 0 {
		t.Errorf("Search() leaked %d contacts", len(got))
	}

	got, _ := store.ForUser("owner").Get(ctx, c.ID)
	if got.FirstName != "Alex" {
		t.Errorf("owner's contact changed to %q", got.FirstName)
	}
}

func TestSearch(t *testing.T) {
	store := newTestStore(t)
	book := store.ForUser("u1")
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2026, 10, d, 15, 0, 0, 0, time.UTC) }
	setNow := clockAt(store, day(1))

	mustCreate(t, book, NewContact{FirstName: "Alex", LastName: "Smith", Company: "HeyGov"})
	setNow(day(5))
	mustCreate(t, book, NewContact{FirstName: "Alex", LastName: "Jones", Company: "Acme"})
	setNow(day(9))
	mustCreate(t, book, NewContact{FirstName: "Sam", Email: "sam@heygov.com", Notes: "100% reliable"})

	tests := []struct {
		name string
		opts SearchOptions
		want []string
	}{
		{"all newest first", SearchOptions{}, []string{"Sam", "Alex Jones", "Alex Smith"}},
		{"single term", SearchOptions{Query: "alex"}, []string{"Alex Jones", "Alex Smith"}},
		{"terms are ANDed across fields", SearchOptions{Query: "Alex HeyGov"}, []string{"Alex Smith"}},
		{"matches email", SearchOptions{Query: "heygov"}, []string{"Sam", "Alex Smith"}},
		{"like wildcards are literal", SearchOptions{Query: "100%"}, []string{"Sam"}},
		{"no match", SearchOptions{Query: "zzz"}, nil},
		{"date range inclusive of end day", SearchOptions{DateFrom: day(2), DateTo: day(5)}, []string{"Alex Jones"}},
		{"limit", SearchOptions{Limit: 1}, []string{"Sam"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := book.Search(ctx, tt.opts)
			if err != nil {
				t.Fatalf("Search() error: %v", err)
			}
			var names []string
			for _, c := range got {
				names = append(names, c.DisplayName())
			}
			if strings.Join(names, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Search(%+v) = %v, want %v", tt.opts, names, tt.want)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	store := newTestStore(t)
	book := store.ForUser("u1")
	ctx := context.Background()
	c := mustCreate(t, book, NewContact{FirstName: "Alex", Company: "HeyGov", Email: "alex@heygov.com"})

	company := "Acme"
	got, err := book.Update(ctx, c.ID, Patch{Company: &company, Tags: []string{"lead"}})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if got.Company != "Acme" || got.FirstName != "Alex" || got.Tags[0] != "lead" {
		t.Errorf("Update() = %+v", got)
	}

	if _, err := book.Update(ctx, c.ID, Patch{}); !errors.Is(err, ErrNoChanges) {
		t.Errorf("Update(empty) error = %v, want ErrNoChanges", err)
	}
	if _, err := book.Update(ctx, 9999, Patch{Company: &company}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}

	empty := ""
	if _, err := book.Update(ctx, c.ID, Patch{FirstName: &empty, Email: &empty}); !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("Update(clear identity) error = %v, want ErrMissingIdentity", err)
	}
}

func TestTrashLifecycle(t *testing.T) {
	store := newTestStore(t)
	book := store.ForUser("u1")
	ctx := context.Background()
	c := mustCreate(t, book, NewContact{FirstName: "Alex"})

	if err := book.SoftDelete(ctx, c.ID); err != nil {
		t.Fatalf("SoftDelete() error: %v", err)
	}
	if _, err := book.Get(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after SoftDelete error = %v, want ErrNotFound", err)
	}
	if trash, _ := book.Trash(ctx); len(trash) != 1 || !trash[0].InTrash {
		t.Errorf("Trash() = %+v, want the trashed contact", trash)
	}
	if err := book.SoftDelete(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second SoftDelete() error = %v, want ErrNotFound", err)
	}

	restored, err := book.Restore(ctx, c.ID)
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if restored.InTrash {
		t.Error("restored contact still in trash")
	}

	if err := book.PermanentDelete(ctx, c.ID); err != nil {
		t.Fatalf("PermanentDelete() error: %v", err)
	}
	if _, err := book.Restore(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Restore() after PermanentDelete error = %v, want ErrNotFound", err)
	}
	if trash, _ := book.Trash(ctx); len(trash) != 0 {
		t.Errorf("Trash() after PermanentDelete = %d, want 0", len(trash))
	}
}

func TestPermanentDeleteFreesEmail(t *testing.T) {
	store := newTestStore(t)
	book := store.ForUser("u1")
	ctx := context.Background()
	c := mustCreate(t, book, NewContact{Email: "a@x.io"})
	book.PermanentDelete(ctx, c.ID)

	if _, err := book.Create(ctx, NewContact{Email: "a@x.io"}); err != nil {
		t.Errorf("Create() after PermanentDelete error: %v", err)
	}
}

type fakeReminders struct {
	gotContact int64
	gotTerm    string
}

func (f *fakeReminders) PendingMatching(_ context.Context, userID string, contactID int64, term string) ([]*reminders.Reminder, error) {
	f.gotContact = contactID
	f.gotTerm = term
	return []*reminders.Reminder{{ID: 1, Title: "Call", Description: "Call " + term}}, nil
}

func TestBriefing(t *testing.T) {
	store := newTestStore(t)
	fr := &fakeReminders{}
	store.SetReminderLister(fr)
	book := store.ForUser("u1")
	ctx := context.Background()
	c := mustCreate(t, book, NewContact{FirstName: "Alex"})

	for i := range 7 {
		date := time.Date(2026, 9, i+1, 10, 0, 0, 0, time.UTC)
		if _, err := book.CreateInteraction(ctx, c.ID, "call", "talk", date); err != nil {
			t.Fatalf("CreateInteraction() error: %v", err)
		}
	}

	br, err := book.Briefing(ctx, c.ID)
	if err != nil {
		t.Fatalf("Briefing() error: %v", err)
	}
	if br.Profile.ID != c.ID {
		t.Errorf("Profile.ID = %d, want %d", br.Profile.ID, c.ID)
	}
	if len(br.History) != briefingInteractions {
		t.Errorf("len(History) = %d, want %d", len(br.History), briefingInteractions)
	}
	if br.History[0].Date.Day() != 7 {
		t.Errorf("History[0] is from day %d, want newest (7)", br.History[0].Date.Day())
	}
	if fr.gotTerm != "Alex" || fr.gotContact != c.ID || len(br.Reminders) != 1 {
		t.Errorf("reminders lookup (%d, %q), got %d reminders", fr.gotContact, fr.gotTerm, len(br.Reminders))
	}
	if br.Note == "" {
		t.Error("Briefing() should carry a summarization note")
	}

	if _, err := book.Briefing(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Briefing(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	clockAt(store, time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	book := store.ForUser("u1")
	ctx := context.Background()

	a := mustCreate(t, book, NewContact{FirstName: "A"})
	b := mustCreate(t, book, NewContact{FirstName: "B"})
	book.SoftDelete(ctx, b.ID)
	mustCreate(t, store.ForUser("u2"), NewContact{FirstName: "C"})

	book.CreateInteraction(ctx, a.ID, "call", "this month", time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC))
	book.CreateInteraction(ctx, a.ID, "call", "last month", time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC))
	book.CreateInteraction(ctx, a.ID, "email", "today", time.Time{})

	st, err := book.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if st.TotalContacts != 1 {
		t.Errorf("TotalContacts = %d, want 1", st.TotalContacts)
	}
	if st.InteractionsThisMonth != 2 {
		t.Errorf("InteractionsThisMonth = %d, want 2", st.InteractionsThisMonth)
	}
}

func TestEventsPublished(t *testing.T) {
	store := newTestStore(t)
	bus := events.New()
	store.SetEventBus(bus)
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	book := store.ForUser("u1")
	ctx := context.Background()
	c := mustCreate(t, book, NewContact{FirstName: "Alex"})
	notes := "met at expo"
	book.Update(ctx, c.ID, Patch{Notes: &notes})
	book.SoftDelete(ctx, c.ID)

	want := []string{events.KindContactAdded, events.KindContactUpdated, events.KindContactDeleted}
	for _, kind := range want {
		select {
		case e := <-ch:
			if e.Kind != kind || e.UserID != "u1" || e.Source != events.SourceContacts {
				t.Errorf("event = %+v, want %s for u1", e, kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestWriteVCards(t *testing.T) {
	store := newTestStore(t)
	book := store.ForUser("u1")
	mustCreate(t, book, NewContact{FirstName: "Alex", LastName: "Smith", Email: "alex@heygov.com", Company: "HeyGov", Tags: []string{"client"}})
	mustCreate(t, book, NewContact{Email: "sam@x.io"})

	all, err := book.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteVCards(&buf, all); err != nil {
		t.Fatalf("WriteVCards() error: %v", err)
	}

	dec := vcard.NewDecoder(&buf)
	first, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got := first.PreferredValue(vcard.FieldFormattedName); got != "Alex Smith" {
		t.Errorf("FN = %q, want %q", got, "Alex Smith")
	}
	if got := first.PreferredValue(vcard.FieldEmail); got != "alex@heygov.com" {
		t.Errorf("EMAIL = %q", got)
	}
	if got := first.PreferredValue(vcard.FieldCategories); got != "client" {
		t.Errorf("CATEGORIES = %q", got)
	}

	second, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode() second card error: %v", err)
	}
	if got := second.PreferredValue(vcard.FieldFormattedName); got != "sam@x.io" {
		t.Errorf("FN falls back to email, got %q", got)
	}
}
