package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nugget/crm-assistant/internal/reminders"
)

// ReminderStore manages a user's reminders. *reminders.Store satisfies
// it.
type ReminderStore interface {
	List(ctx context.Context, userID string) ([]*reminders.Reminder, error)
	Update(ctx context.Context, userID string, id int64, p reminders.Patch) (*reminders.Reminder, error)
	Delete(ctx context.Context, userID string, id int64) error
}

// ReminderUpdate is the body of PATCH /v1/reminders/{id}. Absent fields
// are left unchanged.
type ReminderUpdate struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	DueDate     *time.Time `json:"dueDate"`
}

func (s *Server) reminderUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return "", false
	}
	if s.reminders == nil {
		s.errorResponse(w, http.StatusNotFound, "reminders not available")
		return "", false
	}
	return userID, true
}

func (s *Server) reminderError(w http.ResponseWriter, userID string, id int64, err error) {
	if errors.Is(err, reminders.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Reminder not found")
		return
	}
	s.logger.Error("reminder request failed", "user", userID, "reminder_id", id, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "reminder operation failed")
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.reminderUser(w, r)
	if !ok {
		return
	}
	list, err := s.reminders.List(r.Context(), userID)
	if err != nil {
		s.reminderError(w, userID, 0, err)
		return
	}
	if list == nil {
		list = []*reminders.Reminder{}
	}
	s.success(w, list)
}

func (s *Server) handleUpdateReminder(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.reminderUser(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var body ReminderUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Title == nil && body.Description == nil && body.DueDate == nil {
		s.errorResponse(w, http.StatusBadRequest, "no fields to update")
		return
	}
	if body.Title != nil && *body.Title == "" {
		s.errorResponse(w, http.StatusBadRequest, "title cannot be empty")
		return
	}

	rem, err := s.reminders.Update(r.Context(), userID, id, reminders.Patch{
		Title:       body.Title,
		Description: body.Description,
		DueDate:     body.DueDate,
	})
	if err != nil {
		s.reminderError(w, userID, id, err)
		return
	}
	s.success(w, rem)
}

func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.reminderUser(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.reminders.Delete(r.Context(), userID, id); err != nil {
		s.reminderError(w, userID, id, err)
		return
	}
	s.success(w, map[string]string{"message": "Reminder deleted"})
}
