package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/nugget/crm-assistant/internal/contacts"
)

// pathID parses the {id} path value, writing a 400 when it is not a
// positive integer.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// contactBook resolves the caller's contact book, writing the error
// response when there is no user or no contact store.
func (s *Server) contactBook(w http.ResponseWriter, r *http.Request) (*contacts.Book, bool) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return nil, false
	}
	if s.contacts == nil {
		s.errorResponse(w, http.StatusNotFound, "contacts not available")
		return nil, false
	}
	return s.contacts.ForUser(userID), true
}

func (s *Server) contactError(w http.ResponseWriter, book *contacts.Book, id int64, err error) {
	if errors.Is(err, contacts.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Contact not found")
		return
	}
	s.logger.Error("contact request failed", "user", book.UserID(), "contact_id", id, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "contact operation failed")
}

func (s *Server) success(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, successResponse{Status: "Success", Data: data}, s.logger)
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	book, ok := s.contactBook(w, r)
	if !ok {
		return
	}
	list, err := book.All(r.Context())
	if err != nil {
		s.contactError(w, book, 0, err)
		return
	}
	if list == nil {
		list = []*contacts.Contact{}
	}
	s.success(w, list)
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	book, ok := s.contactBook(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	c, err := book.Get(r.Context(), id)
	if err != nil {
		s.contactError(w, book, id, err)
		return
	}
	s.success(w, c)
}

func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request) {
	book, ok := s.contactBook(w, r)
	if !ok {
		return
	}
	list, err := book.Trash(r.Context())
	if err != nil {
		s.contactError(w, book, 0, err)
		return
	}
	if list == nil {
		list = []*contacts.Contact{}
	}
	s.success(w, list)
}

// handleTrashContact moves a contact to the trash.
func (s *Server) handleTrashContact(w http.ResponseWriter, r *http.Request) {
	book, ok := s.contactBook(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := book.SoftDelete(r.Context(), id); err != nil {
		s.contactError(w, book, id, err)
		return
	}
	s.success(w, map[string]string{"message": "Contact moved to trash"})
}

func (s *Server) handleRestoreContact(w http.ResponseWriter, r *http.Request) {
	book, ok := s.contactBook(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	c, err := book.Restore(r.Context(), id)
	if err != nil {
		s.contactError(w, book, id, err)
		return
	}
	s.success(w, c)
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	book, ok := s.contactBook(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := book.PermanentDelete(r.Context(), id); err != nil {
		s.contactError(w, book, id, err)
		return
	}
	s.success(w, map[string]string{"message": "Contact permanently deleted"})
}
