package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/crm-assistant/internal/events"
)

const (
	eventBuffer     = 64
	eventWriteWait  = 10 * time.Second
	eventPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamed reports whether e belongs on userID's live stream.
func streamed(e events.Event, userID string) bool {
	if e.UserID != userID {
		return false
	}
	return e.Source == events.SourceContacts || e.Source == events.SourceReminders
}

// handleEvents streams the caller's contact and reminder changes over a
// WebSocket. Browsers cannot set headers on a WebSocket handshake, so
// the user id may also come from the user_id query parameter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(UserHeader) == "" {
		if q := strings.TrimSpace(r.URL.Query().Get("user_id")); q != "" {
			r.Header.Set(UserHeader, q)
		}
	}
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.bus == nil {
		s.errorResponse(w, http.StatusNotFound, "event stream not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "user", userID, "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(eventBuffer)
	defer s.bus.Unsubscribe(ch)

	log := s.logger.With("user", userID, "remote", r.RemoteAddr)
	log.Debug("event stream opened")

	// The client never sends anything meaningful; reading is how close
	// frames and dead peers are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			log.Debug("event stream closed by client")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				log.Debug("event stream ping failed", "error", err)
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !streamed(e, userID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(e.Update()); err != nil {
				log.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
