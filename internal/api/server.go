// Package api implements the assistant's HTTP API.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/crm-assistant/internal/agent"
	"github.com/nugget/crm-assistant/internal/buildinfo"
	"github.com/nugget/crm-assistant/internal/contacts"
	"github.com/nugget/crm-assistant/internal/events"
	"github.com/nugget/crm-assistant/internal/reply"
	"github.com/nugget/crm-assistant/internal/usage"
)

// UserHeader carries the caller's user id. Authentication happens in
// front of this server.
const UserHeader = "X-User-ID"

// RequestIDHeader carries an optional caller-supplied request id. It is
// echoed on every assistant response.
const RequestIDHeader = "X-Request-ID"

// maxBodyBytes bounds assistant request bodies.
const maxBodyBytes = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Assistant answers queries and manages conversation history.
// *agent.Loop satisfies it.
type Assistant interface {
	Run(ctx context.Context, userID, query string) (*agent.Result, error)
	Reset(ctx context.Context, userID string) error
}

// ContactBooks hands out per-user contact books. *contacts.Store
// satisfies it.
type ContactBooks interface {
	ForUser(userID string) *contacts.Book
}

// UsageReporter aggregates a user's token usage. *usage.Store
// satisfies it.
type UsageReporter interface {
	Summary(ctx context.Context, userID string, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, userID string, start, end time.Time) (map[string]*usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	assistant  Assistant
	contacts   ContactBooks
	bus        *events.Bus
	usage      UsageReporter
	reminders  ReminderStore
	runTimeout time.Duration
	now        func() time.Time
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, assistant Assistant, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		assistant: assistant,
		logger:    logger.With("component", "api"),
		now:       time.Now,
	}
}

// SetContacts enables the contact endpoints.
func (s *Server) SetContacts(c ContactBooks) {
	s.contacts = c
}

// SetEventBus enables the live event stream.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetUsage enables the usage report endpoint.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// SetReminders enables the reminder endpoints.
func (s *Server) SetReminders(r ReminderStore) {
	s.reminders = r
}

// SetRunTimeout bounds each assistant request. Zero means no limit
// beyond the client's own connection.
func (s *Server) SetRunTimeout(d time.Duration) {
	s.runTimeout = d
}

// Handler returns the server's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/assistant", s.handleAssistant)
	mux.HandleFunc("DELETE /v1/assistant/history", s.handleClearHistory)

	mux.HandleFunc("GET /v1/contacts", s.handleListContacts)
	mux.HandleFunc("GET /v1/contacts/trash", s.handleTrash)
	mux.HandleFunc("GET /v1/contacts/export.vcf", s.handleExport)
	mux.HandleFunc("GET /v1/contacts/{id}", s.handleGetContact)
	mux.HandleFunc("DELETE /v1/contacts/{id}", s.handleTrashContact)
	mux.HandleFunc("POST /v1/contacts/{id}/restore", s.handleRestoreContact)
	mux.HandleFunc("DELETE /v1/contacts/{id}/permanent", s.handleDeleteContact)

	mux.HandleFunc("GET /v1/reminders", s.handleListReminders)
	mux.HandleFunc("PATCH /v1/reminders/{id}", s.handleUpdateReminder)
	mux.HandleFunc("DELETE /v1/reminders/{id}", s.handleDeleteReminder)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

// statusWriter records the response status for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack exposes the underlying connection for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status": "healthy",
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
	}, s.logger)
}

// AssistantRequest is the body of POST /v1/assistant.
type AssistantRequest struct {
	Query string `json:"query"`
}

// AssistantData is the data member of a successful assistant response.
type AssistantData struct {
	// Message is the normalized reply: the model's JSON object, its raw
	// text when it contained no object, or null when the object was
	// malformed or the run did not converge.
	Message reply.Result `json:"message"`
	// Raw is the model's final text exactly as produced.
	Raw       string             `json:"raw"`
	ToolsUsed []agent.ToolRecord `json:"toolsUsed"`
}

type successResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

type errorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req AssistantRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.errorResponse(w, http.StatusBadRequest, "Query is required and must be a non-empty string")
		return
	}

	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	w.Header().Set(RequestIDHeader, reqID)

	ctx := agent.WithRequestID(r.Context(), reqID)
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	result, err := s.assistant.Run(ctx, userID, req.Query)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrEmptyQuery):
			s.errorResponse(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			s.logger.Warn("assistant timed out", "request_id", reqID, "user", userID, "timeout", s.runTimeout)
			s.errorResponse(w, http.StatusGatewayTimeout, "assistant timed out")
		default:
			s.logger.Error("assistant failed", "request_id", reqID, "user", userID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, successResponse{
		Status: "Success",
		Data: AssistantData{
			Message:   reply.Parse(result.Message),
			Raw:       result.Message,
			ToolsUsed: result.ToolResults,
		},
	}, s.logger)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.assistant.Reset(r.Context(), userID); err != nil {
		s.logger.Error("clear history failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, successResponse{
		Status: "Success",
		Data:   map[string]string{"message": "Conversation cleared"},
	}, s.logger)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.contacts == nil {
		s.errorResponse(w, http.StatusNotFound, "contact export not available")
		return
	}

	list, err := s.contacts.ForUser(userID).All(r.Context())
	if err != nil {
		s.logger.Error("export failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load contacts")
		return
	}

	w.Header().Set("Content-Type", "text/vcard; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="contacts.vcf"`)
	if err := contacts.WriteVCards(w, list); err != nil {
		s.logger.Debug("failed to write vcards", "user", userID, "error", err)
	}
}

// requireUser returns the caller's user id, writing a 401 when absent.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		s.errorResponse(w, http.StatusUnauthorized, "User not authenticated")
		return "", false
	}
	return userID, true
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, errorBody{Status: "Error", Message: message}, s.logger)
}

// UsageReport is the data member of GET /v1/usage.
type UsageReport struct {
	Since   time.Time                 `json:"since"`
	Until   time.Time                 `json:"until"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"byModel"`
}

// handleUsage reports the caller's token usage from the start of the
// current month, or from the since query parameter (YYYY-MM-DD).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking not available")
		return
	}

	now := s.now().UTC()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if q := r.URL.Query().Get("since"); q != "" {
		t, err := time.Parse(time.DateOnly, q)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "since must be a date like 2006-01-02")
			return
		}
		since = t
	}
	until := now.Add(time.Second)

	total, err := s.usage.Summary(r.Context(), userID, since, until)
	if err != nil {
		s.logger.Error("usage summary failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), userID, since, until)
	if err != nil {
		s.logger.Error("usage by model failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, successResponse{
		Status: "Success",
		Data:   UsageReport{Since: since, Until: now, Total: total, ByModel: byModel},
	}, s.logger)
}
