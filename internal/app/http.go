package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Idosegev23/internalMettingLeaders/internal/drafts"
	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    http.Handler
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewHTTPServer serves the draft API. metrics may be nil to leave /metrics
// unmounted.
func NewHTTPServer(service *Service, corsOrigin string, metrics http.Handler) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		metrics:    metrics,
		logger:     service.logger,
		upgrader:   newUpgrader(corsOrigin),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNoContent, map[string]any{})
	})
	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Post("/api/session", s.handleLogin)
	r.Get("/api/session", s.handleSession)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Delete("/api/session", s.handleLogout)

		r.Get("/api/drafts", s.handleListDrafts)
		r.Post("/api/drafts", s.handleCreateDraft)
		r.Route("/api/drafts/{token}", func(r chi.Router) {
			r.Get("/", s.handleGetDraft)
			r.Patch("/", s.handlePatchDraft)
			r.Post("/save", s.handleSaveDraft)
			r.Post("/complete", s.handleCompleteDraft)
			r.Post("/archive", s.handleArchiveDraft)
			r.Put("/participants/{role}", s.handleSetParticipants)
			r.Get("/activity", s.handleReadActivity)
		})

		r.Get("/api/contacts", s.handleSearchContacts)
		r.Get("/api/sync", s.handleSync)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Login(r.Context(), body.Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     sess.Token,
		"expiresAt": sess.ExpiresAt.UTC(),
		"user":      userView(sess.User),
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": userView(sess.User)})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), sessionFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListDrafts(r.Context(), strings.TrimSpace(r.URL.Query().Get("status")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, draftView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (s *HTTPServer) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	loaded, err := s.service.CreateDraft(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loadedView(loaded))
}

func (s *HTTPServer) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	loaded, err := s.service.LoadDraft(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loadedView(loaded))
}

func (s *HTTPServer) handlePatchDraft(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fields store.Body `json:"fields"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.PatchDraft(r.Context(), chi.URLParam(r, "token"), body.Fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draftView(item))
}

func (s *HTTPServer) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fields store.Body `json:"fields"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.SaveDraft(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "token"), body.Fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draftView(item))
}

func (s *HTTPServer) handleCompleteDraft(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fields store.Body `json:"fields"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CompleteDraft(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "token"), body.Fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draftView(item))
}

func (s *HTTPServer) handleArchiveDraft(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.ArchiveDraft(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draftView(item))
}

func (s *HTTPServer) handleSetParticipants(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ContactIDs []string `json:"contactIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	participants, err := s.service.SetParticipants(r.Context(), chi.URLParam(r, "token"), chi.URLParam(r, "role"), body.ContactIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": participantViews(participants)})
}

func (s *HTTPServer) handleReadActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ReadActivity(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		views = append(views, map[string]any{
			"id":         entry.ID,
			"draftId":    entry.DraftID,
			"actorEmail": entry.ActorEmail,
			"actorName":  entry.ActorName,
			"actionType": entry.ActionType,
			"createdAt":  entry.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (s *HTTPServer) handleSearchContacts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	contacts, err := s.service.SearchContacts(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(contacts))
	for _, contact := range contacts {
		views = append(views, contactView(contact))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

// fail writes err as an error envelope, logging anything unexpected.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", requestID(r.Context()),
			"code", code,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) Session {
	sess, _ := ctx.Value(sessionKey{}).(Session)
	return sess
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			// Browsers cannot set headers on a websocket handshake.
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.service.metrics.RecordHTTPStatus(writer.status)
		s.logger.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func draftView(item store.Draft) map[string]any {
	return map[string]any{
		"id":         item.ID,
		"shareToken": item.ShareToken,
		"formType":   item.FormType,
		"status":     item.Status,
		"title":      item.Title,
		"createdAt":  item.CreatedAt.UTC(),
		"updatedAt":  item.UpdatedAt.UTC(),
	}
}

func loadedView(loaded drafts.Loaded) map[string]any {
	fields := loaded.Body
	if fields == nil {
		fields = store.Body{}
	}
	return map[string]any{
		"draft":        draftView(loaded.Draft),
		"fields":       fields,
		"participants": participantViews(loaded.Participants),
	}
}

func participantViews(participants []store.Participant) []map[string]any {
	views := make([]map[string]any, 0, len(participants))
	for _, p := range participants {
		views = append(views, map[string]any{
			"contactId": p.ContactID,
			"role":      p.Role,
			"contact":   contactView(p.Contact),
		})
	}
	return views
}

func contactView(c store.Contact) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"name":       c.Name(),
		"hebrewName": c.HebrewName(),
		"email":      c.Email,
	}
}

func userView(u store.AuthUser) map[string]any {
	return map[string]any{
		"email":      u.Email,
		"name":       u.Name,
		"hebrewName": u.HebrewName,
		"contactId":  u.ContactID,
	}
}
