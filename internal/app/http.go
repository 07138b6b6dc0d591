package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tenderdesk/api/internal/annotate"
	"tenderdesk/api/internal/auth"
	"tenderdesk/api/internal/chat"
	"tenderdesk/api/internal/editor"
	"tenderdesk/api/internal/export"
	"tenderdesk/api/internal/observability"
	"tenderdesk/api/internal/outline"
	"tenderdesk/api/internal/richtext"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	public     map[route]http.HandlerFunc
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	s.public = s.publicRoutes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

type route struct {
	method string
	path   string
}

// publicRoutes answer without a bearer token.
func (s *HTTPServer) publicRoutes() map[route]http.HandlerFunc {
	return map[route]http.HandlerFunc{
		{http.MethodGet, "/api/health"}:                       s.handleHealth,
		{http.MethodHead, "/api/health"}:                      s.handleHealth,
		{http.MethodGet, "/api/ready"}:                        s.handleReady,
		{http.MethodHead, "/api/ready"}:                       s.handleReady,
		{http.MethodGet, "/api/session"}:                      s.handleSession,
		{http.MethodPost, "/api/auth/signup"}:                 s.withAccounts(s.handleAuthSignUp),
		{http.MethodPost, "/api/auth/signin"}:                 s.withAccounts(s.handleAuthSignIn),
		{http.MethodPost, "/api/auth/verify-email"}:           s.withAccounts(s.handleAuthVerifyEmail),
		{http.MethodPost, "/api/auth/reset-password/request"}: s.withAccounts(s.handleAuthRequestReset),
		{http.MethodPost, "/api/auth/reset-password"}:         s.withAccounts(s.handleAuthResetPassword),
	}
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if h, ok := s.public[route{r.Method, r.URL.Path}]; ok {
		h(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, session)
		return
	}
	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "bids" {
		if len(parts) == 2 {
			s.handleBidCollection(w, r, session)
			return
		}
		s.handleBid(w, r, session, parts[2], parts[3:])
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleReady reports 503 until the database answers a ping.
func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	database := map[string]any{"status": "ok"}
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		database = map[string]any{"status": "error", "error": err.Error()}
		status = http.StatusServiceUnavailable
	}
	label := "ready"
	if status != http.StatusOK {
		label = "not_ready"
	}
	writeJSON(w, status, map[string]any{
		"ok":     status == http.StatusOK,
		"status": label,
		"checks": map[string]any{"database": database},
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	anonymous := map[string]any{"authenticated": false, "userName": nil}
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, anonymous)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, anonymous)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	limit, err := queryInt(query.Get("limit"), 20)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
		return
	}
	offset, err := queryInt(query.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
		return
	}
	payload, err := s.service.Search(r.Context(), session, query.Get("q"), query.Get("type"), limit, offset)
	respond(w, http.StatusOK, payload, err)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		r = r.WithContext(observability.WithRequestID(r.Context(), requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		observability.LoggerFromContext(r.Context()).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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

// respond writes payload, or the mapped error when err is set.
func respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, status, payload)
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

type httpStatusError interface {
	HTTPStatus() int
}

// errorCodes maps sentinel errors to responses. An empty message sends the
// error's own text.
var errorCodes = []struct {
	target  error
	status  int
	code    string
	message string
}{
	{annotate.ErrEmptySelection, http.StatusUnprocessableEntity, "NOTHING_SELECTED", ""},
	{annotate.ErrActionInFlight, http.StatusConflict, "ACTION_IN_PROGRESS", "That action is already running"},
	{annotate.ErrNotReady, http.StatusConflict, "ACTION_NOT_READY", "The action has no result yet"},
	{annotate.ErrEmptyComment, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Comment text is required"},
	{annotate.ErrWrongKind, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{annotate.ErrMarkerSettled, http.StatusConflict, "ANNOTATION_SETTLED", ""},
	{annotate.ErrMarkerNotFound, http.StatusNotFound, "ANNOTATION_NOT_FOUND", "annotation not found"},
	{annotate.ErrClosed, http.StatusConflict, "EDITOR_NOT_OPEN", "the editing session was closed"},
	{editor.ErrNothingToUndo, http.StatusConflict, "NOTHING_TO_UNDO", "Nothing to undo"},
	{editor.ErrNothingToRedo, http.StatusConflict, "NOTHING_TO_REDO", "Nothing to redo"},
	{editor.ErrInvalidLink, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{richtext.ErrUnknownCommand, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{ErrReviewerRequired, http.StatusUnprocessableEntity, "REVIEWER_REQUIRED", ErrReviewerRequired.Error()},
	{ErrSessionNotOpen, http.StatusConflict, "EDITOR_NOT_OPEN", "Open the editor for this section first"},
	{outline.ErrSectionNotFound, http.StatusNotFound, "NOT_FOUND", "section not found"},
	{outline.ErrCommentNotFound, http.StatusNotFound, "NOT_FOUND", "not found"},
	{chat.ErrEmptyQuestion, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "question is required"},
	{chat.ErrBusy, http.StatusConflict, "CHAT_BUSY", ""},
	{chat.ErrUnknownSurface, http.StatusNotFound, "NOT_FOUND", ""},
	{chat.ErrBadMessage, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{export.ErrContentUnavailable, http.StatusUnprocessableEntity, "EXPORT_UNAVAILABLE", "There is no content to export"},
	{export.ErrPDFDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not available on this server"},
	{export.ErrDOCXDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not available on this server"},
	{sql.ErrNoRows, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	for _, entry := range errorCodes {
		if !errors.Is(err, entry.target) {
			continue
		}
		message := entry.message
		if message == "" {
			message = err.Error()
		}
		return entry.status, entry.code, message, nil
	}

	var upstream httpStatusError
	if errors.As(err, &upstream) {
		return http.StatusBadGateway, "UPSTREAM_ERROR", "The assistant could not complete the request", map[string]any{"status": upstream.HTTPStatus()}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
