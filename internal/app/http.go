package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"beacon/api/internal/auth"
	"beacon/api/internal/logging"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	// Session routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/v1/login" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/v1/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/v1/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		if err := s.service.Logout(r.Context(), body.RefreshToken); err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/v1/user" {
		writeOK(w, http.StatusOK, userPayload(session))
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "v1" && parts[2] == "projects" {
		s.handleProjects(w, r, session, parts[3], parts[4:])
		return
	}

	if len(parts) >= 5 && parts[0] == "api" && parts[1] == "v1" && parts[2] == "comments" && parts[3] == "dashboards" {
		s.handleComments(w, r, session, parts[4], parts[5:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
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
	if separate, err := s.service.PingSessions(ctx); separate {
		checks["sessions"] = map[string]any{"status": "ok"}
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleProjects serves /api/v1/projects/{projectUuid}[/...]. Listing routes
// are GET only; access management also takes POST, PATCH and DELETE.
func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, session Session, projectUUID string, rest []string) {
	if len(rest) > 0 && (rest[0] == "access" || rest[0] == "user") {
		s.handleProjectAccess(w, r, session, projectUUID, rest)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	ctx := r.Context()

	if len(rest) == 0 {
		project, err := s.service.GetProject(ctx, session.User, projectUUID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, map[string]any{
			"projectUuid":      project.ProjectUUID,
			"organizationUuid": project.OrganizationUUID,
			"name":             project.Name,
		})
		return
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	var (
		payload any
		err     error
	)
	switch rest[0] {
	case "spaces":
		payload, err = s.service.ListSpaces(ctx, session.User, projectUUID)
	case "charts":
		payload, err = s.service.ListCharts(ctx, session.User, projectUUID)
	case "dashboards":
		payload, err = s.service.ListDashboards(ctx, session.User, projectUUID)
	case "search":
		query := r.URL.Query()
		payload, err = s.service.Search(ctx, session.User, projectUUID, SearchInput{
			Text:   query.Get("q"),
			Type:   query.Get("type"),
			Limit:  queryInt(query.Get("limit")),
			Offset: queryInt(query.Get("offset")),
		})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, payload)
}

// handleProjectAccess serves /access, /access/{userUuid} and /user/{userUuid}.
func (s *HTTPServer) handleProjectAccess(w http.ResponseWriter, r *http.Request, session Session, projectUUID string, rest []string) {
	ctx := r.Context()
	var (
		payload any
		err     error
	)
	switch {
	case rest[0] == "user" && len(rest) == 2:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err = s.service.GetProjectMemberAccess(ctx, session.User, projectUUID, rest[1])
	case rest[0] == "access" && len(rest) == 1:
		switch r.Method {
		case http.MethodGet:
			payload, err = s.service.ListProjectAccess(ctx, session.User, projectUUID)
		case http.MethodPost:
			var body ProjectAccessInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			err = s.service.GrantProjectAccess(ctx, session.User, projectUUID, body)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
	case rest[0] == "access" && len(rest) == 2:
		switch r.Method {
		case http.MethodPatch:
			var body struct {
				Role string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			err = s.service.UpdateProjectAccess(ctx, session.User, projectUUID, rest[1], body.Role)
		case http.MethodDelete:
			err = s.service.RevokeProjectAccess(ctx, session.User, projectUUID, rest[1])
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, payload)
}

// handleComments serves /api/v1/comments/dashboards/{dashboardUuid}[/{id}].
// The trailing id is a tile on POST and a comment on PATCH/DELETE.
func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, session Session, dashboardUUID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		comments, err := s.service.FindCommentsForDashboard(ctx, session.User, dashboardUUID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, comments)
		return
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	id := rest[0]

	switch r.Method {
	case http.MethodPost:
		var body CreateCommentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		commentID, err := s.service.CreateComment(ctx, session.User, dashboardUUID, id, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, commentID)
	case http.MethodPatch:
		if err := s.service.ResolveComment(ctx, session.User, dashboardUUID, id); err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, nil)
	case http.MethodDelete:
		if err := s.service.DeleteComment(ctx, session.User, dashboardUUID, id); err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, nil)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
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
		s.logger.ErrorContext(r.Context(), "session lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// fail maps err to an error response. Server errors are logged with the
// request id; the client only sees the generic message.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"request_id", logging.RequestID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	logged := logging.RequestLogger(s.logger, next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		r = r.WithContext(logging.WithRequestID(r.Context(), requestID))

		setCORSHeaders(w.Header(), s.corsOrigin)
		w.Header().Set("X-Request-ID", requestID)

		logged.ServeHTTP(w, r)
	})
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt.Unix(),
		"user":         userPayload(session),
	}
}

func userPayload(session Session) map[string]any {
	return map[string]any{
		"userUuid":         session.User.UserUUID,
		"organizationUuid": session.User.OrganizationUUID,
		"name":             session.User.Name,
		"email":            session.User.Email,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeOK wraps results in the {"status":"ok","results":...} envelope.
func writeOK(w http.ResponseWriter, status int, results any) {
	response := map[string]any{"status": "ok"}
	if results != nil {
		response["results"] = results
	}
	writeJSON(w, status, response)
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

func queryInt(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}
