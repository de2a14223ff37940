package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mkarlsen/trk/internal/auth"
	"github.com/mkarlsen/trk/internal/events"
	"github.com/mkarlsen/trk/internal/models"
	"github.com/mkarlsen/trk/internal/store"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "trk_session"

// Server provides the REST API handlers.
type Server struct {
	store store.Store
	auth  *auth.Manager
	hub   *events.Hub
}

// NewServer creates a new API server.
func NewServer(s store.Store, am *auth.Manager, hub *events.Hub) *Server {
	return &Server{store: s, auth: am, hub: hub}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/signup", s.signup)
	mux.HandleFunc("POST /api/v1/auth/login", s.login)
	mux.HandleFunc("POST /api/v1/auth/logout", s.logout)
	mux.HandleFunc("GET /api/v1/auth/me", s.requireUser(s.me))

	mux.HandleFunc("GET /api/v1/issues", s.requireUser(s.listIssues))
	mux.HandleFunc("POST /api/v1/issues", s.requireUser(s.createIssue))
	mux.HandleFunc("GET /api/v1/issues/{id}", s.requireUser(s.getIssue))
	mux.HandleFunc("PUT /api/v1/issues/{id}", s.requireUser(s.updateIssue))
	mux.HandleFunc("DELETE /api/v1/issues/{id}", s.requireUser(s.deleteIssue))

	mux.HandleFunc("GET /api/v1/events", s.requireUser(s.streamEvents))

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type ctxKey int

const userKey ctxKey = 0

// requireUser resolves the session and rejects the request with 401 when
// there is none. Handlers behind it read the user from the context.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.CurrentUser(r.Context(), sessionToken(r))
		if err != nil {
			if errors.Is(err, auth.ErrNoSession) {
				writeError(w, http.StatusUnauthorized, "auth required")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next(w, r.WithContext(ctx))
	}
}

// sessionToken pulls the token from the cookie, falling back to a bearer
// header for non-browser clients.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func requestUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(userKey).(*models.User)
	return user
}

// --- Auth ---

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	user, err := s.auth.SignUp(r.Context(), creds.Email, creds.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	user, sess, err := s.auth.SignIn(r.Context(), creds.Email, creds.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token != "" {
		if err := s.auth.SignOut(r.Context(), token); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, requestUser(r))
}

// --- Issues ---

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	issues, err := s.store.ListIssues(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if issues == nil {
		issues = []*models.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

type issueDraft struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Status      models.IssueStatus `json:"status"`
}

func (s *Server) createIssue(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var draft issueDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(draft.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if draft.Status == "" {
		draft.Status = models.IssueStatusOpen
	}
	if !models.ValidStatus(draft.Status) {
		writeError(w, http.StatusBadRequest, "invalid status: "+string(draft.Status))
		return
	}

	issue := &models.Issue{
		Title:       draft.Title,
		Description: draft.Description,
		Status:      draft.Status,
		UserID:      user.ID,
	}
	if err := s.store.CreateIssue(r.Context(), issue); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.hub.Publish(events.Inserted(issue))
	writeJSON(w, http.StatusCreated, issue)
}

func (s *Server) getIssue(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id := r.PathValue("id")

	issue, err := s.store.GetIssue(r.Context(), user.ID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

// updateIssue applies a partial patch. Keys absent from the body leave the
// stored values unchanged.
func (s *Server) updateIssue(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id := r.PathValue("id")

	var patch struct {
		Title       *string             `json:"title"`
		Description *string             `json:"description"`
		Status      *models.IssueStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if patch.Status != nil && !models.ValidStatus(*patch.Status) {
		writeError(w, http.StatusBadRequest, "invalid status: "+string(*patch.Status))
		return
	}

	old, err := s.store.GetIssue(r.Context(), user.ID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	updated, err := s.store.UpdateIssue(r.Context(), user.ID, id, store.IssuePatch{
		Title:       patch.Title,
		Description: patch.Description,
		Status:      patch.Status,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if strings.Contains(err.Error(), "required") || strings.Contains(err.Error(), "invalid") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.hub.Publish(events.Updated(old, updated))
	writeJSON(w, http.StatusOK, updated)
}

// deleteIssue removes the issue. An id that is already gone answers 204 as
// well, so deletes are idempotent from the caller's side.
func (s *Server) deleteIssue(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id := r.PathValue("id")

	old, err := s.store.GetIssue(r.Context(), user.ID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.store.DeleteIssue(r.Context(), user.ID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.hub.Publish(events.Deleted(old))
	w.WriteHeader(http.StatusNoContent)
}
