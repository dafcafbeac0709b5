package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/careerpath/internal/domain"
	"github.com/ashureev/careerpath/internal/identity"
	"github.com/ashureev/careerpath/internal/session"
	"github.com/ashureev/careerpath/internal/store"
	"github.com/go-chi/chi/v5"
)

// Sessions resolves the session of an identity.
type Sessions interface {
	Get(ctx context.Context, identity string) *session.Session
}

// SessionHandler serves the plan session endpoints.
type SessionHandler struct {
	repo              store.Repository
	sessions          Sessions
	limiter           *RateLimiter
	appID             string
	generationEnabled bool
}

// NewSessionHandler creates a session handler. limiter may be nil.
func NewSessionHandler(repo store.Repository, sessions Sessions, limiter *RateLimiter, appID string, generationEnabled bool) *SessionHandler {
	return &SessionHandler{
		repo:              repo,
		sessions:          sessions,
		limiter:           limiter,
		appID:             appID,
		generationEnabled: generationEnabled,
	}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/session", h.GetSession)
		r.Put("/profile", h.UpdateProfile)
		r.Post("/plan", h.BuildPlan)
		r.Post("/plan/edit", h.EditPlan)
		r.Post("/chat", h.Chat)
	})
}

// ProfileRequest is the body of PUT /api/profile.
type ProfileRequest struct {
	Name     string `json:"name"`
	Interest string `json:"interest"`
	Goal     string `json:"goal"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error   string        `json:"error"`
	Session *session.View `json:"session,omitempty"`
}

// GetMe returns the current user's information.
func (h *SessionHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"kind":         user.Kind,
		"anonymous":    user.IsAnonymous(),
		"created_at":   user.CreatedAt,
		"last_seen_at": user.LastSeenAt,
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"app_id":             h.appID,
		"generation_enabled": h.generationEnabled,
	})
}

// GetSession returns the caller's session view.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, s.View())
}

// UpdateProfile replaces the profile while collecting input.
func (h *SessionHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req ProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}

	v, err := s.UpdateProfile(domain.Profile{Name: req.Name, Interest: req.Interest, Goal: req.Goal})
	if err != nil {
		h.sessionError(w, v, err)
		return
	}
	JSON(w, http.StatusOK, v)
}

// BuildPlan generates a roadmap and blocks until it is ready or failed.
func (h *SessionHandler) BuildPlan(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if !h.allow(w, r) {
		return
	}

	v, err := s.BuildPlan(r.Context())
	if err != nil {
		h.sessionError(w, v, err)
		return
	}
	JSON(w, http.StatusOK, v)
}

// EditPlan returns the session to profile input.
func (h *SessionHandler) EditPlan(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	v, err := s.Edit()
	if err != nil {
		h.sessionError(w, v, err)
		return
	}
	JSON(w, http.StatusOK, v)
}

// Chat sends one message to the mentor and returns the view with its reply.
func (h *SessionHandler) Chat(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !h.allow(w, r) {
		return
	}

	slog.Info("Chat request",
		"user_id", identity.UserIDFromContext(r.Context()),
		"session_id", s.ID(),
		"message_length", len(req.Message))

	v, err := s.Chat(r.Context(), req.Message)
	if err != nil {
		h.sessionError(w, v, err)
		return
	}
	JSON(w, http.StatusOK, v)
}

func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return h.sessions.Get(r.Context(), userID), true
}

func (h *SessionHandler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil || h.limiter.Allow(identity.UserIDFromContext(r.Context())) {
		return true
	}
	Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func (h *SessionHandler) sessionError(w http.ResponseWriter, v session.View, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if v.SessionID != "" {
		resp.Session = &v
	}
	if status >= http.StatusInternalServerError {
		slog.Warn("Session request failed", "session_id", v.SessionID, "status", status, "error", err)
	}
	JSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrIncompleteProfile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrAlreadyGenerating),
		errors.Is(err, session.ErrChatBusy),
		errors.Is(err, session.ErrWrongPhase),
		errors.Is(err, session.ErrSuperseded),
		errors.Is(err, session.ErrLoading):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
