//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/careerpath/internal/domain"
	"github.com/ashureev/careerpath/internal/identity"
	"github.com/ashureev/careerpath/internal/session"
	"github.com/go-chi/chi/v5"
)

type fakeRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*domain.User)}
}

func (f *fakeRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	if user == nil {
		return nil, nil
	}
	copy := *user
	return &copy, nil
}

func (f *fakeRepo) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *user
	f.users[user.UserID] = &copy
	return nil
}

func (f *fakeRepo) UpdateLastSeen(_ context.Context, _ string, _ time.Time) error { return nil }
func (f *fakeRepo) Ping(_ context.Context) error                                  { return nil }
func (f *fakeRepo) Close() error                                                  { return nil }

type scriptedGenerator struct {
	mu      sync.Mutex
	err     error
	block   chan struct{}
	started chan struct{}
}

func (g *scriptedGenerator) Generate(ctx context.Context, _, _ string, structured bool) (string, error) {
	g.mu.Lock()
	err, block, started := g.err, g.block, g.started
	g.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if structured {
		return `[{"step":"Foundations","desc":"Learn the basics.","links":[{"label":"HBR","url":"https://hbr.org"}]},` +
			`{"step":"Leadership","desc":"Lead a team.","links":[]}]`, nil
	}
	return "Begin with the foundations.", nil
}

type apiFixture struct {
	router http.Handler
	repo   *fakeRepo
	gen    *scriptedGenerator
}

func newAPIFixture(t *testing.T, limiter *RateLimiter) *apiFixture {
	t.Helper()
	repo := newFakeRepo()
	gen := &scriptedGenerator{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := session.NewManager(session.Deps{Generator: gen, Logger: logger}, time.Minute)
	t.Cleanup(mgr.Close)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if userID := req.Header.Get("X-Test-User"); userID != "" {
				req = req.WithContext(identity.WithUser(req.Context(), userID, domain.IdentityAnonymous))
			}
			next.ServeHTTP(w, req)
		})
	})
	NewSessionHandler(repo, mgr, limiter, "career-roadmap-pro", true).RegisterRoutes(r)
	return &apiFixture{router: r, repo: repo, gen: gen}
}

func (f *apiFixture) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-Test-User", userID)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) session.View {
	t.Helper()
	var v session.View
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return resp
}

var alexProfile = ProfileRequest{Name: " Alex ", Interest: "Fintech", Goal: "CTO"}

func TestSessionFlow(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/session", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if v := decodeView(t, w); v.Phase != session.PhaseCollectingInput {
		t.Fatalf("expected COLLECTING_INPUT, got %s", v.Phase)
	}

	w = f.do(t, http.MethodPut, "/api/profile", "u1", alexProfile)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if v := decodeView(t, w); v.Profile.Name != "Alex" {
		t.Fatalf("expected trimmed name, got %q", v.Profile.Name)
	}

	w = f.do(t, http.MethodPost, "/api/plan", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	v := decodeView(t, w)
	if v.Phase != session.PhaseReviewing || len(v.Roadmap) != 2 || len(v.Transcript) != 1 {
		t.Fatalf("unexpected view after build: %+v", v)
	}

	w = f.do(t, http.MethodPost, "/api/chat", "u1", ChatRequest{Message: "Where do I start?"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	v = decodeView(t, w)
	if len(v.Transcript) != 3 || v.Transcript[2].Text != "Begin with the foundations." {
		t.Fatalf("unexpected transcript %+v", v.Transcript)
	}

	w = f.do(t, http.MethodPost, "/api/plan/edit", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if v := decodeView(t, w); v.Phase != session.PhaseCollectingInput || len(v.Roadmap) != 2 {
		t.Fatalf("expected edit to keep roadmap, got %+v", v)
	}

	// Sessions are per identity.
	if v := decodeView(t, f.do(t, http.MethodGet, "/api/session", "u2", nil)); v.Profile.Name != "" {
		t.Fatalf("expected a fresh session for another identity, got %+v", v.Profile)
	}
}

func TestBuildPlanStatusCodes(t *testing.T) {
	t.Run("incomplete profile", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.do(t, http.MethodPut, "/api/profile", "u1", ProfileRequest{Name: "Alex"})
		w := f.do(t, http.MethodPost, "/api/plan", "u1", nil)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", w.Code)
		}
	})

	t.Run("generation failure", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.gen.err = errors.New("retries exhausted")
		f.do(t, http.MethodPut, "/api/profile", "u1", alexProfile)

		w := f.do(t, http.MethodPost, "/api/plan", "u1", nil)
		if w.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", w.Code)
		}
		resp := decodeError(t, w)
		if resp.Session == nil || resp.Session.Phase != session.PhaseCollectingInput || resp.Session.Profile.Name != "Alex" {
			t.Fatalf("expected session back in input with profile kept, got %+v", resp.Session)
		}
	})

	t.Run("already generating", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		release := make(chan struct{})
		f.gen.block = release
		f.gen.started = make(chan struct{}, 1)
		f.do(t, http.MethodPut, "/api/profile", "u1", alexProfile)

		done := make(chan int, 1)
		go func() {
			done <- f.do(t, http.MethodPost, "/api/plan", "u1", nil).Code
		}()
		<-f.gen.started

		w := f.do(t, http.MethodPost, "/api/plan", "u1", nil)
		if w.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", w.Code)
		}
		close(release)
		if code := <-done; code != http.StatusOK {
			t.Fatalf("expected first build to succeed, got %d", code)
		}
	})
}

func TestChatStatusCodes(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/chat", "u1", ChatRequest{Message: "hi"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 before a plan exists, got %d", w.Code)
	}

	f.do(t, http.MethodPut, "/api/profile", "u1", alexProfile)
	f.do(t, http.MethodPost, "/api/plan", "u1", nil)

	w = f.do(t, http.MethodPost, "/api/chat", "u1", ChatRequest{Message: "  "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", w.Code)
	}

	w = f.do(t, http.MethodPut, "/api/profile", "u1", alexProfile)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for profile edit while reviewing, got %d", w.Code)
	}
}

func TestRateLimitedGeneration(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	defer limiter.Stop()
	f := newAPIFixture(t, limiter)
	f.do(t, http.MethodPut, "/api/profile", "u1", alexProfile)

	if w := f.do(t, http.MethodPost, "/api/plan", "u1", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/chat", "u1", ChatRequest{Message: "hi"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestMeAndConfig(t *testing.T) {
	f := newAPIFixture(t, nil)
	now := time.Now()
	_ = f.repo.UpsertUser(context.Background(), &domain.User{
		UserID: "u1", Kind: domain.IdentityAnonymous, CreatedAt: now, LastSeenAt: now, UpdatedAt: now,
	})

	w := f.do(t, http.MethodGet, "/api/me", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var me map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me["user_id"] != "u1" || me["anonymous"] != true {
		t.Fatalf("unexpected me response %v", me)
	}

	if w := f.do(t, http.MethodGet, "/api/me", "ghost", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/config", "", nil)
	var cfg map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg["app_id"] != "career-roadmap-pro" || cfg["generation_enabled"] != true {
		t.Fatalf("unexpected config %v", cfg)
	}
}

func TestSessionRequiresIdentity(t *testing.T) {
	f := newAPIFixture(t, nil)
	for _, path := range []string{"/api/session", "/api/me"} {
		if w := f.do(t, http.MethodGet, path, "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, w.Code)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrEmptyMessage, http.StatusBadRequest},
		{session.ErrIncompleteProfile, http.StatusUnprocessableEntity},
		{session.ErrAlreadyGenerating, http.StatusConflict},
		{session.ErrChatBusy, http.StatusConflict},
		{session.ErrWrongPhase, http.StatusConflict},
		{session.ErrSuperseded, http.StatusConflict},
		{session.ErrLoading, http.StatusConflict},
		{session.ErrSessionClosed, http.StatusServiceUnavailable},
		{errors.New("build plan: retries exhausted"), http.StatusBadGateway},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
