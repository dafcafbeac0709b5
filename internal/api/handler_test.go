//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusConflict, "busy")

	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != `{"error":"busy"}` {
		t.Fatalf("Unexpected body %s", body)
	}
}

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		ok     bool
		status int
	}{
		{"valid", `{"message":"hi"}`, true, 0},
		{"malformed", `{"message":`, false, http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("a", maxRequestBodySize) + `"}`, false, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var req ChatRequest
			if got := decodeBody(w, r, &req); got != tc.ok {
				t.Fatalf("Expected ok=%v, got %v", tc.ok, got)
			}
			if !tc.ok && w.Code != tc.status {
				t.Fatalf("Expected %d, got %d", tc.status, w.Code)
			}
		})
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Pinger
		status int
		want   string
	}{
		{"healthy", map[string]Pinger{"database": fakePinger{}, "documents": fakePinger{}}, http.StatusOK, "healthy"},
		{"degraded", map[string]Pinger{"database": fakePinger{}, "documents": fakePinger{errors.New("down")}}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(tc.checks).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tc.status {
				t.Fatalf("Expected %d, got %d", tc.status, w.Code)
			}
			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if body.Status != tc.want {
				t.Fatalf("Expected status %q, got %q", tc.want, body.Status)
			}
			if len(body.Checks) != len(tc.checks)+1 {
				t.Fatalf("Expected every check reported, got %v", body.Checks)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("Expected first two requests allowed")
	}
	if rl.Allow("u1") {
		t.Fatal("Expected third request rejected")
	}
	if !rl.Allow("u2") {
		t.Fatal("Expected other keys unaffected")
	}
	rl.Stop()
}
