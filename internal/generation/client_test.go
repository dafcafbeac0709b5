package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type scriptedTransport struct {
	mu       sync.Mutex
	results  []scriptedResult
	requests []Request
}

type scriptedResult struct {
	text string
	err  error
}

func (s *scriptedTransport) Do(_ context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.results) == 0 {
		return "", errors.New("unexpected call")
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.text, r.err
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newTestClient(t *testing.T, tr Transport) (*Client, *[]time.Duration) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(tr, DefaultConfig(), logger, nil)
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return c, &delays
}

func transportFailure() scriptedResult {
	return scriptedResult{err: ErrTransport}
}

func TestGenerateSucceedsFirstAttempt(t *testing.T) {
	tr := &scriptedTransport{results: []scriptedResult{{text: "hello"}}}
	c, delays := newTestClient(t, tr)

	text, err := c.Generate(context.Background(), "prompt", "system", true)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "hello" {
		t.Errorf("expected hello, got %q", text)
	}
	if len(*delays) != 0 {
		t.Errorf("expected no backoff, got %v", *delays)
	}

	want := []Request{{Prompt: "prompt", SystemInstruction: "system", Structured: true}}
	if diff := cmp.Diff(want, tr.requests); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateRecoversOnFifthAttempt(t *testing.T) {
	tr := &scriptedTransport{results: []scriptedResult{
		transportFailure(),
		transportFailure(),
		transportFailure(),
		transportFailure(),
		{text: "finally"},
	}}
	c, delays := newTestClient(t, tr)

	text, err := c.Generate(context.Background(), "p", "", false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "finally" {
		t.Errorf("expected finally, got %q", text)
	}
	if tr.calls() != 5 {
		t.Errorf("expected 5 attempts, got %d", tr.calls())
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	if diff := cmp.Diff(want, *delays); diff != "" {
		t.Errorf("backoff schedule mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateExhaustsRetries(t *testing.T) {
	tr := &scriptedTransport{results: []scriptedResult{
		transportFailure(),
		transportFailure(),
		transportFailure(),
		transportFailure(),
		transportFailure(),
		{text: "never reached"},
	}}
	c, delays := newTestClient(t, tr)

	_, err := c.Generate(context.Background(), "p", "", false)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Errorf("expected last transport error to be wrapped, got %v", err)
	}
	if tr.calls() != 5 {
		t.Errorf("expected exactly 5 attempts, got %d", tr.calls())
	}

	var total time.Duration
	for _, d := range *delays {
		total += d
	}
	if total != 30*time.Second {
		t.Errorf("expected 30s of cumulative backoff, got %v", total)
	}
}

func TestGenerateEmptyResponseIsNotRetried(t *testing.T) {
	tr := &scriptedTransport{results: []scriptedResult{
		{err: ErrEmptyResponse},
		{text: "should not be used"},
	}}
	c, _ := newTestClient(t, tr)

	_, err := c.Generate(context.Background(), "p", "", true)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	if tr.calls() != 1 {
		t.Errorf("expected a single attempt, got %d", tr.calls())
	}
}

func TestGenerateStopsWhenContextCanceled(t *testing.T) {
	tr := &scriptedTransport{results: []scriptedResult{
		transportFailure(),
		{text: "late"},
	}}
	c, _ := newTestClient(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := c.Generate(ctx, "p", "", false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tr.calls() != 1 {
		t.Errorf("expected 1 attempt before cancel, got %d", tr.calls())
	}
}

func TestScheduleScalesWithConfig(t *testing.T) {
	c := NewClient(&scriptedTransport{}, Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}, nil, nil)
	b := c.schedule()

	got := []time.Duration{b.NextBackOff(), b.NextBackOff()}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("schedule mismatch (-want +got):\n%s", diff)
	}
}

func TestSleepContextHonorsCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGenerateUnconfiguredFailsFast(t *testing.T) {
	c, delays := newTestClient(t, Unconfigured{})

	_, err := c.Generate(context.Background(), "prompt", "", false)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if len(*delays) != 0 {
		t.Fatalf("expected no retries, got delays %v", *delays)
	}
}
