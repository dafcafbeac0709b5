// Package generation talks to the generative-language endpoint.
//
// A Client issues one logical request per Generate call and retries transport
// failures with exponential backoff. It holds no per-request state and is safe
// for concurrent use.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/careerpath/internal/metrics"
	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrTransport marks a failed attempt: network error or non-success status.
	ErrTransport = errors.New("generation transport failure")
	// ErrEmptyResponse marks a successful call whose response carried no text.
	// It is terminal for the call and not retried.
	ErrEmptyResponse = errors.New("generation returned no text")
	// ErrRetriesExhausted is returned once every attempt failed.
	ErrRetriesExhausted = errors.New("generation retries exhausted")
	// ErrNotConfigured is returned by the Unconfigured transport. It is not retried.
	ErrNotConfigured = errors.New("generation endpoint not configured")
)

// Request is one logical generation request.
type Request struct {
	Prompt            string
	SystemInstruction string
	// Structured asks the endpoint to answer in a machine-parseable format.
	// The client does not validate the shape.
	Structured bool
}

// Transport performs a single attempt against the endpoint.
type Transport interface {
	Do(ctx context.Context, req Request) (string, error)
}

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultConfig returns five attempts with 2s, 4s, 8s and 16s between them.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
	}
}

// Client generates text with bounded retry.
type Client struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client over the given transport.
func NewClient(transport Transport, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	return &Client{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		sleep:     sleepContext,
	}
}

// Generate sends prompt with an optional system instruction and returns the response text.
//
// Transport failures are retried; an empty response is not. A nil error always comes
// with the text the endpoint produced; callers must treat any error as "could not
// generate", never as empty content.
func (c *Client) Generate(ctx context.Context, prompt, systemInstruction string, structured bool) (string, error) {
	req := Request{
		Prompt:            prompt,
		SystemInstruction: systemInstruction,
		Structured:        structured,
	}
	start := time.Now()
	schedule := c.schedule()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := schedule.NextBackOff()
			c.logger.Debug("Generation attempt failed, backing off",
				"attempt", attempt-1,
				"delay", delay,
				"error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				c.metrics.ObserveGeneration(start, "canceled")
				return "", fmt.Errorf("generation canceled: %w", err)
			}
		}

		text, err := c.transport.Do(ctx, req)
		if err == nil {
			c.metrics.ObserveAttempt("success")
			c.metrics.ObserveGeneration(start, "ok")
			return text, nil
		}

		if errors.Is(err, ErrEmptyResponse) {
			c.metrics.ObserveAttempt("empty_response")
			c.metrics.ObserveGeneration(start, "empty")
			c.logger.Warn("Generation returned no text", "attempt", attempt, "structured", structured)
			return "", err
		}

		if errors.Is(err, ErrNotConfigured) {
			c.metrics.ObserveGeneration(start, "unconfigured")
			return "", err
		}

		c.metrics.ObserveAttempt("transport_error")
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.metrics.ObserveGeneration(start, "canceled")
			return "", fmt.Errorf("generation canceled: %w", ctxErr)
		}
		lastErr = err
	}

	c.metrics.ObserveGeneration(start, "exhausted")
	c.logger.Error("Generation max retries reached",
		"attempts", c.cfg.MaxAttempts,
		"elapsed", time.Since(start),
		"error", lastErr)
	return "", fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.cfg.MaxAttempts, lastErr)
}

// schedule returns the delays before attempts 2..n: base, 2*base, 4*base, ...
// There is no jitter and no cap other than the attempt ceiling.
func (c *Client) schedule() *backoff.ExponentialBackOff {
	maxInterval := c.cfg.BaseDelay
	for i := 2; i < c.cfg.MaxAttempts; i++ {
		maxInterval *= 2
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxInterval,
	}
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
