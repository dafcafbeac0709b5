package generation

import "context"

// Unconfigured is the transport used when no API key is set. Every call fails
// with ErrNotConfigured, which surfaces as an ordinary generation failure.
type Unconfigured struct{}

// Do always fails.
func (Unconfigured) Do(context.Context, Request) (string, error) {
	return "", ErrNotConfigured
}
