// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/careerpath/internal/domain"
)

// Repository defines the interface for persisting known identities.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Documents stores whole plan records by path.
type Documents interface {
	// Get returns the record at path, or (nil, nil) when no document exists.
	Get(ctx context.Context, path string) (*domain.PlanRecord, error)

	// Put overwrites the document at path. There is no version check.
	Put(ctx context.Context, path string, record *domain.PlanRecord) error
}

// DocumentPath returns the per-identity plan document path inside an application namespace.
func DocumentPath(appID, identity string) string {
	return "artifacts/" + appID + "/users/" + identity + "/data/career_plan"
}
