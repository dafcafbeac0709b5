// Package domain contains core domain types for the careerpath service.
package domain

import (
	"time"
)

// IdentityKind records how an identity was established.
type IdentityKind string

const (
	// IdentityAnonymous is a per-device identity minted by the server.
	IdentityAnonymous IdentityKind = "anonymous"
	// IdentityCustom is an identity taken from a pre-issued signed token.
	IdentityCustom IdentityKind = "custom"
)

// User represents a known identity.
type User struct {
	UserID     string       `json:"user_id"`
	Kind       IdentityKind `json:"kind"`
	LastSeenAt time.Time    `json:"last_seen_at"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// IsAnonymous returns true if the identity was minted for an unauthenticated device.
func (u *User) IsAnonymous() bool {
	return u.Kind == IdentityAnonymous
}
