// Package authz talks to the external auth and document-metadata services.
// The collaboration core performs no credential validation of its own: it
// trusts the identity the auth service returns and the access role the
// metadata store reports, checked once per connection.
package authz

import (
	"context"
	"errors"
)

var (
	// ErrAccessDenied means the metadata store reports no access for the
	// user; the session is rejected at connect time and never created.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidToken means the auth service rejected the bearer token.
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the verified user behind a bearer token.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Role is a user's relationship to a document.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleCollaborator Role = "collaborator"
	RoleNone         Role = "none"
)

// CanEdit reports whether the role admits a live editing session.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleCollaborator
}

// Verifier validates bearer tokens against the auth service.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// AccessChecker resolves a user's role on a document via the metadata store.
type AccessChecker interface {
	GetAccess(ctx context.Context, docID, userID string) (Role, error)
}
