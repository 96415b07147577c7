// Package auth defines caller identities as the runtime sees them.
//
// Identity verification itself is delegated: bearer tokens are resolved by
// the platform's identity service and internal calls authenticate with the
// shared service token. This package only models the result.
package auth

import (
	"context"
	"crypto/hmac"
	"errors"
)

type (
	// Identity is an authenticated caller.
	Identity struct {
		// UserID is the platform user, empty for service callers.
		UserID string
		// OrgID is the organization the identity acts within.
		OrgID string
		// Role is the caller's role in the org.
		Role Role
		// Service marks machine identities authenticated with the shared
		// service token.
		Service bool
	}

	// Role is an org membership role.
	Role string

	// Verifier resolves a bearer token to an identity.
	Verifier interface {
		// Verify resolves the token. Returns ErrUnauthenticated for
		// unknown or expired tokens.
		Verify(ctx context.Context, token string) (Identity, error)
	}
)

const (
	// RoleMember is a regular org member.
	RoleMember Role = "member"
	// RoleAdmin can administer the org and decide action approvals.
	RoleAdmin Role = "admin"
	// RoleOwner owns the org.
	RoleOwner Role = "owner"
)

var (
	// ErrUnauthenticated indicates the token resolved to no identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates the identity lacks the required role.
	ErrForbidden = errors.New("forbidden")
)

// CanDecideActions reports whether the identity may approve or deny action
// invocations. Only interactive admins and owners qualify; service
// identities never do, whatever their role claims.
func (id Identity) CanDecideActions() bool {
	if id.Service {
		return false
	}
	return id.Role == RoleAdmin || id.Role == RoleOwner
}

// ServiceTokenValid compares a presented token against the configured
// service-to-service token in constant time.
func ServiceTokenValid(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return hmac.Equal([]byte(presented), []byte(configured))
}
