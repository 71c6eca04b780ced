package domain

import (
	"context"
	"time"
)

// Role is a claim supplied by the identity provider. It is trusted as given.
type Role string

const (
	RoleMember            Role = "member"
	RolePastor            Role = "pastor"
	RoleLocalSecretary    Role = "local_secretary"
	RoleRegionalSecretary Role = "regional_secretary"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Roles  []Role `json:"roles"`
}

// Has reports whether p carries role.
func (p Principal) Has(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether p may manage events and registrations.
func (p Principal) IsAdmin() bool {
	return p.Has(RolePastor) || p.IsSecretary()
}

// IsSecretary reports whether p may register seniors on their behalf.
func (p Principal) IsSecretary() bool {
	return p.Has(RoleLocalSecretary) || p.Has(RoleRegionalSecretary)
}

// TokenIssuer issues tokens for a principal. Used by tooling and tests; production tokens come from
// the identity provider.
type TokenIssuer interface {
	Issue(p Principal, expiry time.Duration) (string, error)
}

// TokenVerifier verifies a token and returns the authenticated principal.
type TokenVerifier interface {
	Verify(token string) (Principal, error)
}

// RateLimiter throttles repeated attempts of an operation by a key.
type RateLimiter interface {
	Allow(ctx context.Context, operation, key string) (bool, error)
}
