// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Role names understood by the API.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleBackend  = "backend"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the caller holds any of roles. Admin holds every role.
func (a *AuthContext) HasRole(roles ...string) bool {
	for _, have := range a.Roles {
		if have == RoleAdmin {
			return true
		}
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
