// ABOUTME: Authentication context for tracking the operator through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/config"
)

// AuthContext holds the authenticated operator extracted from a request.
type AuthContext struct {
	OperatorID string
	Name       string
	Role       string
	Sectors    []string
}

// IsAdmin returns true if the operator has the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a.Role == config.RoleAdmin
}

// NewAuthContext builds the context value for op.
func NewAuthContext(op *Operator) *AuthContext {
	return &AuthContext{
		OperatorID: op.ID,
		Name:       op.Name,
		Role:       op.Role,
		Sectors:    op.Sectors,
	}
}

// authContextKey is the key type for storing AuthContext in context.Context.
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
