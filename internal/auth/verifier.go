// Package auth verifies bearer tokens and resolves them to platform
// identities carrying role claims.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"coachline/internal/models"
)

var (
	// ErrMissingToken is returned when the request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned when the token fails verification.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

// ExtractToken returns the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

type contextKey string

const identityContextKey contextKey = "authenticatedIdentity"

// ContextWithIdentity stores the verified identity in ctx.
func ContextWithIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity stored by ContextWithIdentity.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(models.Identity)
	return identity, ok
}

// rolesFromClaims accepts either a single "role" string claim or a "roles"
// list claim.
func rolesFromClaims(claims map[string]interface{}) []string {
	var roles []string
	seen := make(map[string]struct{})
	add := func(role string) {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			return
		}
		if _, ok := seen[role]; ok {
			return
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	if role, ok := claims["role"].(string); ok {
		add(role)
	}
	switch list := claims["roles"].(type) {
	case []interface{}:
		for _, item := range list {
			if role, ok := item.(string); ok {
				add(role)
			}
		}
	case []string:
		for _, role := range list {
			add(role)
		}
	}
	return roles
}
