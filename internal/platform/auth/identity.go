package auth

import (
	"context"
	"strings"
)

// Roles recognised by the API. Admins manage fleet and combination records; operators run
// mapping sessions and register tags. An admin is implicitly an operator.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// Identity is the authenticated principal extracted from a Firebase ID token.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

// HasRole reports whether the identity carries role, case-insensitively.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	for _, r := range i.Roles {
		if normaliseRole(r) == role {
			return true
		}
		if role == RoleOperator && normaliseRole(r) == RoleAdmin {
			return true
		}
	}
	return false
}

type identityKey struct{}

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
