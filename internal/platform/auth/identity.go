package auth

import (
	"context"
	"slices"
	"strings"
)

// Roles allowed to act on stored quotes.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the staff principal extracted from a Firebase ID token.
type Identity struct {
	UID   string
	Roles []string
}

// HasAnyRole reports whether the identity carries one of roles, ignoring case.
func (i *Identity) HasAnyRole(roles ...string) bool {
	if i == nil {
		return false
	}
	for _, role := range roles {
		role = normaliseRole(role)
		if role != "" && slices.Contains(i.Roles, role) {
			return true
		}
	}
	return false
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext retrieves the staff identity stored by RequireStaff.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
