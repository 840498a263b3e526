package auth

import (
	"context"
	"net/http"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/stitchquote/api/internal/platform/httpx"
)

const (
	defaultRoleClaim     = "role"
	defaultVerifyTimeout = 5 * time.Second
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// StaffAuthenticator gates staff routes on a Firebase ID token carrying a staff role claim.
type StaffAuthenticator struct {
	verifier  TokenVerifier
	roleClaim string
}

func NewStaffAuthenticator(verifier TokenVerifier) *StaffAuthenticator {
	return &StaffAuthenticator{verifier: verifier, roleClaim: defaultRoleClaim}
}

// RequireStaff answers 401 for missing or invalid tokens and 403 when none of allowedRoles is present.
func (a *StaffAuthenticator) RequireStaff(allowedRoles ...string) func(http.Handler) http.Handler {
	if len(allowedRoles) == 0 {
		allowedRoles = []string{RoleStaff, RoleAdmin}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
				return
			}
			if a == nil || a.verifier == nil {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization service unavailable", http.StatusUnauthorized))
				return
			}

			token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
			if err != nil {
				code := "invalid_token"
				if firebaseauth.IsIDTokenExpired(err) {
					code = "token_expired"
				}
				httpx.WriteError(ctx, w, httpx.NewError(code, "firebase id token verification failed", http.StatusUnauthorized))
				return
			}

			identity := &Identity{UID: token.UID, Roles: rolesFromClaim(token.Claims[a.roleClaim])}
			if !identity.HasAnyRole(allowedRoles...) {
				httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "staff role required", http.StatusForbidden))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

// rolesFromClaim accepts a single role, a list of roles, or a map of role flags.
func rolesFromClaim(raw any) []string {
	var roles []string
	add := func(role string) {
		role = normaliseRole(role)
		if role == "" {
			return
		}
		for _, existing := range roles {
			if existing == role {
				return
			}
		}
		roles = append(roles, role)
	}

	switch v := raw.(type) {
	case string:
		add(v)
	case []string:
		for _, item := range v {
			add(item)
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case map[string]any:
		for key, value := range v {
			if enabled, ok := value.(bool); ok && enabled {
				add(key)
			}
		}
	}
	return roles
}
