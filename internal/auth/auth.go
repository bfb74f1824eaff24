// Package auth issues and validates the HS256 bearer tokens used by the
// storefront API and carries the caller identity through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer = "marsland"
	secretEnv   = "MARSLAND_AUTH_SECRET"

	// clock skew tolerated when checking issued-at
	issuedAtLeeway = 5 * time.Second

	// RoleBuyer is the default role for storefront customers.
	RoleBuyer = "buyer"
	// RoleAdmin gates certificate review actions.
	RoleAdmin = "admin"
)

// ErrInvalidToken indicates the token failed signature or claim validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the token payload: standard registered claims plus the roles
// granted to the subject.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	UserID string
	Roles  []string
}

// GenerateToken signs an HS256 token for userID with the given roles and
// lifetime.
func GenerateToken(userID string, roles []string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("userID is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	key, err := signingKey()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Roles: normalizeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate checks the signature, issuer, subject and lifetime of a
// bearer token and returns its claims.
func ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	key, err := signingKey()
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{},
		func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, ErrInvalidToken
			}
			return key, nil
		},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(issuedAtLeeway),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	claims.Roles = normalizeRoles(claims.Roles)
	return claims, nil
}

// normalizeRoles lower-cases, deduplicates and sorts the role list so tokens
// for the same grant compare equal.
func normalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	var out []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

var keyState struct {
	sync.Mutex
	key    []byte
	err    error
	loaded bool
}

func signingKey() ([]byte, error) {
	keyState.Lock()
	defer keyState.Unlock()
	if !keyState.loaded {
		raw := strings.TrimSpace(os.Getenv(secretEnv))
		if raw == "" {
			keyState.err = errors.New("auth secret is not configured")
		} else {
			keyState.key = []byte(raw)
		}
		keyState.loaded = true
	}
	return keyState.key, keyState.err
}

// ResetSecretForTests drops the cached signing key so tests can swap the
// secret via environment.
func ResetSecretForTests() {
	keyState.Lock()
	defer keyState.Unlock()
	keyState.key = nil
	keyState.err = nil
	keyState.loaded = false
}

type ctxKey struct{}

// ContextWithUser attaches the authenticated identity to the context.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{
		UserID: strings.TrimSpace(userID),
		Roles:  normalizeRoles(roles),
	})
}

// IdentityFromContext returns the caller identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// UserIDFromContext extracts the authenticated user ID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	return id.UserID, ok
}

// RolesFromContext returns a copy of the caller's roles.
func RolesFromContext(ctx context.Context) []string {
	id, ok := IdentityFromContext(ctx)
	if !ok || len(id.Roles) == 0 {
		return nil
	}
	out := make([]string, len(id.Roles))
	copy(out, id.Roles)
	return out
}

// HasRole reports whether the caller holds the given role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
