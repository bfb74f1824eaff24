package auth

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndValidate(t *testing.T) {
	t.Setenv("MARSLAND_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("user-42", []string{"Admin", "buyer", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if !slices.Contains(claims.Roles, "admin") || !slices.Contains(claims.Roles, "buyer") {
		t.Fatalf("roles were not preserved: %v", claims.Roles)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", claims.Roles)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Setenv("MARSLAND_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	for _, token := range []string{"", "   ", "not-a-jwt", "a.b.c"} {
		if _, err := ParseAndValidate(token); err == nil {
			t.Fatalf("expected error for token %q", token)
		}
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	t.Setenv("MARSLAND_AUTH_SECRET", "secret-one")
	ResetSecretForTests()
	token, err := GenerateToken("user-1", []string{"buyer"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	t.Setenv("MARSLAND_AUTH_SECRET", "secret-two")
	ResetSecretForTests()
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expected signature validation failure")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	t.Setenv("MARSLAND_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	past := time.Now().UTC().Add(-time.Hour)
	stale := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "marsland",
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
		},
	})
	token, err := stale.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expected expiry validation failure")
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	t.Setenv("MARSLAND_AUTH_SECRET", "")
	ResetSecretForTests()
	if _, err := GenerateToken("user-1", []string{"buyer"}, time.Minute); err == nil {
		t.Fatal("expected missing-secret error")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Admin", "Admin", "buyer"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "buyer") || !HasRole(ctx, "admin") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "operator") {
		t.Fatal("unexpected role found")
	}
}
