package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"reflect"
	"testing"

	"coachline/internal/models"
)

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if got := ExtractToken(req); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
	req.Header.Set("Authorization", "bearer  abc.def ")
	if got := ExtractToken(req); got != "abc.def" {
		t.Fatalf("expected abc.def, got %q", got)
	}
	req.Header.Set("Authorization", "Basic xyz")
	if got := ExtractToken(req); got != "" {
		t.Fatalf("expected basic auth to be ignored, got %q", got)
	}
}

func TestRolesFromClaims(t *testing.T) {
	claims := map[string]interface{}{
		"role":  "Coach",
		"roles": []interface{}{"coach", "admin", 42},
	}
	got := rolesFromClaims(claims)
	want := []string{"coach", "admin"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("rolesFromClaims = %v, want %v", got, want)
	}
	if roles := rolesFromClaims(map[string]interface{}{}); len(roles) != 0 {
		t.Fatalf("expected no roles, got %v", roles)
	}
}

func TestParseStaticTokens(t *testing.T) {
	tokens, err := ParseStaticTokens("tok-coach=coach-1:coach, tok-admin=admin-1:admin|superadmin,tok-athlete=athlete-1")
	if err != nil {
		t.Fatalf("ParseStaticTokens: %v", err)
	}
	if len(tokens) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(tokens))
	}
	if admin := tokens["tok-admin"]; admin.UID != "admin-1" || !admin.IsStaff() {
		t.Fatalf("unexpected admin identity %+v", admin)
	}
	if athlete := tokens["tok-athlete"]; athlete.UID != "athlete-1" || len(athlete.Roles) != 0 {
		t.Fatalf("unexpected athlete identity %+v", athlete)
	}
	if _, err := ParseStaticTokens("missing-uid="); err == nil {
		t.Fatal("expected error for entry without uid")
	}
	if _, err := ParseStaticTokens("no-separator"); err == nil {
		t.Fatal("expected error for entry without '='")
	}
}

func TestStaticVerifier(t *testing.T) {
	verifier := NewStaticVerifier(map[string]models.Identity{
		"tok-coach": {UID: "coach-1", Roles: []string{models.RoleCoach}},
	})
	ctx := context.Background()

	identity, err := verifier.Verify(ctx, "tok-coach")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.UID != "coach-1" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if _, err := verifier.Verify(ctx, "tok-other"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := verifier.Verify(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), models.Identity{UID: "u1"})
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.UID != "u1" {
		t.Fatalf("unexpected identity %+v %v", identity, ok)
	}
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatal("expected no identity in empty context")
	}
}
