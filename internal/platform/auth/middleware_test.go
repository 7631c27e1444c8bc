package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serve(t *testing.T, authn *Authenticator, header string, roles ...string) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var seen *Identity
	handler := authn.RequireFirebaseAuth(roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		seen = identity
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestRequireFirebaseAuthAllowsAdminAsOperator(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID:    "uid-1",
		Claims: map[string]any{"role": []any{"Admin", "admin"}, "email": " boer@example.com "},
	}}
	rec, identity := serve(t, NewAuthenticator(verifier), "Bearer token-abc", RoleOperator)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if verifier.received != "token-abc" {
		t.Fatalf("unexpected token forwarded: %q", verifier.received)
	}
	if identity.UID != "uid-1" || identity.Email != "boer@example.com" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if len(identity.Roles) != 1 || !identity.HasRole(RoleAdmin) || !identity.HasRole(RoleOperator) {
		t.Fatalf("unexpected roles %v", identity.Roles)
	}
}

func TestRequireFirebaseAuthFallbackRole(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-2", Claims: map[string]any{}}}
	authn := NewAuthenticator(verifier)

	rec, identity := serve(t, authn, "bearer token", RoleOperator)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if identity.HasRole(RoleAdmin) {
		t.Fatalf("fallback identity must not be admin")
	}

	rec, _ = serve(t, authn, "Bearer token", RoleAdmin)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator on admin route, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "insufficient_role" {
		t.Fatalf("unexpected error code %v", body["error"])
	}
}

func TestRequireFirebaseAuthRejectsMissingAndInvalidTokens(t *testing.T) {
	verifier := &stubTokenVerifier{err: errors.New("boom")}
	authn := NewAuthenticator(verifier)

	for _, header := range []string{"", "Basic abc", "Bearer   "} {
		rec, _ := serve(t, authn, header)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
	}

	rec, _ := serve(t, authn, "Bearer bad")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRolesFromClaimShapes(t *testing.T) {
	if got := rolesFromClaim("operator"); len(got) != 1 || got[0] != RoleOperator {
		t.Fatalf("string claim: %v", got)
	}
	if got := rolesFromClaim(map[string]any{"admin": true, "operator": false}); len(got) != 1 || got[0] != RoleAdmin {
		t.Fatalf("map claim: %v", got)
	}
	if got := rolesFromClaim(42); len(got) != 0 {
		t.Fatalf("unexpected roles from int claim: %v", got)
	}
}
