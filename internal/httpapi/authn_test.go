package httpapi

import (
	"testing"
	"time"
)

func TestAuthenticatorRoundTrip(t *testing.T) {
	authn, err := NewAuthenticator([]byte("secret"), "pymemad")
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	token, err := authn.Mint("user-7", true, time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	userID, superuser, err := authn.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "user-7" || !superuser {
		t.Fatalf("unexpected claims: %s superuser=%v", userID, superuser)
	}
}

func TestAuthenticatorRejectsWrongSecret(t *testing.T) {
	a, _ := NewAuthenticator([]byte("secret-a"), "pymemad")
	b, _ := NewAuthenticator([]byte("secret-b"), "pymemad")
	token, err := a.Mint("user-7", false, time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, _, err := b.Verify(token); err == nil {
		t.Fatalf("expected verification failure across secrets")
	}
}

func TestAuthenticatorRejectsWrongIssuer(t *testing.T) {
	a, _ := NewAuthenticator([]byte("secret"), "other-issuer")
	b, _ := NewAuthenticator([]byte("secret"), "pymemad")
	token, err := a.Mint("user-7", false, time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, _, err := b.Verify(token); err == nil {
		t.Fatalf("expected issuer mismatch to fail")
	}
}

func TestAuthenticatorRejectsExpired(t *testing.T) {
	a, _ := NewAuthenticator([]byte("secret"), "pymemad")
	token, err := a.Mint("user-7", false, -time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, _, err := a.Verify(token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestExtractBearerToken(t *testing.T) {
	if _, err := extractBearerToken(""); err == nil {
		t.Fatalf("empty header must fail")
	}
	if _, err := extractBearerToken("Basic abc"); err == nil {
		t.Fatalf("non-bearer scheme must fail")
	}
	tok, err := extractBearerToken("Bearer  abc.def.ghi ")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if tok != "abc.def.ghi" {
		t.Fatalf("unexpected token %q", tok)
	}
}
