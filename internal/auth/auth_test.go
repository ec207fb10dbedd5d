package auth

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateAccessToken("secret", "alice", "t1", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ParseAccessToken("secret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "alice" || claims.TenantID != "t1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	token, err := GenerateAccessToken("secret", "alice", "t1", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseAccessToken("other", token); err == nil {
		t.Fatal("expected verification failure with wrong secret")
	}
}

func TestTokenExpired(t *testing.T) {
	token, err := GenerateAccessToken("secret", "alice", "t1", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseAccessToken("secret", token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestTokenGarbage(t *testing.T) {
	if _, err := ParseAccessToken("secret", "not-a-token"); err == nil {
		t.Fatal("expected parse failure for malformed token")
	}
}
