package jwt

import (
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("user-1", true, "secret", time.Hour)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if claims.UserID != "user-1" || !claims.IsAdmin {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.Issuer != "warren" || claims.Subject != "user-1" {
		t.Fatalf("unexpected registered claims %+v", claims.RegisteredClaims)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("user-1", false, "secret", time.Hour)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := Parse(token, "other-secret"); err == nil {
		t.Fatalf("expected signature rejection")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := GenerateToken("user-1", false, "secret", -time.Minute)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := Parse(token, "secret"); err == nil {
		t.Fatalf("expected expiry rejection")
	}
}
