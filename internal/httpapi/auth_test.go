package httpapi

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParseToken(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321")

	token, expiresAt, err := manager.IssueToken(" kasir-a ", "Cashier")
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	if time.Until(expiresAt) < 59*time.Minute {
		t.Fatalf("expected expiry about an hour out, got %s", expiresAt)
	}

	actor, err := manager.ParseToken(token)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "kasir-a" || actor.Role != "cashier" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestIssueTokenRejectsUnknownRole(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321")
	if _, _, err := manager.IssueToken("kasir-a", "owner"); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
	if _, _, err := manager.IssueToken("  ", "cashier"); err == nil {
		t.Fatalf("expected empty username to be rejected")
	}
}

func TestParseTokenRejectsForeignAndExpiredTokens(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321")
	other := NewAuthManager("another-secret", time.Hour, "654321")

	foreign, _, err := other.IssueToken("kasir-a", "admin")
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	if _, err := manager.ParseToken(foreign); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}

	expired, err := manager.sign("kasir-a", "cashier", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to fail")
	}

	unsigned := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, jwtlib.MapClaims{"sub": "kasir-a", "role": "admin", "iss": tokenIssuer})
	raw, err := unsigned.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none failed: %v", err)
	}
	if _, err := manager.ParseToken(raw); err == nil {
		t.Fatalf("expected alg=none token to fail")
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321")

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}
	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}
	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}

func TestUnsetManagerPINNeverValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "")
	if manager.ValidateManagerPIN("") || manager.ValidateManagerPIN("disabled") {
		t.Fatalf("expected unset manager pin to reject every attempt")
	}
}
