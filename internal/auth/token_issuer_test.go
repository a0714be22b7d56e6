package auth

import (
	"testing"
	"time"
)

func TestTokenIssuerIssuesValidatableSessions(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		TokenTTL:      time.Hour,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	token, expiresAt, err := issuer.IssueSessionToken(SessionClaims{UserID: testSessionUserID, UserEmail: testSessionUserEmail})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims, err := newTestValidator(t, clockNow.Add(30*time.Minute)).ValidateToken(token)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.Subject != testSessionUserID || claims.Issuer != testSessionIssuer {
		t.Fatalf("unexpected registered claims %+v", claims.RegisteredClaims)
	}

	if _, err := newTestValidator(t, clockNow.Add(2*time.Hour)).ValidateToken(token); err == nil {
		t.Fatalf("expected token to expire after the ttl")
	}
}

func TestTokenIssuerRequiresUserID(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i"})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(SessionClaims{}); err == nil {
		t.Fatalf("expected error without user id")
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "i"}); err == nil {
		t.Fatalf("expected error without signing secret")
	}
}
