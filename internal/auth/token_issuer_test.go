package auth

import (
	"errors"
	"testing"
	"time"
)

func TestTokenIssuerRoundTripsThroughValidator(t *testing.T) {
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresAt, err := issuer.IssueSessionToken(Identity{
		Provider: "local",
		Subject:  "alice",
		Username: "alice",
		Email:    testSessionUserEmail,
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims, err := newTestValidator(t, now.Add(time.Minute)).ValidateToken(token)
	if err != nil {
		t.Fatalf("validator rejected issued token: %v", err)
	}
	if claims.UserID != "local:alice" || claims.Subject != "alice" {
		t.Fatalf("unexpected identity claims %+v", claims)
	}
	if claims.UserEmail != testSessionUserEmail || claims.SessionID == "" {
		t.Fatalf("unexpected profile claims %+v", claims)
	}

	if _, err := newTestValidator(t, now.Add(2*time.Hour)).ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestTokenIssuerRejectsMissingSecretAndSubject(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("s")})
	if err != nil {
		t.Fatalf("constructor: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(Identity{Provider: "local"}); !errors.Is(err, errMissingSubjectClaim) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}
