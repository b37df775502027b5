package auth

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "test-signing-secret"

func newTestIssuer(clock func() time.Time) *SessionIssuer {
	return NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        "clinicsync-agent",
		Audience:      "clinicsync-ui",
		SessionTTL:    time.Hour,
		Clock:         clock,
	})
}

func TestIssueSessionTokenRoundTrip(t *testing.T) {
	issuer := newTestIssuer(nil)

	token, expiresIn, err := issuer.IssueSessionToken("front-desk")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("expected one hour expiry, got %d", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if subject != "front-desk" {
		t.Fatalf("expected subject front-desk, got %q", subject)
	}
}

func TestIssueSessionTokenRequiresSubject(t *testing.T) {
	issuer := newTestIssuer(nil)

	if _, _, err := issuer.IssueSessionToken(""); !errors.Is(err, errMissingSubjectClaim) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestIssueSessionTokenRequiresSecret(t *testing.T) {
	issuer := NewSessionIssuer(SessionIssuerConfig{})

	if _, _, err := issuer.IssueSessionToken("front-desk"); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	current := time.Unix(1700000000, 0)
	issuer := newTestIssuer(func() time.Time { return current })

	token, _, err := issuer.IssueSessionToken("front-desk")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	current = current.Add(2 * time.Hour)
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatal("expected an expired token rejected")
	}
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	issuer := newTestIssuer(nil)
	foreign := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte("some-other-secret"),
		Issuer:        "clinicsync-agent",
		Audience:      "clinicsync-ui",
	})

	token, _, err := foreign.IssueSessionToken("front-desk")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatal("expected a foreign signature rejected")
	}
}

func TestValidateTokenRejectsWrongAudience(t *testing.T) {
	issuer := newTestIssuer(nil)
	other := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        "clinicsync-agent",
		Audience:      "another-app",
	})

	token, _, err := other.IssueSessionToken("front-desk")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatal("expected an audience mismatch rejected")
	}
}
