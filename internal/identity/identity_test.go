package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	claims := &Claims{
		Email: "reader@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func TestStatic(t *testing.T) {
	if id, ok := Static("user-1").CurrentUserID(); !ok || id != "user-1" {
		t.Errorf("Expected user-1, got '%s' (%v)", id, ok)
	}
	if _, ok := Static("").CurrentUserID(); ok {
		t.Error("Expected empty static id to report no user")
	}
}

func TestTokenProvider_VerifiedSubject(t *testing.T) {
	token := signToken(t, "s3cret", "8a1f-user", time.Now().Add(time.Hour))
	p := NewTokenProvider(token, "s3cret")

	id, ok := p.CurrentUserID()
	if !ok {
		t.Fatal("Expected a user")
	}
	if id != "8a1f-user" {
		t.Errorf("Expected subject '8a1f-user', got '%s'", id)
	}
}

func TestTokenProvider_WrongSecret(t *testing.T) {
	token := signToken(t, "s3cret", "8a1f-user", time.Now().Add(time.Hour))
	p := NewTokenProvider(token, "other")

	if _, ok := p.CurrentUserID(); ok {
		t.Error("Expected no user for a bad signature")
	}
}

func TestTokenProvider_UnverifiedDecode(t *testing.T) {
	token := signToken(t, "server-only", "8a1f-user", time.Now().Add(time.Hour))
	p := NewTokenProvider(token, "")

	if id, ok := p.CurrentUserID(); !ok || id != "8a1f-user" {
		t.Errorf("Expected subject from unverified token, got '%s' (%v)", id, ok)
	}
}

func TestTokenProvider_Expired(t *testing.T) {
	token := signToken(t, "s3cret", "8a1f-user", time.Now().Add(-time.Minute))

	for _, secret := range []string{"s3cret", ""} {
		p := NewTokenProvider(token, secret)
		if _, err := p.Parse(token); !errors.Is(err, jwt.ErrTokenExpired) {
			t.Errorf("Expected ErrTokenExpired with secret %q, got %v", secret, err)
		}
	}
}

func TestTokenProvider_NoSubject(t *testing.T) {
	token := signToken(t, "s3cret", "", time.Now().Add(time.Hour))
	p := NewTokenProvider(token, "s3cret")

	if _, err := p.Parse(token); !errors.Is(err, ErrNoSubject) {
		t.Errorf("Expected ErrNoSubject, got %v", err)
	}
}

func TestTokenProvider_SetToken(t *testing.T) {
	p := NewTokenProvider("", "s3cret")
	if _, ok := p.CurrentUserID(); ok {
		t.Error("Expected no user before sign-in")
	}

	p.SetToken(signToken(t, "s3cret", "later-user", time.Now().Add(time.Hour)))
	if id, ok := p.CurrentUserID(); !ok || id != "later-user" {
		t.Errorf("Expected 'later-user' after SetToken, got '%s' (%v)", id, ok)
	}
}

func TestNew(t *testing.T) {
	if _, ok := New("", "", "").(Anonymous); !ok {
		t.Error("Expected Anonymous without credentials")
	}
	if _, ok := New("u", "tok", "").(Static); !ok {
		t.Error("Expected static id to win over token")
	}
	if _, ok := New("", "tok", "").(*TokenProvider); !ok {
		t.Error("Expected TokenProvider for access token")
	}
}
