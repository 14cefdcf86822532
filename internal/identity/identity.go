package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Provider reports the currently authenticated user, if any.
type Provider interface {
	CurrentUserID() (string, bool)
}

// Static is a fixed user id. The empty string means no user.
type Static string

// CurrentUserID implements Provider.
func (s Static) CurrentUserID() (string, bool) {
	return string(s), s != ""
}

// Anonymous never has a user.
type Anonymous struct{}

// CurrentUserID implements Provider.
func (Anonymous) CurrentUserID() (string, bool) {
	return "", false
}

// Claims are the access-token claims the client reads. The user id is
// the standard subject claim.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ErrNoSubject is returned for tokens without a sub claim.
var ErrNoSubject = errors.New("token has no subject")

// TokenProvider derives the user id from a JWT access token.
// With a secret the HS256 signature is verified; without one the token
// is only decoded and its expiry checked.
type TokenProvider struct {
	secret []byte
	now    func() time.Time

	mu    sync.RWMutex
	token string
}

// NewTokenProvider creates a provider for token. secret may be empty.
func NewTokenProvider(token, secret string) *TokenProvider {
	p := &TokenProvider{token: token, now: time.Now}
	if secret != "" {
		p.secret = []byte(secret)
	}
	return p
}

// SetToken swaps the access token, e.g. after a refresh or sign-out.
func (p *TokenProvider) SetToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

// CurrentUserID implements Provider. Invalid or expired tokens yield no user.
func (p *TokenProvider) CurrentUserID() (string, bool) {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()

	if token == "" {
		return "", false
	}
	claims, err := p.Parse(token)
	if err != nil {
		return "", false
	}
	return claims.Subject, true
}

// Parse validates token and returns its claims.
func (p *TokenProvider) Parse(token string) (*Claims, error) {
	claims := &Claims{}

	if p.secret != nil {
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(p.now),
		)
		if _, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return p.secret, nil
		}); err != nil {
			return nil, fmt.Errorf("invalid access token: %w", err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("invalid access token: %w", err)
		}
		if claims.ExpiresAt != nil && !p.now().Before(claims.ExpiresAt.Time) {
			return nil, fmt.Errorf("invalid access token: %w", jwt.ErrTokenExpired)
		}
	}

	if claims.Subject == "" {
		return nil, ErrNoSubject
	}
	return claims, nil
}

// New picks a provider: a static user id wins over an access token.
func New(userID, accessToken, secret string) Provider {
	switch {
	case userID != "":
		return Static(userID)
	case accessToken != "":
		return NewTokenProvider(accessToken, secret)
	default:
		return Anonymous{}
	}
}
