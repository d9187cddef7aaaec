package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer   = "nexus"
	audience = "nexus-admin"
	subject  = "admin"
)

var (
	// ErrUnauthorized is returned for missing, malformed, or expired tokens.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrDisabled is returned when no signing secret is configured.
	ErrDisabled = errors.New("admin tokens are disabled")
)

// Tokens mints and verifies HS256 admin capability tokens. A zero-length
// secret disables both operations.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens returns a token authority for secret. now may be nil.
func NewTokens(secret string, now func() time.Time) *Tokens {
	if now == nil {
		now = time.Now
	}
	return &Tokens{secret: []byte(strings.TrimSpace(secret)), now: now}
}

// Enabled reports whether a secret is configured.
func (t *Tokens) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

// Mint signs a token valid for ttl.
func (t *Tokens) Mint(ttl time.Duration) (string, time.Time, error) {
	if !t.Enabled() {
		return "", time.Time{}, ErrDisabled
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("token ttl must be positive")
	}
	now := t.now().UTC()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign admin token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, issuer, audience, and expiry.
func (t *Tokens) Verify(raw string) error {
	if !t.Enabled() {
		return ErrDisabled
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrUnauthorized
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject != subject {
		return fmt.Errorf("%w: unexpected subject %q", ErrUnauthorized, claims.Subject)
	}
	return nil
}

// Privileged reports whether r carries a valid admin token.
func (t *Tokens) Privileged(r *http.Request) bool {
	raw := FromRequest(r)
	if raw == "" || !t.Enabled() {
		return false
	}
	return t.Verify(raw) == nil
}

// FromRequest extracts a bearer token from the Authorization header, falling
// back to the "token" query parameter for browser websocket clients.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
