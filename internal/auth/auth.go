// Package auth verifies bearer tokens and maps them to an authenticated
// subject (the user's email). Token issuance lives in the identity layer;
// this package only needs the shared HMAC secret to validate what that
// layer minted.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for missing, malformed, expired, or
// otherwise unverifiable tokens. Callers must treat it as terminal for
// the request or connection attempt, never retried.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier validates HS256 JWTs against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier using the given HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates token and returns its subject. Any parse or
// validation failure, including an empty subject claim, yields
// ErrInvalidToken; the underlying cause is wrapped for logging.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// CreateToken mints an HS256 token for subject with the given lifetime.
// Used by tests and local tooling; production tokens come from the
// identity layer with the same secret and claims.
func (v *Verifier) CreateToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
