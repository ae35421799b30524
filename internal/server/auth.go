// internal/server/auth.go
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken rejects credentials the validator does not know.
var ErrInvalidToken = errors.New("server: invalid token")

// TokenValidator checks a bearer token and returns the principal it
// belongs to.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// StaticValidator accepts a fixed token set, token to principal. Meant
// for single-home deployments where credentials live in the config
// file.
type StaticValidator struct {
	tokens map[string]string
}

// NewStaticValidator copies the given token map.
func NewStaticValidator(tokens map[string]string) *StaticValidator {
	m := make(map[string]string, len(tokens))
	for k, v := range tokens {
		m[k] = v
	}
	return &StaticValidator{tokens: m}
}

// Validate compares the candidate against every configured token in
// constant time.
func (v *StaticValidator) Validate(_ context.Context, token string) (string, error) {
	for stored, principal := range v.tokens {
		if len(stored) == len(token) && subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1 {
			return principal, nil
		}
	}
	return "", ErrInvalidToken
}

// JWTValidator verifies HS256-signed tokens and takes the subject
// claim as the principal.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator builds a validator around a shared secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and verifies the token.
func (v *JWTValidator) Validate(_ context.Context, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// NoopValidator accepts everything. Used when auth is switched off,
// e.g. a sync server bound to localhost.
type NoopValidator struct{}

// Validate always succeeds with the anonymous principal.
func (NoopValidator) Validate(context.Context, string) (string, error) {
	return "anonymous", nil
}
