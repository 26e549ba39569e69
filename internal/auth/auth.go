// Package auth validates connection credentials into chat identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/chatrelay/internal/storage"
)

// ErrUnauthenticated indicates a missing, malformed, expired, or otherwise
// unverifiable credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Validator resolves an opaque bearer token into an identity.
type Validator interface {
	Validate(ctx context.Context, token string) (storage.Identity, error)
}

type relayClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

// JWTValidator validates HS256-signed tokens. The subject claim becomes the
// identity id and the name claim the display name.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator over the shared HMAC secret.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: secret}
}

// Validate implements Validator.
func (v *JWTValidator) Validate(ctx context.Context, token string) (storage.Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return storage.Identity{}, fmt.Errorf("%w: validator has no secret", ErrUnauthenticated)
	}
	if err := ctx.Err(); err != nil {
		return storage.Identity{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return storage.Identity{}, fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}

	claims := &relayClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return storage.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return storage.Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return storage.Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	displayName := strings.TrimSpace(claims.Name)
	if displayName == "" {
		displayName = subject
	}
	return storage.Identity{
		ID:          subject,
		DisplayName: displayName,
	}, nil
}
