package auth

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// taskflowClaims is the custom claim set for locally-issued bearer
// tokens: a subject plus a flat permission list, deliberately smaller
// than a full user-profile claim set since this package only resolves
// principals, it does not issue or manage user accounts.
type taskflowClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions"`
}

// JWTResolver validates HMAC-signed bearer tokens against a shared
// secret, for deployments that issue their own short-lived tokens
// instead of delegating to an OIDC gateway.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver builds a resolver around the given HMAC secret. A nil
// resolver's Resolve call always returns ErrInvalidCredential, letting
// callers wire it into a Chain unconditionally.
func NewJWTResolver(secret string) *JWTResolver {
	if secret == "" {
		return nil
	}
	return &JWTResolver{secret: []byte(secret)}
}

// Resolve implements Resolver.
func (r *JWTResolver) Resolve(_ context.Context, credential string) (*Principal, error) {
	if r == nil {
		return nil, ErrInvalidCredential
	}
	token, err := jwt.ParseWithClaims(bearerToken(credential), &taskflowClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredential
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredential
	}
	claims, ok := token.Claims.(*taskflowClaims)
	if !ok || claims.Subject == "" {
		return nil, ErrInvalidCredential
	}
	return NewPrincipal(claims.Subject, claims.Permissions...), nil
}

// bearerToken strips a "Bearer " prefix if present.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return header
}
