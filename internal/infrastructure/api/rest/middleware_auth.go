package rest

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smilemakc/taskflow/internal/application/auth"
)

const (
	apiKeyHeader        = "X-API-Key"
	ContextKeyPrincipal = "principal"
)

// AuthMiddleware resolves the bearer/API-key credential on every
// non-public request into an auth.Principal.
type AuthMiddleware struct {
	resolver *auth.Chain
}

// NewAuthMiddleware wraps a principal resolver chain.
func NewAuthMiddleware(resolver *auth.Chain) *AuthMiddleware {
	return &AuthMiddleware{resolver: resolver}
}

// RequireAuth resolves the credential and aborts with 401 if none is
// present or valid.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader(apiKeyHeader)
		if credential == "" {
			if authz := c.GetHeader("Authorization"); strings.HasPrefix(authz, "Bearer ") {
				credential = authz
			}
		}
		if credential == "" {
			respondAPIError(c, ErrUnauthorized)
			c.Abort()
			return
		}

		principal, err := m.resolver.Resolve(c.Request.Context(), credential)
		if err != nil {
			respondAPIError(c, ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(ContextKeyPrincipal, principal)
		c.Next()
	}
}

// RequirePermission aborts with 403 unless the resolved principal holds
// perm. Must run after RequireAuth.
func (m *AuthMiddleware) RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := GetPrincipal(c)
		if principal == nil || !principal.Has(perm) {
			respondAPIError(c, ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetPrincipal returns the principal attached by RequireAuth, or nil.
func GetPrincipal(c *gin.Context) *auth.Principal {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil
	}
	p, _ := v.(*auth.Principal)
	return p
}

// GetUserID returns the resolved principal's id, matching the logging
// and recovery middleware's call signature.
func GetUserID(c *gin.Context) (string, bool) {
	p := GetPrincipal(c)
	if p == nil {
		return "", false
	}
	return p.ID, true
}
