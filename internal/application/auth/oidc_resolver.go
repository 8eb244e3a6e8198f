package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCResolver validates bearer tokens issued by an external identity
// provider discovered via OIDC, and maps its role/group claims onto
// this system's permission strings. Modeled on a conventional gateway
// auth provider, trimmed to token validation: login, refresh and
// authorization-code exchange are out of scope here since the API
// surface has no login endpoints — credential issuance happens
// upstream of this service.
type OIDCResolver struct {
	provider  *oidc.Provider
	verifier  *oidc.IDTokenVerifier
	clientID  string
	available bool
}

// NewOIDCResolver performs OIDC discovery against issuerURL. If
// issuerURL is empty the resolver is returned disabled: Resolve always
// fails, so it is safe to chain in unconditionally.
func NewOIDCResolver(issuerURL, clientID string) (*OIDCResolver, error) {
	r := &OIDCResolver{clientID: clientID}
	if issuerURL == "" {
		return r, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return r, fmt.Errorf("oidc discovery failed: %w", err)
	}
	r.provider = provider
	r.verifier = provider.Verifier(&oidc.Config{ClientID: clientID})
	r.available = true
	return r, nil
}

// Resolve implements Resolver. It first tries to verify the credential
// as an OIDC ID token; if that fails it falls back to treating it as an
// opaque access token and calling the userinfo endpoint, matching the
// usual two-path validation.
func (r *OIDCResolver) Resolve(ctx context.Context, credential string) (*Principal, error) {
	if r == nil || !r.available {
		return nil, ErrInvalidCredential
	}
	token := bearerToken(credential)

	if idToken, err := r.verifier.Verify(ctx, token); err == nil {
		var claims struct {
			Subject string   `json:"sub"`
			Email   string   `json:"email"`
			Groups  []string `json:"groups"`
			Roles   []string `json:"roles"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, ErrInvalidCredential
		}
		return NewPrincipal(idToken.Subject, rolesToPermissions(append(claims.Roles, claims.Groups...))...), nil
	}

	userInfo, err := r.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	if err != nil {
		return nil, ErrInvalidCredential
	}
	var claims struct {
		Groups []string `json:"groups"`
		Roles  []string `json:"roles"`
	}
	_ = userInfo.Claims(&claims)
	return NewPrincipal(userInfo.Subject, rolesToPermissions(append(claims.Roles, claims.Groups...))...), nil
}

// rolesToPermissions maps upstream role/group names onto this system's
// permission strings. Any role containing "admin" is granted the full
// administrative permission set; everyone authenticated can submit and
// view their own tasks.
func rolesToPermissions(roles []string) []string {
	perms := []string{PermTaskSubmit}
	for _, role := range roles {
		if strings.Contains(strings.ToLower(role), "admin") {
			return []string{PermTaskSubmit, PermTaskViewAll, PermTaskDeleteAll, PermQueueView, PermQueueManage}
		}
	}
	return perms
}
