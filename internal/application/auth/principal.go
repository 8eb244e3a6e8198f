// Package auth resolves an inbound HTTP credential (bearer token or API
// key) into a Principal carrying a permission set: every non-public
// endpoint accepts either a bearer session credential or an API-key
// header, and the resolved principal travels with the request.
// Credential issuance (login, registration, refresh) happens elsewhere —
// this package only validates credentials issued upstream.
package auth

import "context"

// Well-known permission strings.
const (
	PermTaskSubmit    = "task.submit"
	PermTaskViewAll   = "task.view_all"
	PermTaskDeleteAll = "task.delete_all"
	PermQueueView     = "queue.view"
	PermQueueManage   = "queue.manage"
)

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	ID          string
	Permissions map[string]struct{}
}

// NewPrincipal builds a Principal from a user id and a permission list.
func NewPrincipal(id string, perms ...string) *Principal {
	p := &Principal{ID: id, Permissions: make(map[string]struct{}, len(perms))}
	for _, perm := range perms {
		p.Permissions[perm] = struct{}{}
	}
	return p
}

// Has reports whether the principal holds the given permission.
func (p *Principal) Has(perm string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Permissions[perm]
	return ok
}

// Resolver turns a raw credential value into a Principal.
type Resolver interface {
	// Resolve returns ErrInvalidCredential if the credential is not one
	// this resolver recognizes, so callers can try the next resolver in
	// a chain.
	Resolve(ctx context.Context, credential string) (*Principal, error)
}

// Chain tries each Resolver in order, returning the first successful
// resolution.
type Chain struct {
	resolvers []Resolver
}

// NewChain builds a Chain from an ordered list of resolvers.
func NewChain(resolvers ...Resolver) *Chain {
	return &Chain{resolvers: resolvers}
}

// Resolve returns the first successful resolution, or ErrInvalidCredential.
func (c *Chain) Resolve(ctx context.Context, credential string) (*Principal, error) {
	for _, r := range c.resolvers {
		p, err := r.Resolve(ctx, credential)
		if err == nil {
			return p, nil
		}
	}
	return nil, ErrInvalidCredential
}
