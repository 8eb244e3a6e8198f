package auth

import "context"

// DevResolver grants every credential full permissions, for local
// development and integration tests with no identity provider
// configured (AUTH_DEV_MODE=true). It must never be wired in front of
// the real resolvers in a deployed Chain.
type DevResolver struct{}

// Resolve implements Resolver, treating the raw credential value as the
// principal id.
func (DevResolver) Resolve(_ context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}
	return NewPrincipal(credential, PermTaskSubmit, PermTaskViewAll, PermTaskDeleteAll, PermQueueView, PermQueueManage), nil
}
