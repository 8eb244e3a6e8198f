package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredential is returned by a Resolver that does not recognize
// the presented credential.
var ErrInvalidCredential = errors.New("invalid credential")

// apiKeyEntry pairs a bcrypt hash of an API key with the principal it
// resolves to. Keys are never held in memory in plaintext: the
// configured secret is hashed once at startup and only the hash is kept.
type apiKeyEntry struct {
	hash      []byte
	principal *Principal
}

// APIKeyResolver resolves a static API key to a principal, configured via
// AUTH_API_KEYS entries of the form "key:user_id:perm1|perm2|...". It
// exists for local and CI deployments that run without an external
// identity provider. The plaintext key from config is hashed with bcrypt
// before being stored; Resolve compares the presented credential against
// every configured hash, since bcrypt's salting rules out a direct map
// lookup. This is deliberately linear: deployments are expected to
// configure a handful of keys, not thousands.
type APIKeyResolver struct {
	entries []apiKeyEntry
}

// NewAPIKeyResolver parses the configured key entries and hashes each
// plaintext key with bcrypt. Malformed entries are skipped.
func NewAPIKeyResolver(entries []string) *APIKeyResolver {
	r := &APIKeyResolver{entries: make([]apiKeyEntry, 0, len(entries))}
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(parts[0]), bcrypt.DefaultCost)
		if err != nil {
			continue
		}
		perms := strings.Split(parts[2], "|")
		r.entries = append(r.entries, apiKeyEntry{hash: hash, principal: NewPrincipal(parts[1], perms...)})
	}
	return r
}

// Resolve implements Resolver.
func (r *APIKeyResolver) Resolve(_ context.Context, credential string) (*Principal, error) {
	for _, e := range r.entries {
		if bcrypt.CompareHashAndPassword(e.hash, []byte(credential)) == nil {
			return e.principal, nil
		}
	}
	return nil, ErrInvalidCredential
}
