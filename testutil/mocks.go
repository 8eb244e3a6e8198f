package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// SetupObjectStorageMock creates a mock object-storage upload endpoint,
// standing in for the external service normalizer.ImageUploader
// implementations talk to. Every PUT is accepted and echoed back a
// deterministic public URL under baseURL.
func SetupObjectStorageMock(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("ETag", fmt.Sprintf("%q", randomETag()))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// SetupObjectStorageErrorMock creates a mock object-storage endpoint that
// always fails with the given status, for exercising ImageUploader error
// handling without a real bucket.
func SetupObjectStorageErrorMock(t *testing.T, status int) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// SetupOIDCDiscoveryMock creates a minimal OIDC discovery document and
// JWKS endpoint so auth.NewOIDCResolver can complete provider discovery
// in tests without a real identity provider. It returns the issuer URL
// to pass as NewOIDCResolver's issuerURL argument.
func SetupOIDCDiscoveryMock(t *testing.T) (issuerURL string) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	issuer := srv.URL
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                 issuer,
			"authorization_endpoint": issuer + "/authorize",
			"token_endpoint":         issuer + "/token",
			"userinfo_endpoint":      issuer + "/userinfo",
			"jwks_uri":               issuer + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"keys": []interface{}{}})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	return issuer
}

// SetupCustomMock creates a custom mock server with a provided handler,
// for one-off cases the helpers above don't cover.
func SetupCustomMock(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func randomETag() string {
	buf := make([]byte, 9)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
