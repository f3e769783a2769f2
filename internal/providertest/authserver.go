// Package providertest provides httptest-backed fakes of a protected tool
// provider and its OAuth2 authorization server.
//
// TEST-ONLY: tokens are compared with plain string equality and nothing is
// rate limited.
package providertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

// Default client credentials accepted by a new AuthServer.
const (
	DefaultClientID     = "toolbridge-client"
	DefaultClientSecret = "toolbridge-secret"
)

// AuthServer is a fake authorization server that implements the
// client_credentials grant and both well-known metadata documents.
type AuthServer struct {
	*httptest.Server
	t testing.TB

	mu sync.Mutex

	clientID        string
	clientSecret    string
	scopesSupported []string

	// Which well-known documents answer 200.
	serveOIDC  bool
	serveOAuth bool
	// Raw document override for both well-known paths.
	metadataOverride json.RawMessage

	expiresIn       int
	refreshToken    string
	omitAccessToken bool
	tokenDelay      time.Duration
	failStatus      int
	failBody        string

	tokenRequests     int
	wellKnownRequests map[string]int
	lastTokenForm     url.Values
	issued            map[string]bool
}

// NewAuthServer starts a fake authorization server. It is closed when the
// test ends.
func NewAuthServer(t testing.TB) *AuthServer {
	t.Helper()

	as := &AuthServer{
		t:                 t,
		clientID:          DefaultClientID,
		clientSecret:      DefaultClientSecret,
		scopesSupported:   []string{"tools:read", "tools:call"},
		serveOIDC:         true,
		serveOAuth:        true,
		expiresIn:         3600,
		wellKnownRequests: make(map[string]int),
		issued:            make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", as.handleWellKnown(true))
	mux.HandleFunc("/.well-known/oauth-authorization-server", as.handleWellKnown(false))
	mux.HandleFunc("/token", as.handleToken)

	as.Server = httptest.NewServer(mux)
	t.Cleanup(as.Close)
	return as
}

// TokenEndpoint returns the URL of the token endpoint.
func (as *AuthServer) TokenEndpoint() string {
	return as.URL + "/token"
}

// SetScopes replaces the advertised scopes_supported.
func (as *AuthServer) SetScopes(scopes ...string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.scopesSupported = scopes
}

// SetWellKnown controls which metadata documents answer 200. Disabled ones
// answer 404.
func (as *AuthServer) SetWellKnown(openIDConfiguration, oauthAuthorizationServer bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.serveOIDC = openIDConfiguration
	as.serveOAuth = oauthAuthorizationServer
}

// SetMetadataDocument serves raw as the body of both well-known documents.
func (as *AuthServer) SetMetadataDocument(raw string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.metadataOverride = json.RawMessage(raw)
}

// SetExpiresIn sets expires_in of issued tokens. Zero omits the field.
func (as *AuthServer) SetExpiresIn(seconds int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.expiresIn = seconds
}

// SetRefreshToken includes refresh_token in token responses.
func (as *AuthServer) SetRefreshToken(token string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.refreshToken = token
}

// SetOmitAccessToken makes token responses succeed without access_token.
func (as *AuthServer) SetOmitAccessToken(omit bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.omitAccessToken = omit
}

// SetTokenDelay delays every token response.
func (as *AuthServer) SetTokenDelay(d time.Duration) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.tokenDelay = d
}

// FailTokenRequests makes the token endpoint answer status with body. A zero
// status restores normal behaviour.
func (as *AuthServer) FailTokenRequests(status int, body string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.failStatus = status
	as.failBody = body
}

// RevokeAll forgets every issued token.
func (as *AuthServer) RevokeAll() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.issued = make(map[string]bool)
}

// Valid reports whether token was issued and not revoked.
func (as *AuthServer) Valid(token string) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.issued[token]
}

// TokenRequestCount returns the number of token endpoint calls.
func (as *AuthServer) TokenRequestCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.tokenRequests
}

// WellKnownRequestCount returns the number of calls to a well-known path.
func (as *AuthServer) WellKnownRequestCount(path string) int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.wellKnownRequests[path]
}

// LastTokenForm returns the form of the most recent token request.
func (as *AuthServer) LastTokenForm() url.Values {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.lastTokenForm
}

func (as *AuthServer) handleWellKnown(oidc bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		as.mu.Lock()
		as.wellKnownRequests[r.URL.Path]++
		serve := as.serveOAuth
		if oidc {
			serve = as.serveOIDC
		}
		override := as.metadataOverride
		scopes := append([]string(nil), as.scopesSupported...)
		as.mu.Unlock()

		if !serve {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if override != nil {
			_, _ = w.Write(override)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":           as.URL,
			"token_endpoint":   as.TokenEndpoint(),
			"scopes_supported": scopes,
			"grant_types_supported": []string{
				"client_credentials",
			},
		})
	}
}

func (as *AuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	as.mu.Lock()
	as.tokenRequests++
	n := as.tokenRequests
	as.lastTokenForm = r.PostForm
	delay := as.tokenDelay
	failStatus, failBody := as.failStatus, as.failBody
	clientID, clientSecret := as.clientID, as.clientSecret
	expiresIn, refreshToken, omit := as.expiresIn, as.refreshToken, as.omitAccessToken
	as.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	writeJSON := func(status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	if failStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(failStatus)
		_, _ = w.Write([]byte(failBody))
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" {
		writeJSON(http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	if r.PostForm.Get("client_id") != clientID || r.PostForm.Get("client_secret") != clientSecret {
		writeJSON(http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	resp := map[string]any{"token_type": "Bearer"}
	if !omit {
		token := fmt.Sprintf("token-%d", n)
		as.mu.Lock()
		as.issued[token] = true
		as.mu.Unlock()
		resp["access_token"] = token
	}
	if expiresIn > 0 {
		resp["expires_in"] = expiresIn
	}
	if refreshToken != "" {
		resp["refresh_token"] = refreshToken
	}
	writeJSON(http.StatusOK, resp)
}
