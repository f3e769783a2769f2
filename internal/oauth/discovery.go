package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/mcp-toolbridge/internal/logging"
	"github.com/giantswarm/mcp-toolbridge/internal/provider"
)

// Maximum size for discovery documents (1MB)
const maxMetadataSize = 1024 * 1024

// ProtectedResourceMetadata is the subset of RFC 9728 metadata toolbridge
// needs.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource,omitempty"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// WWWAuthenticateChallenge is a parsed WWW-Authenticate header.
type WWWAuthenticateChallenge struct {
	Scheme              string
	ResourceMetadataURL string
	Scopes              []string
	Error               string
	ErrorDescription    string
}

// ServerMetadata is everything discovered about a provider's authorization
// server. It is cached per provider beside the access token.
type ServerMetadata struct {
	ResourceMetadataURL string    `json:"resourceMetadataUrl"`
	AuthorizationServer string    `json:"authorizationServer"`
	TokenEndpoint       string    `json:"tokenEndpoint"`
	ScopesSupported     []string  `json:"scopesSupported"`
	DiscoveredAt        time.Time `json:"discoveredAt"`
}

// Discoverer finds the token endpoint of a protected provider:
//
//  1. POST an unauthenticated tools/list and expect a 401 challenge
//  2. follow resource_metadata to the protected resource metadata
//  3. probe the first authorization server's well-known documents
type Discoverer struct {
	httpClient *http.Client
	logger     *logging.Logger
	now        func() time.Time
}

// NewDiscoverer creates a Discoverer. A nil httpClient means
// http.DefaultClient.
func NewDiscoverer(httpClient *http.Client, logger *logging.Logger) *Discoverer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Discoverer{
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Discover runs the full discovery chain for a provider endpoint. Every
// failure is a *DiscoveryError.
func (d *Discoverer) Discover(ctx context.Context, endpoint string) (*ServerMetadata, error) {
	d.logger.InfoVerbose("Discovering OAuth endpoint from %s", endpoint)

	probe, err := provider.NewClient(endpoint, d.httpClient, d.logger).Probe(ctx)
	if err != nil {
		return nil, &DiscoveryError{Endpoint: endpoint, Reason: "unauthenticated probe failed", Err: err}
	}
	if probe.StatusCode != http.StatusUnauthorized {
		return nil, &DiscoveryError{Endpoint: endpoint, Reason: fmt.Sprintf("expected 401 response, got %d", probe.StatusCode)}
	}
	if probe.WWWAuthenticate == "" {
		return nil, &DiscoveryError{Endpoint: endpoint, Reason: "WWW-Authenticate header not found in 401 response"}
	}

	d.logger.Debug("WWW-Authenticate header: %s", probe.WWWAuthenticate)

	challenge, err := parseWWWAuthenticate(probe.WWWAuthenticate)
	if err != nil {
		return nil, &DiscoveryError{Endpoint: endpoint, Reason: "invalid WWW-Authenticate header", Err: err}
	}
	if challenge.ResourceMetadataURL == "" {
		return nil, &DiscoveryError{Endpoint: endpoint, Reason: "resource_metadata not found in WWW-Authenticate header"}
	}

	resourceMetadata, err := d.fetchProtectedResourceMetadata(ctx, challenge.ResourceMetadataURL)
	if err != nil {
		return nil, &DiscoveryError{Endpoint: endpoint, Reason: "failed to fetch protected resource metadata", Err: err}
	}

	authServer := resourceMetadata.AuthorizationServers[0]
	d.logger.InfoVerbose("Discovered authorization server: %s", authServer)

	asMetadata, err := d.discoverAuthorizationServerMetadata(ctx, authServer)
	if err != nil {
		return nil, &DiscoveryError{Endpoint: endpoint, Reason: "failed to discover authorization server metadata", Err: err}
	}

	return &ServerMetadata{
		ResourceMetadataURL: challenge.ResourceMetadataURL,
		AuthorizationServer: authServer,
		TokenEndpoint:       asMetadata.TokenEndpoint,
		ScopesSupported:     asMetadata.ScopesSupported,
		DiscoveredAt:        d.now(),
	}, nil
}

// parseWWWAuthenticate parses a WWW-Authenticate header value per RFC 6750
// and RFC 9728.
//
// Example header:
//
//	WWW-Authenticate: Bearer resource_metadata="https://tools.example.com/.well-known/oauth-protected-resource",
//	                         scope="tools:read"
func parseWWWAuthenticate(header string) (*WWWAuthenticateChallenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(header, " ", 2)
	challenge := &WWWAuthenticateChallenge{
		Scheme: parts[0],
	}

	if len(parts) == 2 {
		params := parseAuthParams(parts[1])
		challenge.ResourceMetadataURL = params["resource_metadata"]
		challenge.Error = params["error"]
		challenge.ErrorDescription = params["error_description"]
		if scopeParam := params["scope"]; scopeParam != "" {
			challenge.Scopes = strings.Fields(scopeParam)
		}
	}

	return challenge, nil
}

// parseAuthParams parses comma separated auth-params. Values may be quoted;
// parameter names are case-insensitive and returned lower-cased.
func parseAuthParams(params string) map[string]string {
	result := make(map[string]string)

	for _, part := range splitPreservingQuotes(params, ',') {
		part = strings.TrimSpace(part)
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}

		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = strings.ReplaceAll(value[1:len(value)-1], `\"`, `"`)
		}

		if key != "" {
			result[key] = value
		}
	}

	return result
}

// splitPreservingQuotes splits s on delimiter outside of double quotes.
func splitPreservingQuotes(s string, delimiter byte) []string {
	var result []string
	var current strings.Builder
	inQuotes := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\\' && inQuotes && i+1 < len(s):
			current.WriteByte(ch)
			i++
			current.WriteByte(s[i])
		case ch == '"':
			inQuotes = !inQuotes
			current.WriteByte(ch)
		case ch == delimiter && !inQuotes:
			result = append(result, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

func (d *Discoverer) fetchProtectedResourceMetadata(ctx context.Context, metadataURL string) (*ProtectedResourceMetadata, error) {
	status, body, err := d.getDocument(ctx, metadataURL)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", status)
	}

	var metadata ProtectedResourceMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata JSON: %w", err)
	}
	if err := validateProtectedResourceMetadata(&metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	return &metadata, nil
}

// validateProtectedResourceMetadata requires at least one authorization
// server. Only the first one is used, so only the first one must be an
// absolute http(s) URL.
func validateProtectedResourceMetadata(metadata *ProtectedResourceMetadata) error {
	if len(metadata.AuthorizationServers) == 0 {
		return fmt.Errorf("missing required field: authorization_servers (at least one required)")
	}

	if err := validateAbsoluteHTTPURL(metadata.AuthorizationServers[0]); err != nil {
		return fmt.Errorf("authorization server at index 0: %w", err)
	}
	return nil
}

func validateAbsoluteHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("must be an absolute URL: %s", raw)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("must use http or https scheme: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host: %s", raw)
	}
	return nil
}

// getDocument GETs a JSON document and returns its status and body, limited
// to maxMetadataSize.
func (d *Discoverer) getDocument(ctx context.Context, docURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", provider.UserAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize+1))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > maxMetadataSize {
		return resp.StatusCode, nil, fmt.Errorf("response exceeds maximum size of %d bytes", maxMetadataSize)
	}
	return resp.StatusCode, body, nil
}
