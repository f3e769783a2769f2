package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Well-known document paths probed, in order, under an authorization server.
var asMetadataPaths = []string{
	".well-known/openid-configuration",
	".well-known/oauth-authorization-server",
}

// AuthorizationServerMetadata is the subset of RFC 8414 / OIDC discovery
// metadata used for the client_credentials grant.
type AuthorizationServerMetadata struct {
	Issuer              string   `json:"issuer,omitempty"`
	TokenEndpoint       string   `json:"token_endpoint"`
	ScopesSupported     []string `json:"scopes_supported"`
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`
}

// buildASMetadataEndpoints returns the well-known URLs for an authorization
// server base URL, appended to its path.
func buildASMetadataEndpoints(authServer string) ([]string, error) {
	if err := validateAbsoluteHTTPURL(authServer); err != nil {
		return nil, fmt.Errorf("invalid authorization server URL: %w", err)
	}

	base := strings.TrimSuffix(authServer, "/")
	endpoints := make([]string, 0, len(asMetadataPaths))
	for _, path := range asMetadataPaths {
		endpoints = append(endpoints, base+"/"+path)
	}
	return endpoints, nil
}

// discoverAuthorizationServerMetadata probes the well-known documents in
// order. The first one answering 200 is authoritative: if it is invalid,
// discovery fails without trying the rest.
func (d *Discoverer) discoverAuthorizationServerMetadata(ctx context.Context, authServer string) (*AuthorizationServerMetadata, error) {
	endpoints, err := buildASMetadataEndpoints(authServer)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, endpoint := range endpoints {
		d.logger.InfoVerbose("Trying AS metadata endpoint (%d/%d): %s", i+1, len(endpoints), endpoint)

		status, body, err := d.getDocument(ctx, endpoint)
		if err != nil {
			d.logger.WarningVerbose("Failed to fetch from %s: %v", endpoint, err)
			lastErr = err
			continue
		}
		if status != http.StatusOK {
			d.logger.WarningVerbose("AS metadata endpoint %s answered %d", endpoint, status)
			lastErr = fmt.Errorf("%s answered %d", endpoint, status)
			continue
		}

		metadata, err := parseASMetadata(body)
		if err != nil {
			return nil, fmt.Errorf("invalid metadata from %s: %w", endpoint, err)
		}

		d.logger.InfoVerbose("Discovered AS metadata from %s (token endpoint %s)", endpoint, metadata.TokenEndpoint)
		return metadata, nil
	}

	return nil, fmt.Errorf("no authorization server metadata found for %s (last error: %w)", authServer, lastErr)
}

// parseASMetadata decodes and validates a metadata document. token_endpoint
// and scopes_supported are required; scopes_supported may be empty.
func parseASMetadata(body []byte) (*AuthorizationServerMetadata, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	var metadata AuthorizationServerMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("missing required field: token_endpoint")
	}
	if err := validateAbsoluteHTTPURL(metadata.TokenEndpoint); err != nil {
		return nil, fmt.Errorf("token_endpoint: %w", err)
	}
	if raw, ok := fields["scopes_supported"]; !ok || string(raw) == "null" {
		return nil, fmt.Errorf("missing required field: scopes_supported")
	}
	if metadata.ScopesSupported == nil {
		metadata.ScopesSupported = []string{}
	}
	return &metadata, nil
}
