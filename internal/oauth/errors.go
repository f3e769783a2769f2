package oauth

import (
	"fmt"
)

// DiscoveryError reports a failure to locate a provider's token endpoint.
type DiscoveryError struct {
	Endpoint string
	Reason   string
	Err      error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oauth discovery for %s failed: %s: %v", e.Endpoint, e.Reason, e.Err)
	}
	return fmt.Sprintf("oauth discovery for %s failed: %s", e.Endpoint, e.Reason)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// TokenRequestError reports a rejected or unusable token endpoint response.
type TokenRequestError struct {
	ProviderID    string
	TokenEndpoint string
	// StatusCode is zero when no HTTP response was received.
	StatusCode int
	Body       string
	Err        error
}

func (e *TokenRequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("OAuth token request failed: %d %s", e.StatusCode, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("OAuth token request failed: %v", e.Err)
	}
	return "OAuth token request failed"
}

func (e *TokenRequestError) Unwrap() error {
	return e.Err
}
