package provider

import "fmt"

// RemoteInvocationError reports a non-2xx HTTP response from a provider.
type RemoteInvocationError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *RemoteInvocationError) Error() string {
	return fmt.Sprintf("%s request failed: %d %s", e.Method, e.StatusCode, e.Body)
}

// Unauthorized reports whether the provider rejected the bearer token.
func (e *RemoteInvocationError) Unauthorized() bool {
	return e.StatusCode == 401
}
