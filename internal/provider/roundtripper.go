package provider

import "net/http"

// bearerRoundTripper adds the provider access token and the toolbridge user
// agent to every outgoing request.
type bearerRoundTripper struct {
	transport http.RoundTripper
	token     string
}

func newBearerRoundTripper(token string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &bearerRoundTripper{
		transport: base,
		token:     token,
	}
}

// RoundTrip implements http.RoundTripper.
func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Never mutate the caller's request.
	clonedReq := req.Clone(req.Context())

	if rt.token != "" {
		clonedReq.Header.Set("Authorization", "Bearer "+rt.token)
	}
	if clonedReq.Header.Get("User-Agent") == "" {
		clonedReq.Header.Set("User-Agent", UserAgent)
	}

	return rt.transport.RoundTrip(clonedReq)
}
