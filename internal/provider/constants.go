package provider

// UserAgent identifies toolbridge to providers and authorization servers.
const UserAgent = "mcp-toolbridge/1.0"

const (
	// Maximum size of a provider response body (8MB)
	maxResponseSize = 8 * 1024 * 1024

	// Maximum size of an error body echoed back to callers
	maxErrorBodySize = 64 * 1024
)
