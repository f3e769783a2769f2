// Package oauth obtains, caches and refreshes OAuth2 client-credentials
// access tokens for remote tool providers.
//
// A provider's token endpoint is not configured. It is discovered from the
// provider itself, in this order:
//   - RFC 9728: Protected Resource Metadata, located through the
//     resource_metadata parameter of the WWW-Authenticate header returned
//     by an unauthenticated probe
//   - RFC 8414: Authorization Server Metadata, probed on the OAuth 2.0 and
//     OpenID Connect well-known paths
//
// # Key Components
//
//   - Discoverer: Resolves the token endpoint and supported scopes of a provider
//   - Manager: Caches one token per provider and refreshes it on a timer
//     shortly before it expires
//   - TokenRequestError and DiscoveryError: Failures carrying the provider id
//     and the endpoint that failed
package oauth
