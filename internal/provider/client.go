// Package provider implements the JSON-RPC tool catalog protocol spoken by
// remote tool providers: tools/list, tools/call and the unauthenticated probe
// used to discover a provider's authorization server.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-toolbridge/internal/logging"
)

// Client talks to a single provider endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a client for endpoint. A nil httpClient means
// http.DefaultClient.
func NewClient(endpoint string, httpClient *http.Client, logger *logging.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Endpoint returns the provider URL this client posts to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// ProbeResult is the outcome of an unauthenticated tools/list request.
type ProbeResult struct {
	StatusCode      int
	WWWAuthenticate string
}

// Probe posts a tools/list envelope without credentials. Protected providers
// answer 401 with a WWW-Authenticate challenge.
func (c *Client) Probe(ctx context.Context) (*ProbeResult, error) {
	httpReq, err := c.newHTTPRequest(ctx, NewRequest(mcp.MethodToolsList, nil))
	if err != nil {
		return nil, err
	}

	resp, err := c.clientWithToken("").Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))

	return &ProbeResult{
		StatusCode:      resp.StatusCode,
		WWWAuthenticate: resp.Header.Get("WWW-Authenticate"),
	}, nil
}

// ListTools fetches the provider's tool catalog.
func (c *Client) ListTools(ctx context.Context, token string) ([]CatalogEntry, error) {
	resp, err := c.send(ctx, token, NewRequest(mcp.MethodToolsList, nil))
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, errors.New("tools/list response missing result")
	}

	var result listToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a remote tool and returns the first item of the result
// content.
func (c *Client) CallTool(ctx context.Context, token, name string, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	req := NewRequest(mcp.MethodToolsCall, CallParams{Name: name, Arguments: args})

	resp, err := c.send(ctx, token, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, errors.New("tools/call response missing result")
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/call result: %w", err)
	}
	if len(result.Content) == 0 {
		return nil, errors.New("tools/call result has no content")
	}
	return result.Content[0], nil
}

func (c *Client) clientWithToken(token string) *http.Client {
	return &http.Client{
		Transport:     newBearerRoundTripper(token, c.httpClient.Transport),
		Timeout:       c.httpClient.Timeout,
		CheckRedirect: c.httpClient.CheckRedirect,
		Jar:           c.httpClient.Jar,
	}
}

func (c *Client) newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", req.Method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	return httpReq, nil
}

func (c *Client) send(ctx context.Context, token string, req Request) (*Response, error) {
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	c.logger.Request(req.Method, req)

	resp, err := c.clientWithToken(token).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", req.Method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &RemoteInvocationError{
			Method:     req.Method,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", req.Method, err)
	}
	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("%s response exceeds maximum size of %d bytes", req.Method, maxResponseSize)
	}

	payload, err := extractJSON(data)
	if err != nil {
		return nil, err
	}

	var envelope Response
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", req.Method, err)
	}

	c.logger.Response(req.Method, json.RawMessage(payload))

	if envelope.Error != nil {
		return nil, envelope.Error
	}
	return &envelope, nil
}

// extractJSON returns the JSON document of a plain or SSE-framed response.
// For SSE the first data line is used.
func extractJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("event:")) && !bytes.HasPrefix(trimmed, []byte("data:")) {
		return trimmed, nil
	}

	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if bytes.HasPrefix(line, []byte("data:")) {
			return bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:"))), nil
		}
	}
	return nil, fmt.Errorf("no data field found in SSE response")
}
