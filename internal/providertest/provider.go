package providertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

// Paths served by a Provider.
const (
	EndpointPath         = "/mcp"
	ResourceMetadataPath = "/.well-known/oauth-protected-resource"
)

// Tool is one entry of a fake provider's catalog.
type Tool struct {
	Name        string
	Description string
	// InputSchema is echoed verbatim in tools/list. Nil omits the field.
	InputSchema json.RawMessage
	// Handler builds the single content item of a tools/call result. Nil
	// echoes the arguments back as a text item.
	Handler func(args map[string]any) map[string]any
}

// Call records a tools/call request received by a Provider.
type Call struct {
	Name          string
	Arguments     map[string]any
	Authorization string
}

// Provider is a fake protected tool provider. Unauthenticated requests get a
// 401 challenge pointing at its protected resource metadata, which names the
// linked AuthServer.
type Provider struct {
	*httptest.Server
	t  testing.TB
	as *AuthServer

	mu sync.Mutex

	tools []Tool

	probeStatus      int
	challenge        *string
	resourceMetadata json.RawMessage
	listStatus       int
	callStatus       int
	callBody         string
	rejectNext       int
	sse              bool

	probeCount    int
	listCount     int
	metadataCount int
	calls         []Call
}

// NewProvider starts a fake provider protected by as. It is closed when the
// test ends.
func NewProvider(t testing.TB, as *AuthServer, tools ...Tool) *Provider {
	t.Helper()

	p := &Provider{
		t:           t,
		as:          as,
		tools:       tools,
		probeStatus: http.StatusUnauthorized,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(ResourceMetadataPath, p.handleResourceMetadata)
	mux.HandleFunc(EndpointPath, p.handleRPC)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

// Endpoint returns the provider's JSON-RPC URL.
func (p *Provider) Endpoint() string {
	return p.URL + EndpointPath
}

// SetTools replaces the catalog.
func (p *Provider) SetTools(tools ...Tool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tools = tools
}

// SetProbeStatus sets the status returned to unauthenticated requests.
func (p *Provider) SetProbeStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probeStatus = status
}

// SetChallenge overrides the WWW-Authenticate header of the 401 probe
// response. An empty value omits the header.
func (p *Provider) SetChallenge(header string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenge = &header
}

// SetResourceMetadata serves raw as the protected resource metadata.
func (p *Provider) SetResourceMetadata(raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resourceMetadata = json.RawMessage(raw)
}

// SetListStatus makes authenticated tools/list answer status. Zero restores
// normal behaviour.
func (p *Provider) SetListStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listStatus = status
}

// FailCalls makes tools/call answer status with body. Zero restores normal
// behaviour.
func (p *Provider) FailCalls(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callStatus = status
	p.callBody = body
}

// RejectNextCalls answers the next n authenticated requests with 401.
func (p *Provider) RejectNextCalls(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectNext = n
}

// UseSSE frames successful responses as server-sent events.
func (p *Provider) UseSSE(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sse = enabled
}

// ProbeCount returns the number of unauthenticated requests.
func (p *Provider) ProbeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probeCount
}

// ListCount returns the number of authenticated tools/list calls.
func (p *Provider) ListCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listCount
}

// MetadataCount returns the number of protected resource metadata fetches.
func (p *Provider) MetadataCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadataCount
}

// Calls returns the tools/call requests received so far.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

func (p *Provider) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.metadataCount++
	override := p.resourceMetadata
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if override != nil {
		_, _ = w.Write(override)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"resource":                 p.Endpoint(),
		"authorization_servers":    []string{p.as.URL},
		"bearer_methods_supported": []string{"header"},
	})
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (p *Provider) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		p.writeChallenge(w)
		return
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	p.mu.Lock()
	reject := p.rejectNext > 0
	if reject {
		p.rejectNext--
	}
	p.mu.Unlock()

	if reject || !p.as.Valid(token) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, `{"error":"invalid_token"}`, http.StatusUnauthorized)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	switch mcp.MCPMethod(req.Method) {
	case mcp.MethodToolsList:
		p.handleList(w, req)
	case mcp.MethodToolsCall:
		p.handleCall(w, req, authHeader)
	default:
		p.writeResult(w, req.ID, nil, &rpcError{Code: -32601, Message: "method not found: " + req.Method})
	}
}

func (p *Provider) writeChallenge(w http.ResponseWriter) {
	p.mu.Lock()
	p.probeCount++
	status := p.probeStatus
	challenge := p.challenge
	p.mu.Unlock()

	if status != http.StatusUnauthorized {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":2,"result":{"tools":[]}}`))
		return
	}

	header := fmt.Sprintf(`Bearer resource_metadata="%s%s", scope="tools:read"`, p.URL, ResourceMetadataPath)
	if challenge != nil {
		header = *challenge
	}
	if header != "" {
		w.Header().Set("WWW-Authenticate", header)
	}
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

func (p *Provider) handleList(w http.ResponseWriter, req rpcRequest) {
	p.mu.Lock()
	p.listCount++
	status := p.listStatus
	tools := append([]Tool(nil), p.tools...)
	p.mu.Unlock()

	if status != 0 {
		http.Error(w, "catalog unavailable", status)
		return
	}

	entries := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		entry := map[string]any{"name": tool.Name}
		if tool.Description != "" {
			entry["description"] = tool.Description
		}
		if tool.InputSchema != nil {
			entry["inputSchema"] = tool.InputSchema
		}
		entries = append(entries, entry)
	}
	p.writeResult(w, req.ID, map[string]any{"tools": entries}, nil)
}

func (p *Provider) handleCall(w http.ResponseWriter, req rpcRequest, authHeader string) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.writeResult(w, req.ID, nil, &rpcError{Code: -32602, Message: "invalid params"})
		return
	}

	p.mu.Lock()
	p.calls = append(p.calls, Call{Name: params.Name, Arguments: params.Arguments, Authorization: authHeader})
	status, body := p.callStatus, p.callBody
	var tool *Tool
	for i := range p.tools {
		if p.tools[i].Name == params.Name {
			t := p.tools[i]
			tool = &t
			break
		}
	}
	p.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}
	if tool == nil {
		p.writeResult(w, req.ID, nil, &rpcError{Code: -32602, Message: "unknown tool: " + params.Name})
		return
	}

	var item map[string]any
	if tool.Handler != nil {
		item = tool.Handler(params.Arguments)
	} else {
		encoded, _ := json.Marshal(params.Arguments)
		item = map[string]any{"type": "text", "text": string(encoded)}
	}
	p.writeResult(w, req.ID, map[string]any{"content": []map[string]any{item}}, nil)
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *Provider) writeResult(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *rpcError) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	p.mu.Lock()
	sse := p.sse
	p.mu.Unlock()

	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", encoded)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(encoded)
}
