package remotetool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-toolbridge/internal/logging"
	"github.com/giantswarm/mcp-toolbridge/internal/provider"
	"github.com/giantswarm/mcp-toolbridge/internal/registry"
)

// TokenSource hands out bearer tokens per provider.
type TokenSource interface {
	GetToken(ctx context.Context, providerID string) (string, error)
	InvalidateToken(providerID string)
}

// CallRecorder observes completed tool calls.
type CallRecorder interface {
	ToolCall(tool, providerID string, duration time.Duration, failed bool)
}

type nopCallRecorder struct{}

func (nopCallRecorder) ToolCall(string, string, time.Duration, bool) {}

// RemoteTool forwards registry invocations to a tool hosted by a provider.
type RemoteTool struct {
	ProviderID         string
	ToolName           string
	ToolDescription    string
	Endpoint           string
	InputSchema        json.RawMessage
	AnswerInstructions string

	client   *provider.Client
	tokens   TokenSource
	recorder CallRecorder
	logger   *logging.Logger
}

var _ registry.Tool = (*RemoteTool)(nil)

func (t *RemoteTool) Name() string {
	return t.ToolName
}

func (t *RemoteTool) Description() string {
	return t.ToolDescription
}

func (t *RemoteTool) Spec() registry.Spec {
	return registry.Spec{
		Name:        t.ToolName,
		Description: t.ToolDescription,
		InputSchema: t.InputSchema,
	}
}

// OwnedBy reports whether tool is an adapter for providerID.
func OwnedBy(providerID string) func(registry.Tool) bool {
	return func(tool registry.Tool) bool {
		remote, ok := tool.(*RemoteTool)
		return ok && remote.ProviderID == providerID
	}
}

// Run calls the remote tool with input as its arguments. A provider that
// rejects the token with 401 gets one retry with a freshly fetched token.
func (t *RemoteTool) Run(ctx context.Context, input map[string]any) (result registry.Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Error executing MCP tool %s: %v", t.ToolName, r)
			result = registry.ErrorResult("Error executing MCP tool: %v", r)
		}
		_, failed := result.Err()
		t.recorder.ToolCall(t.ToolName, t.ProviderID, time.Since(start), failed)
	}()

	t.logger.InfoVerbose("Calling MCP tool %s on provider %s", t.ToolName, t.ProviderID)

	content, err := t.call(ctx, input)
	var remoteErr *provider.RemoteInvocationError
	if errors.As(err, &remoteErr) && remoteErr.Unauthorized() {
		t.logger.Warning("Provider %s rejected the token for %s, retrying with a new token", t.ProviderID, t.ToolName)
		t.tokens.InvalidateToken(t.ProviderID)
		content, err = t.call(ctx, input)
	}
	if err != nil {
		return t.failure(err)
	}

	t.logger.Success("MCP tool %s executed successfully", t.ToolName)

	result = make(registry.Result, len(content)+1)
	for k, v := range content {
		result[k] = v
	}
	if t.AnswerInstructions != "" {
		result["answerInstructions"] = t.AnswerInstructions
	}
	return result
}

func (t *RemoteTool) call(ctx context.Context, input map[string]any) (map[string]any, error) {
	token, err := t.tokens.GetToken(ctx, t.ProviderID)
	if err != nil {
		return nil, err
	}
	return t.client.CallTool(ctx, token, t.ToolName, input)
}

func (t *RemoteTool) failure(err error) registry.Result {
	var remoteErr *provider.RemoteInvocationError
	if errors.As(err, &remoteErr) {
		t.logger.Error("MCP tool %s request failed: %d %s", t.ToolName, remoteErr.StatusCode, remoteErr.Body)
		return registry.Result{
			"error": fmt.Sprintf("MCP tool request failed: %d %s", remoteErr.StatusCode, remoteErr.Body),
		}
	}
	t.logger.Error("Error executing MCP tool %s: %v", t.ToolName, err)
	return registry.ErrorResult("Error executing MCP tool: %v", err)
}
