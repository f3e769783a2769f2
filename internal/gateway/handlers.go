package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const shutdownTimeout = 5 * time.Second

// handleRegistryTool delegates a call to the registry. A result with an
// error member becomes an MCP error result.
func (s *Server) handleRegistryTool(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := s.registry.Run(ctx, name, request.GetArguments())
		if msg, failed := result.Err(); failed {
			return mcp.NewToolResultError(msg), nil
		}

		data, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

// handleStatus handles the toolbridge_status request
func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(s.loader.Status())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleReload handles the toolbridge_reload request
func (s *Server) handleReload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	providerID := request.GetString("providerId", "")

	if providerID == "" {
		if err := s.loader.ReloadAll(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to reload providers: %v", err)), nil
		}
		return mcp.NewToolResultText("Reloaded all providers"), nil
	}

	if err := s.loader.Reload(ctx, providerID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reload provider %s: %v", providerID, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reloaded provider %s", providerID)), nil
}
