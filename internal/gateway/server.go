// Package gateway exposes the tool registry as an MCP server.
//
// Every tool in the registry is mirrored as an MCP tool carrying its raw input
// schema. Two management tools are always present: toolbridge_status and
// toolbridge_reload.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-toolbridge/internal/logging"
	"github.com/giantswarm/mcp-toolbridge/internal/registry"
	"github.com/giantswarm/mcp-toolbridge/internal/remotetool"
)

// Transports understood by Start.
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

const (
	serverName = "mcp-toolbridge"

	statusToolName = "toolbridge_status"
	reloadToolName = "toolbridge_reload"
)

// Loader is the part of the tool loader the gateway drives.
type Loader interface {
	Status() remotetool.Status
	Reload(ctx context.Context, providerID string) error
	ReloadAll(ctx context.Context) error
}

// Server mirrors a registry over MCP.
type Server struct {
	registry  *registry.Registry
	loader    Loader
	logger    *logging.Logger
	mcpServer *server.MCPServer
	transport string
}

// NewServer creates a gateway for reg. The registry is mirrored from the
// moment of construction on.
func NewServer(reg *registry.Registry, loader Loader, transport, version string, logger *logging.Logger) (*Server, error) {
	switch transport {
	case TransportStdio, TransportStreamableHTTP:
	default:
		return nil, fmt.Errorf("unsupported server transport: %s", transport)
	}

	mcpServer := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
	)

	s := &Server{
		registry:  reg,
		loader:    loader,
		logger:    logger,
		mcpServer: mcpServer,
		transport: transport,
	}

	s.registerManagementTools()

	reg.Subscribe(s.mirror)
	for _, name := range reg.Names() {
		if tool, ok := reg.Get(name); ok {
			s.addTool(tool)
		}
	}

	return s, nil
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Start serves MCP on the configured transport until ctx is cancelled.
// listenAddr is only used by streamable-http.
func (s *Server) Start(ctx context.Context, listenAddr string) error {
	switch s.transport {
	case TransportStdio:
		s.logger.Info("Serving MCP on stdio")
		return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
	case TransportStreamableHTTP:
		httpServer := server.NewStreamableHTTPServer(
			s.mcpServer,
			server.WithEndpointPath("/mcp"),
		)

		errCh := make(chan error, 1)
		go func() {
			s.logger.Info("Serving MCP on http://%s/mcp", listenAddr)
			errCh <- httpServer.Start(listenAddr)
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		}
	default:
		return fmt.Errorf("unsupported server transport: %s", s.transport)
	}
}

func (s *Server) mirror(event registry.EventType, tool registry.Tool) {
	switch event {
	case registry.EventRegistered:
		s.addTool(tool)
	case registry.EventRemoved:
		if isManagementTool(tool.Name()) {
			return
		}
		s.logger.Debug("Removing MCP tool %s", tool.Name())
		s.mcpServer.DeleteTools(tool.Name())
	}
}

func (s *Server) addTool(tool registry.Tool) {
	if isManagementTool(tool.Name()) {
		s.logger.Warning("Tool %s shadows a management tool and is not exposed over MCP", tool.Name())
		return
	}

	spec := tool.Spec()
	s.logger.Debug("Adding MCP tool %s", spec.Name)
	s.mcpServer.AddTool(
		mcp.NewToolWithRawSchema(spec.Name, spec.Description, spec.InputSchema),
		s.handleRegistryTool(spec.Name),
	)
}

func isManagementTool(name string) bool {
	return strings.EqualFold(name, statusToolName) || strings.EqualFold(name, reloadToolName)
}

func (s *Server) registerManagementTools() {
	statusTool := mcp.NewTool(statusToolName,
		mcp.WithDescription("Show the loaded remote tools and the OAuth token cache"),
	)
	s.mcpServer.AddTool(statusTool, s.handleStatus)

	reloadTool := mcp.NewTool(reloadToolName,
		mcp.WithDescription("Reload the tools of one provider, or of all providers when no id is given"),
		mcp.WithString("providerId",
			mcp.Description("ID of the provider to reload"),
		),
	)
	s.mcpServer.AddTool(reloadTool, s.handleReload)
}
