package admin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/giantswarm/mcp-toolbridge/internal/store"
)

// providerResponse is a provider configuration as returned by the API. The
// client secret is never included.
type providerResponse struct {
	store.ProviderConfig
	Status string `json:"status"`
}

func newProviderResponse(cfg store.ProviderConfig) providerResponse {
	status := "disabled"
	if cfg.Enabled {
		status = "active"
	}
	return providerResponse{ProviderConfig: cfg, Status: status}
}

type createProviderRequest struct {
	Name                  string `json:"name"`
	Description           string `json:"description"`
	Endpoint              string `json:"endpoint"`
	ClientID              string `json:"clientId"`
	ClientSecret          string `json:"clientSecret"`
	Enabled               *bool  `json:"enabled"`
	AdditionalInstruction string `json:"additionalInstruction"`
}

type updateProviderRequest struct {
	store.ConfigPatch
	ClientSecret *string `json:"clientSecret,omitempty"`
}

func errorJSON(c *gin.Context, status int, message string, err error) {
	body := gin.H{"error": message}
	if err != nil {
		_ = c.Error(err)
		body["message"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}

func (s *Server) listProviders(c *gin.Context) {
	configs, err := s.store.GetAllConfigs(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to fetch MCP tools", err)
		return
	}

	response := make([]providerResponse, 0, len(configs))
	for _, cfg := range configs {
		response = append(response, newProviderResponse(cfg))
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) getProvider(c *gin.Context) {
	cfg, err := s.store.GetConfig(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrConfigNotFound) {
		errorJSON(c, http.StatusNotFound, "MCP tool not found", nil)
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to fetch MCP tool", err)
		return
	}
	c.JSON(http.StatusOK, newProviderResponse(*cfg))
}

func (s *Server) createProvider(c *gin.Context) {
	var req createProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Endpoint) == "" ||
		strings.TrimSpace(req.ClientID) == "" || req.ClientSecret == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":    "Missing required fields",
			"required": []string{"name", "endpoint", "clientId", "clientSecret"},
		})
		return
	}

	now := s.now().UTC()
	cfg := store.ProviderConfig{
		ID:                    uuid.NewString(),
		Name:                  req.Name,
		Description:           req.Description,
		Endpoint:              req.Endpoint,
		ClientID:              req.ClientID,
		Enabled:               req.Enabled == nil || *req.Enabled,
		AdditionalInstruction: req.AdditionalInstruction,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := cfg.Validate(); err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid MCP tool configuration", err)
		return
	}

	ctx := c.Request.Context()
	if err := s.store.AddConfig(ctx, cfg); err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to create MCP tool", err)
		return
	}
	if err := s.store.SaveSecret(ctx, cfg.ID, req.ClientSecret); err != nil {
		if delErr := s.store.DeleteConfig(ctx, cfg.ID); delErr != nil {
			s.logger.Error("Failed to roll back MCP tool %s: %v", cfg.ID, delErr)
		}
		errorJSON(c, http.StatusInternalServerError, "Failed to create MCP tool", err)
		return
	}

	if cfg.Enabled {
		if err := s.loader.RegisterProvider(ctx, cfg); err != nil {
			s.logger.Error("Failed to register MCP tool %s: %v", cfg.ID, err)
		}
	}

	s.logger.Success("Created MCP tool: %s (%s)", cfg.Name, cfg.ID)
	c.JSON(http.StatusCreated, newProviderResponse(cfg))
}

func (s *Server) updateProvider(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	var req updateProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	existing, err := s.store.GetConfig(ctx, id)
	if errors.Is(err, store.ErrConfigNotFound) {
		errorJSON(c, http.StatusNotFound, "MCP tool not found", nil)
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to update MCP tool", err)
		return
	}

	merged, err := req.ConfigPatch.Apply(*existing, s.now())
	if err == nil {
		err = merged.Validate()
	}
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid MCP tool configuration", err)
		return
	}

	updated, err := s.store.UpdateConfig(ctx, id, req.ConfigPatch)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to update MCP tool", err)
		return
	}
	if req.ClientSecret != nil && *req.ClientSecret != "" {
		if err := s.store.SaveSecret(ctx, id, *req.ClientSecret); err != nil {
			errorJSON(c, http.StatusInternalServerError, "Failed to update MCP tool secret", err)
			return
		}
	}

	if err := s.loader.Reload(ctx, id); err != nil {
		s.logger.Error("Failed to reload MCP tool %s: %v", id, err)
	}

	s.logger.Success("Updated MCP tool: %s (%s)", updated.Name, id)
	c.JSON(http.StatusOK, newProviderResponse(*updated))
}

func (s *Server) deleteProvider(c *gin.Context) {
	id := c.Param("id")

	s.loader.UnregisterProvider(id)

	err := s.store.DeleteConfig(c.Request.Context(), id)
	if errors.Is(err, store.ErrConfigNotFound) {
		errorJSON(c, http.StatusNotFound, "MCP tool not found", nil)
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to delete MCP tool", err)
		return
	}

	s.logger.Success("Deleted MCP tool: %s", id)
	c.Status(http.StatusNoContent)
}

func (s *Server) testProvider(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.store.GetConfig(ctx, id); err != nil {
		if errors.Is(err, store.ErrConfigNotFound) {
			errorJSON(c, http.StatusNotFound, "MCP tool not found", nil)
			return
		}
		errorJSON(c, http.StatusInternalServerError, "Failed to test MCP tool", err)
		return
	}

	s.tokens.InvalidateToken(id)
	if _, err := s.tokens.GetToken(ctx, id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Failed to connect to MCP tool",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Successfully connected to MCP tool and obtained OAuth token",
	})
}

func (s *Server) status(c *gin.Context) {
	status := s.loader.Status()
	c.JSON(http.StatusOK, gin.H{
		"loadedTools": len(status.LoadedTools),
		"tools":       status.LoadedTools,
		"tokenCache":  status.TokenCache,
	})
}

func (s *Server) reloadAll(c *gin.Context) {
	if err := s.loader.ReloadAll(c.Request.Context()); err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to reload MCP tools", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "loadedTools": len(s.loader.Status().LoadedTools)})
}

func (s *Server) listSpecs(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.ListSpecs())
}

// runTool always answers 200 with the tool result; failures are carried in
// the result's error member.
func (s *Server) runTool(c *gin.Context) {
	input := map[string]any{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			errorJSON(c, http.StatusBadRequest, "Invalid tool input", err)
			return
		}
	}
	c.JSON(http.StatusOK, s.registry.Run(c.Request.Context(), c.Param("name"), input))
}
