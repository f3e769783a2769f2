// Package admin serves the REST API used to manage tool providers and to
// drive the tool registry over HTTP.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/giantswarm/mcp-toolbridge/internal/logging"
	"github.com/giantswarm/mcp-toolbridge/internal/metrics"
	"github.com/giantswarm/mcp-toolbridge/internal/registry"
	"github.com/giantswarm/mcp-toolbridge/internal/remotetool"
	"github.com/giantswarm/mcp-toolbridge/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Loader is the part of the tool loader the API drives.
type Loader interface {
	RegisterProvider(ctx context.Context, cfg store.ProviderConfig) error
	UnregisterProvider(providerID string)
	Reload(ctx context.Context, providerID string) error
	ReloadAll(ctx context.Context) error
	Status() remotetool.Status
}

// Tokens is the part of the token manager the API drives.
type Tokens interface {
	GetToken(ctx context.Context, providerID string) (string, error)
	InvalidateToken(providerID string)
}

// Config holds the dependencies of a Server.
type Config struct {
	Store    store.Store
	Loader   Loader
	Tokens   Tokens
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	// Gatherer backs GET /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	Logger   *logging.Logger
}

// Server is the admin HTTP API.
type Server struct {
	store    store.Store
	loader   Loader
	tokens   Tokens
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *logging.Logger
	router   *gin.Engine
	now      func() time.Time
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		store:    cfg.Store,
		loader:   cfg.Loader,
		tokens:   cfg.Tokens,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      time.Now,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "mcp-toolbridge"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	mcp := router.Group("/api/mcp")
	mcp.GET("/tools", s.listProviders)
	mcp.GET("/tools/:id", s.getProvider)
	mcp.POST("/tools", s.createProvider)
	mcp.PUT("/tools/:id", s.updateProvider)
	mcp.DELETE("/tools/:id", s.deleteProvider)
	mcp.POST("/tools/:id/test", s.testProvider)
	mcp.GET("/status", s.status)
	mcp.POST("/reload", s.reloadAll)

	tools := router.Group("/api/tools")
	tools.GET("/specs", s.listSpecs)
	tools.POST("/:name/run", s.runTool)

	s.router = router
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin API listening on http://%s", addr)
		errCh <- httpServer.ListenAndServe()
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
}

// requestLogger logs every request and records it in the metrics.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		for _, e := range c.Errors {
			s.logger.Error("%s %s: %v", c.Request.Method, c.Request.URL.Path, e.Err)
		}
		if status >= 400 {
			s.logger.Warning("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
		} else {
			s.logger.InfoVerbose("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
		}

		if c.FullPath() != "/metrics" && c.FullPath() != "/healthz" {
			s.metrics.HTTPRequest(c.Request.Method, c.FullPath(), status)
		}
	}
}
