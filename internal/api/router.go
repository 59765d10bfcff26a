// Package api provides the internal HTTP API used by the authentication
// service and operators to drive session lifecycle.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/airfi/captivegate/internal/auth"
	"github.com/airfi/captivegate/internal/ratelimit"
)

// Router wraps the Gin engine with session handlers.
type Router struct {
	engine  *gin.Engine
	handler *Handler
}

// NewRouter creates a new API router. Every /api/v1 route requires a signed
// call token; limiter may be nil.
func NewRouter(handler *Handler, jwtService *auth.JWTService, limiter *ratelimit.Limiter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	_ = engine.SetTrustedProxies(nil)
	// Route on the escaped path so a user ID containing "%2F" stays one segment.
	engine.UseRawPath = true
	engine.UnescapePathValues = true

	// Middleware
	engine.Use(gin.Recovery())
	engine.Use(LoggingMiddleware(logger))
	engine.Use(ratelimit.Middleware(limiter, nil, logger))

	r := &Router{
		engine:  engine,
		handler: handler,
	}

	r.setupRoutes(AuthMiddleware(jwtService, logger))

	return r
}

// setupRoutes configures all API routes.
func (r *Router) setupRoutes(authMiddleware gin.HandlerFunc) {
	// Health check
	r.engine.GET("/health", r.handler.HealthCheck)

	// API v1 routes
	v1 := r.engine.Group("/api/v1")
	v1.Use(authMiddleware)
	{
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", r.handler.ListSessions)
			sessions.POST("/activate", r.handler.ActivateSession)
			sessions.GET("/:userId", r.handler.GetSession)
			sessions.POST("/:userId/end", r.handler.EndSession)
		}

		v1.GET("/access/:ip", r.handler.CheckAccess)
		v1.GET("/stats", r.handler.GetStats)
	}
}

// Engine returns the underlying Gin engine.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}
