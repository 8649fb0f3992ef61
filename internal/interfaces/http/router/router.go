package router

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/supplysync/backend/internal/interfaces/http/middleware"
)

// RouteRegistrar defines the interface for registering routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router manages HTTP route registration
type Router struct {
	engine     *gin.Engine
	apiVersion string
	registrars []RouteRegistrar
}

// New creates a gin engine with the standard middleware stack and returns a
// router over it.
func New(env string, logger *zap.Logger) *Router {
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Logger(logger),
		middleware.Recovery(logger),
	)
	return &Router{
		engine:     engine,
		apiVersion: "v1",
	}
}

// Engine exposes the underlying gin engine for server wiring and root routes
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// Register adds a RouteRegistrar to be registered on Setup
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Setup registers all routes under the versioned API group
func (r *Router) Setup() {
	api := r.engine.Group("/api/" + r.apiVersion)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
}
