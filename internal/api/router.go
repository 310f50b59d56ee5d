package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"halcyon/internal/app"
)

// Router builds the gin.Engine exposing the full HTTP surface of spec §6
// over an application root.
type Router struct {
	root        *app.Root
	development bool
	engine      *gin.Engine
}

// NewRouter wires every route and middleware named in spec §6 against root.
func NewRouter(root *app.Root, development bool) *Router {
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), environmentMiddleware(development), correlationMiddleware(), metricsMiddleware(root.Metrics))
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost},
		AllowHeaders:    []string{"Authorization", "Content-Type", "X-Request-Id"},
	}))

	r := &Router{root: root, development: development, engine: engine}
	r.registerRoutes()
	return r
}

// Engine exposes the underlying gin.Engine for the server entrypoint to run.
func (r *Router) Engine() *gin.Engine { return r.engine }

func (r *Router) registerRoutes() {
	h := &handlers{root: r.root}

	r.engine.GET("/health", h.health)
	r.engine.GET("/ready", h.ready)
	r.engine.GET("/ready/all", h.readyAll)
	r.engine.GET("/metrics", h.metrics)
	r.engine.GET("/metrics/prometheus", h.metricsPrometheus)

	r.engine.POST("/webhook/:messenger", h.webhook)

	auth := r.engine.Group("/")
	auth.Use(
		rateLimitMiddleware(r.root.RateLimiter, func() { r.root.Metrics.RateLimitRejected.Inc() }),
		authMiddleware(r.root.Credentials, r.root.Clock),
	)
	{
		auth.POST("/v1/chat", h.chat)
		auth.POST("/v1/chat/stream", h.chatStream)
		auth.POST("/v1/commands", h.commands)
		auth.POST("/v1/commands/parse", h.commandsParse)
		auth.GET("/v1/approvals", h.listApprovals)
		auth.GET("/v1/approvals/:id", h.getApproval)
		auth.POST("/v1/approvals/:id/decide", h.decideApproval)
		auth.GET("/v1/system/status", h.systemStatus)
	}
}
