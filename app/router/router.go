package router

import (
	"gpuwatch/app/handler"
	"gpuwatch/app/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router Router
type Router struct {
	gpuHandler    *handler.GPUMetricsHandler
	healthHandler *handler.HealthHandler
	apiKey        string
}

// NewRouter creates a new Router
func NewRouter(gpuHandler *handler.GPUMetricsHandler, healthHandler *handler.HealthHandler, apiKey string) *Router {
	return &Router{
		gpuHandler:    gpuHandler,
		healthHandler: healthHandler,
		apiKey:        apiKey,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Trace())
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	api := engine.Group("/api/v1")
	{
		gpu := api.Group("/gpu")
		{
			gpu.GET("/jobs/:job_id", r.gpuHandler.GetJob)
			gpu.GET("/overview", r.gpuHandler.GetOverview)
			gpu.GET("/aggregates", r.gpuHandler.ListAggregates)

			// Capture trigger for external schedulers (cron, systemd timers)
			capture := gpu.Group("/capture")
			capture.Use(middleware.AuthMiddleware(r.apiKey))
			{
				capture.POST("", r.gpuHandler.Capture)
				capture.GET("", r.gpuHandler.Capture)
			}
		}
	}

	// Health check
	if r.healthHandler != nil {
		engine.GET("/health", r.healthHandler.Health)
	} else {
		engine.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{"status": "ok"})
		})
	}

	// Self metrics
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
