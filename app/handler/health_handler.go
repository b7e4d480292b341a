package handler

import (
	"context"
	"net/http"
	"time"

	"gpuwatch/internal/jobs"

	"github.com/gin-gonic/gin"
)

// Pinger is a dependency the health check can probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports dependency and background job status
type HealthHandler struct {
	checks map[string]Pinger
	jobs   func() []jobs.Status
}

// NewHealthHandler creates a health handler. jobStatus may be nil.
func NewHealthHandler(checks map[string]Pinger, jobStatus func() []jobs.Status) *HealthHandler {
	return &HealthHandler{checks: checks, jobs: jobStatus}
}

// Health returns 200 when every dependency answers, 503 otherwise
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, p := range h.checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	body := gin.H{"status": "ok", "dependencies": deps}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if h.jobs != nil {
		body["jobs"] = h.jobs()
	}
	c.JSON(status, body)
}
