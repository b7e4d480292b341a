package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"gpuwatch/internal/service"
	"gpuwatch/pkg/constants"
	"gpuwatch/pkg/logger"
	"gpuwatch/pkg/store/mysql/model"

	"github.com/gin-gonic/gin"
)

const (
	defaultAggregateLimit = 100
	maxAggregateLimit     = 1000
)

// GPUReader answers job and fleet reads
type GPUReader interface {
	ReadJob(ctx context.Context, jobID string) (*service.JobGPUStats, error)
	ReadOverview(ctx context.Context) (*service.FleetGPUStats, error)
}

// GPUCapturer runs capture cycles and lists stored aggregates
type GPUCapturer interface {
	RunCaptureCycle(ctx context.Context) (*service.CaptureResult, error)
	ListAggregates(ctx context.Context, complete *bool, limit, offset int) ([]*model.JobGPUMetrics, int64, error)
}

// GPUMetricsHandler handles GPU telemetry HTTP requests
type GPUMetricsHandler struct {
	reader  GPUReader
	capture GPUCapturer
}

// NewGPUMetricsHandler creates a new GPU metrics handler. Either argument may be nil when
// the engine is not configured.
func NewGPUMetricsHandler(reader GPUReader, capture GPUCapturer) *GPUMetricsHandler {
	return &GPUMetricsHandler{reader: reader, capture: capture}
}

// GetJob returns statistics for one job
// @Summary Get job GPU statistics
// @Tags gpu
// @Produce json
// @Param job_id path string true "Workload manager job id"
// @Success 200 {object} service.JobGPUStats
// @Router /api/v1/gpu/jobs/{job_id} [get]
func (h *GPUMetricsHandler) GetJob(c *gin.Context) {
	if h.reader == nil {
		writeError(c, service.ErrNotConfigured)
		return
	}

	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id is required"})
		return
	}

	stats, err := h.reader.ReadJob(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetOverview returns fleet statistics
// @Summary Get fleet GPU overview
// @Tags gpu
// @Produce json
// @Success 200 {object} service.FleetGPUStats
// @Router /api/v1/gpu/overview [get]
func (h *GPUMetricsHandler) GetOverview(c *gin.Context) {
	if h.reader == nil {
		writeError(c, service.ErrNotConfigured)
		return
	}

	stats, err := h.reader.ReadOverview(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Capture runs one capture cycle
// @Summary Trigger a capture cycle
// @Tags gpu
// @Produce json
// @Success 200 {object} service.CaptureResult
// @Router /api/v1/gpu/capture [post]
func (h *GPUMetricsHandler) Capture(c *gin.Context) {
	if h.capture == nil {
		writeError(c, service.ErrNotConfigured)
		return
	}

	result, err := h.capture.RunCaptureCycle(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListAggregates lists stored per-job aggregates
// @Summary List stored aggregates
// @Tags gpu
// @Produce json
// @Param complete query bool false "Filter by completion"
// @Param limit query int false "Page size (default 100, max 1000)"
// @Param offset query int false "Offset"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/gpu/aggregates [get]
func (h *GPUMetricsHandler) ListAggregates(c *gin.Context) {
	if h.capture == nil {
		writeError(c, service.ErrNotConfigured)
		return
	}

	var complete *bool
	if raw := c.Query("complete"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "complete must be true or false"})
			return
		}
		complete = &v
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultAggregateLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxAggregateLimit {
		limit = maxAggregateLimit
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}

	rows, total, err := h.capture.ListAggregates(c.Request.Context(), complete, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":                   rows,
		"total":                  total,
		"limit":                  limit,
		"offset":                 offset,
		"underutilizedThreshold": constants.UnderutilizedThreshold,
	})
}

func writeError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, service.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gpu telemetry not configured"})
	case errors.Is(err, service.ErrBackendUnavailable):
		logger.WarnCtx(ctx, "metrics backend unavailable: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "metrics backend unavailable"})
	default:
		logger.ErrorCtx(ctx, "gpu telemetry request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
