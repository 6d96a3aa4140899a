package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports service liveness and database reachability
type HealthHandler struct {
	logger  *slog.Logger
	health  HealthChecker
	service string
}

func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger:  deps.Logger,
		health:  deps.Health,
		service: deps.ServiceName,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	if h.health != nil {
		if err := h.health.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("Health check failed", slog.Any("error", err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"service":  h.service,
				"database": err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"service":  h.service,
		"database": "ok",
	})
}
