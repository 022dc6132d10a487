package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/foundryworks/capiforge/internal/platform/logger"
)

// HealthHandler implements the liveness probe (spec §6): a single endpoint
// reporting process health and the running environment.
type HealthHandler struct {
	log         *logger.Logger
	environment string
}

func NewHealthHandler(log *logger.Logger, environment string) *HealthHandler {
	return &HealthHandler{log: log.With("handler", "HealthHandler"), environment: environment}
}

// Health implements GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"environment": h.environment,
		"timestamp":   time.Now().UTC(),
	})
}
