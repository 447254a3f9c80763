package api

import (
	"net/http"

	"CapperLedger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PerformanceHandler capper 战绩
type PerformanceHandler struct {
	perf   *service.PerformanceService
	logger *logrus.Logger
}

// NewPerformanceHandler 创建 PerformanceHandler
func NewPerformanceHandler(perf *service.PerformanceService, logger *logrus.Logger) *PerformanceHandler {
	return &PerformanceHandler{perf: perf, logger: logger}
}

// Get GET /performance?provider= 即时重算
func (h *PerformanceHandler) Get(c *gin.Context) {
	provider := c.Query("provider")
	if provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}
	snap, err := h.perf.Snapshot(c.Request.Context(), provider)
	if err != nil {
		h.logger.WithError(err).WithField("provider_id", provider).Error("战绩计算失败")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
