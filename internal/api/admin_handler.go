package api

import (
	"errors"
	"net/http"
	"strconv"

	"CapperLedger/internal/interfaces"
	"CapperLedger/internal/processor"
	"CapperLedger/internal/repository"
	"CapperLedger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminHandler 运维接口：未决事件复核、批量重算、后台链接
type AdminHandler struct {
	reconciler *service.Reconciler
	unresolved repository.UnresolvedRepository
	perf       *service.PerformanceService
	links      interfaces.DashboardLinker
	logger     *logrus.Logger
}

// NewAdminHandler 创建 AdminHandler；links 为 nil 时后台链接接口返回 503
func NewAdminHandler(reconciler *service.Reconciler, unresolved repository.UnresolvedRepository, perf *service.PerformanceService, links interfaces.DashboardLinker, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{reconciler: reconciler, unresolved: unresolved, perf: perf, links: links, logger: logger}
}

// ListUnresolved GET /admin/unresolved?limit=100
func (h *AdminHandler) ListUnresolved(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.unresolved.ListOpen(c.Request.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("查询未决事件失败")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": list, "count": len(list)})
}

// Reprocess POST /admin/unresolved/:event_id/reprocess
func (h *AdminHandler) Reprocess(c *gin.Context) {
	eventID := c.Param("event_id")
	res, err := h.reconciler.Reprocess(c.Request.Context(), eventID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "unresolved event not found"})
		case errors.Is(err, service.ErrReferentialIntegrity):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			h.logger.WithError(err).WithField("event_id", eventID).Error("重放未决事件失败")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

// RecomputePerformance POST /admin/performance/recompute
func (h *AdminHandler) RecomputePerformance(c *gin.Context) {
	n, err := h.perf.RecomputeAll(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("战绩批量重算失败")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "recomputed": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recomputed": n})
}

// DashboardLink GET /admin/dashboard-link?provider=
func (h *AdminHandler) DashboardLink(c *gin.Context) {
	if h.links == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dashboard links disabled"})
		return
	}
	provider := c.Query("provider")
	if provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}
	url, err := h.links.Get(c.Request.Context(), provider)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		case errors.Is(err, processor.ErrNoMerchantAccount), errors.Is(err, processor.ErrAccountInvalid):
			c.JSON(http.StatusConflict, gin.H{"error": "merchant account unavailable"})
		case errors.Is(err, processor.ErrExternalLookupTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "payment processor unavailable"})
		default:
			h.logger.WithError(err).WithField("provider_id", provider).Error("获取后台链接失败")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}
