package api

import (
	"errors"
	"net/http"
	"time"

	"CapperLedger/internal/model"
	"CapperLedger/internal/repository"
	"CapperLedger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// EntitlementHandler 权益查询
type EntitlementHandler struct {
	ledger *service.EntitlementService
	logger *logrus.Logger
}

// NewEntitlementHandler 创建 EntitlementHandler
func NewEntitlementHandler(ledger *service.EntitlementService, logger *logrus.Logger) *EntitlementHandler {
	return &EntitlementHandler{ledger: ledger, logger: logger}
}

// Get GET /entitlement?subscriber=&provider=&product=
// 返回生效中的权益，否则最近一条；entitled 表示此刻是否可访问
func (h *EntitlementHandler) Get(c *gin.Context) {
	t := model.Triple{
		SubscriberID: c.Query("subscriber"),
		ProviderID:   c.Query("provider"),
		ProductID:    c.Query("product"),
	}
	if t.SubscriberID == "" || t.ProviderID == "" || t.ProductID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscriber, provider and product are required"})
		return
	}

	e, err := h.ledger.Current(c.Request.Context(), t)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entitlement not found"})
			return
		}
		h.logger.WithError(err).Error("查询权益失败")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entitlement": e,
		"entitled":    e.IsEntitled(time.Now()),
	})
}
