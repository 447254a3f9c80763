package api

import (
	"errors"
	"io"
	"net/http"

	"CapperLedger/internal/service"
	"CapperLedger/internal/verifier"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const headerSignature = "Stripe-Signature"

// EventHandler webhook 入口
type EventHandler struct {
	reconciler *service.Reconciler
	maxBody    int64
	logger     *logrus.Logger
}

// NewEventHandler 创建 EventHandler，maxBody 为请求体上限（字节）
func NewEventHandler(reconciler *service.Reconciler, maxBody int64, logger *logrus.Logger) *EventHandler {
	if maxBody <= 0 {
		maxBody = 64 << 10
	}
	return &EventHandler{reconciler: reconciler, maxBody: maxBody, logger: logger}
}

// Receive POST /events
// 已应用、重复、无需处理、记为未决都返回 202；验签失败 400；账本失败 500（由处理方重投）。
// 响应体不包含内部错误细节
func (h *EventHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	res, err := h.reconciler.Ingest(c.Request.Context(), body, c.GetHeader(headerSignature))
	if err != nil {
		if errors.Is(err, verifier.ErrSignatureInvalid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		h.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"event_id":   res.EventID,
		}).Error("webhook 处理失败")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"received": true})
}
