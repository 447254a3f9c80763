package api

import (
	"context"
	"net/http"
	"time"

	"CapperLedger/internal/interfaces"
	"CapperLedger/internal/observability"
	"CapperLedger/internal/repository"
	"CapperLedger/internal/service"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Deps 路由依赖
type Deps struct {
	Reconciler   *service.Reconciler
	Entitlements *service.EntitlementService
	Performance  *service.PerformanceService
	Unresolved   repository.UnresolvedRepository
	Links        interfaces.DashboardLinker
	Metrics      *observability.Metrics
	Logger       *logrus.Logger

	AdminToken   string
	MaxBodyBytes int64
	// Ping 健康检查（通常为数据库 PingContext），可为 nil
	Ping func(ctx context.Context) error
}

// NewRouter 注册全部路由
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(d.Logger))
	if gin.Mode() == gin.DebugMode {
		pprof.Register(r)
	}

	events := NewEventHandler(d.Reconciler, d.MaxBodyBytes, d.Logger)
	r.POST("/events", events.Receive)

	ent := NewEntitlementHandler(d.Entitlements, d.Logger)
	r.GET("/entitlement", ent.Get)

	perf := NewPerformanceHandler(d.Performance, d.Logger)
	r.GET("/performance", perf.Get)

	admin := NewAdminHandler(d.Reconciler, d.Unresolved, d.Performance, d.Links, d.Logger)
	g := r.Group("/admin", AdminAuth(d.AdminToken))
	{
		g.GET("/unresolved", admin.ListUnresolved)
		g.POST("/unresolved/:event_id/reprocess", admin.Reprocess)
		g.POST("/performance/recompute", admin.RecomputePerformance)
		g.GET("/dashboard-link", admin.DashboardLink)
	}

	r.GET("/healthz", func(c *gin.Context) {
		if d.Ping != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := d.Ping(ctx); err != nil {
				d.Logger.WithError(err).Warn("健康检查失败")
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}
	return r
}
