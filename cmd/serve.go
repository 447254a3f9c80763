package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"CapperLedger/internal/api"
	"CapperLedger/internal/idempotency"
	"CapperLedger/internal/notify"
	"CapperLedger/internal/observability"
	"CapperLedger/internal/processor"
	"CapperLedger/internal/repository"
	"CapperLedger/internal/service"
	"CapperLedger/internal/verifier"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "Migrate the schema before serving")
	return cmd
}

func runServe(parent context.Context, autoMigrate bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 配置与日志
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	if cfg.Stripe.WebhookSecret == "" {
		logger.Warn("未配置 STRIPE_WEBHOOK_SECRET，所有 webhook 都将被拒绝")
	}

	// 2. 数据库
	db, err := openDB(cfg.Database, logger, autoMigrate)
	if err != nil {
		return err
	}
	if autoMigrate {
		if err := migrate(db); err != nil {
			return err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	// 3. 仓储与外部依赖
	metrics := observability.NewMetrics()
	ledgerStore := repository.NewLedgerStore(db)
	unresolved := repository.NewUnresolvedRepository(db)
	users := repository.NewUserRepository(db)
	wagers := repository.NewWagerRepository(db)
	profiles := repository.NewProfileRepository(db)

	stripeClient := processor.NewClient(cfg.Stripe, logger)
	links := processor.NewDashboardLinks(stripeClient, users, cfg.Cache.DashboardLinkSize, cfg.Cache.DashboardLinkTTL)
	gate := processor.NewGate(stripeClient, links, metrics)

	notifier, err := notify.Connect(ctx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer notifier.Close()

	// 4. 服务
	guard, err := idempotency.NewGuard(ledgerStore, cfg.Cache.IdempotencySize, metrics, logger)
	if err != nil {
		return err
	}
	ledger := service.NewEntitlementService(ledgerStore, guard, metrics, logger)
	ledger.SetTxTimeout(cfg.Database.TxTimeout)
	reconciler := service.NewReconciler(
		verifier.New(cfg.Stripe.WebhookSecret, cfg.Stripe.SignatureTolerance()),
		guard, gate, ledger, unresolved, notifier, metrics, logger,
	)
	perf := service.NewPerformanceService(wagers, profiles, cfg.Aggregation.Concurrency, metrics, logger)

	// 5. 路由
	gin.SetMode(cfg.Server.Mode)
	logger.Infof("Gin运行模式: %s", cfg.Server.Mode)
	router := api.NewRouter(api.Deps{
		Reconciler:   reconciler,
		Entitlements: ledger,
		Performance:  perf,
		Unresolved:   unresolved,
		Links:        links,
		Metrics:      metrics,
		Logger:       logger,
		AdminToken:   cfg.Server.AdminToken,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Ping:         sqlDB.PingContext,
	})

	// 6. 启动，收到信号后优雅退出
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("服务启动成功，端口：%d", cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("启动服务失败: %w", err)
	case <-ctx.Done():
	}

	logger.Info("正在关闭服务…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭服务失败: %w", err)
	}
	return sqlDB.Close()
}
