package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"CapperLedger/internal/observability"
	"CapperLedger/internal/performance"
	"CapperLedger/internal/repository"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PerformanceService 战绩聚合：读已结算下注 → 纯函数聚合 → 写回 capper 资料
type PerformanceService struct {
	wagers      repository.WagerRepository
	profiles    repository.ProfileRepository
	concurrency int
	metrics     *observability.Metrics
	logger      *logrus.Logger
	now         func() time.Time
}

// NewPerformanceService 创建战绩服务，concurrency 为批量重算的并发上限
func NewPerformanceService(wagers repository.WagerRepository, profiles repository.ProfileRepository, concurrency int, metrics *observability.Metrics, logger *logrus.Logger) *PerformanceService {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &PerformanceService{
		wagers:      wagers,
		profiles:    profiles,
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// Snapshot 即时重算并写回；写回失败只记日志，不影响返回
func (s *PerformanceService) Snapshot(ctx context.Context, providerID string) (performance.Snapshot, error) {
	snap, err := s.compute(ctx, providerID)
	if err != nil {
		return performance.Snapshot{}, err
	}
	if err := s.writeBack(ctx, snap); err != nil {
		s.logger.WithError(err).WithField("provider_id", providerID).Warn("战绩写回失败")
	}
	return snap, nil
}

// RecomputeAll 重算所有有已结算下注的 capper，返回处理数量
func (s *PerformanceService) RecomputeAll(ctx context.Context) (int, error) {
	ids, err := s.wagers.ListCappersWithSettled(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cappers: %w", err)
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			snap, err := s.compute(gctx, id)
			if err != nil {
				return fmt.Errorf("capper %s: %w", id, err)
			}
			if err := s.writeBack(gctx, snap); err != nil {
				return fmt.Errorf("capper %s: %w", id, err)
			}
			done.Add(1)
			return nil
		})
	}
	err = g.Wait()
	s.logger.WithFields(logrus.Fields{"cappers": len(ids), "recomputed": done.Load()}).Info("战绩批量重算完成")
	return int(done.Load()), err
}

func (s *PerformanceService) compute(ctx context.Context, providerID string) (performance.Snapshot, error) {
	start := time.Now()
	bets, err := s.wagers.ListSettledByCapper(ctx, providerID)
	if err != nil {
		return performance.Snapshot{}, fmt.Errorf("list settled bets: %w", err)
	}
	snap := performance.Aggregate(providerID, bets)
	if s.metrics != nil {
		s.metrics.AggregationDuration.Observe(time.Since(start).Seconds())
	}
	return snap, nil
}

// writeBack 没有已结算下注时资料保持默认值，不写入
func (s *PerformanceService) writeBack(ctx context.Context, snap performance.Snapshot) error {
	if snap.TotalSettled == 0 {
		return nil
	}
	return s.profiles.SavePerformance(ctx, snap.Profile(s.now().UTC()))
}
