package repository

import (
	"context"

	"CapperLedger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WagerRepository 已结算下注的只读访问
type WagerRepository interface {
	// ListSettledByCapper 返回 capper 的全部 won/lost 下注（未排序，排序由聚合器负责）
	ListSettledByCapper(ctx context.Context, capperID string) ([]*model.Bet, error)
	ListCappersWithSettled(ctx context.Context) ([]string, error)
}

// ProfileRepository capper 战绩缓存字段
type ProfileRepository interface {
	SavePerformance(ctx context.Context, p *model.CapperProfile) error
}

type wagerRepository struct {
	db *gorm.DB
}

// NewWagerRepository 创建下注仓储
func NewWagerRepository(db *gorm.DB) WagerRepository {
	return &wagerRepository{db: db}
}

// NewProfileRepository 创建 capper 资料仓储
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &wagerRepository{db: db}
}

var settledStatuses = []model.BetStatus{model.BetWon, model.BetLost}

func (r *wagerRepository) ListSettledByCapper(ctx context.Context, capperID string) ([]*model.Bet, error) {
	var bets []*model.Bet
	err := r.db.WithContext(ctx).
		Where("capper_id = ? AND status IN ?", capperID, settledStatuses).
		Find(&bets).Error
	return bets, err
}

func (r *wagerRepository) ListCappersWithSettled(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.Bet{}).
		Where("status IN ?", settledStatuses).
		Distinct("capper_id").
		Order("capper_id").
		Pluck("capper_id", &ids).Error
	return ids, err
}

func (r *wagerRepository) SavePerformance(ctx context.Context, p *model.CapperProfile) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"win_rate", "total_bets", "units_balance", "roi", "stats_updated_at"}),
	}).Create(p).Error
}
