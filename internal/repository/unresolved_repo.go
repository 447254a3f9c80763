package repository

import (
	"context"
	"errors"
	"time"

	"CapperLedger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UnresolvedRepository 未决事件持久化，供人工复核与重放
type UnresolvedRepository interface {
	// Record 记录未决事件；同一事件再次失败时累加 attempts 并刷新原因
	Record(ctx context.Context, ev *model.UnresolvedEvent) error
	MarkResolved(ctx context.Context, eventID string, at time.Time) error
	ListOpen(ctx context.Context, limit int) ([]*model.UnresolvedEvent, error)
	Get(ctx context.Context, eventID string) (*model.UnresolvedEvent, error)
}

type unresolvedRepository struct {
	db *gorm.DB
}

// NewUnresolvedRepository 创建未决事件仓储
func NewUnresolvedRepository(db *gorm.DB) UnresolvedRepository {
	return &unresolvedRepository{db: db}
}

func (r *unresolvedRepository) Record(ctx context.Context, ev *model.UnresolvedEvent) error {
	if ev.Attempts == 0 {
		ev.Attempts = 1
	}
	if ev.FirstSeenAt.IsZero() {
		ev.FirstSeenAt = ev.LastSeenAt
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"reason":       ev.Reason,
			"detail":       ev.Detail,
			"last_seen_at": ev.LastSeenAt,
			"attempts":     gorm.Expr("unresolved_events.attempts + 1"),
			"resolved_at":  nil,
		}),
	}).Create(ev).Error
}

func (r *unresolvedRepository) MarkResolved(ctx context.Context, eventID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.UnresolvedEvent{}).
		Where("event_id = ? AND resolved_at IS NULL", eventID).
		Update("resolved_at", at).Error
}

func (r *unresolvedRepository) ListOpen(ctx context.Context, limit int) ([]*model.UnresolvedEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var list []*model.UnresolvedEvent
	err := r.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("last_seen_at DESC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *unresolvedRepository) Get(ctx context.Context, eventID string) (*model.UnresolvedEvent, error) {
	var ev model.UnresolvedEvent
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
