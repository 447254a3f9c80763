package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CapperLedger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerStore 权益账本持久化。所有写操作都在 WithinTx 的单个事务内完成
type LedgerStore interface {
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error
	// Seen 事件是否已有处理标记（非权威，仅用于快速返回）
	Seen(ctx context.Context, eventID string) (bool, error)
	// FindForTriple 返回生效中的权益，没有则返回最近一条；都没有返回 ErrNotFound
	FindForTriple(ctx context.Context, t model.Triple, now time.Time) (*model.Entitlement, error)
}

// LedgerTx 事务内的账本操作
type LedgerTx interface {
	// ClaimEvent 插入事件处理标记，已存在返回 false
	ClaimEvent(eventID, eventType string, at time.Time) (bool, error)
	// ClaimExternalRef 插入外部引用认领标记，已存在返回 false
	ClaimExternalRef(ref, eventID string, at time.Time) (bool, error)
	PartiesExist(subscriberID, providerID string) (subscriberOK, providerOK bool, err error)
	// LockTriple 事务级 advisory lock，串行化同一三元组的授予
	LockTriple(t model.Triple) error
	// ExpireStale 将已过期但仍为 active 的行置为 inactive
	ExpireStale(t model.Triple, now time.Time) (int64, error)
	// FindActive 查找生效中的行（excludeID 非 0 时排除该行），没有返回 nil
	FindActive(t model.Triple, now time.Time, excludeID uint64) (*model.Entitlement, error)
	// FindByExternalRefForUpdate 按外部引用加行锁查找，没有返回 nil
	FindByExternalRefForUpdate(ref string) (*model.Entitlement, error)
	CreateEntitlement(e *model.Entitlement) error
	SaveEntitlement(e *model.Entitlement) error
}

type ledgerStore struct {
	db *gorm.DB
}

// NewLedgerStore 创建权益账本仓储
func NewLedgerStore(db *gorm.DB) LedgerStore {
	return &ledgerStore{db: db}
}

func (r *ledgerStore) WithinTx(ctx context.Context, fn func(tx LedgerTx) error) (err error) {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("开启事务失败: %w", tx.Error)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

func (r *ledgerStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Limit(1).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *ledgerStore) FindForTriple(ctx context.Context, t model.Triple, now time.Time) (*model.Entitlement, error) {
	base := r.db.WithContext(ctx).Model(&model.Entitlement{}).
		Where("subscriber_id = ? AND provider_id = ? AND product_id = ?", t.SubscriberID, t.ProviderID, t.ProductID)

	var e model.Entitlement
	err := base.Session(&gorm.Session{}).
		Where("status = ? AND (expires_at IS NULL OR expires_at > ?)", model.EntitlementActive, now).
		Order("subscribed_at DESC").
		Take(&e).Error
	if err == nil {
		return &e, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = base.Session(&gorm.Session{}).Order("subscribed_at DESC, id DESC").Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type ledgerTx struct {
	tx *gorm.DB
}

func (t *ledgerTx) ClaimEvent(eventID, eventType string, at time.Time) (bool, error) {
	res := t.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: at,
	})
	return claimed(res)
}

func (t *ledgerTx) ClaimExternalRef(ref, eventID string, at time.Time) (bool, error) {
	res := t.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.ExternalRefClaim{
		ExternalRef: ref,
		EventID:     eventID,
		ClaimedAt:   at,
	})
	return claimed(res)
}

// claimed 插入影响 0 行或唯一约束冲突都表示已被认领，不是错误
func claimed(res *gorm.DB) (bool, error) {
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (t *ledgerTx) PartiesExist(subscriberID, providerID string) (bool, bool, error) {
	var ids []string
	if err := t.tx.Model(&model.User{}).
		Where("id IN ?", []string{subscriberID, providerID}).
		Pluck("id", &ids).Error; err != nil {
		return false, false, err
	}
	var subOK, provOK bool
	for _, id := range ids {
		if id == subscriberID {
			subOK = true
		}
		if id == providerID {
			provOK = true
		}
	}
	return subOK, provOK, nil
}

func (t *ledgerTx) LockTriple(tr model.Triple) error {
	return t.tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", tr.LockKey()).Error
}

func (t *ledgerTx) ExpireStale(tr model.Triple, now time.Time) (int64, error) {
	res := t.tx.Model(&model.Entitlement{}).
		Where("subscriber_id = ? AND provider_id = ? AND product_id = ? AND status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			tr.SubscriberID, tr.ProviderID, tr.ProductID, model.EntitlementActive, now).
		Updates(map[string]interface{}{
			"status":     model.EntitlementInactive,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

func (t *ledgerTx) FindActive(tr model.Triple, now time.Time, excludeID uint64) (*model.Entitlement, error) {
	q := t.tx.Where("subscriber_id = ? AND provider_id = ? AND product_id = ? AND status = ? AND (expires_at IS NULL OR expires_at > ?)",
		tr.SubscriberID, tr.ProviderID, tr.ProductID, model.EntitlementActive, now)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	var e model.Entitlement
	if err := q.Take(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (t *ledgerTx) FindByExternalRefForUpdate(ref string) (*model.Entitlement, error) {
	var e model.Entitlement
	err := t.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_ref = ?", ref).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *ledgerTx) CreateEntitlement(e *model.Entitlement) error {
	return t.conflictSafe("create_entitlement", func() error {
		return t.tx.Create(e).Error
	})
}

func (t *ledgerTx) SaveEntitlement(e *model.Entitlement) error {
	return t.conflictSafe("save_entitlement", func() error {
		return t.tx.Model(e).
			Select("status", "cancelled_at", "last_event_at", "updated_at").
			Updates(e).Error
	})
}

// conflictSafe 在 savepoint 内执行写入。唯一约束冲突会使 PostgreSQL 事务进入 aborted 状态，
// 回滚到 savepoint 后事务仍可继续并提交（已写入的认领标记随之生效），冲突以 ErrConflict 返回
func (t *ledgerTx) conflictSafe(name string, write func() error) error {
	if err := t.tx.SavePoint(name).Error; err != nil {
		return fmt.Errorf("创建 savepoint 失败: %w", err)
	}
	err := write()
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}
	if rbErr := t.tx.RollbackTo(name).Error; rbErr != nil {
		return fmt.Errorf("回滚到 savepoint 失败: %w", rbErr)
	}
	return fmt.Errorf("%w: %v", ErrConflict, err)
}
