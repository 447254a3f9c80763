package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"CapperLedger/internal/idempotency"
	"CapperLedger/internal/model"
	"CapperLedger/internal/notify"
	"CapperLedger/internal/observability"
	"CapperLedger/internal/repository"
	"CapperLedger/internal/verifier"

	"github.com/sirupsen/logrus"
)

// Result 状态机对一个事件的处理结果
type Result string

const (
	ResultApplied          Result = "applied"
	ResultDuplicate        Result = "duplicate"
	ResultAlreadySatisfied Result = "already_satisfied"
	ResultNoOp             Result = "noop"
)

// Outcome 处理结果；Change 非空表示需要发布变更通知
type Outcome struct {
	Result      Result
	Change      string
	Entitlement *model.Entitlement
}

const day = 24 * time.Hour

// DefaultTxTimeout 账本事务的默认超时
const DefaultTxTimeout = 5 * time.Second

// ComputeExpiry 一次性购买按周期推导到期时间（week 7 天、month 30 天、year 365 天，缺省 30 天）；
// 周期订阅返回 nil，续费由处理方通过更新事件驱动
func ComputeExpiry(mode model.PurchaseMode, interval string, purchasedAt time.Time) *time.Time {
	if mode == model.PurchaseRecurring {
		return nil
	}
	var term time.Duration
	switch strings.ToLower(interval) {
	case "week":
		term = 7 * day
	case "year":
		term = 365 * day
	default:
		term = 30 * day
	}
	t := purchasedAt.Add(term)
	return &t
}

// MapExternalStatus 处理方订阅状态到权益状态
func MapExternalStatus(status string) model.EntitlementStatus {
	switch status {
	case "active", "trialing":
		return model.EntitlementActive
	case "canceled":
		return model.EntitlementCancelled
	default:
		return model.EntitlementInactive
	}
}

// EntitlementService 权益状态机。每个操作是一次账本事务：认领、校验、变更同生共死
type EntitlementService struct {
	store     repository.LedgerStore
	guard     *idempotency.Guard
	metrics   *observability.Metrics
	logger    *logrus.Logger
	now       func() time.Time
	txTimeout time.Duration
}

// NewEntitlementService 创建权益状态机
func NewEntitlementService(store repository.LedgerStore, guard *idempotency.Guard, metrics *observability.Metrics, logger *logrus.Logger) *EntitlementService {
	return &EntitlementService{store: store, guard: guard, metrics: metrics, logger: logger, now: time.Now, txTimeout: DefaultTxTimeout}
}

// SetTxTimeout 设置账本事务超时，d <= 0 时保持默认值
func (s *EntitlementService) SetTxTimeout(d time.Duration) {
	if d > 0 {
		s.txTimeout = d
	}
}

// withinTx 在有超时上限的事务中执行 fn。超时导致的失败统一包装为 context.DeadlineExceeded，
// 驱动返回的超时错误形态各异（pgconn、database/sql）
func (s *EntitlementService) withinTx(ctx context.Context, fn func(tx repository.LedgerTx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	err := s.store.WithinTx(txCtx, fn)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) &&
		errors.Is(txCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

// Grant 授予：同一三元组已有生效权益时视为已满足
func (s *EntitlementService) Grant(ctx context.Context, ev *verifier.VerifiedEvent) (Outcome, error) {
	g := ev.Grant
	if g == nil {
		return Outcome{}, fmt.Errorf("%w: grant payload missing", verifier.ErrMalformedPayload)
	}
	ref, kind := g.ExternalRef()
	if ref == "" {
		return Outcome{}, fmt.Errorf("%w: external reference missing", verifier.ErrMalformedPayload)
	}

	var out Outcome
	err := s.withinTx(ctx, func(tx repository.LedgerTx) error {
		claim, err := s.guard.Claim(tx, ev.ID, ev.Type)
		if err != nil {
			return err
		}
		if claim == idempotency.AlreadyProcessed {
			out = Outcome{Result: ResultDuplicate}
			return nil
		}

		subOK, provOK, err := tx.PartiesExist(g.SubscriberID, g.ProviderID)
		if err != nil {
			return err
		}
		if !subOK || !provOK {
			return fmt.Errorf("%w: subscriber %q exists=%t, provider %q exists=%t",
				ErrReferentialIntegrity, g.SubscriberID, subOK, g.ProviderID, provOK)
		}

		claim, err = s.guard.ClaimByExternalRef(tx, ref, ev.ID)
		if err != nil {
			return err
		}
		if claim == idempotency.AlreadyProcessed {
			out = Outcome{Result: ResultDuplicate}
			return nil
		}

		triple := model.Triple{SubscriberID: g.SubscriberID, ProviderID: g.ProviderID, ProductID: g.ProductID}
		if err := tx.LockTriple(triple); err != nil {
			return err
		}
		now := s.now().UTC()
		if _, err := tx.ExpireStale(triple, now); err != nil {
			return err
		}
		existing, err := tx.FindActive(triple, now, 0)
		if err != nil {
			return err
		}
		if existing != nil {
			out = Outcome{Result: ResultAlreadySatisfied, Entitlement: existing}
			return nil
		}

		row := &model.Entitlement{
			ExternalRef:       ref,
			ExternalRefKind:   kind,
			SubscriberID:      g.SubscriberID,
			ProviderID:        g.ProviderID,
			ProductID:         g.ProductID,
			Status:            model.EntitlementActive,
			PriceID:           g.PriceID,
			Mode:              g.Mode,
			Interval:          g.Interval,
			MerchantAccountID: g.MerchantAccount,
			CustomerRef:       g.CustomerRef,
			SubscribedAt:      ev.OccurredAt,
			ExpiresAt:         ComputeExpiry(g.Mode, g.Interval, ev.OccurredAt),
			LastEventAt:       ev.OccurredAt,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.CreateEntitlement(row); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				out = Outcome{Result: ResultAlreadySatisfied}
				return nil
			}
			return err
		}
		out = Outcome{Result: ResultApplied, Change: notify.ChangeGranted, Entitlement: row}
		return nil
	})
	s.record("grant", out, err)
	return out, err
}

// ApplyUpdate 按外部引用同步处理方状态。行不存在（更新先于授予到达）、已取消、或事件早于最后一次变更时为 no-op
func (s *EntitlementService) ApplyUpdate(ctx context.Context, ev *verifier.VerifiedEvent) (Outcome, error) {
	u := ev.Update
	if u == nil || u.SubscriptionRef == "" {
		return Outcome{}, fmt.Errorf("%w: update payload missing", verifier.ErrMalformedPayload)
	}

	var out Outcome
	err := s.withinTx(ctx, func(tx repository.LedgerTx) error {
		row, done, err := s.lockForChange(tx, ev, u.SubscriptionRef, &out)
		if err != nil || done {
			return err
		}
		if ev.OccurredAt.Before(row.LastEventAt) {
			s.logger.WithFields(logrus.Fields{
				"event_id":      ev.ID,
				"external_ref":  row.ExternalRef,
				"last_event_at": row.LastEventAt,
			}).Info("事件早于最近一次变更，忽略")
			out = Outcome{Result: ResultNoOp, Entitlement: row}
			return nil
		}

		now := s.now().UTC()
		target := MapExternalStatus(u.ExternalStatus)
		change := notify.ChangeUpdated

		switch {
		case target == model.EntitlementCancelled:
			at := ev.OccurredAt
			if u.CancelledAt != nil {
				at = *u.CancelledAt
			}
			row.CancelledAt = &at
			change = notify.ChangeRevoked
		case target == model.EntitlementActive && row.Status != model.EntitlementActive:
			if err := tx.LockTriple(row.Triple()); err != nil {
				return err
			}
			if _, err := tx.ExpireStale(row.Triple(), now); err != nil {
				return err
			}
			other, err := tx.FindActive(row.Triple(), now, row.ID)
			if err != nil {
				return err
			}
			if other != nil {
				out = Outcome{Result: ResultAlreadySatisfied, Entitlement: other}
				return nil
			}
		case target == row.Status:
			change = ""
		}

		row.Status = target
		row.LastEventAt = ev.OccurredAt
		row.UpdatedAt = now
		if err := tx.SaveEntitlement(row); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				out = Outcome{Result: ResultAlreadySatisfied}
				return nil
			}
			return err
		}
		if change == "" {
			out = Outcome{Result: ResultNoOp, Entitlement: row}
			return nil
		}
		out = Outcome{Result: ResultApplied, Change: change, Entitlement: row}
		return nil
	})
	s.record("update", out, err)
	return out, err
}

// Revoke 取消：终态，cancelledAt 取事件时间
func (s *EntitlementService) Revoke(ctx context.Context, ev *verifier.VerifiedEvent) (Outcome, error) {
	u := ev.Update
	if u == nil || u.SubscriptionRef == "" {
		return Outcome{}, fmt.Errorf("%w: update payload missing", verifier.ErrMalformedPayload)
	}

	var out Outcome
	err := s.withinTx(ctx, func(tx repository.LedgerTx) error {
		row, done, err := s.lockForChange(tx, ev, u.SubscriptionRef, &out)
		if err != nil || done {
			return err
		}
		at := ev.OccurredAt
		row.Status = model.EntitlementCancelled
		row.CancelledAt = &at
		if ev.OccurredAt.After(row.LastEventAt) {
			row.LastEventAt = ev.OccurredAt
		}
		row.UpdatedAt = s.now().UTC()
		if err := tx.SaveEntitlement(row); err != nil {
			return err
		}
		out = Outcome{Result: ResultApplied, Change: notify.ChangeRevoked, Entitlement: row}
		return nil
	})
	s.record("revoke", out, err)
	return out, err
}

// lockForChange 认领事件并锁定目标行；done 为 true 时 out 已填好
func (s *EntitlementService) lockForChange(tx repository.LedgerTx, ev *verifier.VerifiedEvent, ref string, out *Outcome) (*model.Entitlement, bool, error) {
	claim, err := s.guard.Claim(tx, ev.ID, ev.Type)
	if err != nil {
		return nil, false, err
	}
	if claim == idempotency.AlreadyProcessed {
		*out = Outcome{Result: ResultDuplicate}
		return nil, true, nil
	}
	row, err := tx.FindByExternalRefForUpdate(ref)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		s.logger.WithFields(logrus.Fields{"event_id": ev.ID, "external_ref": ref}).
			Info("外部引用尚无权益记录，跳过")
		*out = Outcome{Result: ResultNoOp}
		return nil, true, nil
	}
	if row.Status == model.EntitlementCancelled {
		*out = Outcome{Result: ResultNoOp, Entitlement: row}
		return nil, true, nil
	}
	return row, false, nil
}

func (s *EntitlementService) record(op string, out Outcome, err error) {
	if s.metrics == nil {
		return
	}
	result := string(out.Result)
	if err != nil {
		result = "error"
	}
	s.metrics.EntitlementChanges.WithLabelValues(op, result).Inc()
}

// Current 查询三元组当前权益：生效中的优先，否则最近一条
func (s *EntitlementService) Current(ctx context.Context, t model.Triple) (*model.Entitlement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()
	return s.store.FindForTriple(ctx, t, s.now().UTC())
}
