package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CapperLedger/internal/idempotency"
	"CapperLedger/internal/interfaces"
	"CapperLedger/internal/model"
	"CapperLedger/internal/observability"
	"CapperLedger/internal/processor"
	"CapperLedger/internal/repository"
	"CapperLedger/internal/verifier"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// 对外的管道结果（指标标签与日志）
const (
	OutcomeApplied          = "applied"
	OutcomeDuplicate        = "duplicate"
	OutcomeAlreadySatisfied = "already_satisfied"
	OutcomeNoOp             = "noop"
	OutcomeUnhandled        = "unhandled"
	OutcomeUnresolved       = "unresolved"
)

// IngestResult 一次投递的处理结果
type IngestResult struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Outcome   string `json:"outcome"`
}

// Reconciler 对账管道：验签 → 幂等快速判定 → 有效性闸门 → 状态机
type Reconciler struct {
	verifier   *verifier.Verifier
	guard      *idempotency.Guard
	gate       interfaces.ValidityGate
	ledger     *EntitlementService
	unresolved repository.UnresolvedRepository
	notifier   interfaces.Notifier
	metrics    *observability.Metrics
	logger     *logrus.Logger
	now        func() time.Time
}

// NewReconciler 创建对账管道
func NewReconciler(
	v *verifier.Verifier,
	guard *idempotency.Guard,
	gate interfaces.ValidityGate,
	ledger *EntitlementService,
	unresolved repository.UnresolvedRepository,
	notifier interfaces.Notifier,
	metrics *observability.Metrics,
	logger *logrus.Logger,
) *Reconciler {
	return &Reconciler{
		verifier:   v,
		guard:      guard,
		gate:       gate,
		ledger:     ledger,
		unresolved: unresolved,
		notifier:   notifier,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Ingest 处理一次 webhook 投递。
// 返回 verifier.ErrSignatureInvalid 时调用方应回 400；返回其他错误时回 500（处理方会重投）；
// 闸门失败与解码失败记为未决，不返回错误
func (r *Reconciler) Ingest(ctx context.Context, rawBody []byte, signatureHeader string) (IngestResult, error) {
	ev, err := r.verifier.Verify(rawBody, signatureHeader)
	if err != nil {
		if errors.Is(err, verifier.ErrMalformedPayload) && ev != nil {
			return r.malformed(ctx, ev, err), nil
		}
		r.count("unknown", "signature_invalid")
		r.logger.WithError(err).Warn("webhook 验签失败")
		return IngestResult{}, err
	}
	return r.apply(ctx, ev, false)
}

// Reprocess 从未决记录中保存的已验签事件体重放
func (r *Reconciler) Reprocess(ctx context.Context, eventID string) (IngestResult, error) {
	u, err := r.unresolved.Get(ctx, eventID)
	if err != nil {
		return IngestResult{}, err
	}
	ev, err := verifier.Decode([]byte(u.Payload))
	if err != nil {
		if ev != nil {
			return r.malformed(ctx, ev, err), nil
		}
		return IngestResult{}, err
	}
	return r.apply(ctx, ev, true)
}

func (r *Reconciler) apply(ctx context.Context, ev *verifier.VerifiedEvent, replay bool) (IngestResult, error) {
	res := IngestResult{EventID: ev.ID, EventType: ev.Type}
	log := r.logger.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type, "replay": replay})

	if ev.Kind == verifier.KindUnhandled {
		res.Outcome = OutcomeUnhandled
		r.count(ev.Type, res.Outcome)
		log.Debug("事件类型无需处理")
		return res, nil
	}

	if r.guard.Seen(ctx, ev.ID) {
		res.Outcome = OutcomeDuplicate
		r.count(ev.Type, res.Outcome)
		if replay {
			r.resolve(ctx, ev.ID, log)
		}
		log.Info("重复投递，直接确认")
		return res, nil
	}

	if ev.IsGrant() {
		if err := r.gate.AssertValid(ctx, ev.Grant.MerchantAccount, ev.Grant.ProductID); err != nil {
			reason := model.UnresolvedReason(processor.Reason(err))
			if reason == "unknown" {
				reason = model.ReasonExternalLookupTimeout
			}
			r.markUnresolved(ctx, ev, reason, err)
			res.Outcome = OutcomeUnresolved
			r.count(ev.Type, res.Outcome)
			return res, nil
		}
	}

	var (
		out Outcome
		err error
	)
	switch ev.Kind {
	case verifier.KindCheckoutCompleted, verifier.KindChargeSettled, verifier.KindPaymentSettled:
		out, err = r.ledger.Grant(ctx, ev)
	case verifier.KindRecurringUpdated:
		out, err = r.ledger.ApplyUpdate(ctx, ev)
	case verifier.KindRecurringRemoved:
		out, err = r.ledger.Revoke(ctx, ev)
	default:
		err = fmt.Errorf("%w: kind %s", verifier.ErrMalformedPayload, ev.Kind)
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrReferentialIntegrity):
			r.markUnresolved(ctx, ev, model.ReasonReferentialIntegrity, err)
			log.WithError(err).Error("引用完整性错误，需要人工处理")
		case errors.Is(err, verifier.ErrMalformedPayload):
			return r.malformed(ctx, ev, err), nil
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// 账本超时可恢复：记为未决并确认收到，避免处理方重投风暴
			r.markUnresolved(ctx, ev, model.ReasonExternalLookupTimeout, err)
			res.Outcome = OutcomeUnresolved
			r.count(ev.Type, res.Outcome)
			return res, nil
		default:
			log.WithError(err).Error("账本事务失败")
		}
		r.count(ev.Type, "error")
		return res, err
	}

	r.guard.Remember(ev.ID)
	r.resolve(ctx, ev.ID, log)
	res.Outcome = string(out.Result)
	r.count(ev.Type, res.Outcome)

	fields := logrus.Fields{"outcome": res.Outcome}
	if out.Entitlement != nil {
		fields["external_ref"] = out.Entitlement.ExternalRef
		fields["status"] = out.Entitlement.Status
	}
	log.WithFields(fields).Info("事件已处理")

	if out.Change != "" && out.Entitlement != nil {
		if err := r.notifier.Publish(ctx, out.Change, out.Entitlement); err != nil {
			log.WithError(err).Warn("权益变更通知发布失败")
		}
	}
	return res, nil
}

func (r *Reconciler) malformed(ctx context.Context, ev *verifier.VerifiedEvent, cause error) IngestResult {
	r.markUnresolved(ctx, ev, model.ReasonMalformedPayload, cause)
	r.count(ev.Type, OutcomeUnresolved)
	return IngestResult{EventID: ev.ID, EventType: ev.Type, Outcome: OutcomeUnresolved}
}

func (r *Reconciler) markUnresolved(ctx context.Context, ev *verifier.VerifiedEvent, reason model.UnresolvedReason, cause error) {
	now := r.now().UTC()
	log := r.logger.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type, "reason": reason})
	if r.metrics != nil {
		r.metrics.UnresolvedRecorded.WithLabelValues(string(reason)).Inc()
	}
	if len(ev.Raw) == 0 || ev.ID == "" {
		log.WithError(cause).Error("事件无法记录为未决：缺少事件 id 或原始事件体")
		return
	}
	err := r.unresolved.Record(ctx, &model.UnresolvedEvent{
		EventID:     ev.ID,
		EventType:   ev.Type,
		Reason:      reason,
		Detail:      cause.Error(),
		Payload:     datatypes.JSON(ev.Raw),
		FirstSeenAt: now,
		LastSeenAt:  now,
	})
	if err != nil {
		log.WithError(err).Error("未决事件写入失败")
		return
	}
	log.WithError(cause).Warn("事件已记为未决，等待复核")
}

func (r *Reconciler) resolve(ctx context.Context, eventID string, log *logrus.Entry) {
	if err := r.unresolved.MarkResolved(ctx, eventID, r.now().UTC()); err != nil {
		log.WithError(err).Warn("未决事件标记解决失败")
	}
}

func (r *Reconciler) count(eventType, outcome string) {
	if r.metrics != nil {
		r.metrics.EventsReceived.WithLabelValues(eventType, outcome).Inc()
	}
}
