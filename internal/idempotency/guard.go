// Package idempotency 判定一次投递是否已经生效。
// 权威判定在账本事务内通过唯一约束插入完成；LRU 与 processed_events 查询只是快速返回路径。
package idempotency

import (
	"context"
	"time"

	"CapperLedger/internal/observability"
	"CapperLedger/internal/repository"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Outcome 认领结果
type Outcome int

const (
	Fresh Outcome = iota
	AlreadyProcessed
)

func (o Outcome) String() string {
	if o == AlreadyProcessed {
		return "already_processed"
	}
	return "fresh"
}

// seenTimeout 快速判定的查询上限，超时按未见过处理
const seenTimeout = 500 * time.Millisecond

// Guard 幂等守卫
type Guard struct {
	recent  *lru.Cache[string, struct{}]
	store   repository.LedgerStore
	metrics *observability.Metrics
	log     *logrus.Logger
	now     func() time.Time
}

// NewGuard 创建幂等守卫，size 为进程内最近事件缓存容量
func NewGuard(store repository.LedgerStore, size int, metrics *observability.Metrics, log *logrus.Logger) (*Guard, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Guard{recent: cache, store: store, metrics: metrics, log: log, now: time.Now}, nil
}

// Seen 非权威快速判定。为 true 时事件一定已生效；为 false 时仍须走事务内认领
func (g *Guard) Seen(ctx context.Context, eventID string) bool {
	if g.recent.Contains(eventID) {
		g.duplicate("lru")
		return true
	}
	lookupCtx, cancel := context.WithTimeout(ctx, seenTimeout)
	defer cancel()
	ok, err := g.store.Seen(lookupCtx, eventID)
	if err != nil {
		// 查询失败不影响正确性，交给事务内认领
		g.log.WithError(err).WithField("event_id", eventID).Warn("processed_events 查询失败")
		return false
	}
	if ok {
		g.recent.Add(eventID, struct{}{})
		g.duplicate("db")
	}
	return ok
}

// Claim 在调用方事务内认领事件 id，事务回滚则认领一并撤销
func (g *Guard) Claim(tx repository.LedgerTx, eventID, eventType string) (Outcome, error) {
	fresh, err := tx.ClaimEvent(eventID, eventType, g.now().UTC())
	if err != nil {
		return Fresh, err
	}
	if !fresh {
		g.duplicate("claim")
		return AlreadyProcessed, nil
	}
	return Fresh, nil
}

// ClaimByExternalRef 在调用方事务内认领外部引用（订阅号/支付意图号）
func (g *Guard) ClaimByExternalRef(tx repository.LedgerTx, ref, eventID string) (Outcome, error) {
	fresh, err := tx.ClaimExternalRef(ref, eventID, g.now().UTC())
	if err != nil {
		return Fresh, err
	}
	if !fresh {
		g.duplicate("external_ref")
		return AlreadyProcessed, nil
	}
	return Fresh, nil
}

// Remember 事务提交后写入进程内缓存
func (g *Guard) Remember(eventID string) {
	g.recent.Add(eventID, struct{}{})
}

func (g *Guard) duplicate(tier string) {
	if g.metrics != nil {
		g.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}
