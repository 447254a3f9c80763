// Package repotest 提供仓储接口的内存实现，供上层单元测试使用。
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"CapperLedger/internal/model"
	"CapperLedger/internal/repository"
)

// MemLedger repository.LedgerStore 的内存实现。
// 事务整体串行执行，在状态副本上操作，成功才替换，与数据库事务的可见性一致
type MemLedger struct {
	mu    sync.Mutex
	state *memState

	// SeenErr 非空时 Seen 返回该错误
	SeenErr error
}

type memState struct {
	events map[string]model.ProcessedEvent
	refs   map[string]model.ExternalRefClaim
	users  map[string]bool
	rows   map[uint64]*model.Entitlement
	nextID uint64
}

// NewMemLedger 创建内存账本，users 为已存在的用户 id
func NewMemLedger(users ...string) *MemLedger {
	st := &memState{
		events: map[string]model.ProcessedEvent{},
		refs:   map[string]model.ExternalRefClaim{},
		users:  map[string]bool{},
		rows:   map[uint64]*model.Entitlement{},
	}
	for _, u := range users {
		st.users[u] = true
	}
	return &MemLedger{state: st}
}

func (s *memState) clone() *memState {
	cp := &memState{
		events: make(map[string]model.ProcessedEvent, len(s.events)),
		refs:   make(map[string]model.ExternalRefClaim, len(s.refs)),
		users:  make(map[string]bool, len(s.users)),
		rows:   make(map[uint64]*model.Entitlement, len(s.rows)),
		nextID: s.nextID,
	}
	for k, v := range s.events {
		cp.events[k] = v
	}
	for k, v := range s.refs {
		cp.refs[k] = v
	}
	for k, v := range s.users {
		cp.users[k] = v
	}
	for k, v := range s.rows {
		row := *v
		cp.rows[k] = &row
	}
	return cp
}

func (m *MemLedger) WithinTx(ctx context.Context, fn func(tx repository.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemLedger) Seen(_ context.Context, eventID string) (bool, error) {
	if m.SeenErr != nil {
		return false, m.SeenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.events[eventID]
	return ok, nil
}

func (m *MemLedger) FindForTriple(_ context.Context, t model.Triple, now time.Time) (*model.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rowsFor(t)
	for _, r := range rows {
		if r.IsEntitled(now) {
			cp := *r
			return &cp, nil
		}
	}
	if len(rows) == 0 {
		return nil, repository.ErrNotFound
	}
	cp := *rows[0]
	return &cp, nil
}

// rowsFor 按 subscribed_at、id 倒序
func (m *MemLedger) rowsFor(t model.Triple) []*model.Entitlement {
	var out []*model.Entitlement
	for _, r := range m.state.rows {
		if r.Triple() == t {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubscribedAt.Equal(out[j].SubscribedAt) {
			return out[i].SubscribedAt.After(out[j].SubscribedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// AddUser 追加用户
func (m *MemLedger) AddUser(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.state.users[id] = true
	}
}

// Entitlements 返回全部权益行的副本，按 id 升序
func (m *MemLedger) Entitlements() []model.Entitlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Entitlement, 0, len(m.state.rows))
	for _, r := range m.state.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount 某三元组在 now 时刻生效中的行数
func (m *MemLedger) ActiveCount(t model.Triple, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.state.rows {
		if r.Triple() == t && r.IsEntitled(now) {
			n++
		}
	}
	return n
}

// Processed 是否存在事件处理标记
func (m *MemLedger) Processed(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.events[eventID]
	return ok
}

// Insert 直接写入一行（测试预置数据用）
func (m *MemLedger) Insert(e model.Entitlement) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.nextID++
	e.ID = m.state.nextID
	m.state.rows[e.ID] = &e
	return e.ID
}

type memTx struct {
	st *memState
}

func (t *memTx) ClaimEvent(eventID, eventType string, at time.Time) (bool, error) {
	if _, ok := t.st.events[eventID]; ok {
		return false, nil
	}
	t.st.events[eventID] = model.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: at}
	return true, nil
}

func (t *memTx) ClaimExternalRef(ref, eventID string, at time.Time) (bool, error) {
	if _, ok := t.st.refs[ref]; ok {
		return false, nil
	}
	t.st.refs[ref] = model.ExternalRefClaim{ExternalRef: ref, EventID: eventID, ClaimedAt: at}
	return true, nil
}

func (t *memTx) PartiesExist(subscriberID, providerID string) (bool, bool, error) {
	return t.st.users[subscriberID], t.st.users[providerID], nil
}

func (t *memTx) LockTriple(model.Triple) error { return nil }

func (t *memTx) ExpireStale(tr model.Triple, now time.Time) (int64, error) {
	var n int64
	for _, r := range t.st.rows {
		if r.Triple() == tr && r.Status == model.EntitlementActive && r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			r.Status = model.EntitlementInactive
			r.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (t *memTx) FindActive(tr model.Triple, now time.Time, excludeID uint64) (*model.Entitlement, error) {
	for _, r := range t.st.rows {
		if r.ID != excludeID && r.Triple() == tr && r.IsEntitled(now) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) FindByExternalRefForUpdate(ref string) (*model.Entitlement, error) {
	for _, r := range t.st.rows {
		if r.ExternalRef == ref {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

// activeConflict 模拟 (subscriber, provider, product) WHERE status='active' 的部分唯一索引
func (t *memTx) activeConflict(e *model.Entitlement) bool {
	if e.Status != model.EntitlementActive {
		return false
	}
	for _, r := range t.st.rows {
		if r.ID != e.ID && r.Triple() == e.Triple() && r.Status == model.EntitlementActive {
			return true
		}
	}
	return false
}

func (t *memTx) CreateEntitlement(e *model.Entitlement) error {
	for _, r := range t.st.rows {
		if r.ExternalRef == e.ExternalRef {
			return repository.ErrConflict
		}
	}
	if t.activeConflict(e) {
		return repository.ErrConflict
	}
	t.st.nextID++
	e.ID = t.st.nextID
	row := *e
	t.st.rows[e.ID] = &row
	return nil
}

func (t *memTx) SaveEntitlement(e *model.Entitlement) error {
	r, ok := t.st.rows[e.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if t.activeConflict(e) {
		return repository.ErrConflict
	}
	r.Status = e.Status
	r.CancelledAt = e.CancelledAt
	r.LastEventAt = e.LastEventAt
	r.UpdatedAt = e.UpdatedAt
	return nil
}
