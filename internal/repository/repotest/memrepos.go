package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"CapperLedger/internal/model"
	"CapperLedger/internal/repository"
)

// MemUnresolved repository.UnresolvedRepository 的内存实现
type MemUnresolved struct {
	mu   sync.Mutex
	rows map[string]*model.UnresolvedEvent
}

func NewMemUnresolved() *MemUnresolved {
	return &MemUnresolved{rows: map[string]*model.UnresolvedEvent{}}
}

func (m *MemUnresolved) Record(_ context.Context, ev *model.UnresolvedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rows[ev.EventID]; ok {
		cur.Reason = ev.Reason
		cur.Detail = ev.Detail
		cur.LastSeenAt = ev.LastSeenAt
		cur.Attempts++
		cur.ResolvedAt = nil
		return nil
	}
	cp := *ev
	if cp.Attempts == 0 {
		cp.Attempts = 1
	}
	if cp.FirstSeenAt.IsZero() {
		cp.FirstSeenAt = cp.LastSeenAt
	}
	cp.ID = uint64(len(m.rows) + 1)
	m.rows[ev.EventID] = &cp
	return nil
}

func (m *MemUnresolved) MarkResolved(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rows[eventID]; ok && cur.ResolvedAt == nil {
		t := at
		cur.ResolvedAt = &t
	}
	return nil
}

func (m *MemUnresolved) ListOpen(_ context.Context, limit int) ([]*model.UnresolvedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.UnresolvedEvent
	for _, r := range m.rows {
		if r.ResolvedAt == nil {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemUnresolved) Get(_ context.Context, eventID string) (*model.UnresolvedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[eventID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// MemWagers 同时实现 WagerRepository 与 ProfileRepository
type MemWagers struct {
	mu       sync.Mutex
	bets     []*model.Bet
	profiles map[string]model.CapperProfile
}

func NewMemWagers(bets ...*model.Bet) *MemWagers {
	return &MemWagers{bets: bets, profiles: map[string]model.CapperProfile{}}
}

func (m *MemWagers) ListSettledByCapper(_ context.Context, capperID string) ([]*model.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Bet
	for _, b := range m.bets {
		if b.CapperID == capperID && b.Status != model.BetPending {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemWagers) ListCappersWithSettled(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var ids []string
	for _, b := range m.bets {
		if b.Status != model.BetPending && !seen[b.CapperID] {
			seen[b.CapperID] = true
			ids = append(ids, b.CapperID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemWagers) SavePerformance(_ context.Context, p *model.CapperProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = *p
	return nil
}

// Profile 读取已写回的战绩
func (m *MemWagers) Profile(userID string) (model.CapperProfile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	return p, ok
}

// MemUsers repository.UserRepository 的内存实现
type MemUsers map[string]*model.User

func (m MemUsers) GetByID(_ context.Context, id string) (*model.User, error) {
	u, ok := m[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}
