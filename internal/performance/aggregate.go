// Package performance 由已结算下注重新推导 capper 的战绩。
// Aggregate 是纯函数：相同输入得到完全相同的输出，只支持全量重算。
package performance

import (
	"sort"
	"time"

	"CapperLedger/internal/model"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Point 余额曲线上的一个点
type Point struct {
	BetID          uint64          `json:"betId"`
	Date           time.Time       `json:"date"`
	RunningBalance decimal.Decimal `json:"runningBalance"`
	UnitChange     decimal.Decimal `json:"unitChange"`
	Outcome        model.BetStatus `json:"outcome"`
}

// Snapshot 战绩快照。WinRate 与 ROI 为百分比，不做舍入
type Snapshot struct {
	ProviderID            string          `json:"providerId"`
	WinRate               decimal.Decimal `json:"winRate"`
	TotalSettled          int             `json:"totalSettled"`
	Won                   int             `json:"won"`
	Lost                  int             `json:"lost"`
	TotalStaked           decimal.Decimal `json:"totalStaked"`
	CumulativeUnitBalance decimal.Decimal `json:"cumulativeUnitBalance"`
	ROI                   decimal.Decimal `json:"roi"`
	Series                []Point         `json:"series"`
}

// settledAt 结算时间缺失时退回创建时间
func settledAt(b *model.Bet) time.Time {
	if b.SettledAt != nil {
		return *b.SettledAt
	}
	return b.CreatedAt
}

// Aggregate 按 (结算时间, id) 升序折叠：赢 delta = stake*(odds-1)，输 delta = -stake。pending 忽略
func Aggregate(providerID string, bets []*model.Bet) Snapshot {
	settled := make([]*model.Bet, 0, len(bets))
	for _, b := range bets {
		if b == nil || b.CapperID != providerID {
			continue
		}
		if b.Status == model.BetWon || b.Status == model.BetLost {
			settled = append(settled, b)
		}
	}
	sort.SliceStable(settled, func(i, j int) bool {
		ti, tj := settledAt(settled[i]), settledAt(settled[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return settled[i].ID < settled[j].ID
	})

	snap := Snapshot{
		ProviderID:            providerID,
		WinRate:               decimal.Zero,
		TotalStaked:           decimal.Zero,
		CumulativeUnitBalance: decimal.Zero,
		ROI:                   decimal.Zero,
		Series:                make([]Point, 0, len(settled)),
	}
	balance := decimal.Zero
	for _, b := range settled {
		var delta decimal.Decimal
		if b.Status == model.BetWon {
			snap.Won++
			delta = b.Stake.Mul(b.Odds.Sub(decimal.NewFromInt(1)))
		} else {
			snap.Lost++
			delta = b.Stake.Neg()
		}
		balance = balance.Add(delta)
		snap.TotalStaked = snap.TotalStaked.Add(b.Stake)
		snap.Series = append(snap.Series, Point{
			BetID:          b.ID,
			Date:           settledAt(b),
			RunningBalance: balance,
			UnitChange:     delta,
			Outcome:        b.Status,
		})
	}

	snap.TotalSettled = len(settled)
	snap.CumulativeUnitBalance = balance
	if snap.TotalSettled > 0 {
		snap.WinRate = decimal.NewFromInt(int64(snap.Won)).
			Mul(hundred).
			Div(decimal.NewFromInt(int64(snap.TotalSettled)))
	}
	if !snap.TotalStaked.IsZero() {
		snap.ROI = balance.Mul(hundred).Div(snap.TotalStaked)
	}
	return snap
}

// Profile 快照写回 capper 资料的字段，百分比按列精度保留两位小数
func (s Snapshot) Profile(at time.Time) *model.CapperProfile {
	t := at
	return &model.CapperProfile{
		UserID:         s.ProviderID,
		WinRate:        s.WinRate.Round(2),
		TotalBets:      s.TotalSettled,
		UnitsBalance:   s.CumulativeUnitBalance,
		ROI:            s.ROI.Round(2),
		StatsUpdatedAt: &t,
	}
}
