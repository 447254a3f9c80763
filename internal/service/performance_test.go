package service

import (
	"context"
	"testing"
	"time"

	"CapperLedger/internal/model"
	"CapperLedger/internal/observability"
	"CapperLedger/internal/repository/repotest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settledBet(id uint64, capper string, status model.BetStatus, stake, odds string, at time.Time) *model.Bet {
	return &model.Bet{
		ID:        id,
		CapperID:  capper,
		Status:    status,
		Stake:     decimal.RequireFromString(stake),
		Odds:      decimal.RequireFromString(odds),
		SettledAt: &at,
	}
}

func TestPerformanceSnapshot_WritesBackProfile(t *testing.T) {
	wagers := repotest.NewMemWagers(
		settledBet(1, "capper-1", model.BetWon, "1", "2.0", t0),
		settledBet(2, "capper-1", model.BetLost, "1", "1.5", t0.Add(time.Hour)),
		&model.Bet{ID: 3, CapperID: "capper-1", Status: model.BetPending, Stake: decimal.NewFromInt(5), Odds: decimal.NewFromInt(2)},
	)
	svc := NewPerformanceService(wagers, wagers, 2, observability.NewMetrics(), quietLogger())
	svc.now = func() time.Time { return t0 }

	snap, err := svc.Snapshot(context.Background(), "capper-1")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.TotalSettled)
	assert.Equal(t, "50", snap.WinRate.String())
	assert.Equal(t, "0", snap.ROI.String())

	p, ok := wagers.Profile("capper-1")
	require.True(t, ok)
	assert.Equal(t, 2, p.TotalBets)
	assert.Equal(t, "50", p.WinRate.String())
	require.NotNil(t, p.StatsUpdatedAt)
	assert.Equal(t, t0, *p.StatsUpdatedAt)
}

func TestPerformanceSnapshot_NoSettledBetsNotWritten(t *testing.T) {
	wagers := repotest.NewMemWagers()
	svc := NewPerformanceService(wagers, wagers, 0, nil, quietLogger())

	snap, err := svc.Snapshot(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, snap.TotalSettled)
	_, ok := wagers.Profile("nobody")
	assert.False(t, ok)
}

func TestPerformanceSnapshot_Repeatable(t *testing.T) {
	wagers := repotest.NewMemWagers(
		settledBet(1, "capper-1", model.BetWon, "2", "1.91", t0),
		settledBet(2, "capper-1", model.BetWon, "1", "3.10", t0),
		settledBet(3, "capper-1", model.BetLost, "1.5", "2.2", t0.Add(time.Minute)),
	)
	svc := NewPerformanceService(wagers, wagers, 1, nil, quietLogger())

	a, err := svc.Snapshot(context.Background(), "capper-1")
	require.NoError(t, err)
	b, err := svc.Snapshot(context.Background(), "capper-1")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRecomputeAll(t *testing.T) {
	wagers := repotest.NewMemWagers(
		settledBet(1, "capper-1", model.BetWon, "1", "2", t0),
		settledBet(2, "capper-2", model.BetLost, "1", "2", t0),
		settledBet(3, "capper-3", model.BetWon, "2", "1.5", t0),
		&model.Bet{ID: 4, CapperID: "capper-4", Status: model.BetPending},
	)
	svc := NewPerformanceService(wagers, wagers, 2, observability.NewMetrics(), quietLogger())

	n, err := svc.RecomputeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	p, ok := wagers.Profile("capper-2")
	require.True(t, ok)
	assert.Equal(t, "-100", p.ROI.String())
	_, ok = wagers.Profile("capper-4")
	assert.False(t, ok)
}
