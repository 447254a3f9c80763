package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BetStatus 下注状态，pending 不参与战绩聚合
type BetStatus string

const (
	BetPending BetStatus = "pending"
	BetWon     BetStatus = "won"
	BetLost    BetStatus = "lost"
)

// Bet 对应 bets 表（由下注校验流程写入，这里只读）
// Stake 以 unit 计，Odds 为十进制赔率
type Bet struct {
	ID        uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	CapperID  string          `gorm:"column:capper_id;type:varchar(64);not null;index:idx_bets_capper_status,priority:1"`
	Status    BetStatus       `gorm:"column:status;type:varchar(16);not null;index:idx_bets_capper_status,priority:2"`
	Stake     decimal.Decimal `gorm:"column:stake;type:numeric(18,6);not null"`
	Odds      decimal.Decimal `gorm:"column:odds;type:numeric(10,4);not null"`
	SettledAt *time.Time      `gorm:"column:settled_at"`
	CreatedAt time.Time       `gorm:"column:created_at"`
}

func (Bet) TableName() string { return "bets" }

// CapperProfile 对应 capper_profiles 表：战绩的反范式缓存字段，随聚合整体重写
type CapperProfile struct {
	UserID         string          `gorm:"column:user_id;type:varchar(64);primaryKey"`
	WinRate        decimal.Decimal `gorm:"column:win_rate;type:numeric(8,2);not null;default:0"`
	TotalBets      int             `gorm:"column:total_bets;not null;default:0"`
	UnitsBalance   decimal.Decimal `gorm:"column:units_balance;type:numeric(18,6);not null;default:0"`
	ROI            decimal.Decimal `gorm:"column:roi;type:numeric(10,2);not null;default:0"`
	StatsUpdatedAt *time.Time      `gorm:"column:stats_updated_at"`
}

func (CapperProfile) TableName() string { return "capper_profiles" }
