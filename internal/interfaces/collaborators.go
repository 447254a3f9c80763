package interfaces

import (
	"context"

	"CapperLedger/internal/model"
)

// ValidityGate 账户有效性闸门（processor.Gate 实现）
type ValidityGate interface {
	AssertValid(ctx context.Context, merchantAccount, productRef string) error
}

// Notifier 权益变更通知（notify.Publisher 实现）。发布失败不影响账本
type Notifier interface {
	Publish(ctx context.Context, change string, e *model.Entitlement) error
}

// DashboardLinker capper 收款后台链接（processor.DashboardLinks 实现）
type DashboardLinker interface {
	Get(ctx context.Context, providerID string) (string, error)
}
