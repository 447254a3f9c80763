package model

import (
	"time"
)

// EntitlementStatus 权益状态
type EntitlementStatus string

const (
	EntitlementActive    EntitlementStatus = "active"
	EntitlementInactive  EntitlementStatus = "inactive"
	EntitlementCancelled EntitlementStatus = "cancelled"
)

// ExternalRefKind 外部引用类型：订阅号与支付意图号互斥
type ExternalRefKind string

const (
	ExternalRefSubscription  ExternalRefKind = "subscription"
	ExternalRefPaymentIntent ExternalRefKind = "payment_intent"
)

// PurchaseMode 购买方式
type PurchaseMode string

const (
	PurchaseOneTime   PurchaseMode = "one_time"
	PurchaseRecurring PurchaseMode = "recurring"
)

// Entitlement 对应 entitlements 表：订阅者对某 capper 某产品的访问权益
// ExternalRef 一经写入全局唯一，是账本行的幂等键；ExpiresAt 为空表示由处理方管理续费
type Entitlement struct {
	ID                uint64            `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ExternalRef       string            `gorm:"column:external_ref;type:varchar(128);uniqueIndex;not null" json:"externalRef"`
	ExternalRefKind   ExternalRefKind   `gorm:"column:external_ref_kind;type:varchar(16);not null" json:"externalRefKind"`
	SubscriberID      string            `gorm:"column:subscriber_id;type:varchar(64);not null;index:idx_entitlement_triple_status,priority:1" json:"subscriberId"`
	ProviderID        string            `gorm:"column:provider_id;type:varchar(64);not null;index:idx_entitlement_triple_status,priority:2" json:"providerId"`
	ProductID         string            `gorm:"column:product_id;type:varchar(64);not null;index:idx_entitlement_triple_status,priority:3" json:"productId"`
	Status            EntitlementStatus `gorm:"column:status;type:varchar(16);not null;index:idx_entitlement_triple_status,priority:4" json:"status"`
	PriceID           string            `gorm:"column:price_id;type:varchar(64)" json:"priceId"`
	Mode              PurchaseMode      `gorm:"column:mode;type:varchar(16);not null" json:"mode"`
	Interval          string            `gorm:"column:interval;type:varchar(16)" json:"interval,omitempty"`
	MerchantAccountID string            `gorm:"column:merchant_account_id;type:varchar(64);not null" json:"merchantAccountId"`
	CustomerRef       string            `gorm:"column:customer_ref;type:varchar(64)" json:"customerRef,omitempty"`
	SubscribedAt      time.Time         `gorm:"column:subscribed_at;not null" json:"subscribedAt"`
	ExpiresAt         *time.Time        `gorm:"column:expires_at" json:"expiresAt"`
	CancelledAt       *time.Time        `gorm:"column:cancelled_at" json:"cancelledAt"`
	LastEventAt       time.Time         `gorm:"column:last_event_at;not null" json:"lastEventAt"`
	CreatedAt         time.Time         `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt         time.Time         `gorm:"column:updated_at" json:"updatedAt"`
}

func (Entitlement) TableName() string { return "entitlements" }

// Triple 返回 (subscriber, provider, product) 三元组
func (e *Entitlement) Triple() Triple {
	return Triple{SubscriberID: e.SubscriberID, ProviderID: e.ProviderID, ProductID: e.ProductID}
}

// IsEntitled 在 now 时刻是否生效：active 且未过期
func (e *Entitlement) IsEntitled(now time.Time) bool {
	if e.Status != EntitlementActive {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// Triple 权益唯一性判定的三元组
type Triple struct {
	SubscriberID string
	ProviderID   string
	ProductID    string
}

// LockKey 用于 advisory lock 的键
func (t Triple) LockKey() string {
	return t.SubscriberID + "|" + t.ProviderID + "|" + t.ProductID
}
