package verifier

import (
	"time"

	"CapperLedger/internal/model"
)

// Kind 已验签事件的类型标签
type Kind string

const (
	KindCheckoutCompleted Kind = "checkout_completed"
	KindChargeSettled     Kind = "charge_settled"
	KindRecurringUpdated  Kind = "recurring_updated"
	KindRecurringRemoved  Kind = "recurring_removed"
	KindPaymentSettled    Kind = "payment_settled"
	KindUnhandled         Kind = "unhandled"
)

// 元数据键，由结账发起方写入 checkout / payment intent 的 metadata
const (
	MetaSubscriberID    = "subscriber_id"
	MetaProviderID      = "provider_id"
	MetaProductID       = "product_id"
	MetaPriceID         = "price_id"
	MetaInterval        = "interval"
	MetaMerchantAccount = "merchant_account"
)

// VerifiedEvent 验签并解码后的事件。Grant 与 Update 至多一个非空
type VerifiedEvent struct {
	ID         string
	Type       string
	Kind       Kind
	Account    string
	OccurredAt time.Time
	Grant      *GrantPayload
	Update     *UpdatePayload
	Raw        []byte
}

// IsGrant 是否为授予类事件（结账完成 / 扣款成功 / 支付成功）
func (e *VerifiedEvent) IsGrant() bool {
	return e.Grant != nil
}

// GrantPayload 授予类事件负载
// SubscriptionRef 与 PaymentRef 互斥
type GrantPayload struct {
	SubscriberID    string
	ProviderID      string
	ProductID       string
	PriceID         string
	Mode            model.PurchaseMode
	Interval        string
	MerchantAccount string
	CustomerRef     string
	SubscriptionRef string
	PaymentRef      string
}

// ExternalRef 返回账本行的幂等键及其类型
func (g *GrantPayload) ExternalRef() (string, model.ExternalRefKind) {
	if g.SubscriptionRef != "" {
		return g.SubscriptionRef, model.ExternalRefSubscription
	}
	return g.PaymentRef, model.ExternalRefPaymentIntent
}

// UpdatePayload 订阅变更 / 删除事件负载
type UpdatePayload struct {
	SubscriptionRef string
	ExternalStatus  string
	CancelledAt     *time.Time
}
