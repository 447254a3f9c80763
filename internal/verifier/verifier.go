package verifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"CapperLedger/internal/model"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	// ErrSignatureInvalid 签名缺失、不匹配或时间戳超出容忍窗口
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrMalformedPayload 已验签但事件对象缺少必要字段
	ErrMalformedPayload = errors.New("webhook payload malformed")
)

// Verifier 持有共享密钥与时间戳容忍窗口
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// New 创建 Verifier，tolerance 为 0 时使用处理方默认窗口
func New(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify 见包级 Verify
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) (*VerifiedEvent, error) {
	return Verify(rawBody, signatureHeader, v.secret, v.tolerance)
}

// Verify 在未解析的原始请求体上重新计算签名（常量时间比较），通过后才解码为 VerifiedEvent。
// 返回 ErrMalformedPayload 时事件头（ID/Type）仍然可用。
func Verify(rawBody []byte, signatureHeader, secret string, tolerance time.Duration) (*VerifiedEvent, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: secret not configured", ErrSignatureInvalid)
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	ev, err := webhook.ConstructEventWithOptions(rawBody, signatureHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return decodeEvent(ev, rawBody)
}

// Decode 解码一个已经验签过的事件体（复核重放时使用）
func Decode(rawBody []byte) (*VerifiedEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return decodeEvent(ev, rawBody)
}

func decodeEvent(ev stripe.Event, rawBody []byte) (*VerifiedEvent, error) {
	out := &VerifiedEvent{
		ID:         ev.ID,
		Type:       string(ev.Type),
		Kind:       KindUnhandled,
		Account:    ev.Account,
		OccurredAt: time.Unix(ev.Created, 0).UTC(),
		Raw:        rawBody,
	}
	if ev.ID == "" {
		return out, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}
	if ev.Data == nil {
		if kindOf(out.Type) == KindUnhandled {
			return out, nil
		}
		return out, fmt.Errorf("%w: missing data object", ErrMalformedPayload)
	}

	var err error
	switch kindOf(out.Type) {
	case KindCheckoutCompleted:
		err = decodeCheckout(out, ev.Data.Raw)
	case KindChargeSettled:
		err = decodeCharge(out, ev.Data.Raw)
	case KindPaymentSettled:
		err = decodePaymentIntent(out, ev.Data.Raw)
	case KindRecurringUpdated, KindRecurringRemoved:
		err = decodeSubscription(out, ev.Data.Raw, kindOf(out.Type))
	}
	return out, err
}

func kindOf(eventType string) Kind {
	switch eventType {
	case "checkout.session.completed":
		return KindCheckoutCompleted
	case "charge.succeeded":
		return KindChargeSettled
	case "customer.subscription.updated":
		return KindRecurringUpdated
	case "customer.subscription.deleted":
		return KindRecurringRemoved
	case "payment_intent.succeeded":
		return KindPaymentSettled
	default:
		return KindUnhandled
	}
}

func decodeCheckout(out *VerifiedEvent, raw json.RawMessage) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
	}
	// 异步支付未完成时不授予，稍后的 payment_intent.succeeded 以同一支付意图号授予
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		return nil
	}
	grant, ok, err := grantFromMetadata(session.Metadata, out.Account)
	if !ok || err != nil {
		return err
	}
	if session.Customer != nil {
		grant.CustomerRef = session.Customer.ID
	}
	switch session.Mode {
	case stripe.CheckoutSessionModeSubscription:
		if session.Subscription == nil || session.Subscription.ID == "" {
			return fmt.Errorf("%w: subscription checkout without subscription id", ErrMalformedPayload)
		}
		grant.Mode = model.PurchaseRecurring
		grant.SubscriptionRef = session.Subscription.ID
	case stripe.CheckoutSessionModePayment:
		if session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
			return fmt.Errorf("%w: payment checkout without payment intent id", ErrMalformedPayload)
		}
		grant.Mode = model.PurchaseOneTime
		grant.PaymentRef = session.PaymentIntent.ID
	default:
		return nil
	}
	out.Kind = KindCheckoutCompleted
	out.Grant = grant
	return nil
}

func decodeCharge(out *VerifiedEvent, raw json.RawMessage) error {
	var charge stripe.Charge
	if err := json.Unmarshal(raw, &charge); err != nil {
		return fmt.Errorf("%w: charge: %v", ErrMalformedPayload, err)
	}
	grant, ok, err := grantFromMetadata(charge.Metadata, out.Account)
	if !ok || err != nil {
		return err
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		return fmt.Errorf("%w: charge without payment intent id", ErrMalformedPayload)
	}
	if charge.Customer != nil {
		grant.CustomerRef = charge.Customer.ID
	}
	grant.Mode = model.PurchaseOneTime
	grant.PaymentRef = charge.PaymentIntent.ID
	out.Kind = KindChargeSettled
	out.Grant = grant
	return nil
}

func decodePaymentIntent(out *VerifiedEvent, raw json.RawMessage) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return fmt.Errorf("%w: payment intent: %v", ErrMalformedPayload, err)
	}
	grant, ok, err := grantFromMetadata(pi.Metadata, out.Account)
	if !ok || err != nil {
		return err
	}
	if pi.ID == "" {
		return fmt.Errorf("%w: payment intent without id", ErrMalformedPayload)
	}
	if pi.Customer != nil {
		grant.CustomerRef = pi.Customer.ID
	}
	grant.Mode = model.PurchaseOneTime
	grant.PaymentRef = pi.ID
	out.Kind = KindPaymentSettled
	out.Grant = grant
	return nil
}

func decodeSubscription(out *VerifiedEvent, raw json.RawMessage, kind Kind) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", ErrMalformedPayload, err)
	}
	if sub.ID == "" {
		return fmt.Errorf("%w: subscription without id", ErrMalformedPayload)
	}
	update := &UpdatePayload{
		SubscriptionRef: sub.ID,
		ExternalStatus:  string(sub.Status),
	}
	if kind == KindRecurringRemoved {
		update.ExternalStatus = string(stripe.SubscriptionStatusCanceled)
	}
	if update.ExternalStatus == string(stripe.SubscriptionStatusCanceled) {
		at := out.OccurredAt
		if sub.CanceledAt > 0 {
			at = time.Unix(sub.CanceledAt, 0).UTC()
		}
		update.CancelledAt = &at
	}
	out.Kind = kind
	out.Update = update
	return nil
}

// grantFromMetadata 从对象 metadata 取出授予所需字段。
// 三个主键全部缺失时视为非本系统发起的支付（ok=false），部分缺失视为负载损坏
func grantFromMetadata(meta map[string]string, eventAccount string) (*GrantPayload, bool, error) {
	get := func(k string) string { return strings.TrimSpace(meta[k]) }
	subscriber, provider, product := get(MetaSubscriberID), get(MetaProviderID), get(MetaProductID)
	if subscriber == "" && provider == "" && product == "" {
		return nil, false, nil
	}
	if subscriber == "" || provider == "" || product == "" {
		return nil, false, fmt.Errorf("%w: incomplete entitlement metadata", ErrMalformedPayload)
	}
	account := get(MetaMerchantAccount)
	if account == "" {
		account = eventAccount
	}
	if account == "" {
		return nil, false, fmt.Errorf("%w: missing merchant account", ErrMalformedPayload)
	}
	return &GrantPayload{
		SubscriberID:    subscriber,
		ProviderID:      provider,
		ProductID:       product,
		PriceID:         get(MetaPriceID),
		Interval:        strings.ToLower(get(MetaInterval)),
		MerchantAccount: account,
	}, true, nil
}
