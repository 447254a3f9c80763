package model

import (
	"time"

	"gorm.io/datatypes"
)

// ProcessedEvent 对应 processed_events 表：已应用事件的幂等标记
type ProcessedEvent struct {
	EventID     string    `gorm:"column:event_id;type:varchar(128);primaryKey"`
	EventType   string    `gorm:"column:event_type;type:varchar(64);not null"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

// ExternalRefClaim 对应 external_ref_claims 表：外部引用（订阅号/支付意图号）的认领标记
type ExternalRefClaim struct {
	ExternalRef string    `gorm:"column:external_ref;type:varchar(128);primaryKey"`
	EventID     string    `gorm:"column:event_id;type:varchar(128);not null"`
	ClaimedAt   time.Time `gorm:"column:claimed_at;not null"`
}

func (ExternalRefClaim) TableName() string { return "external_ref_claims" }

// UnresolvedReason 未决原因
type UnresolvedReason string

const (
	ReasonAccountInvalid        UnresolvedReason = "account_invalid"
	ReasonProductInactive       UnresolvedReason = "product_inactive"
	ReasonExternalLookupTimeout UnresolvedReason = "external_lookup_timeout"
	ReasonReferentialIntegrity  UnresolvedReason = "referential_integrity"
	ReasonMalformedPayload      UnresolvedReason = "malformed_payload"
)

// UnresolvedEvent 对应 unresolved_events 表：未能应用、待人工复核的事件
// Payload 为已验签的原始事件体，复核时直接重放
type UnresolvedEvent struct {
	ID          uint64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	EventID     string           `gorm:"column:event_id;type:varchar(128);uniqueIndex;not null" json:"eventId"`
	EventType   string           `gorm:"column:event_type;type:varchar(64);not null" json:"eventType"`
	Reason      UnresolvedReason `gorm:"column:reason;type:varchar(32);not null" json:"reason"`
	Detail      string           `gorm:"column:detail;type:text" json:"-"`
	Payload     datatypes.JSON   `gorm:"column:payload;type:jsonb;not null" json:"-"`
	Attempts    int              `gorm:"column:attempts;not null" json:"attempts"`
	FirstSeenAt time.Time        `gorm:"column:first_seen_at;not null" json:"firstSeenAt"`
	LastSeenAt  time.Time        `gorm:"column:last_seen_at;not null" json:"lastSeenAt"`
	ResolvedAt  *time.Time       `gorm:"column:resolved_at;index" json:"resolvedAt"`
}

func (UnresolvedEvent) TableName() string { return "unresolved_events" }
