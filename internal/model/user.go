package model

import "time"

// Role 用户角色
type Role string

const (
	RoleSubscriber Role = "SUBSCRIBER"
	RoleCapper     Role = "CAPPER"
	RoleAdmin      Role = "ADMIN"
)

// User 对应 users 表（由资料维护模块写入，这里只读）
// StripeAccountID 为 capper 的收款子账户
type User struct {
	ID              string    `gorm:"column:id;type:varchar(64);primaryKey"`
	Role            Role      `gorm:"column:role;type:varchar(16);not null"`
	StripeAccountID string    `gorm:"column:stripe_account_id;type:varchar(64)"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (User) TableName() string { return "users" }
