// Package notify 在账本事务提交后发布权益变更通知。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CapperLedger/internal/config"
	"CapperLedger/internal/model"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
)

// 变更类型，同时作为 subject 的最后一段
const (
	ChangeGranted = "granted"
	ChangeUpdated = "updated"
	ChangeRevoked = "revoked"
)

// Change 通知消息体
type Change struct {
	Change       string                  `json:"change"`
	ExternalRef  string                  `json:"external_ref"`
	SubscriberID string                  `json:"subscriber_id"`
	ProviderID   string                  `json:"provider_id"`
	ProductID    string                  `json:"product_id"`
	Status       model.EntitlementStatus `json:"status"`
	ExpiresAt    *time.Time              `json:"expires_at,omitempty"`
	CancelledAt  *time.Time              `json:"cancelled_at,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

// Sink 可关闭的通知发布端
type Sink interface {
	Publish(ctx context.Context, change string, e *model.Entitlement) error
	Close()
}

// Publisher JetStream 发布器
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger *logrus.Logger
}

// Connect 连接 NATS 并确保 stream 存在；url 为空时返回 Noop
func Connect(ctx context.Context, cfg config.NATSConfig, logger *logrus.Logger) (Sink, error) {
	if cfg.URL == "" {
		logger.Info("未配置 NATS，权益变更通知已关闭")
		return Noop{}, nil
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("capper-ledger"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureStream(ctx, js, cfg.Stream, cfg.SubjectPrefix); err != nil {
		nc.Close()
		return nil, err
	}
	logger.WithFields(logrus.Fields{"url": cfg.URL, "stream": cfg.Stream}).Info("NATS 已连接")
	return &Publisher{nc: nc, js: js, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// EnsureStream 创建或更新权益变更 stream
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{prefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Subject 变更对应的 subject
func Subject(prefix, change string) string {
	return prefix + "." + change
}

// NewChange 由权益行构造通知
func NewChange(change string, e *model.Entitlement, at time.Time) Change {
	return Change{
		Change:       change,
		ExternalRef:  e.ExternalRef,
		SubscriberID: e.SubscriberID,
		ProviderID:   e.ProviderID,
		ProductID:    e.ProductID,
		Status:       e.Status,
		ExpiresAt:    e.ExpiresAt,
		CancelledAt:  e.CancelledAt,
		Timestamp:    at,
	}
}

// Publish 以 external_ref+change+last_event_at 作为消息 id，服务端在去重窗口内丢弃重复
func (p *Publisher) Publish(ctx context.Context, change string, e *model.Entitlement) error {
	msg := NewChange(change, e, time.Now().UTC())
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	msgID := fmt.Sprintf("%s:%s:%d", e.ExternalRef, change, e.LastEventAt.UnixNano())
	_, err = p.js.Publish(ctx, Subject(p.prefix, change), data, jetstream.WithMsgID(msgID))
	return err
}

// Close 断开连接
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// Noop 不发送任何通知
type Noop struct{}

func (Noop) Publish(context.Context, string, *model.Entitlement) error { return nil }
func (Noop) Close() {}
