// Package processor 封装对支付处理方（Stripe）的只读查询：账户/产品有效性校验与后台登录链接。
package processor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"CapperLedger/internal/config"

	"github.com/sirupsen/logrus"
	stripe "github.com/stripe/stripe-go/v82"
)

var (
	// ErrAccountInvalid 收款子账户不存在、已删除或不可收款
	ErrAccountInvalid = errors.New("merchant account invalid")
	// ErrProductInactive 产品不存在、已删除或已归档
	ErrProductInactive = errors.New("product inactive")
	// ErrExternalLookupTimeout 查询超时、网络错误或处理方 5xx，可重试
	ErrExternalLookupTimeout = errors.New("external lookup timeout")
	// ErrNoMerchantAccount capper 尚未绑定收款子账户
	ErrNoMerchantAccount = errors.New("provider has no merchant account")
)

// Client 处理方 API 的后端与密钥，超时由每次调用的 context 控制
type Client struct {
	backend stripe.Backend
	key     string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewClient 创建处理方客户端（支持代理、自定义 API 地址；关闭自动重试，失败交给未决复核）
func NewClient(cfg config.StripeConfig, logger *logrus.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        50,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			logger.WithError(err).WithField("proxy", cfg.Proxy).Warn("代理地址解析失败，将不使用代理")
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout(), Transport: transport},
		LeveledLogger:     logger,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.APIBaseURL != "" {
		backendCfg.URL = stripe.String(strings.TrimSuffix(cfg.APIBaseURL, "/"))
	}

	return &Client{
		backend: stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		key:     cfg.SecretKey,
		timeout: cfg.Timeout(),
		logger:  logger,
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// isTransient 超时、网络错误、限流与 5xx 视为暂时性失败
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500
	}
	return true
}
