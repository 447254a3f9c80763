package processor

import (
	"context"
	"fmt"
	"time"

	"CapperLedger/internal/repository"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/loginlink"
)

// DashboardLinks capper 收款后台登录链接，按收款子账户缓存，TTL 到期或账户失效即丢弃
type DashboardLinks struct {
	client *Client
	links  loginlink.Client
	users  repository.UserRepository
	cache  *expirable.LRU[string, string]
	logger *logrus.Logger
}

// NewDashboardLinks 创建链接缓存；ttl 应小于处理方链接本身的有效期
func NewDashboardLinks(client *Client, users repository.UserRepository, size int, ttl time.Duration) *DashboardLinks {
	if size <= 0 {
		size = 1024
	}
	return &DashboardLinks{
		client: client,
		links:  loginlink.Client{B: client.backend, Key: client.key},
		users:  users,
		cache:  expirable.NewLRU[string, string](size, nil, ttl),
		logger: client.logger,
	}
}

// Get 返回 provider 的后台链接
func (d *DashboardLinks) Get(ctx context.Context, providerID string) (string, error) {
	u, err := d.users.GetByID(ctx, providerID)
	if err != nil {
		return "", err
	}
	if u.StripeAccountID == "" {
		return "", ErrNoMerchantAccount
	}
	if link, ok := d.cache.Get(u.StripeAccountID); ok {
		return link, nil
	}

	ctx, cancel := d.client.withTimeout(ctx)
	defer cancel()
	params := &stripe.LoginLinkParams{Account: stripe.String(u.StripeAccountID)}
	params.Context = ctx

	ll, err := d.links.New(params)
	if err != nil {
		if isTransient(err) {
			return "", fmt.Errorf("%w: login link: %v", ErrExternalLookupTimeout, err)
		}
		return "", fmt.Errorf("%w: login link: %v", ErrAccountInvalid, err)
	}
	d.cache.Add(u.StripeAccountID, ll.URL)
	d.logger.WithFields(logrus.Fields{"provider_id": providerID, "merchant_account": u.StripeAccountID}).Debug("后台链接已生成")
	return ll.URL, nil
}

// Invalidate 丢弃某收款子账户的缓存链接
func (d *DashboardLinks) Invalidate(accountID string) {
	d.cache.Remove(accountID)
}
