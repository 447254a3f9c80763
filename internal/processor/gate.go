package processor

import (
	"context"
	"fmt"
	"time"

	"CapperLedger/internal/observability"

	"github.com/sirupsen/logrus"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/account"
	"github.com/stripe/stripe-go/v82/product"
)

// Gate 账户有效性闸门：在信任事件元数据前，确认收款子账户可收款且产品仍在售
type Gate struct {
	client   *Client
	accounts account.Client
	products product.Client
	links    *DashboardLinks
	metrics  *observability.Metrics
	logger   *logrus.Logger
}

// NewGate 创建闸门；links 非空时，账户失效会使其缓存的后台链接失效
func NewGate(client *Client, links *DashboardLinks, metrics *observability.Metrics) *Gate {
	return &Gate{
		client:   client,
		accounts: account.Client{B: client.backend, Key: client.key},
		products: product.Client{B: client.backend, Key: client.key},
		links:    links,
		metrics:  metrics,
		logger:   client.logger,
	}
}

// AssertValid 两次查询共享一个超时预算
func (g *Gate) AssertValid(ctx context.Context, merchantAccount, productRef string) error {
	ctx, cancel := g.client.withTimeout(ctx)
	defer cancel()

	err := g.checkAccount(ctx, merchantAccount)
	if err == nil {
		err = g.checkProduct(ctx, merchantAccount, productRef)
	}
	if err != nil {
		g.fail(err, merchantAccount)
	}
	return err
}

func (g *Gate) checkAccount(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty account reference", ErrAccountInvalid)
	}
	params := &stripe.AccountParams{}
	params.Context = ctx

	start := time.Now()
	acct, err := g.accounts.GetByID(id, params)
	g.observe("account", start)
	if err != nil {
		if isTransient(err) {
			return fmt.Errorf("%w: account %s: %v", ErrExternalLookupTimeout, id, err)
		}
		return fmt.Errorf("%w: account %s: %v", ErrAccountInvalid, id, err)
	}
	if acct.Deleted {
		return fmt.Errorf("%w: account %s deleted", ErrAccountInvalid, id)
	}
	if !acct.ChargesEnabled {
		return fmt.Errorf("%w: account %s cannot accept charges", ErrAccountInvalid, id)
	}
	return nil
}

func (g *Gate) checkProduct(ctx context.Context, accountID, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty product reference", ErrProductInactive)
	}
	params := &stripe.ProductParams{}
	params.Context = ctx
	params.SetStripeAccount(accountID)

	start := time.Now()
	p, err := g.products.Get(id, params)
	g.observe("product", start)
	if err != nil {
		if isTransient(err) {
			return fmt.Errorf("%w: product %s: %v", ErrExternalLookupTimeout, id, err)
		}
		return fmt.Errorf("%w: product %s: %v", ErrProductInactive, id, err)
	}
	if p.Deleted || !p.Active {
		return fmt.Errorf("%w: product %s archived", ErrProductInactive, id)
	}
	return nil
}

func (g *Gate) fail(err error, merchantAccount string) {
	reason := Reason(err)
	if g.metrics != nil {
		g.metrics.GateFailures.WithLabelValues(reason).Inc()
	}
	if reason == "account_invalid" && g.links != nil {
		g.links.Invalidate(merchantAccount)
	}
	g.logger.WithError(err).WithFields(logrus.Fields{
		"merchant_account": merchantAccount,
		"reason":           reason,
	}).Warn("账户有效性校验未通过")
}

func (g *Gate) observe(resource string, start time.Time) {
	if g.metrics != nil {
		g.metrics.ExternalLookup.WithLabelValues(resource).Observe(time.Since(start).Seconds())
	}
}
