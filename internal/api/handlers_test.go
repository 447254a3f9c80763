package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"CapperLedger/internal/idempotency"
	"CapperLedger/internal/model"
	"CapperLedger/internal/observability"
	"CapperLedger/internal/processor"
	"CapperLedger/internal/repository/repotest"
	"CapperLedger/internal/service"
	"CapperLedger/internal/verifier"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	testSecret = "whsec_api"
	adminToken = "admin-secret"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type gateFunc func(ctx context.Context, acct, product string) error

func (f gateFunc) AssertValid(ctx context.Context, acct, product string) error { return f(ctx, acct, product) }

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, string, *model.Entitlement) error { return nil }

type linkerFunc func(ctx context.Context, provider string) (string, error)

func (f linkerFunc) Get(ctx context.Context, provider string) (string, error) { return f(ctx, provider) }

type testEnv struct {
	router     *gin.Engine
	store      *repotest.MemLedger
	unresolved *repotest.MemUnresolved
	gateErr    error
}

func newTestEnv(t *testing.T, users ...string) *testEnv {
	t.Helper()
	if len(users) == 0 {
		users = []string{"sub-user", "capper-1"}
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	metrics := observability.NewMetrics()

	env := &testEnv{store: repotest.NewMemLedger(users...), unresolved: repotest.NewMemUnresolved()}
	guard, err := idempotency.NewGuard(env.store, 64, metrics, log)
	require.NoError(t, err)
	ledger := service.NewEntitlementService(env.store, guard, metrics, log)
	gate := gateFunc(func(context.Context, string, string) error { return env.gateErr })
	rec := service.NewReconciler(verifier.New(testSecret, 0), guard, gate, ledger, env.unresolved, noopNotifier{}, metrics, log)

	settled := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	wagers := repotest.NewMemWagers(
		&model.Bet{ID: 1, CapperID: "capper-1", Status: model.BetWon, Stake: decimal.NewFromInt(1), Odds: decimal.RequireFromString("2.0"), SettledAt: &settled},
		&model.Bet{ID: 2, CapperID: "capper-1", Status: model.BetLost, Stake: decimal.NewFromInt(1), Odds: decimal.RequireFromString("1.5"), SettledAt: &settled},
	)
	perf := service.NewPerformanceService(wagers, wagers, 2, metrics, log)

	links := linkerFunc(func(_ context.Context, provider string) (string, error) {
		switch provider {
		case "capper-1":
			return "https://connect.example/express/abc", nil
		case "capper-2":
			return "", processor.ErrNoMerchantAccount
		default:
			return "", errors.New("boom")
		}
	})

	env.router = NewRouter(Deps{
		Reconciler:   rec,
		Entitlements: ledger,
		Performance:  perf,
		Unresolved:   env.unresolved,
		Links:        links,
		Metrics:      metrics,
		Logger:       log,
		AdminToken:   adminToken,
		MaxBodyBytes: 4096,
	})
	return env
}

func (e *testEnv) do(method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func checkoutPayload(t *testing.T, eventID string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"type":        "checkout.session.completed",
		"created":     time.Now().Unix(),
		"api_version": "2020-08-27",
		"data": map[string]interface{}{"object": map[string]interface{}{
			"id":             "cs_1",
			"object":         "checkout.session",
			"mode":           "payment",
			"payment_status": "paid",
			"payment_intent": "pi_1",
			"metadata": map[string]string{
				"subscriber_id":    "sub-user",
				"provider_id":      "capper-1",
				"product_id":       "prod_1",
				"interval":         "month",
				"merchant_account": "acct_1",
			},
		}},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: testSecret, Timestamp: time.Now()})
	return body, signed.Header
}

func TestEvents_AcceptedThenEntitled(t *testing.T) {
	env := newTestEnv(t)
	body, sig := checkoutPayload(t, "evt_1")

	w := env.do(http.MethodPost, "/events", body, map[string]string{"Stripe-Signature": sig})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = env.do(http.MethodPost, "/events", body, map[string]string{"Stripe-Signature": sig})
	assert.Equal(t, http.StatusAccepted, w.Code, "duplicates are acknowledged")

	w = env.do(http.MethodGet, "/entitlement?subscriber=sub-user&provider=capper-1&product=prod_1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Entitled    bool              `json:"entitled"`
		Entitlement model.Entitlement `json:"entitlement"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Entitled)
	assert.Equal(t, "pi_1", resp.Entitlement.ExternalRef)
	assert.Equal(t, model.EntitlementActive, resp.Entitlement.Status)
}

func TestEvents_BadSignature(t *testing.T) {
	env := newTestEnv(t)
	body, _ := checkoutPayload(t, "evt_1")

	w := env.do(http.MethodPost, "/events", body, map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.store.Entitlements())
}

func TestEvents_GateFailureStillAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.gateErr = processor.ErrProductInactive
	body, sig := checkoutPayload(t, "evt_1")

	w := env.do(http.MethodPost, "/events", body, map[string]string{"Stripe-Signature": sig})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, env.store.Entitlements())

	u, err := env.unresolved.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonProductInactive, u.Reason)
}

func TestEvents_ReferentialIntegrityHidesDetail(t *testing.T) {
	env := newTestEnv(t, "capper-1")
	body, sig := checkoutPayload(t, "evt_1")

	w := env.do(http.MethodPost, "/events", body, map[string]string{"Stripe-Signature": sig})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
}

func TestEvents_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodPost, "/events", bytes.Repeat([]byte("a"), 5000), map[string]string{"Stripe-Signature": "x"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestEntitlement_Validation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/entitlement?subscriber=sub-user&provider=capper-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/entitlement?subscriber=sub-user&provider=capper-1&product=none", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPerformance(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/performance", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/performance?provider=capper-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "50", snap["winRate"])
	assert.Equal(t, "0", snap["roi"])
	assert.Equal(t, float64(2), snap["totalSettled"])
	assert.Len(t, snap["series"], 2)
}

func TestAdmin_Auth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/admin/unresolved", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodGet, "/admin/unresolved", nil, map[string]string{"X-Admin-Token": "nope"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodGet, "/admin/unresolved", nil, map[string]string{"X-Admin-Token": adminToken})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmin_ReprocessFlow(t *testing.T) {
	env := newTestEnv(t)
	admin := map[string]string{"X-Admin-Token": adminToken}
	env.gateErr = processor.ErrAccountInvalid
	body, sig := checkoutPayload(t, "evt_1")
	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/events", body, map[string]string{"Stripe-Signature": sig}).Code)

	w := env.do(http.MethodGet, "/admin/unresolved", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"eventId":"evt_1"`)
	assert.Contains(t, w.Body.String(), `"reason":"account_invalid"`)

	env.gateErr = nil
	w = env.do(http.MethodPost, "/admin/unresolved/evt_1/reprocess", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"applied"`)
	assert.Len(t, env.store.Entitlements(), 1)

	w = env.do(http.MethodPost, "/admin/unresolved/evt_missing/reprocess", nil, admin)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_RecomputeAndDashboardLink(t *testing.T) {
	env := newTestEnv(t)
	admin := map[string]string{"X-Admin-Token": adminToken}

	w := env.do(http.MethodPost, "/admin/performance/recompute", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"recomputed":1}`, w.Body.String())

	w = env.do(http.MethodGet, "/admin/dashboard-link?provider=capper-1", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "connect.example"))

	w = env.do(http.MethodGet, "/admin/dashboard-link?provider=capper-2", nil, admin)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodGet, "/admin/dashboard-link?provider=capper-9", nil, admin)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	body, sig := checkoutPayload(t, "evt_1")
	env.do(http.MethodPost, "/events", body, map[string]string{"Stripe-Signature": sig})

	w = env.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "capper_events_received_total")
}
