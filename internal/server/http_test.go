package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/core"
	"PerpVault/internal/errs"
	"PerpVault/internal/fees"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/server"
	"PerpVault/internal/state"
	"PerpVault/internal/testutil"
)

type apiHarness struct {
	x       *core.Exchange
	oracle  *testutil.FakeOracle
	auth    *server.Authenticator
	metrics *observability.Metrics
	ingest  chan ingestion.RawEvent
	history *fakeHistory
	handler http.Handler

	owner, lp, trader uuid.UUID
}

func newAPIHarness(t *testing.T, limiter *server.RateLimiter) *apiHarness {
	t.Helper()
	h := &apiHarness{
		oracle:  testutil.NewFakeOracle(),
		ingest:  make(chan ingestion.RawEvent, 8),
		history: &fakeHistory{},
		owner:   uuid.New(),
		lp:      uuid.New(),
		trader:  uuid.New(),
	}
	h.oracle.Set("ETH-USD", 3000e8)

	reg := prometheus.NewRegistry()
	h.metrics = observability.NewMetrics(reg)

	x, err := core.NewExchange(core.Config{
		Asset:         "USDC",
		Owner:         h.owner,
		VaultCap:      10_000_000e8,
		StakingPeriod: 3600,
		Parameters:    state.DefaultParameters(),
		FeeSplit:      fees.DefaultFeeSplit(),
	}, core.Deps{
		Oracle: h.oracle,
		Clock:  testutil.NewClock(time.Unix(1_700_000_000, 0)).Now,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	h.x = x

	h.auth, err = server.NewAuthenticator("0123456789abcdef0123456789abcdef", "perpvault", time.Hour)
	require.NoError(t, err)

	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv, err := server.NewHTTPServer(":0", server.HTTPDeps{
		Exchange: x,
		Admin:    ingestion.NewAdminIngest(h.ingest),
		History:  h.history,
		Auth:     h.auth,
		Limiter:  limiter,
		Hub:      server.NewHub(h.metrics, zerolog.Nop()),
		Health:   health,
		Metrics:  h.metrics,
		Gatherer: reg,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	h.handler = srv.Handler()
	return h
}

func (h *apiHarness) token(t *testing.T, account uuid.UUID) string {
	t.Helper()
	tok, err := h.auth.Issue(account)
	require.NoError(t, err)
	return tok
}

func (h *apiHarness) do(t *testing.T, method, path string, as uuid.UUID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if as != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+h.token(t, as))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// errorReason extracts the ErrorInfo reason from a gateway error body.
func errorReason(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	if len(body.Details) == 0 {
		return ""
	}
	return body.Details[0].Reason
}

const ethProductJSON = `{
	"id": 1, "feed": "ETH-USD", "max_leverage": "50", "fee_bps": 10,
	"liquidation_threshold_bps": 8000, "min_price_change_bps": 150,
	"min_profit_time": 43200, "annual_interest_bps": 1000, "weight": 10,
	"reserve": "50000000", "is_active": true
}`

// seed adds ETH, funds the vault with 1,000,000 and the trader with 10,000.
func (h *apiHarness) seed(t *testing.T) {
	t.Helper()
	rec := h.do(t, "POST", "/v1/admin/products", h.owner, ethProductJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, "POST", "/v1/accounts/"+h.lp.String()+"/deposit", h.owner, `{"amount":"1000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(t, "POST", "/v1/vault/stake", h.lp, `{"amount":"1000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(t, "POST", "/v1/accounts/"+h.trader.String()+"/deposit", h.trader, `{"amount":10000}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHTTP_TradingFlow(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.seed(t)

	rec := h.do(t, "POST", "/v1/positions", h.trader, `{"product_id":1,"margin":"1000","leverage":"10","is_long":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pos := decodeBody(t, rec)
	assert.Equal(t, "3000.60012", pos["price"])
	assert.Equal(t, "1000", pos["margin"])
	assert.Equal(t, "10", pos["leverage"])
	id := pos["id"].(string)

	rec = h.do(t, "GET", "/v1/positions/"+id, uuid.Nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, h.trader.String(), decodeBody(t, rec)["account"])

	rec = h.do(t, "GET", "/v1/accounts/"+h.trader.String()+"/positions", uuid.Nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["positions"], 1)

	rec = h.do(t, "GET", "/v1/vault", uuid.Nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	v := decodeBody(t, rec)
	assert.Equal(t, "1000005", v["balance"])
	assert.Equal(t, "2", v["pending_protocol_reward"])
	assert.Equal(t, "3", v["pending_staking_reward"])
	assert.Equal(t, "5", v["pending_vault_reward"])

	rec = h.do(t, "GET", "/v1/accounts/"+h.trader.String()+"/collateral", uuid.Nil, "")
	assert.Equal(t, "8990", decodeBody(t, rec)["collateral"])

	rec = h.do(t, "GET", "/v1/positions/"+id+"/liquidatable", uuid.Nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["liquidatable"])

	rec = h.do(t, "POST", "/v1/positions/"+id+"/close", h.trader, `{"margin":"1000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decodeBody(t, rec)
	assert.Equal(t, "0", closed["remaining_margin"])

	rec = h.do(t, "GET", "/v1/positions/"+id, uuid.Nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, "GET", "/v1/status", uuid.Nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, h.x.Sequence(), decodeBody(t, rec)["sequence"])

	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.QueryRequests.WithLabelValues("open_position", "200")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.QueryRequests.WithLabelValues("get_position", "200")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.QueryRequests.WithLabelValues("get_position", "404")))
}

func TestHTTP_ErrorMapping(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.seed(t)

	rec := h.do(t, "POST", "/v1/positions", uuid.Nil, `{"product_id":1,"margin":"1000","leverage":"10","is_long":true}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "token required")

	req := httptest.NewRequest("GET", "/v1/vault", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	bad := httptest.NewRecorder()
	h.handler.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusUnauthorized, bad.Code, "invalid token")

	rec = h.do(t, "POST", "/v1/positions", h.trader, `{"product_id":1,"margin":"1000","leverage":"100","is_long":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", errorReason(t, rec))

	rec = h.do(t, "POST", "/v1/positions", h.trader, `{"product_id":1,"margin":"0.000000001","leverage":"10","is_long":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "too many decimals")

	rec = h.do(t, "POST", "/v1/positions", h.trader, `{"product_id":1,"margin":"1000","leverage":"10","is_long":true,"extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown field")

	rec = h.do(t, "POST", "/v1/admin/products", h.trader, ethProductJSON)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "AUTHORIZATION", errorReason(t, rec))

	rec = h.do(t, "GET", "/v1/positions/"+uuid.NewString(), uuid.Nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, "GET", "/v1/positions/not-a-uuid", uuid.Nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, "POST", "/v1/rewards/vault/distribute", h.lp, "")
	assert.Equal(t, http.StatusForbidden, rec.Code, "only distributors")

	rec = h.do(t, "POST", "/v1/rewards/nope/distribute", h.owner, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, "POST", "/v1/vault/redeem", h.lp, `{"shares":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "stake is locked")
	assert.Equal(t, "STATE", errorReason(t, rec))

	rec = h.do(t, "POST", "/v1/withdraw", h.trader, `{"amount":"20000"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.oracle.Fail(fmt.Errorf("feed down: %w", errs.ErrOracle))
	rec = h.do(t, "POST", "/v1/positions", h.trader, `{"product_id":1,"margin":"1000","leverage":"10","is_long":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "ORACLE", errorReason(t, rec))
}

func TestHTTP_AdminAndRewards(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.seed(t)

	rec := h.do(t, "POST", "/v1/positions", h.trader, `{"product_id":1,"margin":"1000","leverage":"10","is_long":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, "POST", "/v1/rewards/protocol/distribute", h.owner, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2", decodeBody(t, rec)["amount"])
	rec = h.do(t, "GET", "/v1/accounts/"+h.owner.String()+"/collateral", uuid.Nil, "")
	assert.Equal(t, "2", decodeBody(t, rec)["collateral"])

	rec = h.do(t, "PUT", "/v1/admin/fee-split", h.owner, `{"protocol_bps":1000,"staking_bps":1000,"vault_bps":8000}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(8000), h.x.GetFeeSplit().VaultBps)

	rec = h.do(t, "PUT", "/v1/admin/fee-split", h.owner, `{"protocol_bps":1000,"staking_bps":1000,"vault_bps":1000}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "CONFIGURATION", errorReason(t, rec))

	params := h.x.GetParameters()
	params.AllowPublicLiquidator = false
	body, _ := json.Marshal(map[string]interface{}{
		"max_shift": server.FormatAmount(params.MaxShift), "shift_divider": params.ShiftDivider,
		"min_margin": "10", "max_position_margin": "50000", "can_user_stake": true, "allow_public_liquidator": false,
		"exposure_multiplier": params.ExposureMultiplier, "max_exposure_multiplier": params.MaxExposureMultiplier,
		"liquidation_bounty_bps": params.LiquidationBountyBps,
	})
	rec = h.do(t, "PUT", "/v1/admin/parameters", h.owner, string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(10e8), h.x.GetParameters().MinMargin)
	assert.Equal(t, int64(50_000e8), h.x.GetParameters().MaxPositionMargin)
	assert.False(t, h.x.GetParameters().AllowPublicLiquidator)

	keeper := uuid.New()
	rec = h.do(t, "PUT", "/v1/admin/liquidators/"+keeper.String(), h.owner, `{"allowed":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, "PUT", "/v1/managers/"+h.owner.String(), h.trader, `{"approved":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, "GET", "/v1/accounts/"+h.trader.String()+"/managers/"+h.owner.String(), uuid.Nil, "")
	assert.Equal(t, true, decodeBody(t, rec)["approved"])

	rec = h.do(t, "PUT", "/v1/admin/products/1", h.owner, `{"feed":"ETH-USD","max_leverage":"20","fee_bps":10,
		"liquidation_threshold_bps":8000,"min_price_change_bps":150,"min_profit_time":43200,
		"annual_interest_bps":1000,"weight":10,"reserve":"50000000","is_active":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "20", decodeBody(t, rec)["max_leverage"])

	rec = h.do(t, "PUT", "/v1/admin/vault", h.owner, `{"cap":"20000000","staking_period":7200}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "20000000", decodeBody(t, rec)["cap"])

	rec = h.do(t, "GET", "/v1/products", uuid.Nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["products"], 1)

	rec = h.do(t, "GET", "/v1/vault/stakes", uuid.Nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	stakes := decodeBody(t, rec)["stakes"].([]interface{})
	require.Len(t, stakes, 1)
	assert.Equal(t, h.lp.String(), stakes[0].(map[string]interface{})["account"])

	rec = h.do(t, "GET", "/v1/events", uuid.Nil, "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code, "no event source configured")
}

func TestHTTP_AdminIngest(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, "POST", "/v1/admin/prices", h.trader, `{"feed":"ETH-USD","price":"3100"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, "POST", "/v1/admin/prices", h.owner, `{"feed":"ETH-USD","price":"3100","sequence":7}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	raw := <-h.ingest
	assert.Equal(t, ingestion.KindPrice, raw.Kind)
	pu, err := ingestion.ParsePriceUpdate(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(3100e8), pu.Price)
	assert.Equal(t, int64(7), pu.Sequence)

	target := uuid.New()
	rec = h.do(t, "POST", "/v1/admin/liquidations", h.owner, fmt.Sprintf(`{"position_ids":["%s"]}`, target))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	requestID := decodeBody(t, rec)["request_id"].(string)
	raw = <-h.ingest
	cmd, err := ingestion.ParseLiquidateCommand(raw)
	require.NoError(t, err)
	assert.Equal(t, requestID, cmd.RequestID)
	assert.Equal(t, h.owner, cmd.Keeper)
	assert.Equal(t, []uuid.UUID{target}, cmd.PositionIDs)

	rec = h.do(t, "POST", "/v1/admin/liquidations", h.owner, `{"position_ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_RateLimit(t *testing.T) {
	h := newAPIHarness(t, server.NewRateLimiter(0.001, 2))

	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/vault", h.trader, "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/vault", h.trader, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(t, "GET", "/v1/vault", h.trader, "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/vault", h.lp, "").Code, "limits are per caller")
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	h := newAPIHarness(t, nil)

	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/healthz", uuid.Nil, "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/readyz", uuid.Nil, "").Code)

	h.do(t, "GET", "/v1/vault", uuid.Nil, "")
	rec := h.do(t, "GET", "/metrics", uuid.Nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "perp_")
}
