package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PerpVault/internal/core"
	"PerpVault/internal/errs"
	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
	"PerpVault/internal/vault"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// EventSource reads the durable event log.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// HTTPDeps holds everything the HTTP API serves. Exchange is required;
// the rest switch off their routes when nil.
type HTTPDeps struct {
	Exchange *core.Exchange
	Admin    *ingestion.AdminIngest
	Events   EventSource
	History  HistoryReader
	Auth     *Authenticator
	Limiter  *RateLimiter
	Hub      *Hub
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// HTTPServer serves the JSON API on a grpc-gateway ServeMux, plus health,
// metrics and the websocket stream.
type HTTPServer struct {
	addr    string
	deps    HTTPDeps
	x       *core.Exchange
	mux     *runtime.ServeMux
	handler http.Handler
	server  *http.Server
	logger  zerolog.Logger
}

type handlerFunc func(r *http.Request, params map[string]string) (interface{}, error)

func NewHTTPServer(addr string, deps HTTPDeps) (*HTTPServer, error) {
	if deps.Exchange == nil {
		return nil, errors.New("http server needs an exchange")
	}
	s := &HTTPServer{
		addr:   addr,
		deps:   deps,
		x:      deps.Exchange,
		mux:    runtime.NewServeMux(),
		logger: deps.Logger,
	}
	if err := s.routes(); err != nil {
		return nil, err
	}

	var api http.Handler = s.mux
	if deps.Limiter != nil {
		api = deps.Limiter.Middleware(s.fail)(api)
	}
	if deps.Auth != nil {
		api = deps.Auth.Middleware(s.fail)(api)
	}

	root := http.NewServeMux()
	if deps.Health != nil {
		root.HandleFunc("/healthz", deps.Health.LivenessHandler)
		root.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	if deps.Gatherer != nil {
		root.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if deps.Hub != nil {
		root.Handle("/ws", deps.Hub)
	}
	root.Handle("/", api)
	s.handler = root
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start returns only after in-flight requests finish, so callers may
	// close the exchange's output channels afterwards.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}()

	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

func (s *HTTPServer) routes() error {
	routes := []struct {
		method, pattern, endpoint string
		fn                        handlerFunc
	}{
		// Trading
		{"POST", "/v1/positions", "open_position", s.openPosition},
		{"POST", "/v1/positions/close", "close_position", s.closePosition},
		{"POST", "/v1/positions/{id}/close", "close_position_by_id", s.closePositionByID},
		{"POST", "/v1/liquidations", "liquidate", s.liquidate},

		// Vault and collateral
		{"POST", "/v1/vault/stake", "stake", s.stake},
		{"POST", "/v1/vault/redeem", "redeem", s.redeem},
		{"POST", "/v1/accounts/{account}/deposit", "deposit", s.deposit},
		{"POST", "/v1/withdraw", "withdraw", s.withdraw},
		{"POST", "/v1/rewards/{bucket}/distribute", "distribute", s.distribute},
		{"PUT", "/v1/managers/{manager}", "set_manager", s.setManager},

		// Administration
		{"POST", "/v1/admin/products", "add_product", s.addProduct},
		{"PUT", "/v1/admin/products/{id}", "update_product", s.updateProduct},
		{"PUT", "/v1/admin/vault", "update_vault", s.updateVault},
		{"PUT", "/v1/admin/parameters", "set_parameters", s.setParameters},
		{"PUT", "/v1/admin/fee-split", "set_fee_split", s.setFeeSplit},
		{"PUT", "/v1/admin/liquidators/{id}", "set_liquidator", s.setLiquidator},
		{"POST", "/v1/admin/prices", "inject_price", s.injectPrice},
		{"POST", "/v1/admin/liquidations", "inject_liquidation", s.injectLiquidation},
		{"GET", "/v1/admin/integrity", "verify_integrity", s.getIntegrity},

		// Queries
		{"GET", "/v1/positions/{id}", "get_position", s.getPosition},
		{"GET", "/v1/positions/{id}/liquidatable", "get_liquidatable", s.getLiquidatable},
		{"GET", "/v1/positions/{id}/history", "get_position_history", s.getPositionHistory},
		{"GET", "/v1/accounts/{account}/positions", "get_account_positions", s.getAccountPositions},
		{"GET", "/v1/accounts/{account}/collateral", "get_collateral", s.getCollateral},
		{"GET", "/v1/accounts/{account}/stake", "get_stake", s.getStake},
		{"GET", "/v1/accounts/{account}/managers/{manager}", "get_manager", s.getManager},
		{"GET", "/v1/accounts/{account}/history", "get_account_history", s.getAccountHistory},
		{"GET", "/v1/accounts/{account}/journal", "get_journal", s.getJournal},
		{"GET", "/v1/products", "get_products", s.getProducts},
		{"GET", "/v1/products/{id}", "get_product", s.getProduct},
		{"GET", "/v1/vault", "get_vault", s.getVault},
		{"GET", "/v1/vault/stakes", "get_stakes", s.getStakes},
		{"GET", "/v1/parameters", "get_parameters", s.getParameters},
		{"GET", "/v1/status", "get_status", s.getStatus},
		{"GET", "/v1/events", "get_events", s.getEvents},
	}
	for _, rt := range routes {
		if err := s.mux.HandlePath(rt.method, rt.pattern, s.wrap(rt.endpoint, rt.fn)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// wrap adapts fn to the gateway's handler signature, writing its result as
// JSON and recording request metrics.
func (s *HTTPServer) wrap(endpoint string, fn handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := fn(r, params)
		code := http.StatusOK
		if err != nil {
			code = httpStatus(err)
			if code >= http.StatusInternalServerError {
				s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
			s.fail(w, r, err)
		} else {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(resp); err != nil {
				s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("write response")
			}
		}
		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(s.mux, w, r, err)
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, errs.ErrInvalidAmount) {
			return err
		}
		return status.Errorf(codes.InvalidArgument, "invalid request body: %v", err)
	}
	return nil
}

func pathUUID(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return id, nil
}

func pathUint(params map[string]string, name string) (uint64, error) {
	v, err := strconv.ParseUint(params[name], 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return v, nil
}

// ---- trading ----

type openRequest struct {
	Account   *uuid.UUID `json:"account,omitempty"` // defaults to the caller
	ProductID uint64     `json:"product_id"`
	Margin    Amount     `json:"margin"`
	Leverage  Amount     `json:"leverage"`
	IsLong    bool       `json:"is_long"`
}

func (s *HTTPServer) openPosition(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	var req openRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	account := caller
	if req.Account != nil {
		account = *req.Account
	}
	pos, err := s.x.OpenPosition(caller, account, req.ProductID, int64(req.Margin), int64(req.Leverage), req.IsLong)
	if err != nil {
		return nil, err
	}
	return newPositionView(pos), nil
}

type closeRequest struct {
	Account   *uuid.UUID `json:"account,omitempty"`
	ProductID uint64     `json:"product_id"`
	Margin    Amount     `json:"margin"`
	IsLong    bool       `json:"is_long"`
}

func (s *HTTPServer) closePosition(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	var req closeRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	account := caller
	if req.Account != nil {
		account = *req.Account
	}
	closed, err := s.x.ClosePosition(caller, account, req.ProductID, int64(req.Margin), req.IsLong)
	if err != nil {
		return nil, err
	}
	return newClosedView(closed), nil
}

type closeByIDRequest struct {
	Margin Amount `json:"margin"`
}

func (s *HTTPServer) closePositionByID(r *http.Request, params map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	id, err := pathUUID(params, "id")
	if err != nil {
		return nil, err
	}
	var req closeByIDRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	closed, err := s.x.ClosePositionWithID(caller, id, int64(req.Margin))
	if err != nil {
		return nil, err
	}
	return newClosedView(closed), nil
}

type liquidateRequest struct {
	PositionIDs []uuid.UUID `json:"position_ids"`
}

func (s *HTTPServer) liquidate(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	var req liquidateRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	liquidated, err := s.x.LiquidatePositions(caller, req.PositionIDs)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"liquidated": newLiquidatedViews(liquidated)}, nil
}

// ---- vault and collateral ----

type amountRequest struct {
	Amount Amount `json:"amount"`
}

func (s *HTTPServer) stake(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	res, err := s.x.Stake(caller, int64(req.Amount))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"shares_issued": Amount(res.Shares),
		"stake":         s.stakeView(res.Stake),
		"vault":         s.vaultView(),
	}, nil
}

type redeemRequest struct {
	Shares Amount `json:"shares"`
}

func (s *HTTPServer) redeem(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	var req redeemRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	res, err := s.x.Redeem(caller, int64(req.Shares))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"amount":  Amount(res.Amount),
		"removed": res.Removed,
		"stake":   s.stakeView(res.Stake),
		"vault":   s.vaultView(),
	}, nil
}

func (s *HTTPServer) deposit(r *http.Request, params map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	account, err := pathUUID(params, "account")
	if err != nil {
		return nil, err
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := s.x.Deposit(caller, account, int64(req.Amount)); err != nil {
		return nil, err
	}
	return s.collateralView(account), nil
}

func (s *HTTPServer) withdraw(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := s.x.Withdraw(caller, int64(req.Amount)); err != nil {
		return nil, err
	}
	return s.collateralView(caller), nil
}

func (s *HTTPServer) distribute(r *http.Request, params map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	var amount int64
	switch bucket := params["bucket"]; bucket {
	case event.RewardProtocol:
		amount, err = s.x.DistributeProtocolReward(caller)
	case event.RewardStaking:
		amount, err = s.x.DistributeStakingReward(caller)
	case event.RewardVault:
		amount, err = s.x.DistributeVaultReward(caller)
	default:
		return nil, status.Errorf(codes.NotFound, "unknown reward bucket %q", bucket)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"bucket": params["bucket"], "amount": Amount(amount)}, nil
}

type approvalRequest struct {
	Approved bool `json:"approved"`
}

func (s *HTTPServer) setManager(r *http.Request, params map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	manager, err := pathUUID(params, "manager")
	if err != nil {
		return nil, err
	}
	var req approvalRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := s.x.SetAccountManager(caller, manager, req.Approved); err != nil {
		return nil, err
	}
	return map[string]interface{}{"account": caller, "manager": manager, "approved": req.Approved}, nil
}

// ---- administration ----

func (s *HTTPServer) addProduct(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	var req productView
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := s.x.AddProduct(caller, req.product()); err != nil {
		return nil, err
	}
	return s.productByID(req.ID)
}

func (s *HTTPServer) updateProduct(r *http.Request, params map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	id, err := pathUint(params, "id")
	if err != nil {
		return nil, err
	}
	var req productView
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	req.ID = id
	if err := s.x.UpdateProduct(caller, req.product()); err != nil {
		return nil, err
	}
	return s.productByID(id)
}

type vaultConfigRequest struct {
	Cap           Amount `json:"cap"`
	StakingPeriod int64  `json:"staking_period"`
}

func (s *HTTPServer) updateVault(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	var req vaultConfigRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := s.x.UpdateVault(caller, int64(req.Cap), req.StakingPeriod); err != nil {
		return nil, err
	}
	return s.vaultView(), nil
}

func (s *HTTPServer) setParameters(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	var req parametersView
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := s.x.SetParameters(caller, req.parameters()); err != nil {
		return nil, err
	}
	return s.getParameters(r, nil)
}

func (s *HTTPServer) setFeeSplit(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	var req feeSplitView
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := s.x.SetFeeSplit(caller, req.split()); err != nil {
		return nil, err
	}
	return s.getParameters(r, nil)
}

type allowRequest struct {
	Allowed bool `json:"allowed"`
}

func (s *HTTPServer) setLiquidator(r *http.Request, params map[string]string) (interface{}, error) {
	caller, err := requireCaller(r.Context())
	if err != nil {
		return nil, err
	}
	id, err := pathUUID(params, "id")
	if err != nil {
		return nil, err
	}
	var req allowRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := s.x.SetLiquidator(caller, id, req.Allowed); err != nil {
		return nil, err
	}
	return map[string]interface{}{"liquidator": id, "allowed": req.Allowed}, nil
}

// requireOwnerIngest guards the operator injection routes, which bypass the
// core's own authorization.
func (s *HTTPServer) requireOwnerIngest(ctx context.Context) (uuid.UUID, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.requireOwner(ctx); err != nil {
		return uuid.Nil, err
	}
	if s.deps.Admin == nil {
		return uuid.Nil, status.Error(codes.Unimplemented, "admin ingestion is disabled")
	}
	return caller, nil
}

func (s *HTTPServer) requireOwner(ctx context.Context) error {
	caller, err := requireCaller(ctx)
	if err != nil {
		return err
	}
	if caller != s.x.Owner() {
		return fmt.Errorf("caller %s is not the owner: %w", caller, errs.ErrUnauthorized)
	}
	return nil
}

type priceRequest struct {
	Feed     string `json:"feed"`
	Price    Amount `json:"price"`
	Sequence int64  `json:"sequence,omitempty"`
}

func (s *HTTPServer) injectPrice(r *http.Request, _ map[string]string) (interface{}, error) {
	if _, err := s.requireOwnerIngest(r.Context()); err != nil {
		return nil, err
	}
	var req priceRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.Feed == "" || req.Price <= 0 {
		return nil, fmt.Errorf("feed and a positive price are required: %w", errs.ErrInvalidAmount)
	}
	if err := s.deps.Admin.InjectPrice(r.Context(), req.Feed, int64(req.Price), req.Sequence); err != nil {
		return nil, status.Errorf(codes.Unavailable, "inject price: %v", err)
	}
	return map[string]interface{}{"accepted": true}, nil
}

type keeperRequest struct {
	Keeper      *uuid.UUID  `json:"keeper,omitempty"` // defaults to the caller
	PositionIDs []uuid.UUID `json:"position_ids"`
}

func (s *HTTPServer) injectLiquidation(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := s.requireOwnerIngest(r.Context())
	if err != nil {
		return nil, err
	}
	var req keeperRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	keeper := caller
	if req.Keeper != nil {
		keeper = *req.Keeper
	}
	if len(req.PositionIDs) == 0 {
		return nil, status.Error(codes.InvalidArgument, "position_ids is required")
	}
	requestID, err := s.deps.Admin.InjectLiquidation(r.Context(), keeper, req.PositionIDs)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "inject liquidation: %v", err)
	}
	return map[string]interface{}{"request_id": requestID}, nil
}

// ---- queries ----

func (s *HTTPServer) getPosition(_ *http.Request, params map[string]string) (interface{}, error) {
	id, err := pathUUID(params, "id")
	if err != nil {
		return nil, err
	}
	found := s.x.GetPositions([]uuid.UUID{id})
	if len(found) == 0 {
		return nil, fmt.Errorf("position %s: %w", id, errs.ErrPositionNotFound)
	}
	return newPositionView(found[0]), nil
}

func (s *HTTPServer) getLiquidatable(_ *http.Request, params map[string]string) (interface{}, error) {
	id, err := pathUUID(params, "id")
	if err != nil {
		return nil, err
	}
	ok, err := s.x.IsLiquidationCandidate(id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"position_id": id, "liquidatable": ok}, nil
}

func (s *HTTPServer) getAccountPositions(_ *http.Request, params map[string]string) (interface{}, error) {
	account, err := pathUUID(params, "account")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"positions": newPositionViews(s.x.GetAccountPositions(account))}, nil
}

func (s *HTTPServer) getCollateral(_ *http.Request, params map[string]string) (interface{}, error) {
	account, err := pathUUID(params, "account")
	if err != nil {
		return nil, err
	}
	return s.collateralView(account), nil
}

func (s *HTTPServer) getStake(_ *http.Request, params map[string]string) (interface{}, error) {
	account, err := pathUUID(params, "account")
	if err != nil {
		return nil, err
	}
	st, ok := s.x.GetStake(account)
	if !ok {
		st.Account = account
	}
	return s.stakeView(st), nil
}

func (s *HTTPServer) getManager(_ *http.Request, params map[string]string) (interface{}, error) {
	account, err := pathUUID(params, "account")
	if err != nil {
		return nil, err
	}
	manager, err := pathUUID(params, "manager")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"account": account, "manager": manager, "approved": s.x.IsManager(account, manager)}, nil
}

func (s *HTTPServer) getProducts(_ *http.Request, _ map[string]string) (interface{}, error) {
	products := s.x.GetProducts()
	out := make([]productView, len(products))
	for i, p := range products {
		out[i] = newProductView(p)
	}
	return map[string]interface{}{"products": out}, nil
}

func (s *HTTPServer) getProduct(_ *http.Request, params map[string]string) (interface{}, error) {
	id, err := pathUint(params, "id")
	if err != nil {
		return nil, err
	}
	return s.productByID(id)
}

func (s *HTTPServer) getVault(_ *http.Request, _ map[string]string) (interface{}, error) {
	return s.vaultView(), nil
}

func (s *HTTPServer) getStakes(_ *http.Request, _ map[string]string) (interface{}, error) {
	stakes := s.x.GetStakes()
	out := make([]stakeView, len(stakes))
	for i, st := range stakes {
		out[i] = s.stakeView(st)
	}
	return map[string]interface{}{"stakes": out}, nil
}

func (s *HTTPServer) getParameters(_ *http.Request, _ map[string]string) (interface{}, error) {
	split := s.x.GetFeeSplit()
	return map[string]interface{}{
		"parameters": newParametersView(s.x.GetParameters()),
		"fee_split":  feeSplitView{ProtocolBps: split.ProtocolBps, StakingBps: split.StakingBps, VaultBps: split.VaultBps},
	}, nil
}

func (s *HTTPServer) getStatus(_ *http.Request, _ map[string]string) (interface{}, error) {
	return statusView{Sequence: s.x.Sequence(), StateHash: hashHex(s.x.StateHash())}, nil
}

type eventView struct {
	Sequence  int64           `json:"sequence"`
	EventID   uuid.UUID       `json:"event_id"`
	EventType string          `json:"event_type"`
	RequestID *string         `json:"request_id,omitempty"`
	ProductID *int64          `json:"product_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	StateHash string          `json:"state_hash"`
	PrevHash  string          `json:"prev_hash"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *HTTPServer) getEvents(r *http.Request, _ map[string]string) (interface{}, error) {
	if s.deps.Events == nil {
		return nil, status.Error(codes.Unimplemented, "event log is not available")
	}
	q := r.URL.Query()
	from := int64(1)
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return nil, status.Errorf(codes.InvalidArgument, "invalid from %q", v)
		}
		from = n
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return nil, status.Errorf(codes.InvalidArgument, "limit must be within 1..1000")
		}
		limit = n
	}
	rows, err := s.deps.Events.LoadEventsFrom(r.Context(), from, limit)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "load events: %v", err)
	}
	out := make([]eventView, len(rows))
	for i, e := range rows {
		out[i] = eventView{
			Sequence:  e.Sequence,
			EventID:   e.EventID,
			EventType: e.EventType,
			RequestID: e.RequestID,
			ProductID: e.ProductID,
			Timestamp: e.Timestamp,
			StateHash: hex.EncodeToString(e.StateHash),
			PrevHash:  hex.EncodeToString(e.PrevHash),
			Payload:   json.RawMessage(e.Payload),
		}
	}
	return map[string]interface{}{"events": out}, nil
}

// ---- shared views ----

func (s *HTTPServer) productByID(id uint64) (interface{}, error) {
	p, err := s.x.GetProduct(id)
	if err != nil {
		return nil, err
	}
	return newProductView(p), nil
}

func (s *HTTPServer) vaultView() vaultView {
	v := newVaultView(s.x.GetVault())
	v.PendingProtocol = Amount(s.x.GetPendingProtocolReward())
	v.PendingStaking = Amount(s.x.GetPendingStakingReward())
	v.PendingVault = Amount(s.x.GetPendingVaultReward())
	return v
}

func (s *HTTPServer) stakeView(st vault.Stake) stakeView {
	return stakeView{
		Account:   st.Account,
		Shares:    Amount(st.Shares),
		Value:     Amount(s.x.GetShare(st.Account)),
		Timestamp: st.Timestamp,
	}
}

func (s *HTTPServer) collateralView(account uuid.UUID) map[string]interface{} {
	return map[string]interface{}{"account": account, "collateral": Amount(s.x.GetCollateral(account))}
}
