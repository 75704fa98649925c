package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpVault/internal/errs"
	"PerpVault/internal/event"
	"PerpVault/internal/fees"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"PerpVault/internal/store"
	"PerpVault/internal/vault"
)

// Config is the static setup of an exchange.
type Config struct {
	Asset               string // collateral asset, e.g. "USDC"
	Owner               uuid.UUID
	ProtocolDistributor uuid.UUID // defaults to Owner
	StakingDistributor  uuid.UUID // defaults to Owner
	VaultDistributor    uuid.UUID // defaults to Owner
	VaultCap            int64
	StakingPeriod       int64 // seconds
	Parameters          state.Parameters
	FeeSplit            fees.FeeSplit
}

// Deps are the collaborators of an exchange. Only Oracle is required.
type Deps struct {
	Oracle           oracle.Oracle
	FeeCalculator    fees.Calculator
	ProtocolNotifier fees.RewardNotifier
	StakingNotifier  fees.RewardNotifier
	VaultNotifier    fees.RewardNotifier
	Clock            func() time.Time
	Logger           zerolog.Logger
	Metrics          *observability.Metrics

	// Persist receives every output with a blocking send. Publish receives
	// them with a non-blocking send and drops on full.
	PersistChan chan<- Output
	PublishChan chan<- Output
}

type managerKey struct {
	account uuid.UUID
	manager uuid.UUID
}

// Exchange serializes every mutating operation behind one lock and runs it as
// a single transaction over the ledger, position, vault and fee state.
type Exchange struct {
	mu sync.RWMutex

	cfg      Config
	assetID  ledger.AssetID
	sequence int64 // next sequence to assign
	hasher   *StateHasher

	balances     *ledger.BalanceTracker
	validator    *ledger.InvariantValidator
	products     *state.ProductRegistry
	positions    *state.PositionLedger
	liquidations *state.LiquidationEngine
	vault        *vault.Accounting
	splitter     *fees.Splitter
	params       *store.Value[state.Parameters]
	managers     *store.Table[managerKey, bool]
	liquidators  *store.Table[uuid.UUID, bool]

	oracle        oracle.Oracle
	calculator    fees.Calculator
	vaultNotifier fees.RewardNotifier
	clock         func() time.Time
	logger        zerolog.Logger
	metrics       *observability.Metrics

	persistChan chan<- Output
	publishChan chan<- Output
}

func NewExchange(cfg Config, deps Deps) (*Exchange, error) {
	assetID, ok := ledger.GetAssetID(cfg.Asset)
	if !ok {
		return nil, fmt.Errorf("unknown collateral asset %q: %w", cfg.Asset, errs.ErrInvalidVaultCfg)
	}
	if cfg.Owner == uuid.Nil {
		return nil, fmt.Errorf("owner is required: %w", errs.ErrInvalidParameters)
	}
	if deps.Oracle == nil {
		return nil, fmt.Errorf("oracle is required: %w", errs.ErrInvalidParameters)
	}
	if cfg.VaultCap <= 0 || cfg.StakingPeriod < 0 {
		return nil, fmt.Errorf("cap %d staking period %d: %w", cfg.VaultCap, cfg.StakingPeriod, errs.ErrInvalidVaultCfg)
	}
	if err := state.ValidateParameters(cfg.Parameters); err != nil {
		return nil, err
	}
	for _, d := range []*uuid.UUID{&cfg.ProtocolDistributor, &cfg.StakingDistributor, &cfg.VaultDistributor} {
		if *d == uuid.Nil {
			*d = cfg.Owner
		}
	}
	if deps.FeeCalculator == nil {
		deps.FeeCalculator = fees.FlatCalculator{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	balances := ledger.NewBalanceTracker()
	products := state.NewProductRegistry()
	positions := state.NewPositionLedger(products)
	va := vault.NewAccounting(vault.Vault{Asset: cfg.Asset, Cap: cfg.VaultCap, StakingPeriod: cfg.StakingPeriod})

	splitter, err := fees.NewSplitter(cfg.FeeSplit, deps.ProtocolNotifier, deps.StakingNotifier, va)
	if err != nil {
		return nil, err
	}

	return &Exchange{
		cfg:           cfg,
		assetID:       assetID,
		sequence:      1,
		hasher:        NewStateHasher(),
		balances:      balances,
		validator:     ledger.NewInvariantValidator(balances),
		products:      products,
		positions:     positions,
		liquidations:  state.NewLiquidationEngine(positions, products),
		vault:         va,
		splitter:      splitter,
		params:        store.NewValue(cfg.Parameters),
		managers:      store.NewTable[managerKey, bool](),
		liquidators:   store.NewTable[uuid.UUID, bool](),
		oracle:        deps.Oracle,
		calculator:    deps.FeeCalculator,
		vaultNotifier: deps.VaultNotifier,
		clock:         deps.Clock,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		persistChan:   deps.PersistChan,
		publishChan:   deps.PublishChan,
	}, nil
}

// opContext carries one operation's transaction and the events it emits.
type opContext struct {
	x           *Exchange
	tx          *store.Tx
	now         int64
	requestID   string
	records     []record
	current     *record
	delta       *StateDelta
	afterCommit []func()

	// checkShareValue asks the post-check to verify that the vault's
	// per-share value did not drop.
	checkShareValue bool
}

type record struct {
	id    uuid.UUID
	jg    *ledger.JournalGenerator
	event event.Event
	batch *ledger.Batch
}

// journal returns the generator for the event being built.
func (c *opContext) journal() *ledger.JournalGenerator {
	if c.current == nil {
		id := uuid.New()
		seq := c.x.sequence + int64(len(c.records))
		c.current = &record{id: id, jg: ledger.NewJournalGenerator(c.x.assetID, id.String(), seq, c.now)}
	}
	return c.current.jg
}

// emit closes the event being built. Journals posted since the previous emit
// belong to it.
func (c *opContext) emit(evt event.Event) {
	c.journal()
	c.current.event = evt
	c.current.batch = c.current.jg.Batch()
	c.records = append(c.records, *c.current)
	c.current = nil
}

func (c *opContext) touchProduct(p state.Product) {
	c.delta.Products = append(c.delta.Products, p)
}

func (c *opContext) touchPosition(p state.Position) {
	c.delta.Positions = append(c.delta.Positions, p)
}

func (c *opContext) removePosition(id uuid.UUID) {
	c.delta.RemovedPositions = append(c.delta.RemovedPositions, id)
}

func (c *opContext) onCommit(f func()) {
	c.afterCommit = append(c.afterCommit, f)
}

// apply is the processing pipeline shared by every mutating operation:
// run fn, apply its journal batches, post-check invariants, chain the state
// hash, commit, then emit outputs. Any error rolls back every write.
func (x *Exchange) apply(op, requestID string, fn func(c *opContext) error) error {
	start := time.Now()

	x.mu.Lock()
	defer x.mu.Unlock()

	c := &opContext{
		x:         x,
		tx:        store.Begin(),
		now:       x.clock().Unix(),
		requestID: requestID,
		delta:     &StateDelta{},
	}
	defer c.tx.Rollback()

	vaultBefore := x.vault.Vault()

	if err := fn(c); err != nil {
		x.reject(op, err)
		return err
	}
	if c.current != nil || len(c.records) == 0 {
		err := fmt.Errorf("%s: operation emitted no event: %w", op, errs.ErrInvariantViolation)
		x.reject(op, err)
		return err
	}

	for _, r := range c.records {
		if r.batch == nil {
			continue
		}
		if err := x.balances.ApplyBatch(c.tx, r.batch); err != nil {
			err = x.invariant("batch", err)
			x.reject(op, err)
			return err
		}
	}

	if err := x.postCheck(c, vaultBefore); err != nil {
		x.reject(op, err)
		return err
	}

	outputs, err := x.seal(c)
	if err != nil {
		x.reject(op, err)
		return err
	}

	c.tx.Commit()
	x.sequence += int64(len(outputs))

	for _, f := range c.afterCommit {
		f()
	}

	x.emit(outputs)

	if x.metrics != nil {
		x.metrics.OpsApplied.WithLabelValues(op).Inc()
		x.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		x.metrics.CoreSequence.Set(float64(x.sequence - 1))
		for _, out := range outputs {
			if out.Batch == nil {
				continue
			}
			for _, j := range out.Batch.Journals {
				x.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
		v := x.vault.Vault()
		x.metrics.VaultBalance.Set(float64(v.Balance))
		x.metrics.VaultShares.Set(float64(v.TotalShares))
	}
	return nil
}

// postCheck verifies the ledger against the exchange state before commit.
func (x *Exchange) postCheck(c *opContext, vaultBefore vault.Vault) error {
	if err := x.validator.ValidateGlobalBalance(); err != nil {
		return x.invariant("global_balance", err)
	}
	for _, r := range c.records {
		if r.batch == nil {
			continue
		}
		if err := x.validator.ValidateBatchAccounts(r.batch); err != nil {
			return x.invariant("non_negative", err)
		}
	}
	holdings := ledger.Holdings{
		PositionMargin: x.positions.TotalMargin(),
		Vault:          x.vault.Vault().Balance,
		ProtocolReward: x.splitter.PendingProtocol(),
		StakingReward:  x.splitter.PendingStaking(),
	}
	if err := x.validator.ValidateHoldings(x.assetID, holdings); err != nil {
		return x.invariant("holdings", err)
	}
	if c.checkShareValue && !vault.ShareValueNotDecreased(vaultBefore, x.vault.Vault()) {
		return x.invariant("share_value", fmt.Errorf("share value fell from %d to %d",
			vault.ShareValue(vaultBefore), vault.ShareValue(x.vault.Vault())))
	}
	return nil
}

// seal encodes payloads, advances the hash chain and builds the outputs.
// Nothing after the first ComputeHash may fail.
func (x *Exchange) seal(c *opContext) ([]Output, error) {
	payloads := make([][]byte, len(c.records))
	for i, r := range c.records {
		p, err := event.Encode(r.event)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %v: %w", r.event.EventType(), err, errs.ErrInvariantViolation)
		}
		payloads[i] = p
	}

	ts := time.Unix(c.now, 0).UTC()
	outputs := make([]Output, len(c.records))
	for i, r := range c.records {
		seq := x.sequence + int64(i)
		prev := x.hasher.GetPrevHash()
		hash := x.hasher.ComputeHash(seq, computeStateDigest(x.balances, r.batch, payloads[i]))

		outputs[i] = Output{
			Envelope: &event.EventEnvelope{
				Sequence:  seq,
				EventID:   r.id,
				EventType: r.event.EventType(),
				ProductID: r.event.ProductID(),
				Timestamp: ts,
				RequestID: c.requestID,
				Payload:   payloads[i],
				StateHash: hash,
				PrevHash:  prev,
			},
			Event: r.event,
			Batch: r.batch,
		}
	}

	last := &outputs[len(outputs)-1]
	c.delta.Balances = make(map[ledger.AccountKey]int64)
	for _, r := range c.records {
		if r.batch == nil {
			continue
		}
		for _, j := range r.batch.Journals {
			c.delta.Balances[j.DebitAccount] = x.balances.GetBalance(j.DebitAccount)
			c.delta.Balances[j.CreditAccount] = x.balances.GetBalance(j.CreditAccount)
		}
	}
	c.delta.Vault = x.vault.Vault()
	c.delta.Meta = x.meta(last.Envelope.Sequence)
	last.Delta = c.delta

	return outputs, nil
}

func (x *Exchange) meta(sequence int64) Meta {
	return Meta{
		Sequence:        sequence,
		StateHash:       x.hasher.GetPrevHash(),
		Parameters:      x.params.Get(),
		FeeSplit:        x.splitter.FeeSplit(),
		PendingProtocol: x.splitter.PendingProtocol(),
		PendingStaking:  x.splitter.PendingStaking(),
		PendingVault:    x.vault.PendingReward(),
	}
}

// emit sends outputs in commit order. Persistence is a blocking send so no
// committed event is lost; publishing drops when the channel is full.
func (x *Exchange) emit(outputs []Output) {
	for _, out := range outputs {
		if x.persistChan != nil {
			select {
			case x.persistChan <- out:
			default:
				if x.metrics != nil {
					x.metrics.PersistBackpressure.Inc()
				}
				x.persistChan <- out
			}
		}
		if x.publishChan != nil {
			select {
			case x.publishChan <- out:
			default:
				if x.metrics != nil {
					x.metrics.PublishDrops.Inc()
				}
				x.logger.Warn().Int64("sequence", out.Envelope.Sequence).Msg("publish channel full, output dropped")
			}
		}
	}
}

func (x *Exchange) invariant(check string, err error) error {
	x.logger.Error().Str("check", check).Err(err).Msg("invariant violated, rolling back")
	if x.metrics != nil {
		x.metrics.InvariantFail.WithLabelValues(check).Inc()
	}
	return fmt.Errorf("%s: %v: %w", check, err, errs.ErrInvariantViolation)
}

func (x *Exchange) reject(op string, err error) {
	kind := errs.KindOf(err)
	if x.metrics != nil {
		x.metrics.OpsRejected.WithLabelValues(op, kind.String()).Inc()
	}
	x.logger.Debug().Str("op", op).Str("kind", kind.String()).Err(err).Msg("operation rejected")
}

// oraclePrice reads the product's feed. Any failure is an oracle error.
func (x *Exchange) oraclePrice(p state.Product) (int64, error) {
	price, err := x.oracle.LatestPrice(p.Feed)
	if err != nil {
		if errors.Is(err, errs.ErrOracle) {
			return 0, fmt.Errorf("product %d: %w", p.ID, err)
		}
		return 0, fmt.Errorf("product %d feed %s: %v: %w", p.ID, p.Feed, err, errs.ErrOracle)
	}
	if price <= 0 {
		return 0, fmt.Errorf("product %d feed %s: price %d: %w", p.ID, p.Feed, price, errs.ErrOracle)
	}
	return price, nil
}

// market assembles the pricing context for a trade by account on p.
func (x *Exchange) market(account uuid.UUID, p state.Product, now int64) (state.Market, error) {
	price, err := x.oraclePrice(p)
	if err != nil {
		return state.Market{}, err
	}
	params := x.params.Get()
	maxExposure, err := state.MaxExposure(x.vault.Vault().Balance, params.ExposureMultiplier, p.Weight, x.products.TotalWeight())
	if err != nil {
		return state.Market{}, fmt.Errorf("product %d: %w", p.ID, err)
	}
	return state.Market{
		OraclePrice: price,
		MaxExposure: maxExposure,
		FeeBps:      x.calculator.FeeBps(account, p.ID, p.FeeBps),
		Params:      params,
		Now:         now,
	}, nil
}

func (x *Exchange) requireOwner(caller uuid.UUID) error {
	if caller != x.cfg.Owner {
		return fmt.Errorf("caller %s is not the owner: %w", caller, errs.ErrUnauthorized)
	}
	return nil
}

// authorizeTrade allows an approved manager of account, or account itself
// unless managerOnly is set.
func (x *Exchange) authorizeTrade(caller, account uuid.UUID, managerOnly bool) error {
	if approved, _ := x.managers.Get(managerKey{account: account, manager: caller}); approved {
		return nil
	}
	if caller == account && !managerOnly {
		return nil
	}
	return fmt.Errorf("caller %s may not trade for %s: %w", caller, account, errs.ErrUnauthorized)
}
