// Package vault keeps the liquidity providers' share ledger: stakes,
// redemptions, trader PnL absorption and compounded fee income.
package vault

import (
	"fmt"
	"math"
	"math/big"

	"github.com/google/uuid"

	"PerpVault/internal/errs"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/store"
)

// Vault is the pooled collateral of one asset.
type Vault struct {
	Asset         string
	Cap           int64
	Balance       int64
	TotalShares   int64
	StakingPeriod int64 // seconds before a stake may be redeemed
}

// Stake is one account's share holding.
type Stake struct {
	Account   uuid.UUID
	Shares    int64
	Timestamp int64 // last stake time, unix seconds
}

// Accounting owns the Vault and Stake records of one collateral asset.
type Accounting struct {
	vault         *store.Value[Vault]
	stakes        *store.Table[uuid.UUID, Stake]
	pendingReward *store.Value[int64]
}

func NewAccounting(v Vault) *Accounting {
	return &Accounting{
		vault:         store.NewValue(v),
		stakes:        store.NewTable[uuid.UUID, Stake](),
		pendingReward: store.NewValue[int64](0),
	}
}

func (a *Accounting) Vault() Vault {
	return a.vault.Get()
}

func (a *Accounting) GetStake(account uuid.UUID) (Stake, bool) {
	return a.stakes.Get(account)
}

// Stakes returns every stake ordered by account.
func (a *Accounting) Stakes() []Stake {
	return a.stakes.Values(func(x, y Stake) bool { return x.Account.String() < y.Account.String() })
}

// PendingReward is fee income compounded into the balance since the last
// vault reward distribution.
func (a *Accounting) PendingReward() int64 {
	return a.pendingReward.Get()
}

// Configure updates cap and staking period.
func (a *Accounting) Configure(tx *store.Tx, cap, stakingPeriod int64) (Vault, error) {
	if cap <= 0 || stakingPeriod < 0 {
		return Vault{}, fmt.Errorf("cap %d staking period %d: %w", cap, stakingPeriod, errs.ErrInvalidVaultCfg)
	}
	v := a.vault.Get()
	v.Cap = cap
	v.StakingPeriod = stakingPeriod
	a.vault.Set(tx, v)
	return v, nil
}

// StakeResult describes an accepted stake.
type StakeResult struct {
	Stake  Stake
	Vault  Vault
	Shares int64 // issued by this call
}

// Stake issues shares for amount at the current share value.
func (a *Accounting) Stake(tx *store.Tx, account uuid.UUID, amount, now int64) (StakeResult, error) {
	if amount <= 0 {
		return StakeResult{}, fmt.Errorf("stake amount %d: %w", amount, errs.ErrInvalidAmount)
	}
	v := a.vault.Get()
	if v.Balance+amount > v.Cap {
		return StakeResult{}, fmt.Errorf("balance %d + %d > cap %d: %w", v.Balance, amount, v.Cap, errs.ErrVaultCapExceeded)
	}

	var shares int64
	switch {
	case v.TotalShares == 0:
		shares = amount
	case v.Balance == 0:
		return StakeResult{}, fmt.Errorf("%d shares outstanding against zero balance: %w", v.TotalShares, errs.ErrVaultInsolvent)
	default:
		var err error
		if shares, err = fpmath.MulDiv(amount, v.TotalShares, v.Balance, fpmath.RoundDown); err != nil {
			return StakeResult{}, fmt.Errorf("stake of %d: %w", amount, err)
		}
	}
	if shares == 0 {
		return StakeResult{}, fmt.Errorf("stake of %d buys no shares: %w", amount, errs.ErrInvalidAmount)
	}

	v.Balance += amount
	v.TotalShares += shares
	a.vault.Set(tx, v)

	st, _ := a.stakes.Get(account)
	st.Account = account
	st.Shares += shares
	st.Timestamp = now
	a.stakes.Put(tx, account, st)

	return StakeResult{Stake: st, Vault: v, Shares: shares}, nil
}

// RedeemResult describes a redemption.
type RedeemResult struct {
	Stake   Stake // remaining holding, zero Shares when fully redeemed
	Vault   Vault
	Amount  int64 // collateral paid out
	Removed bool
}

// Redeem burns shares for their floor value.
func (a *Accounting) Redeem(tx *store.Tx, account uuid.UUID, shares, now int64) (RedeemResult, error) {
	if shares <= 0 {
		return RedeemResult{}, fmt.Errorf("redeem shares %d: %w", shares, errs.ErrInvalidAmount)
	}
	st, ok := a.stakes.Get(account)
	if !ok || shares > st.Shares {
		return RedeemResult{}, fmt.Errorf("redeem %d of %d shares: %w", shares, st.Shares, errs.ErrInsufficientShares)
	}
	v := a.vault.Get()
	if now-st.Timestamp < v.StakingPeriod {
		return RedeemResult{}, fmt.Errorf("staked at %d, unlocks at %d: %w", st.Timestamp, st.Timestamp+v.StakingPeriod, errs.ErrStakeLocked)
	}

	// shares <= TotalShares, so amount <= Balance
	amount, _ := fpmath.MulDiv(shares, v.Balance, v.TotalShares, fpmath.RoundDown)

	v.Balance -= amount
	v.TotalShares -= shares
	a.vault.Set(tx, v)

	st.Shares -= shares
	res := RedeemResult{Stake: st, Vault: v, Amount: amount}
	if st.Shares == 0 {
		a.stakes.Delete(tx, account)
		res.Removed = true
	} else {
		a.stakes.Put(tx, account, st)
	}
	return res, nil
}

// ApplyTraderPnL moves delta into the vault (trader loss) or out of it
// (trader profit). A payout larger than the balance is capped at the balance
// and the uncovered remainder is returned as shortfall.
func (a *Accounting) ApplyTraderPnL(tx *store.Tx, delta int64) (shortfall int64) {
	if delta == 0 {
		return 0
	}
	v := a.vault.Get()
	if delta < 0 && -delta > v.Balance {
		shortfall = -delta - v.Balance
		delta = -v.Balance
	}
	v.Balance += delta
	a.vault.Set(tx, v)
	return shortfall
}

// ReceiveFee compounds a fee share into the balance.
func (a *Accounting) ReceiveFee(tx *store.Tx, amount int64) {
	if amount <= 0 {
		return
	}
	v := a.vault.Get()
	v.Balance += amount
	a.vault.Set(tx, v)
	a.pendingReward.Set(tx, a.pendingReward.Get()+amount)
}

// ClaimPendingReward resets the pending reward counter and returns it.
func (a *Accounting) ClaimPendingReward(tx *store.Tx) int64 {
	amount := a.pendingReward.Get()
	a.pendingReward.Set(tx, 0)
	return amount
}

// GetShare returns the collateral value of an account's shares.
func (a *Accounting) GetShare(account uuid.UUID) int64 {
	st, ok := a.stakes.Get(account)
	if !ok {
		return 0
	}
	v := a.vault.Get()
	if v.TotalShares == 0 {
		return 0
	}
	value, _ := fpmath.MulDiv(st.Shares, v.Balance, v.TotalShares, fpmath.RoundDown)
	return value
}

// ShareValue returns balance / totalShares at 1e8 scale, saturating at
// MaxInt64.
func ShareValue(v Vault) int64 {
	if v.TotalShares == 0 {
		return fpmath.Scale
	}
	value, err := fpmath.MulDiv(v.Balance, fpmath.Scale, v.TotalShares, fpmath.RoundDown)
	if err != nil {
		return math.MaxInt64
	}
	return value
}

// ShareValueNotDecreased reports whether after's balance/shares ratio is at
// least before's, compared exactly.
func ShareValueNotDecreased(before, after Vault) bool {
	if before.TotalShares == 0 || after.TotalShares == 0 {
		return true
	}
	lhs := new(big.Int).Mul(big.NewInt(after.Balance), big.NewInt(before.TotalShares))
	rhs := new(big.Int).Mul(big.NewInt(before.Balance), big.NewInt(after.TotalShares))
	return lhs.Cmp(rhs) >= 0
}

// Restore loads persisted vault state.
func (a *Accounting) Restore(v Vault, stakes []Stake, pendingReward int64) {
	a.vault.Set(nil, v)
	for _, st := range stakes {
		a.stakes.Put(nil, st.Account, st)
	}
	a.pendingReward.Set(nil, pendingReward)
}
