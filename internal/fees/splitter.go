// Package fees splits trade fees between the protocol, stakers and the vault,
// and computes per-account fee rates.
package fees

import (
	"fmt"

	"PerpVault/internal/errs"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/store"
)

// RewardNotifier is told about every fee share credited to its bucket.
type RewardNotifier interface {
	Notify(amount int64) error
}

// VaultReceiver accepts the vault's share of a fee.
type VaultReceiver interface {
	ReceiveFee(tx *store.Tx, amount int64)
}

// FeeSplit is the percentage of each fee routed to each bucket, in basis
// points. The three must sum to 1e4.
type FeeSplit struct {
	ProtocolBps int64
	StakingBps  int64
	VaultBps    int64
}

func DefaultFeeSplit() FeeSplit {
	return FeeSplit{ProtocolBps: 2000, StakingBps: 3000, VaultBps: 5000}
}

// Validate fails unless every share is non-negative and they sum to 100%.
func (s FeeSplit) Validate() error {
	if s.ProtocolBps < 0 || s.StakingBps < 0 || s.VaultBps < 0 {
		return fmt.Errorf("negative share in %+v: %w", s, errs.ErrInvalidFeeSplit)
	}
	if sum := s.ProtocolBps + s.StakingBps + s.VaultBps; sum != fpmath.BpsScale {
		return fmt.Errorf("shares sum to %d, want %d: %w", sum, fpmath.BpsScale, errs.ErrInvalidFeeSplit)
	}
	return nil
}

// Shares is one fee divided between the buckets.
type Shares struct {
	Protocol int64
	Staking  int64
	Vault    int64
}

// Split divides fee. The vault takes the rounding remainder so the shares
// always sum to fee.
func (s FeeSplit) Split(fee int64) Shares {
	protocol := share(fee, s.ProtocolBps)
	staking := share(fee, s.StakingBps)
	return Shares{
		Protocol: protocol,
		Staking:  staking,
		Vault:    fee - protocol - staking,
	}
}

// share returns fee * bps / 1e4. A validated split keeps bps <= 1e4, so the
// result never exceeds fee.
func share(fee, bps int64) int64 {
	v, _ := fpmath.ComputeFee(fee, bps)
	return v
}

// Splitter routes fees into the pending protocol and staking buckets and the
// vault.
type Splitter struct {
	split           *store.Value[FeeSplit]
	pendingProtocol *store.Value[int64]
	pendingStaking  *store.Value[int64]

	protocol RewardNotifier
	staking  RewardNotifier
	vault    VaultReceiver
}

// NewSplitter fails fast on an invalid split. Nil notifiers are skipped.
func NewSplitter(split FeeSplit, protocol, staking RewardNotifier, vault VaultReceiver) (*Splitter, error) {
	if err := split.Validate(); err != nil {
		return nil, err
	}
	return &Splitter{
		split:           store.NewValue(split),
		pendingProtocol: store.NewValue[int64](0),
		pendingStaking:  store.NewValue[int64](0),
		protocol:        protocol,
		staking:         staking,
		vault:           vault,
	}, nil
}

func (s *Splitter) FeeSplit() FeeSplit {
	return s.split.Get()
}

// SetFeeSplit replaces the split after validating it.
func (s *Splitter) SetFeeSplit(tx *store.Tx, split FeeSplit) error {
	if err := split.Validate(); err != nil {
		return err
	}
	s.split.Set(tx, split)
	return nil
}

func (s *Splitter) PendingProtocol() int64 { return s.pendingProtocol.Get() }
func (s *Splitter) PendingStaking() int64  { return s.pendingStaking.Get() }

// Distribute splits fee, credits each bucket and notifies the distributors.
// A notifier error aborts the enclosing operation.
func (s *Splitter) Distribute(tx *store.Tx, fee int64) (Shares, error) {
	if fee <= 0 {
		return Shares{}, nil
	}
	shares := s.split.Get().Split(fee)

	if shares.Protocol > 0 {
		s.pendingProtocol.Set(tx, s.pendingProtocol.Get()+shares.Protocol)
		if s.protocol != nil {
			if err := s.protocol.Notify(shares.Protocol); err != nil {
				return Shares{}, fmt.Errorf("notify protocol distributor: %w", err)
			}
		}
	}
	if shares.Staking > 0 {
		s.pendingStaking.Set(tx, s.pendingStaking.Get()+shares.Staking)
		if s.staking != nil {
			if err := s.staking.Notify(shares.Staking); err != nil {
				return Shares{}, fmt.Errorf("notify staking distributor: %w", err)
			}
		}
	}
	s.vault.ReceiveFee(tx, shares.Vault)

	return shares, nil
}

// ClaimProtocol empties the protocol bucket and returns its balance.
func (s *Splitter) ClaimProtocol(tx *store.Tx) int64 {
	amount := s.pendingProtocol.Get()
	s.pendingProtocol.Set(tx, 0)
	return amount
}

// ClaimStaking empties the staking bucket and returns its balance.
func (s *Splitter) ClaimStaking(tx *store.Tx) int64 {
	amount := s.pendingStaking.Get()
	s.pendingStaking.Set(tx, 0)
	return amount
}

// Restore loads persisted pending balances and split.
func (s *Splitter) Restore(split FeeSplit, pendingProtocol, pendingStaking int64) {
	s.split.Set(nil, split)
	s.pendingProtocol.Set(nil, pendingProtocol)
	s.pendingStaking.Set(nil, pendingStaking)
}
