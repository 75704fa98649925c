package ledger

import (
	"github.com/google/uuid"
)

// JournalGenerator builds the journal batch of a single operation. Zero
// amounts are skipped so callers can post every leg unconditionally.
type JournalGenerator struct {
	assetID AssetID
	batch   *Batch
}

func NewJournalGenerator(assetID AssetID, eventRef string, sequence, timestamp int64) *JournalGenerator {
	return &JournalGenerator{
		assetID: assetID,
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
		},
	}
}

// Batch returns the accumulated batch, or nil when nothing moved.
func (jg *JournalGenerator) Batch() *Batch {
	if len(jg.batch.Journals) == 0 {
		return nil
	}
	return jg.batch
}

func (jg *JournalGenerator) post(debit, credit AccountKey, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}
	jg.batch.Journals = append(jg.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       jg.batch.BatchID,
		EventRef:      jg.batch.EventRef,
		Sequence:      jg.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       jg.assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     jg.batch.Timestamp,
	})
}

func (jg *JournalGenerator) wallet(account uuid.UUID) AccountKey {
	return WalletAccount(account, jg.assetID)
}

func (jg *JournalGenerator) system(subType AccountSubType) AccountKey {
	return SystemAccount(subType, jg.assetID)
}

// Deposit moves funds: external:deposits → user:wallet
func (jg *JournalGenerator) Deposit(account uuid.UUID, amount int64) {
	jg.post(jg.wallet(account), ExternalAccount(SubTypeExternalDeposits, jg.assetID), amount, JournalTypeDeposit)
}

// Withdraw moves funds: user:wallet → external:withdrawals
func (jg *JournalGenerator) Withdraw(account uuid.UUID, amount int64) {
	jg.post(ExternalAccount(SubTypeExternalWithdrawals, jg.assetID), jg.wallet(account), amount, JournalTypeWithdrawal)
}

// LockMargin moves funds: user:wallet → system:position_margin
func (jg *JournalGenerator) LockMargin(account uuid.UUID, amount int64) {
	jg.post(jg.system(SubTypeSystemPositionMargin), jg.wallet(account), amount, JournalTypeMarginLock)
}

// ReleaseMargin moves funds: system:position_margin → user:wallet
func (jg *JournalGenerator) ReleaseMargin(account uuid.UUID, amount int64) {
	jg.post(jg.wallet(account), jg.system(SubTypeSystemPositionMargin), amount, JournalTypeMarginRelease)
}

// FeeSource says where a trade fee is paid from.
type FeeSource int

const (
	FeeFromWallet FeeSource = iota // open: fee on top of margin
	FeeFromMargin                  // close: fee out of released margin
)

// Fee moves each share of a split trade fee into its bucket.
func (jg *JournalGenerator) Fee(account uuid.UUID, from FeeSource, protocol, staking, vault int64) {
	src := jg.wallet(account)
	if from == FeeFromMargin {
		src = jg.system(SubTypeSystemPositionMargin)
	}
	jg.post(jg.system(SubTypeSystemProtocolReward), src, protocol, JournalTypeFeeProtocol)
	jg.post(jg.system(SubTypeSystemStakingReward), src, staking, JournalTypeFeeStaking)
	jg.post(jg.system(SubTypeSystemVault), src, vault, JournalTypeFeeVault)
}

// TraderLoss moves funds: system:position_margin → system:vault
func (jg *JournalGenerator) TraderLoss(amount int64) {
	jg.post(jg.system(SubTypeSystemVault), jg.system(SubTypeSystemPositionMargin), amount, JournalTypeTraderLoss)
}

// Funding moves funds: system:position_margin → system:vault
func (jg *JournalGenerator) Funding(amount int64) {
	jg.post(jg.system(SubTypeSystemVault), jg.system(SubTypeSystemPositionMargin), amount, JournalTypeFunding)
}

// TraderProfit moves funds: system:vault → user:wallet
func (jg *JournalGenerator) TraderProfit(account uuid.UUID, amount int64) {
	jg.post(jg.wallet(account), jg.system(SubTypeSystemVault), amount, JournalTypeTraderProfit)
}

// CoverMargin moves funds: system:vault → system:position_margin. Used when a
// profitable close owes more fee and funding than the margin it releases.
func (jg *JournalGenerator) CoverMargin(amount int64) {
	jg.post(jg.system(SubTypeSystemPositionMargin), jg.system(SubTypeSystemVault), amount, JournalTypeTraderProfit)
}

// LiquidationBounty moves funds: system:position_margin → liquidator:wallet
func (jg *JournalGenerator) LiquidationBounty(liquidator uuid.UUID, amount int64) {
	jg.post(jg.wallet(liquidator), jg.system(SubTypeSystemPositionMargin), amount, JournalTypeLiquidationBounty)
}

// Stake moves funds: user:wallet → system:vault
func (jg *JournalGenerator) Stake(account uuid.UUID, amount int64) {
	jg.post(jg.system(SubTypeSystemVault), jg.wallet(account), amount, JournalTypeStake)
}

// Redeem moves funds: system:vault → user:wallet
func (jg *JournalGenerator) Redeem(account uuid.UUID, amount int64) {
	jg.post(jg.wallet(account), jg.system(SubTypeSystemVault), amount, JournalTypeRedeem)
}

// RewardPayout moves a pending fee bucket to the distributor's wallet.
func (jg *JournalGenerator) RewardPayout(bucket AccountSubType, distributor uuid.UUID, amount int64) {
	jg.post(jg.wallet(distributor), jg.system(bucket), amount, JournalTypeRewardPayout)
}
