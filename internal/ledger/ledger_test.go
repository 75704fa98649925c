package ledger_test

import (
	"PerpVault/internal/ledger"
	"PerpVault/internal/store"
	"testing"

	"github.com/google/uuid"
)

func usdc(t *testing.T) ledger.AssetID {
	t.Helper()
	id, ok := ledger.GetAssetID("USDC")
	if !ok {
		t.Fatal("USDC should be a known asset")
	}
	return id
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.WalletAccount(userID, usdc(t))

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:wallet:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.SystemAccount(ledger.SubTypeSystemVault, usdc(t))

	path := key.AccountPath()
	if path != "system:vault:USDC" {
		t.Errorf("got %q, want %q", path, "system:vault:USDC")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.ExternalAccount(ledger.SubTypeExternalDeposits, usdc(t))

	path := key.AccountPath()
	if path != "external:deposits:USDC" {
		t.Errorf("got %q, want %q", path, "external:deposits:USDC")
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("DOGE")
	if ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestJournalGenerator_SkipsZeroLegs(t *testing.T) {
	gen := ledger.NewJournalGenerator(usdc(t), "evt", 1, 1000)
	gen.Funding(0)
	gen.TraderProfit(uuid.New(), 0)

	if gen.Batch() != nil {
		t.Fatal("batch with only zero legs should be nil")
	}
}

func TestJournalGenerator_OpenLegsBalance(t *testing.T) {
	assetID := usdc(t)
	trader := uuid.New()
	bt := ledger.NewBalanceTracker()

	gen := ledger.NewJournalGenerator(assetID, "deposit", 1, 1000)
	gen.Deposit(trader, 2_000)
	if err := bt.ApplyBatch(nil, gen.Batch()); err != nil {
		t.Fatalf("apply deposit: %v", err)
	}

	gen = ledger.NewJournalGenerator(assetID, "open", 2, 1001)
	gen.LockMargin(trader, 1_000)
	gen.Fee(trader, ledger.FeeFromWallet, 2, 3, 5)
	batch := gen.Batch()
	if len(batch.Journals) != 4 {
		t.Fatalf("journals: got %d, want 4", len(batch.Journals))
	}
	if err := bt.ApplyBatch(nil, batch); err != nil {
		t.Fatalf("apply open: %v", err)
	}

	if got := bt.GetWalletBalance(trader, assetID); got != 990 {
		t.Errorf("wallet: got %d, want 990", got)
	}
	if got := bt.GetBalance(ledger.SystemAccount(ledger.SubTypeSystemPositionMargin, assetID)); got != 1_000 {
		t.Errorf("margin: got %d, want 1000", got)
	}

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
	err := v.ValidateHoldings(assetID, ledger.Holdings{
		PositionMargin: 1_000,
		Vault:          5,
		ProtocolReward: 2,
		StakingReward:  3,
	})
	if err != nil {
		t.Errorf("holdings: %v", err)
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_RollbackRevertsBatch(t *testing.T) {
	assetID := usdc(t)
	trader := uuid.New()
	bt := ledger.NewBalanceTracker()

	gen := ledger.NewJournalGenerator(assetID, "deposit", 1, 1000)
	gen.Deposit(trader, 500)

	tx := store.Begin()
	if err := bt.ApplyBatch(tx, gen.Batch()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := bt.GetWalletBalance(trader, assetID); got != 500 {
		t.Fatalf("wallet before rollback: got %d, want 500", got)
	}
	tx.Rollback()

	if got := bt.GetWalletBalance(trader, assetID); got != 0 {
		t.Errorf("wallet after rollback: got %d, want 0", got)
	}
	if len(bt.Snapshot()) != 0 {
		t.Errorf("snapshot should be empty after rollback, got %v", bt.Snapshot())
	}
}

func TestBalanceTracker_ValidateSufficientWallet(t *testing.T) {
	assetID := usdc(t)
	trader := uuid.New()
	bt := ledger.NewBalanceTracker()

	gen := ledger.NewJournalGenerator(assetID, "deposit", 1, 1000)
	gen.Deposit(trader, 100)
	if err := bt.ApplyBatch(nil, gen.Batch()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := bt.ValidateSufficientWallet(trader, assetID, 100); err != nil {
		t.Errorf("exact balance should pass: %v", err)
	}
	if err := bt.ValidateSufficientWallet(trader, assetID, 101); err == nil {
		t.Error("overdraw should fail")
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	assetID := usdc(t)
	trader := uuid.New()
	bt := ledger.NewBalanceTracker()

	gen := ledger.NewJournalGenerator(assetID, "deposit", 1, 1000)
	gen.Deposit(trader, 700)
	gen.Stake(trader, 200)
	if err := bt.ApplyBatch(nil, gen.Batch()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot())

	if got := restored.GetWalletBalance(trader, assetID); got != 500 {
		t.Errorf("wallet: got %d, want 500", got)
	}
	if got := restored.GetBalance(ledger.SystemAccount(ledger.SubTypeSystemVault, assetID)); got != 200 {
		t.Errorf("vault: got %d, want 200", got)
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	assetID := usdc(t)
	batchID := uuid.New()

	for _, amount := range []int64{0, -1} {
		batch := &ledger.Batch{
			BatchID: batchID,
			Journals: []ledger.Journal{{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.WalletAccount(uuid.New(), assetID),
				CreditAccount: ledger.ExternalAccount(ledger.SubTypeExternalDeposits, assetID),
				AssetID:       assetID,
				Amount:        amount,
			}},
		}
		if err := batch.Validate(); err == nil {
			t.Errorf("amount %d should fail validation", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	assetID := usdc(t)
	batchID := uuid.New()
	account := ledger.SystemAccount(ledger.SubTypeSystemVault, assetID)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  account,
			CreditAccount: account,
			AssetID:       assetID,
			Amount:        1,
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MixedAssets_Fails(t *testing.T) {
	usdcID := usdc(t)
	daiID, _ := ledger.GetAssetID("DAI")
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.WalletAccount(uuid.New(), usdcID),
			CreditAccount: ledger.ExternalAccount(ledger.SubTypeExternalDeposits, daiID),
			AssetID:       usdcID,
			Amount:        1,
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("mixed-asset journal should fail validation")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_NegativeSystemAccountDetected(t *testing.T) {
	assetID := usdc(t)
	trader := uuid.New()
	bt := ledger.NewBalanceTracker()

	// Paying a profit out of an empty vault drives system:vault negative
	gen := ledger.NewJournalGenerator(assetID, "profit", 1, 1000)
	gen.TraderProfit(trader, 10)
	batch := gen.Batch()
	if err := bt.ApplyBatch(nil, batch); err != nil {
		t.Fatalf("apply: %v", err)
	}

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateBatchAccounts(batch); err == nil {
		t.Error("negative vault should be detected")
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("ledger should still be zero-sum: %v", err)
	}
}

func TestInvariantValidator_HoldingsMismatch(t *testing.T) {
	assetID := usdc(t)
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateHoldings(assetID, ledger.Holdings{Vault: 1}); err == nil {
		t.Error("vault mismatch should be detected")
	}
	if err := v.ValidateHoldings(assetID, ledger.Holdings{}); err != nil {
		t.Errorf("empty ledger should match empty state: %v", err)
	}
}
