package ledger_test

import (
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"testing"

	"github.com/google/uuid"
)

var accounts = ledger.SystemAccounts{
	Pool:        "pool",
	RiskReserve: "reserve",
	Team:        "team",
}

// ============================================================================
// Test: SystemAccounts
// ============================================================================

func TestSystemAccounts_AccountPath(t *testing.T) {
	cases := map[ledger.AccountID]string{
		"pool":    "pool:pool",
		"reserve": "risk_reserve:reserve",
		"team":    "team:team",
		"alice":   "user:alice",
	}
	for id, want := range cases {
		if got := accounts.AccountPath(id); got != want {
			t.Errorf("AccountPath(%s): got %q, want %q", id, got, want)
		}
	}
}

func TestSystemAccounts_Validate(t *testing.T) {
	if err := accounts.Validate(); err != nil {
		t.Fatalf("valid accounts rejected: %v", err)
	}

	bad := accounts
	bad.RiskReserve = ""
	if err := bad.Validate(); err == nil {
		t.Error("missing reserve should fail validation")
	}

	bad = accounts
	bad.Team = bad.Pool
	if err := bad.Validate(); err == nil {
		t.Error("team equal to pool should fail validation")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if !bt.GetBalance("alice").IsZero() {
		t.Errorf("initial balance should be 0, got %s", bt.GetBalance("alice"))
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if err := bt.Mint("alice", fpmath.U(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	j := ledger.Journal{
		JournalID: uuid.New(),
		BatchID:   uuid.New(),
		From:      "alice",
		To:        "pool",
		Amount:    fpmath.U(400_000),
	}
	if err := bt.ApplyJournal(j); err != nil {
		t.Fatalf("ApplyJournal failed: %v", err)
	}

	if got := bt.GetBalance("alice").Uint64(); got != 600_000 {
		t.Errorf("alice: got %d, want 600_000", got)
	}
	if got := bt.GetBalance("pool").Uint64(); got != 400_000 {
		t.Errorf("pool: got %d, want 400_000", got)
	}
}

func TestBalanceTracker_ApplyJournal_Overdraw_Fails(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	_ = bt.Mint("alice", fpmath.U(10))

	err := bt.ApplyJournal(ledger.Journal{
		JournalID: uuid.New(),
		From:      "alice",
		To:        "pool",
		Amount:    fpmath.U(11),
	})
	if err == nil {
		t.Fatal("overdraw should fail")
	}
	if bt.GetBalance("alice").Uint64() != 10 {
		t.Error("failed journal must not move funds")
	}
}

func TestBalanceTracker_ApplyBatch_AllOrNothing(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	_ = bt.Mint("alice", fpmath.U(100))

	batch := ledger.NewBatch("op-1", 1, 0)
	batch.Pull(ledger.JournalTypePremiumCollect, "alice", "pool", fpmath.U(60))
	batch.Pull(ledger.JournalTypePremiumCollect, "alice", "pool", fpmath.U(60))

	if err := bt.ApplyBatch(batch); err == nil {
		t.Fatal("second leg should overdraw")
	}
	if bt.GetBalance("alice").Uint64() != 100 || !bt.GetBalance("pool").IsZero() {
		t.Error("partial batch must be rolled back")
	}
}

func TestBalanceTracker_Conservation(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	_ = bt.Mint("alice", fpmath.U(1_000_000))
	_ = bt.Mint("reserve", fpmath.U(50_000))

	batch := ledger.NewBatch("op-2", 2, 0)
	batch.Pull(ledger.JournalTypeStakeDeposit, "alice", "pool", fpmath.U(300_000))
	batch.Pay(ledger.JournalTypeRewardPayout, "pool", "alice", fpmath.U(1_000))
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	v := ledger.NewInvariantValidator(bt, accounts)
	if err := v.ValidateConservation(); err != nil {
		t.Errorf("conservation violated: %v", err)
	}
}

func TestBalanceTracker_Allowance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Approve("alice", "pool", fpmath.U(500))

	if err := bt.SpendAllowance("alice", "pool", fpmath.U(200)); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if got := bt.Allowance("alice", "pool").Uint64(); got != 300 {
		t.Errorf("allowance: got %d, want 300", got)
	}
	if err := bt.SpendAllowance("alice", "pool", fpmath.U(301)); err == nil {
		t.Error("overspend should fail")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	_ = bt.Mint("alice", fpmath.U(999))

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = fpmath.Zero()
	}

	if bt.GetBalance("alice").Uint64() != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_ZeroAmountLegsSkipped(t *testing.T) {
	batch := ledger.NewBatch("op-3", 3, 0)
	batch.Pay(ledger.JournalTypeRewardPayout, "pool", "alice", fpmath.Zero())
	batch.Pay(ledger.JournalTypeCapitalWithdraw, "pool", "alice", fpmath.U(5))

	if len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(batch.Journals))
	}
	if batch.Journals[0].JournalType != ledger.JournalTypeCapitalWithdraw {
		t.Errorf("unexpected journal type %s", batch.Journals[0].JournalType)
	}
	if batch.Journals[0].BatchID != batch.BatchID {
		t.Error("journal must carry the batch id")
	}
}

func TestBatch_Total(t *testing.T) {
	batch := ledger.NewBatch("op-4", 4, 0)
	batch.Pay(ledger.JournalTypeCapitalWithdraw, "pool", "alice", fpmath.U(7))
	batch.Pay(ledger.JournalTypeRewardPayout, "pool", "alice", fpmath.U(3))
	batch.Pay(ledger.JournalTypeCapitalWithdraw, "pool", "bob", fpmath.U(5))

	if got := batch.Total(ledger.JournalTypeCapitalWithdraw).Uint64(); got != 12 {
		t.Errorf("total: got %d, want 12", got)
	}
}

func TestBatchValidate_EmptyBatch_Passes(t *testing.T) {
	if err := ledger.NewBatch("op-5", 5, 0).Validate(); err != nil {
		t.Errorf("empty batch should be valid: %v", err)
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batch := ledger.NewBatch("op-6", 6, 0)
	batch.Pay(ledger.JournalTypeRewardPayout, "pool", "pool", fpmath.U(1))

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := ledger.NewBatch("op-7", 7, 0)
	batch.Pay(ledger.JournalTypeRewardPayout, "pool", "alice", fpmath.U(1))
	batch.Journals[0].BatchID = uuid.New()

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch_id should fail validation")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestValidateBatch_LegsMustTouchPool(t *testing.T) {
	v := ledger.NewInvariantValidator(ledger.NewBalanceTracker(), accounts)

	ok := ledger.NewBatch("op-8", 8, 0)
	ok.Pull(ledger.JournalTypeReserveDraw, "reserve", "pool", fpmath.U(10))
	ok.Pay(ledger.JournalTypeClaimPayout, "pool", "alice", fpmath.U(10))
	if err := v.ValidateBatch(ok); err != nil {
		t.Errorf("valid batch rejected: %v", err)
	}

	bad := ledger.NewBatch("op-9", 9, 0)
	bad.Pay(ledger.JournalTypeClaimPayout, "reserve", "alice", fpmath.U(10))
	if err := v.ValidateBatch(bad); err == nil {
		t.Error("transfer leg not debiting the pool should fail")
	}
}
