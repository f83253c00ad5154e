package ledger_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"PerpEngine/internal/event"
	"PerpEngine/internal/ledger"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_TraderPath(t *testing.T) {
	key := ledger.NewTraderAccountKey("trader-a", ledger.SubTypeCollateral, "uusd")

	path := key.AccountPath()
	if path != "trader:trader-a:collateral:uusd" {
		t.Errorf("got %q, want %q", path, "trader:trader-a:collateral:uusd")
	}
}

func TestAccountKey_MarginPath(t *testing.T) {
	key := ledger.NewTraderAccountKey("trader-a", ledger.SubTypeMarginPosted, "uusd")

	path := key.AccountPath()
	if path != "trader:trader-a:margin_posted:uusd" {
		t.Errorf("got %q, want %q", path, "trader:trader-a:margin_posted:uusd")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "uusd")

	path := key.AccountPath()
	if path != "external:deposits:uusd" {
		t.Errorf("got %q, want %q", path, "external:deposits:uusd")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	balance := bt.GetTraderTotalBalance("trader-a", "uusd")
	if balance != 0 {
		t.Errorf("initial balance should be 0, got %d", balance)
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	// Simulate deposit: debit trader:collateral, credit external:deposits
	j := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewTraderAccountKey("trader-a", ledger.SubTypeCollateral, "uusd"),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "uusd"),
		Asset:         "uusd",
		Amount:        1_000_000,
	}

	bt.ApplyJournal(j)

	collateral := bt.GetTraderCollateral("trader-a", "uusd")
	if collateral != 1_000_000 {
		t.Errorf("collateral: got %d, want 1_000_000", collateral)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	// Deposit
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewTraderAccountKey("trader-a", ledger.SubTypeCollateral, "uusd"),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "uusd"),
		Asset:         "uusd",
		Amount:        1_000_000,
	})

	// Lock part of it as margin
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewTraderAccountKey("trader-a", ledger.SubTypeMarginPosted, "uusd"),
		CreditAccount: ledger.NewTraderAccountKey("trader-a", ledger.SubTypeCollateral, "uusd"),
		Asset:         "uusd",
		Amount:        300_000,
	})

	totals := bt.ComputeGlobalBalance()
	for asset, total := range totals {
		if total != 0 {
			t.Errorf("asset %s has non-zero global balance: %d", asset, total)
		}
	}

	if got := bt.GetTraderCollateral("trader-a", "uusd"); got != 700_000 {
		t.Errorf("collateral: got %d, want 700_000", got)
	}
	if got := bt.GetTraderMarginPosted("trader-a", "uusd"); got != 300_000 {
		t.Errorf("margin posted: got %d, want 300_000", got)
	}
	if got := bt.GetTraderTotalBalance("trader-a", "uusd"); got != 1_000_000 {
		t.Errorf("total: got %d, want 1_000_000", got)
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewTraderAccountKey("trader-a", ledger.SubTypeCollateral, "uusd"),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "uusd"),
		Asset:         "uusd",
		Amount:        999,
	})

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = 0
	}

	if bt.GetTraderCollateral("trader-a", "uusd") != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

func TestBalanceTracker_Restore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewTraderAccountKey("trader-a", ledger.SubTypeMarginPosted, "uusd")

	bt.Restore(map[ledger.AccountKey]int64{key: 42})

	if got := bt.GetBalance(key); got != 42 {
		t.Errorf("restored balance: got %d, want 42", got)
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	err := batch.Validate()
	if err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	for _, amount := range []int64{0, -100} {
		batchID := uuid.New()
		batch := &ledger.Batch{
			BatchID: batchID,
			Journals: []ledger.Journal{
				{
					JournalID:     uuid.New(),
					BatchID:       batchID,
					DebitAccount:  ledger.NewTraderAccountKey("trader-a", ledger.SubTypeCollateral, "uusd"),
					CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "uusd"),
					Asset:         "uusd",
					Amount:        amount,
				},
			},
		}

		if err := batch.Validate(); err == nil {
			t.Errorf("amount %d should fail validation", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	sameAccount := ledger.NewTraderAccountKey("trader-a", ledger.SubTypeCollateral, "uusd")

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  sameAccount,
				CreditAccount: sameAccount,
				Asset:         "uusd",
				Amount:        100,
			},
		},
	}

	err := batch.Validate()
	if err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       uuid.New(), // Different batch ID
				DebitAccount:  ledger.NewTraderAccountKey("trader-a", ledger.SubTypeCollateral, "uusd"),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "uusd"),
				Asset:         "uusd",
				Amount:        100,
			},
		},
	}

	err := batch.Validate()
	if err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestGenerator_DepositReceived(t *testing.T) {
	jg := ledger.NewJournalGenerator(0)
	bt := ledger.NewBalanceTracker()

	cmd := &event.DepositAndOpen{
		CommandID: uuid.New(),
		Asset:     "uusd",
		From:      "trader-a",
		Amount:    5_000_000,
		Market:    "eth-usd",
		TradeSide: event.SideBuy,
		Leverage:  2_000_000_000,
		Timestamp: time.Unix(1_700_000_000, 0),
	}

	batch, err := jg.GenerateDepositReceived(cmd)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := bt.GetTraderCollateral("trader-a", "uusd"); got != 5_000_000 {
		t.Errorf("collateral: got %d, want 5_000_000", got)
	}
	if batch.EventRef != cmd.CommandID.String() {
		t.Errorf("event ref: got %q, want command id", batch.EventRef)
	}
	if batch.Journals[0].JournalType != ledger.JournalTypeDepositReceived {
		t.Errorf("journal type: got %v", batch.Journals[0].JournalType)
	}
}

func TestGenerator_MarginPost(t *testing.T) {
	jg := ledger.NewJournalGenerator(7)
	bt := ledger.NewBalanceTracker()

	batch, err := jg.GenerateMarginPost("ref-1", "trader-a", "uusd", 250_000, 1_700_000_000_000_000)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if batch.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", batch.Sequence)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := bt.GetTraderMarginPosted("trader-a", "uusd"); got != 250_000 {
		t.Errorf("margin posted: got %d, want 250_000", got)
	}
	if got := bt.GetTraderCollateral("trader-a", "uusd"); got != -250_000 {
		t.Errorf("collateral: got %d, want -250_000", got)
	}

	if jg.GetSequence() != 8 {
		t.Errorf("next sequence: got %d, want 8", jg.GetSequence())
	}
}

func TestGenerator_MarginPost_ZeroAmount(t *testing.T) {
	jg := ledger.NewJournalGenerator(0)

	batch, err := jg.GenerateMarginPost("ref-1", "trader-a", "uusd", 0, 0)
	if err != nil {
		t.Fatalf("zero margin post errored: %v", err)
	}
	if batch != nil {
		t.Error("zero margin post should generate no batch")
	}
	if jg.GetSequence() != 0 {
		t.Error("zero margin post should not consume a sequence")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	// Empty ledger — should pass
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewTraderAccountKey("trader-a", ledger.SubTypeCollateral, "uusd"),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "uusd"),
		Asset:         "uusd",
		Amount:        1_000_000,
	})

	// Still zero-sum
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}

func TestInvariantValidator_MarginPostedNonNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateMarginPostedNonNegative("trader-a", "uusd"); err != nil {
		t.Errorf("zero margin should pass: %v", err)
	}

	// Apply a margin post backwards
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewTraderAccountKey("trader-a", ledger.SubTypeCollateral, "uusd"),
		CreditAccount: ledger.NewTraderAccountKey("trader-a", ledger.SubTypeMarginPosted, "uusd"),
		Asset:         "uusd",
		Amount:        100,
	})

	if err := v.ValidateMarginPostedNonNegative("trader-a", "uusd"); err == nil {
		t.Error("negative margin account should fail")
	}
}
