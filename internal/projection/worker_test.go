package projection_test

import (
	"context"
	"database/sql"
	"testing"

	"PerpEngine/internal/persistence"
	"PerpEngine/internal/projection"
	"PerpEngine/internal/testutil"

	"github.com/google/uuid"
)

func setupProjectionDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	if err := persistence.NewMigrator(db, "../../migrations").Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("run migrations: %v", err)
	}
	return db, cleanup
}

// runWorker feeds the outputs through a fresh worker until the channel
// drains, then returns.
func runWorker(t *testing.T, db *sql.DB, outputs []projection.ProjectionOutput) {
	t.Helper()

	ch := make(chan projection.ProjectionOutput, len(outputs))
	for _, out := range outputs {
		ch <- out
	}
	close(ch)

	pw := projection.NewProjectionWorker(db, ch, nil)
	if err := pw.Run(context.Background()); err != nil {
		t.Fatalf("worker run: %v", err)
	}
}

func queryBalance(t *testing.T, db *sql.DB, path, asset string) int64 {
	t.Helper()
	var balance int64
	err := db.QueryRow(`
		SELECT balance FROM projections.balances WHERE account_path = $1 AND asset_id = $2
	`, path, asset).Scan(&balance)
	if err == sql.ErrNoRows {
		t.Fatalf("no balance row for %s/%s", path, asset)
	}
	if err != nil {
		t.Fatalf("query balance: %v", err)
	}
	return balance
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func marketPtr(s string) *string { return &s }

func TestProjectionWorker_AppliesOutputs(t *testing.T) {
	db, cleanup := setupProjectionDB(t)
	defer cleanup()

	deposit := projection.ProjectionOutput{
		Sequence:    0,
		CommandType: "DepositAndOpen",
		MarketID:    marketPtr("ETH-USD"),
		Trader:      "alice",
		Journals: []projection.JournalEntry{
			{
				DebitAccount:  "trader:alice:collateral:uusd",
				CreditAccount: "external:deposits:uusd",
				Asset:         "uusd",
				Amount:        200_000_000,
				JournalType:   0,
			},
			{
				DebitAccount:  "trader:alice:margin_posted:uusd",
				CreditAccount: "trader:alice:collateral:uusd",
				Asset:         "uusd",
				Amount:        100_000_000,
				JournalType:   1,
			},
		},
		Positions: []projection.PositionUpdate{
			{Market: "ETH-USD", Trader: "alice", Direction: "long", Size: 99_990_000, Margin: 100_000_000, Notional: 100_000_000, UpdatedAtUs: 1_000_000},
		},
		Markets: []projection.AmmUpdate{
			{Market: "ETH-USD", QuoteReserve: 1_000_100_000_000, BaseReserve: 999_900_010_000},
		},
		Config: &projection.ConfigUpdate{
			Owner:                  "perp-owner",
			CollateralAsset:        "uusd",
			Decimals:               1_000_000_000,
			InitMarginRatio:        50_000_000,
			MaintenanceMarginRatio: 30_000_000,
			LiquidationFee:         12_500_000,
		},
		Timestamp: 1_000_000,
	}

	runWorker(t, db, []projection.ProjectionOutput{deposit})

	// Debits increase, credits decrease.
	if got := queryBalance(t, db, "trader:alice:collateral:uusd", "uusd"); got != 100_000_000 {
		t.Errorf("collateral = %d, want 100000000", got)
	}
	if got := queryBalance(t, db, "trader:alice:margin_posted:uusd", "uusd"); got != 100_000_000 {
		t.Errorf("margin_posted = %d, want 100000000", got)
	}
	if got := queryBalance(t, db, "external:deposits:uusd", "uusd"); got != -200_000_000 {
		t.Errorf("external deposits = %d, want -200000000", got)
	}

	var direction string
	var size int64
	err := db.QueryRow(`
		SELECT direction, size FROM projections.positions WHERE market_id = 'ETH-USD' AND trader = 'alice'
	`).Scan(&direction, &size)
	if err != nil {
		t.Fatalf("query position: %v", err)
	}
	if direction != "long" || size != 99_990_000 {
		t.Errorf("position = %s/%d", direction, size)
	}

	var quote, base int64
	err = db.QueryRow(`
		SELECT quote_reserve, base_reserve FROM projections.amm_state WHERE market_id = 'ETH-USD'
	`).Scan(&quote, &base)
	if err != nil {
		t.Fatalf("query amm state: %v", err)
	}
	if quote != 1_000_100_000_000 || base != 999_900_010_000 {
		t.Errorf("reserves = %d/%d", quote, base)
	}

	var owner string
	if err := db.QueryRow(`SELECT owner FROM projections.engine_config WHERE id = 1`).Scan(&owner); err != nil {
		t.Fatalf("query config: %v", err)
	}
	if owner != "perp-owner" {
		t.Errorf("owner = %s", owner)
	}

	var watermark int64
	if err := db.QueryRow(`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&watermark); err != nil {
		t.Fatalf("query watermark: %v", err)
	}
	if watermark != 0 {
		t.Errorf("watermark = %d, want 0", watermark)
	}
}

func TestProjectionWorker_SkipsReplayedOutputs(t *testing.T) {
	db, cleanup := setupProjectionDB(t)
	defer cleanup()

	_, err := db.Exec(`
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at) VALUES ('main', 5, NOW())
	`)
	if err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	journal := projection.JournalEntry{
		DebitAccount:  "trader:bob:collateral:uusd",
		CreditAccount: "external:deposits:uusd",
		Asset:         "uusd",
		Amount:        50_000_000,
	}

	// Sequence 3 is below the watermark: a replayed output the tables
	// already absorbed before the restart.
	runWorker(t, db, []projection.ProjectionOutput{
		{Sequence: 3, CommandType: "DepositAndOpen", Trader: "bob", Journals: []projection.JournalEntry{journal}},
	})
	if n := countRows(t, db, "projections.balances"); n != 0 {
		t.Fatalf("replayed output was applied: %d balance rows", n)
	}

	// Sequence 6 is new work.
	runWorker(t, db, []projection.ProjectionOutput{
		{Sequence: 6, CommandType: "DepositAndOpen", Trader: "bob", Journals: []projection.JournalEntry{journal}},
	})
	if got := queryBalance(t, db, "trader:bob:collateral:uusd", "uusd"); got != 50_000_000 {
		t.Errorf("collateral = %d, want 50000000", got)
	}

	var watermark int64
	if err := db.QueryRow(`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&watermark); err != nil {
		t.Fatalf("query watermark: %v", err)
	}
	if watermark != 6 {
		t.Errorf("watermark = %d, want 6", watermark)
	}
}

func TestRebuildProjections_RefoldsBalancesFromJournal(t *testing.T) {
	db, cleanup := setupProjectionDB(t)
	defer cleanup()
	ctx := context.Background()

	journals := []persistence.JournalRow{
		{
			JournalID:     uuid.NewString(),
			BatchID:       uuid.NewString(),
			EventRef:      "key-0",
			Sequence:      0,
			DebitAccount:  "trader:alice:collateral:uusd",
			CreditAccount: "external:deposits:uusd",
			Asset:         "uusd",
			Amount:        200_000_000,
			JournalType:   0,
			Timestamp:     1_000_000,
		},
		{
			JournalID:     uuid.NewString(),
			BatchID:       uuid.NewString(),
			EventRef:      "key-0",
			Sequence:      0,
			DebitAccount:  "trader:alice:margin_posted:uusd",
			CreditAccount: "trader:alice:collateral:uusd",
			Asset:         "uusd",
			Amount:        100_000_000,
			JournalType:   1,
			Timestamp:     1_000_000,
		},
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := persistence.NewReceiptLogWriter(db).WriteJournalBatch(ctx, tx, journals); err != nil {
		tx.Rollback()
		t.Fatalf("write journals: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Corrupt the read model so the rebuild has something to repair.
	_, err = db.Exec(`
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ('trader:alice:collateral:uusd', 'uusd', 999, 0),
		       ('trader:mallory:collateral:uusd', 'uusd', 777, 0)
	`)
	if err != nil {
		t.Fatalf("seed bad balances: %v", err)
	}
	_, err = db.Exec(`
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at) VALUES ('main', 9, NOW())
	`)
	if err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	if err := projection.RebuildProjections(ctx, db); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if got := queryBalance(t, db, "trader:alice:collateral:uusd", "uusd"); got != 100_000_000 {
		t.Errorf("collateral = %d, want 100000000", got)
	}
	if got := queryBalance(t, db, "trader:alice:margin_posted:uusd", "uusd"); got != 100_000_000 {
		t.Errorf("margin_posted = %d, want 100000000", got)
	}
	if got := queryBalance(t, db, "external:deposits:uusd", "uusd"); got != -200_000_000 {
		t.Errorf("external deposits = %d, want -200000000", got)
	}

	// The stray account does not reappear.
	var n int
	err = db.QueryRow(`
		SELECT COUNT(*) FROM projections.balances WHERE account_path LIKE 'trader:mallory:%'
	`).Scan(&n)
	if err != nil {
		t.Fatalf("count stray: %v", err)
	}
	if n != 0 {
		t.Error("stray balance row survived rebuild")
	}

	// Watermark row is gone, so the next start replays from scratch.
	err = db.QueryRow(`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&n)
	if err != sql.ErrNoRows {
		t.Errorf("watermark row should be deleted, got err=%v", err)
	}
}
