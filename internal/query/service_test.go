package query_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"PerpEngine/internal/persistence"
	"PerpEngine/internal/projection"
	"PerpEngine/internal/query"
	"PerpEngine/internal/testutil"
)

func setupQueryDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	if err := persistence.NewMigrator(db, "../../migrations").Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("run migrations: %v", err)
	}
	return db, cleanup
}

// seedVenue writes a small but complete venue state: three receipts with a
// linked hash chain, their journals, and the projected read model.
func seedVenue(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()

	market := "ETH-USD"
	hash0 := bytes.Repeat([]byte{0xAA}, 32)
	hash1 := bytes.Repeat([]byte{0xBB}, 32)
	hash2 := bytes.Repeat([]byte{0xCC}, 32)
	genesis := bytes.Repeat([]byte{0x01}, 32)

	receipts := []persistence.ReceiptRow{
		{
			Sequence: 0, CommandType: "DepositAndOpen", IdempotencyKey: "key-0",
			MarketID: &market, Trader: "alice",
			Payload: []byte(`{}`), Attributes: []byte(`[]`),
			StateHash: hash0, PrevHash: genesis,
			Timestamp: time.Unix(1700000000, 0).UTC(), SourceSequence: 0,
		},
		{
			Sequence: 1, CommandType: "OpenPosition", IdempotencyKey: "key-1",
			MarketID: &market, Trader: "bob",
			Payload: []byte(`{}`), Attributes: []byte(`[]`),
			StateHash: hash1, PrevHash: hash0,
			Timestamp: time.Unix(1700000001, 0).UTC(), SourceSequence: 0,
		},
		{
			Sequence: 2, CommandType: "UpdateConfig", IdempotencyKey: "key-2",
			Trader: "perp-owner",
			Payload: []byte(`{}`), Attributes: []byte(`[]`),
			StateHash: hash2, PrevHash: hash1,
			Timestamp: time.Unix(1700000002, 0).UTC(), SourceSequence: 1,
		},
	}

	journals := []persistence.JournalRow{
		{
			JournalID: uuid.NewString(), BatchID: uuid.NewString(), EventRef: "key-0",
			Sequence: 0, DebitAccount: "trader:alice:collateral:uusd",
			CreditAccount: "external:deposits:uusd", Asset: "uusd",
			Amount: 200_000_000, JournalType: 0, Timestamp: 1_000_000,
		},
		{
			JournalID: uuid.NewString(), BatchID: uuid.NewString(), EventRef: "key-0",
			Sequence: 0, DebitAccount: "trader:alice:margin_posted:uusd",
			CreditAccount: "trader:alice:collateral:uusd", Asset: "uusd",
			Amount: 100_000_000, JournalType: 1, Timestamp: 1_000_000,
		},
		{
			JournalID: uuid.NewString(), BatchID: uuid.NewString(), EventRef: "key-1",
			Sequence: 1, DebitAccount: "trader:bob:margin_posted:uusd",
			CreditAccount: "trader:bob:collateral:uusd", Asset: "uusd",
			Amount: 50_000_000, JournalType: 1, Timestamp: 2_000_000,
		},
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	writer := persistence.NewReceiptLogWriter(db)
	if err := writer.WriteReceiptBatch(ctx, tx, receipts); err != nil {
		tx.Rollback()
		t.Fatalf("write receipts: %v", err)
	}
	if err := writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		tx.Rollback()
		t.Fatalf("write journals: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	outputs := []projection.ProjectionOutput{
		{
			Sequence: 0, CommandType: "DepositAndOpen", MarketID: &market, Trader: "alice",
			Journals: []projection.JournalEntry{
				{DebitAccount: "trader:alice:collateral:uusd", CreditAccount: "external:deposits:uusd", Asset: "uusd", Amount: 200_000_000},
				{DebitAccount: "trader:alice:margin_posted:uusd", CreditAccount: "trader:alice:collateral:uusd", Asset: "uusd", Amount: 100_000_000, JournalType: 1},
			},
			Positions: []projection.PositionUpdate{
				{Market: market, Trader: "alice", Direction: "long", Size: 99_990_000, Margin: 100_000_000, Notional: 100_000_000, UpdatedAtUs: 1_000_000},
			},
			Markets: []projection.AmmUpdate{
				{Market: market, QuoteReserve: 1_000_100_000_000, BaseReserve: 999_900_010_000},
			},
			Config: &projection.ConfigUpdate{
				Owner: "perp-owner", CollateralAsset: "uusd", Decimals: 1_000_000_000,
				InitMarginRatio: 50_000_000, MaintenanceMarginRatio: 30_000_000, LiquidationFee: 12_500_000,
			},
		},
		{
			Sequence: 1, CommandType: "OpenPosition", MarketID: &market, Trader: "bob",
			Journals: []projection.JournalEntry{
				{DebitAccount: "trader:bob:margin_posted:uusd", CreditAccount: "trader:bob:collateral:uusd", Asset: "uusd", Amount: 50_000_000, JournalType: 1},
			},
			Positions: []projection.PositionUpdate{
				{Market: market, Trader: "bob", Direction: "short", Size: 50_005_001, Margin: 50_000_000, Notional: 50_000_000, UpdatedAtUs: 2_000_000},
			},
		},
		{
			Sequence: 2, CommandType: "UpdateConfig", Trader: "perp-owner",
			Config: &projection.ConfigUpdate{
				Owner: "perp-owner-2", CollateralAsset: "uusd", Decimals: 1_000_000_000,
				InitMarginRatio: 50_000_000, MaintenanceMarginRatio: 30_000_000, LiquidationFee: 12_500_000,
			},
		},
	}

	ch := make(chan projection.ProjectionOutput, len(outputs))
	for _, out := range outputs {
		ch <- out
	}
	close(ch)
	if err := projection.NewProjectionWorker(db, ch, nil).Run(ctx); err != nil {
		t.Fatalf("project seed outputs: %v", err)
	}
}

func TestGetConfig(t *testing.T) {
	db, cleanup := setupQueryDB(t)
	defer cleanup()
	qs := query.NewQueryService(db)

	if _, err := qs.GetConfig(context.Background()); !errors.Is(err, query.ErrNotFound) {
		t.Fatalf("empty DB: err = %v, want ErrNotFound", err)
	}

	seedVenue(t, db)

	cfg, err := qs.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfg.Owner != "perp-owner-2" {
		t.Errorf("owner = %s, want perp-owner-2 (last update wins)", cfg.Owner)
	}
	if cfg.CollateralAsset != "uusd" || cfg.Decimals != 1_000_000_000 {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.AsOfSequence != 2 {
		t.Errorf("as_of_sequence = %d, want 2", cfg.AsOfSequence)
	}
}

func TestGetAmmState(t *testing.T) {
	db, cleanup := setupQueryDB(t)
	defer cleanup()
	seedVenue(t, db)
	qs := query.NewQueryService(db)

	amm, err := qs.GetAmmState(context.Background(), "ETH-USD")
	if err != nil {
		t.Fatalf("get amm state: %v", err)
	}
	if amm.QuoteReserve != 1_000_100_000_000 || amm.BaseReserve != 999_900_010_000 {
		t.Errorf("reserves = %d/%d", amm.QuoteReserve, amm.BaseReserve)
	}
	// quote * decimals / base, truncating
	if amm.SpotPrice != 1_000_200_009 {
		t.Errorf("spot price = %d, want 1000200009", amm.SpotPrice)
	}
	// quote * base / decimals, truncating
	if amm.InvariantK != 1_000_000_000_001_000 {
		t.Errorf("invariant k = %d, want 1000000000001000", amm.InvariantK)
	}

	if _, err := qs.GetAmmState(context.Background(), "DOGE-USD"); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("unknown market: err = %v, want ErrNotFound", err)
	}
}

func TestGetPosition(t *testing.T) {
	db, cleanup := setupQueryDB(t)
	defer cleanup()
	seedVenue(t, db)
	qs := query.NewQueryService(db)

	pos, err := qs.GetPosition(context.Background(), "ETH-USD", "bob")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Direction != "short" || pos.Size != 50_005_001 || pos.Margin != 50_000_000 {
		t.Errorf("position = %+v", pos)
	}

	if _, err := qs.GetPosition(context.Background(), "ETH-USD", "carol"); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("missing position: err = %v, want ErrNotFound", err)
	}
}

func TestGetTraderBalance(t *testing.T) {
	db, cleanup := setupQueryDB(t)
	defer cleanup()
	seedVenue(t, db)
	qs := query.NewQueryService(db)

	bal, err := qs.GetTraderBalance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Asset != "uusd" {
		t.Errorf("asset = %s", bal.Asset)
	}
	if bal.Collateral != 100_000_000 {
		t.Errorf("collateral = %d, want 100000000", bal.Collateral)
	}
	if bal.MarginPosted != 100_000_000 {
		t.Errorf("margin_posted = %d, want 100000000", bal.MarginPosted)
	}
	if bal.TotalBalance != 200_000_000 {
		t.Errorf("total = %d, want 200000000", bal.TotalBalance)
	}

	// Unknown trader resolves to zero balances, not an error.
	bal, err = qs.GetTraderBalance(context.Background(), "carol")
	if err != nil {
		t.Fatalf("get empty balance: %v", err)
	}
	if bal.TotalBalance != 0 {
		t.Errorf("empty trader total = %d", bal.TotalBalance)
	}
}

func TestGetTraderJournal(t *testing.T) {
	db, cleanup := setupQueryDB(t)
	defer cleanup()
	seedVenue(t, db)
	qs := query.NewQueryService(db)

	entries, err := qs.GetTraderJournal(context.Background(), "alice", 10, nil)
	if err != nil {
		t.Fatalf("get journal: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Bob's journal must not leak into alice's view.
	for _, e := range entries {
		if e.EventRef != "key-0" {
			t.Errorf("unexpected entry: %+v", e)
		}
	}

	// Cursor excludes the given sequence.
	cursor := int64(1)
	older, err := qs.GetTraderJournal(context.Background(), "bob", 10, &cursor)
	if err != nil {
		t.Fatalf("get journal with cursor: %v", err)
	}
	if len(older) != 0 {
		t.Errorf("cursor below bob's entries returned %d rows", len(older))
	}
}

func TestListReceipts(t *testing.T) {
	db, cleanup := setupQueryDB(t)
	defer cleanup()
	seedVenue(t, db)
	qs := query.NewQueryService(db)

	receipts, err := qs.ListReceipts(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("list receipts: %v", err)
	}
	if len(receipts) != 3 {
		t.Fatalf("got %d receipts, want 3", len(receipts))
	}
	if receipts[0].CommandType != "DepositAndOpen" || receipts[0].Sequence != 0 {
		t.Errorf("first receipt = %+v", receipts[0])
	}
	if receipts[0].StateHash != "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Errorf("state hash hex = %s", receipts[0].StateHash)
	}
	if receipts[2].MarketID != nil {
		t.Errorf("config receipt market = %v", receipts[2].MarketID)
	}

	tail, err := qs.ListReceipts(context.Background(), 2, 10)
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(tail) != 1 || tail[0].Sequence != 2 {
		t.Errorf("tail = %+v", tail)
	}
}

func TestVerifyIntegrity(t *testing.T) {
	db, cleanup := setupQueryDB(t)
	defer cleanup()
	seedVenue(t, db)
	qs := query.NewQueryService(db)

	report, err := qs.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.IsHealthy {
		t.Fatalf("seeded venue reported unhealthy: %+v", report)
	}
	if report.LatestSequence != 2 {
		t.Errorf("latest sequence = %d, want 2", report.LatestSequence)
	}

	// Break the chain at sequence 2.
	if _, err := db.Exec(`UPDATE event_log.receipts SET prev_hash = '\x00' WHERE sequence = 2`); err != nil {
		t.Fatalf("corrupt chain: %v", err)
	}
	// And park value outside the double-entry system.
	if _, err := db.Exec(`
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ('trader:mallory:collateral:uatom', 'uatom', 7, 0)
	`); err != nil {
		t.Fatalf("insert imbalance: %v", err)
	}

	report, err = qs.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("verify corrupted: %v", err)
	}
	if report.IsHealthy {
		t.Fatal("corrupted venue reported healthy")
	}
	if len(report.HashChainBreaks) != 1 || report.HashChainBreaks[0] != 2 {
		t.Errorf("hash chain breaks = %v, want [2]", report.HashChainBreaks)
	}
	if len(report.UnbalancedAssets) != 1 || report.UnbalancedAssets[0].Asset != "uatom" || report.UnbalancedAssets[0].Imbalance != 7 {
		t.Errorf("unbalanced assets = %+v", report.UnbalancedAssets)
	}
}
