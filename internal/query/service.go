package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	enginemath "PerpEngine/internal/math"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the projection tables and the
// receipt log. Responses include as_of_sequence so callers can reason about
// freshness relative to the engine sequence.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetConfig returns the current engine config.
func (qs *QueryService) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var c ConfigResponse
	c.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT owner, collateral_asset, decimals, init_margin_ratio,
		       maintenance_margin_ratio, liquidation_fee
		FROM projections.engine_config
		WHERE id = 1
	`).Scan(
		&c.Owner, &c.CollateralAsset, &c.Decimals, &c.InitMarginRatio,
		&c.MaintenanceMarginRatio, &c.LiquidationFee,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// GetAmmState returns the reserves of one market plus the spot price
// and invariant derived from them at query time.
func (qs *QueryService) GetAmmState(ctx context.Context, marketID string) (*AmmStateResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var a AmmStateResponse
	a.MarketID = marketID
	a.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT quote_reserve, base_reserve
		FROM projections.amm_state
		WHERE market_id = $1
	`, marketID).Scan(&a.QuoteReserve, &a.BaseReserve)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// spot = quote * decimals / base and K = quote * base / decimals,
	// both truncating. Advisory only; the authoritative values live in
	// the core's curve math.
	var decimals int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT decimals FROM projections.engine_config WHERE id = 1
	`).Scan(&decimals)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if decimals > 0 && a.BaseReserve > 0 {
		if spot, err := enginemath.MulDiv(a.QuoteReserve, decimals, a.BaseReserve); err == nil {
			a.SpotPrice = spot
		}
		if k, err := enginemath.MulDiv(a.QuoteReserve, a.BaseReserve, decimals); err == nil {
			a.InvariantK = k
		}
	}

	return &a, nil
}

// GetPosition returns a trader's position in one market.
func (qs *QueryService) GetPosition(ctx context.Context, marketID, trader string) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var p PositionResponse
	p.MarketID = marketID
	p.Trader = trader
	p.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT direction, size, margin, notional, updated_at_us
		FROM projections.positions
		WHERE market_id = $1 AND trader = $2
	`, marketID, trader).Scan(&p.Direction, &p.Size, &p.Margin, &p.Notional, &p.UpdatedAtUs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &p, nil
}

// GetTraderBalance returns a trader's collateral and posted margin in the
// venue's collateral asset.
func (qs *QueryService) GetTraderBalance(ctx context.Context, trader string) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var asset string
	err = qs.db.QueryRowContext(ctx, `
		SELECT collateral_asset FROM projections.engine_config WHERE id = 1
	`).Scan(&asset)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	collateralPath := fmt.Sprintf("trader:%s:collateral:%s", trader, asset)
	collateral, err := qs.getProjectedBalance(ctx, collateralPath, asset)
	if err != nil {
		return nil, err
	}

	marginPath := fmt.Sprintf("trader:%s:margin_posted:%s", trader, asset)
	margin, err := qs.getProjectedBalance(ctx, marginPath, asset)
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Trader:       trader,
		Asset:        asset,
		Collateral:   collateral,
		MarginPosted: margin,
		TotalBalance: collateral + margin,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetTraderJournal returns journal rows touching any of a trader's
// accounts, newest first, with cursor-based pagination.
func (qs *QueryService) GetTraderJournal(
	ctx context.Context,
	trader string,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("trader:%s:%%", trader)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE debit_account LIKE $1 OR credit_account LIKE $1
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// ListReceipts returns receipt-log rows in sequence order, for audit.
func (qs *QueryService) ListReceipts(ctx context.Context, fromSequence int64, limit int) ([]ReceiptSummary, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, market_id, trader,
		       attributes, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.receipts
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []ReceiptSummary
	for rows.Next() {
		var r ReceiptSummary
		var attrs, stateHash, prevHash []byte
		if err := rows.Scan(
			&r.Sequence, &r.CommandType, &r.IdempotencyKey, &r.MarketID, &r.Trader,
			&attrs, &stateHash, &prevHash, &r.Timestamp, &r.SourceSequence,
		); err != nil {
			return nil, err
		}
		r.Attributes = attrs
		r.StateHash = hex.EncodeToString(stateHash)
		r.PrevHash = hex.EncodeToString(prevHash)
		receipts = append(receipts, r)
	}

	return receipts, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity over the receipt log and
// the global zero-sum invariant over projected balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	latest, err := qs.getLatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	report.LatestSequence = latest

	// Every receipt's prev_hash must equal the previous receipt's
	// state_hash.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT r1.sequence
		FROM event_log.receipts r1
		LEFT JOIN event_log.receipts r2 ON r2.sequence = r1.sequence - 1
		WHERE r1.sequence > 0 AND r1.prev_hash != COALESCE(r2.state_hash, r1.prev_hash)
		ORDER BY r1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every journal row moves value between two accounts, so per-asset
	// balances must sum to zero.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var asset string
		var total int64
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := qs.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.receipts
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath, asset string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, accountPath, asset).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
