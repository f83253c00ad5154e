package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain the engine config, curve reserves, positions, balances,
// sequence counters, the idempotency LRU contents, and the hash-chain head.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64                 `json:"sequence"`
	StateHash       []byte                `json:"state_hash"` // chain head after the snapshot sequence
	Config          ConfigSnap            `json:"config"`
	Markets         map[string]MarketSnap `json:"markets"` // marketID -> reserves
	Positions       []PositionSnapshot    `json:"positions"`
	Pending         *PendingSnap          `json:"pending,omitempty"` // nil = empty slot
	Balances        []BalanceEntry        `json:"balances"`
	JournalSequence int64                 `json:"journal_sequence"`
	SequenceState   map[string]int64      `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string              `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time             `json:"created_at"`
}

// ConfigSnap is the serializable engine config.
type ConfigSnap struct {
	Owner                  string `json:"owner"`
	CollateralAsset        string `json:"collateral_asset"`
	Decimals               int64  `json:"decimals"`
	InitMarginRatio        int64  `json:"init_margin_ratio"`
	MaintenanceMarginRatio int64  `json:"maintenance_margin_ratio"`
	LiquidationFee         int64  `json:"liquidation_fee"`
}

// MarketSnap is the serializable curve state of one market.
type MarketSnap struct {
	QuoteReserve int64 `json:"quote_reserve"`
	BaseReserve  int64 `json:"base_reserve"`
}

// PositionSnapshot is a serializable position.
type PositionSnapshot struct {
	Market                string `json:"market"`
	Trader                string `json:"trader"`
	Direction             int32  `json:"direction"`
	Size                  int64  `json:"size"`
	Margin                int64  `json:"margin"`
	Notional              int64  `json:"notional"`
	PremiumFraction       int64  `json:"premium_fraction"`
	LiquidityHistoryIndex int64  `json:"liquidity_history_index"`
	TimestampUs           int64  `json:"timestamp_us"`
}

// PendingSnap is the serializable pending-swap slot, a tagged union over the
// four continuation kinds.
type PendingSnap struct {
	Kind          string `json:"kind"` // "increase", "decrease", "reverse", "close"
	Market        string `json:"market"`
	Trader        string `json:"trader"`
	Side          int32  `json:"side,omitempty"`
	Margin        int64  `json:"margin,omitempty"`
	Leverage      int64  `json:"leverage,omitempty"`
	OpenNotional  int64  `json:"open_notional,omitempty"`
	NotionalAfter int64  `json:"notional_after,omitempty"`
	Size          int64  `json:"size,omitempty"`
}

// BalanceEntry is one ledger account balance. Account identity is kept
// structured; paths are rebuilt on restore instead of parsed.
type BalanceEntry struct {
	Scope   uint8  `json:"scope"`
	Entity  string `json:"entity"`
	SubType string `json:"sub_type"`
	Asset   string `json:"asset"`
	Balance int64  `json:"balance"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and on graceful shutdown; restart loads the latest verified
// one and replays receipts from its sequence forward.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	// data goes over the wire as text so Postgres coerces it to jsonb.
	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, string(data), snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns nil
// with no error on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadReceiptsFrom loads receipts from a given sequence for replay. Used for
// warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadReceiptsFrom(ctx context.Context, fromSequence int64, limit int) ([]ReceiptRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, market_id, trader, payload,
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

	var receipts []ReceiptRow
	for rows.Next() {
		var r ReceiptRow
		if err := rows.Scan(
			&r.Sequence, &r.CommandType, &r.IdempotencyKey, &r.MarketID, &r.Trader,
			&r.Payload, &r.Attributes, &r.StateHash, &r.PrevHash, &r.Timestamp,
			&r.SourceSequence,
		); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}

	return receipts, rows.Err()
}

// GetLatestSequence returns the highest sequence in the receipt log, or -1
// for an empty log. Sequence 0 is a real log position, so the empty case
// needs a distinct value.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
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
