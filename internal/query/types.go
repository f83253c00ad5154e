package query

import (
	"encoding/json"
	"time"
)

// ConfigResponse is the engine config for API queries.
type ConfigResponse struct {
	Owner                  string `json:"owner"`
	CollateralAsset        string `json:"collateral_asset"`
	Decimals               int64  `json:"decimals"`
	InitMarginRatio        int64  `json:"init_margin_ratio"`
	MaintenanceMarginRatio int64  `json:"maintenance_margin_ratio"`
	LiquidationFee         int64  `json:"liquidation_fee"`
	AsOfSequence           int64  `json:"as_of_sequence"`
}

// AmmStateResponse is the curve state of one market for API queries.
type AmmStateResponse struct {
	MarketID     string `json:"market_id"`
	QuoteReserve int64  `json:"quote_reserve"`
	BaseReserve  int64  `json:"base_reserve"`
	SpotPrice    int64  `json:"spot_price"`  // Derived at query time
	InvariantK   int64  `json:"invariant_k"` // quote * base / decimals, derived at query time
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	MarketID     string `json:"market_id"`
	Trader       string `json:"trader"`
	Direction    string `json:"direction"`
	Size         int64  `json:"size"`
	Margin       int64  `json:"margin"`
	Notional     int64  `json:"notional"`
	AsOfSequence int64  `json:"as_of_sequence"`
	UpdatedAtUs  int64  `json:"updated_at_us"`
}

// BalanceResponse represents trader balance state for API queries.
type BalanceResponse struct {
	Trader string `json:"trader"`
	Asset  string `json:"asset"`

	// Ledger balances, folded from journal entries
	Collateral   int64 `json:"collateral"`    // free collateral
	MarginPosted int64 `json:"margin_posted"` // locked in positions
	TotalBalance int64 `json:"total_balance"` // collateral + margin_posted

	AsOfSequence int64 `json:"as_of_sequence"` // last applied sequence
}

// JournalHistoryEntry represents a journal row for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// ReceiptSummary is a receipt-log row for API queries. The command payload
// is omitted; attributes pass through as stored JSON.
type ReceiptSummary struct {
	Sequence       int64           `json:"sequence"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Trader         string          `json:"trader,omitempty"`
	Attributes     json.RawMessage `json:"attributes"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
	SourceSequence int64           `json:"source_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LatestSequence   int64             `json:"latest_sequence"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset whose balances do not sum to zero
// across all accounts.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
