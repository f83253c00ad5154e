package state

import (
	"time"

	"PerpEngine/internal/event"
	"PerpEngine/internal/vamm"
)

// Position is a trader's margin position in one market. Records are never
// deleted once written.
type Position struct {
	Market                string         `json:"market"`
	Trader                string         `json:"trader"`
	Direction             vamm.Direction `json:"direction"`
	Size                  int64          `json:"size"`     // base-asset exposure
	Margin                int64          `json:"margin"`   // collateral posted
	Notional              int64          `json:"notional"` // quote value at entry
	PremiumFraction       int64          `json:"premium_fraction"`
	LiquidityHistoryIndex int64          `json:"liquidity_history_index"`
	Timestamp             time.Time      `json:"timestamp"`
}

// NewZeroPosition synthesizes the implicit empty position a trader holds
// before their first fill. Direction is derived from the requested side.
func NewZeroPosition(market, trader string, side event.Side, ts time.Time) *Position {
	return &Position{
		Market:    market,
		Trader:    trader,
		Direction: vamm.DirectionForSide(side),
		Timestamp: ts,
	}
}

// IsZero reports whether the position carries no exposure.
func (p *Position) IsZero() bool {
	return p.Size == 0
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	// market (length-prefixed)
	buf = append(buf, byte(len(p.Market)))
	buf = append(buf, []byte(p.Market)...)

	// trader (length-prefixed)
	buf = append(buf, byte(len(p.Trader)))
	buf = append(buf, []byte(p.Trader)...)

	// direction (1 byte)
	buf = append(buf, byte(p.Direction))

	// size (8 bytes LE)
	buf = appendInt64LE(buf, p.Size)

	// margin (8 bytes LE)
	buf = appendInt64LE(buf, p.Margin)

	// notional (8 bytes LE)
	buf = appendInt64LE(buf, p.Notional)

	// premium_fraction (8 bytes LE)
	buf = appendInt64LE(buf, p.PremiumFraction)

	// liquidity_history_index (8 bytes LE)
	buf = appendInt64LE(buf, p.LiquidityHistoryIndex)

	// timestamp (8 bytes LE, unix nanos)
	buf = appendInt64LE(buf, p.Timestamp.UnixNano())

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// PositionKey identifies one position record.
type PositionKey struct {
	Market string
	Trader string
}

// PositionBook is the keyed store of margin positions.
type PositionBook struct {
	positions map[PositionKey]*Position
}

func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[PositionKey]*Position),
	}
}

// Get returns the stored position or nil.
func (b *PositionBook) Get(market, trader string) *Position {
	return b.positions[PositionKey{Market: market, Trader: trader}]
}

// Put stores a position under its own key (also used for snapshot restore).
func (b *PositionBook) Put(pos *Position) {
	key := PositionKey{Market: pos.Market, Trader: pos.Trader}
	b.positions[key] = pos
}

// All returns every position record in map order. Callers that hash or
// serialize must sort by key themselves.
func (b *PositionBook) All() []*Position {
	result := make([]*Position, 0, len(b.positions))
	for _, pos := range b.positions {
		result = append(result, pos)
	}
	return result
}

func (b *PositionBook) Len() int {
	return len(b.positions)
}
