package core

import (
	"PerpEngine/internal/event"
	"PerpEngine/internal/ledger"
	"PerpEngine/internal/state"
	"PerpEngine/internal/vamm"
	"time"
)

// txn is the staging overlay for one command. Handlers mutate copies held
// here; nothing reaches committed core state until commitTxn. A rejected
// command drops the overlay whole, so partial work never leaks.
type txn struct {
	core  *MarginCore
	ts    time.Time
	ref   string // command idempotency key, doubles as journal EventRef
	jgSeq int64  // journal sequence at txn start, restored on rollback

	config    *state.EngineConfig
	markets   map[string]*vamm.State
	positions map[state.PositionKey]*state.Position
	pending   state.PendingSwap
	batches   []*ledger.Batch
	attrs     []event.Attribute
	swaps     []swapRecord
}

// swapRecord feeds the per-market swap metrics recorded at commit.
type swapRecord struct {
	marketID string
	action   string
	input    int64
}

func (c *MarginCore) beginTxn(cmd event.Command) *txn {
	return &txn{
		core:      c,
		ts:        c.getCommandTimestamp(cmd),
		ref:       cmd.IdempotencyKey(),
		jgSeq:     c.journalGen.GetSequence(),
		markets:   make(map[string]*vamm.State),
		positions: make(map[state.PositionKey]*state.Position),
		pending:   c.pending.Peek(),
	}
}

// configView returns the effective engine config under this transaction.
func (t *txn) configView() state.EngineConfig {
	if t.config != nil {
		return *t.config
	}
	return t.core.config
}

func (t *txn) stageConfig(cfg state.EngineConfig) {
	t.config = &cfg
}

// market resolves a market id to its pricing config and staged reserve
// state, copying the committed reserves on first touch.
func (t *txn) market(marketID string) (vamm.Config, *vamm.State, error) {
	mkt, ok := t.core.markets[marketID]
	if !ok {
		return vamm.Config{}, nil, preconditionErrorf("unknown market: %s", marketID)
	}
	st, ok := t.markets[marketID]
	if !ok {
		cp := mkt.State
		st = &cp
		t.markets[marketID] = st
	}
	return mkt.Config, st, nil
}

// position returns a staged copy of the stored position, or nil when the
// trader has never traded the market.
func (t *txn) position(market, trader string) *state.Position {
	key := state.PositionKey{Market: market, Trader: trader}
	if pos, ok := t.positions[key]; ok {
		return pos
	}
	stored := t.core.positions.Get(market, trader)
	if stored == nil {
		return nil
	}
	cp := *stored
	t.positions[key] = &cp
	return &cp
}

func (t *txn) stagePosition(pos *state.Position) {
	t.positions[state.PositionKey{Market: pos.Market, Trader: pos.Trader}] = pos
}

// putPending records the in-flight swap before its sub-call is issued.
// The slot holds at most one record; a second put means a flow forgot
// to resume.
func (t *txn) putPending(rec state.PendingSwap) error {
	if t.pending != nil {
		return protocolErrorf("pending swap slot occupied by %s for %s/%s",
			t.pending.Continuation(), t.pending.MarketID(), t.pending.TraderID())
	}
	t.pending = rec
	return nil
}

// takePending consumes the in-flight record on resumption.
func (t *txn) takePending() (state.PendingSwap, error) {
	if t.pending == nil {
		return nil, protocolErrorf("pending swap slot empty on resumption")
	}
	rec := t.pending
	t.pending = nil
	return rec, nil
}

func (t *txn) addBatch(b *ledger.Batch) {
	if b != nil {
		t.batches = append(t.batches, b)
	}
}

func (t *txn) addAttributes(attrs ...event.Attribute) {
	t.attrs = append(t.attrs, attrs...)
}

func (t *txn) recordSwap(marketID, action string, input int64) {
	t.swaps = append(t.swaps, swapRecord{marketID: marketID, action: action, input: input})
}

// checkStagedReserves rejects any trade that would leave a touched market
// with a drained reserve. The swap math already refuses underflow; this
// catches the exact-zero outcomes it cannot.
func (t *txn) checkStagedReserves() error {
	for id, st := range t.markets {
		if err := st.Validate(); err != nil {
			return arithmeticErrorf("market %s: %v", id, err)
		}
	}
	return nil
}
