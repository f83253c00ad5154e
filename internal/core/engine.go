package core

import (
	"PerpEngine/internal/event"
	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/state"
	"PerpEngine/internal/vamm"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// MarginCore is the single-threaded command processor
type MarginCore struct {
	sequence          int64
	config            state.EngineConfig
	markets           map[string]*vamm.Market
	positions         *state.PositionBook
	pending           *state.PendingSlot
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput carries everything downstream workers need from one committed
// command: the receipt for the event log, the journal batches behind it, and
// the typed rows the projection worker upserts.
type CoreOutput struct {
	Receipt    *event.Receipt
	Batches    []*ledger.Batch
	StateDelta []byte
	Positions  []state.Position
	Markets    []MarketSnapshot
	Config     *state.EngineConfig
}

// MarketSnapshot is one market's reserves after the command committed.
type MarketSnapshot struct {
	MarketID string
	State    vamm.State
}

func NewMarginCore(
	cfg state.EngineConfig,
	markets []*vamm.Market,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*MarginCore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	marketMap := make(map[string]*vamm.Market, len(markets))
	for _, m := range markets {
		if _, dup := marketMap[m.ID]; dup {
			return nil, fmt.Errorf("duplicate market: %s", m.ID)
		}
		marketMap[m.ID] = m
	}

	balanceTracker := ledger.NewBalanceTracker()

	// Initialize with capacity of 1M entries (configurable)
	idempotencyChecker := NewIdempotencyChecker(1_000_000, dbChecker)

	return &MarginCore{
		sequence:          startSequence,
		config:            cfg,
		markets:           marketMap,
		positions:         state.NewPositionBook(),
		pending:           state.NewPendingSlot(),
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(0),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		idempotency:       idempotencyChecker,
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		logger:            observability.NewLogger("core"),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// ProcessCommand is the main processing pipeline
func (c *MarginCore) ProcessCommand(cmd event.Command) error {
	start := time.Now()
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(commandType, idempotencyKey)

	// Step 2: Source sequence validation
	partition := c.getPartition(cmd)
	sourceSequence := cmd.SourceSequence()

	if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, isDuplicate); err != nil {
		wrapped := protocolErrorf("sequence validation failed: %v", err)
		c.recordRejection(commandType, ErrorKindProtocol, wrapped)
		return wrapped
	}

	// If duplicate, skip processing
	if isDuplicate {
		c.logger.Debug().
			Str("command_type", commandType).
			Str("idempotency_key", idempotencyKey).
			Msg("duplicate command skipped")
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch under a transaction overlay
	txn := c.beginTxn(cmd)
	if err := c.dispatch(txn, cmd); err != nil {
		c.rollbackTxn(txn)
		c.recordRejection(commandType, KindOf(err), err)
		return err
	}

	// Step 4: Staged reserves must survive the trade
	if err := txn.checkStagedReserves(); err != nil {
		c.rollbackTxn(txn)
		c.recordRejection(commandType, KindOf(err), err)
		return err
	}

	// Step 5: Commit staged state, digest what was touched
	hashStart := time.Now()
	stateDigest := c.commitTxn(txn)

	// Step 6: Extend the hash chain. The previous head must be captured
	// before ComputeHash advances it.
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	// Step 7: Build the receipt
	payload, err := event.EncodeCommand(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot encode committed command %s: %v", commandType, err))
	}

	receipt := &event.Receipt{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		CommandType:    cmd.CommandType(),
		MarketID:       cmd.MarketID(),
		Trader:         commandTrader(cmd),
		Timestamp:      txn.ts,
		SourceSequence: sourceSequence,
		Payload:        payload,
		Attributes:     txn.attrs,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Receipt:    receipt,
		Batches:    txn.batches,
		StateDelta: stateDigest,
		Positions:  stagedPositions(txn),
		Markets:    stagedMarkets(txn),
		Config:     txn.config,
	}

	c.sequence++

	// Step 8: Post-commit invariant checks
	if err := c.postCheckInvariants(txn); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 9: Emit output
	// Persistence: blocking send — the core stalls until the persistence
	// worker drains. This guarantees no committed command is lost.
	select {
	case c.persistChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.PersistBackpressure.Inc()
		}
		c.persistChan <- output
	}

	// Projections: non-blocking send — drop on full. Projection workers
	// can rebuild from the event log if they fall behind.
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("main").Inc()
		}
	}

	// Step 10: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(commandType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
	}

	return nil
}

func (c *MarginCore) recordRejection(commandType string, kind ErrorKind, err error) {
	reason := "internal"
	if kind != 0 {
		reason = kind.String()
	}
	c.logger.Warn().
		Str("command_type", commandType).
		Str("reason", reason).
		Err(err).
		Msg("command rejected")
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(commandType, reason).Inc()
	}
}

// rollbackTxn discards the overlay. The journal sequence is rewound so a
// rejected command leaves no hole in the ledger numbering.
func (c *MarginCore) rollbackTxn(t *txn) {
	c.journalGen.SetSequence(t.jgSeq)
}

// commitTxn applies the staged overlay to committed state and returns the
// canonical digest of everything the command touched.
func (c *MarginCore) commitTxn(t *txn) []byte {
	if t.pending != nil {
		panic(fmt.Sprintf("FATAL: pending swap survived transaction commit: %s for %s/%s",
			t.pending.Continuation(), t.pending.MarketID(), t.pending.TraderID()))
	}

	for _, batch := range t.batches {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: batch apply failed: %v", err))
		}
	}

	if t.config != nil {
		c.config = *t.config
	}
	for id, st := range t.markets {
		c.markets[id].State = *st
	}
	for _, pos := range t.positions {
		c.positions.Put(pos)
	}

	if c.metrics != nil {
		for _, s := range t.swaps {
			c.metrics.SwapsExecuted.WithLabelValues(s.marketID, s.action).Inc()
			c.metrics.SwapVolume.WithLabelValues(s.marketID, s.action).Add(float64(s.input))
		}
		for id := range t.markets {
			st := c.markets[id].State
			c.metrics.QuoteReserve.WithLabelValues(id).Set(float64(st.QuoteReserve))
			c.metrics.BaseReserve.WithLabelValues(id).Set(float64(st.BaseReserve))
		}
		for _, batch := range t.batches {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	return c.computeStateDigest(t)
}

// getPartition determines partition key for sequence validation
func (c *MarginCore) getPartition(cmd event.Command) string {
	if marketID := cmd.MarketID(); marketID != nil {
		return fmt.Sprintf("market:%s", *marketID)
	}
	return "global"
}

// getCommandTimestamp extracts the versioned timestamp from a command.
// The core MUST NOT call time.Now(); all timestamps are inputs.
func (c *MarginCore) getCommandTimestamp(cmd event.Command) time.Time {
	switch e := cmd.(type) {
	case *event.OpenPosition:
		return e.Timestamp
	case *event.ClosePosition:
		return e.Timestamp
	case *event.DepositAndOpen:
		return e.Timestamp
	case *event.UpdateConfig:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: getCommandTimestamp called with unhandled command type %T — deterministic core cannot use wall-clock time", cmd))
	}
}

// commandTrader extracts the acting party for the receipt.
func commandTrader(cmd event.Command) string {
	switch e := cmd.(type) {
	case *event.OpenPosition:
		return e.Trader
	case *event.ClosePosition:
		return e.Trader
	case *event.DepositAndOpen:
		return e.From
	case *event.UpdateConfig:
		return e.Sender
	default:
		return ""
	}
}

// --- Dispatch ---

func (c *MarginCore) dispatch(t *txn, cmd event.Command) error {
	switch e := cmd.(type) {
	case *event.OpenPosition:
		return c.handleOpenPosition(t, e)
	case *event.ClosePosition:
		return c.handleClosePosition(t, e)
	case *event.DepositAndOpen:
		return c.handleDepositAndOpen(t, e)
	case *event.UpdateConfig:
		return c.handleUpdateConfig(t, e)
	default:
		return protocolErrorf("unknown command type: %T", cmd)
	}
}

// handleOpenPosition validates the order and routes it through the shared
// open flow.
func (c *MarginCore) handleOpenPosition(t *txn, cmd *event.OpenPosition) error {
	if cmd.TradeSide != event.SideBuy && cmd.TradeSide != event.SideSell {
		return protocolErrorf("invalid side: %d", int32(cmd.TradeSide))
	}
	if cmd.QuoteAmount < 0 {
		return preconditionErrorf("quote amount must be non-negative, got %d", cmd.QuoteAmount)
	}
	if cmd.Leverage <= 0 {
		return preconditionErrorf("leverage must be positive, got %d", cmd.Leverage)
	}

	return c.openFlow(t, cmd.Market, cmd.Trader, cmd.TradeSide, cmd.QuoteAmount, cmd.Leverage)
}

// openFlow routes an open order to the increase, decrease, or reverse path
// against the trader's current exposure, issues the pricing sub-call, and
// runs its resumption inside the same transaction.
func (c *MarginCore) openFlow(t *txn, market, trader string, side event.Side, quoteAmount, leverage int64) error {
	cfg := t.configView()

	mktCfg, ammState, err := t.market(market)
	if err != nil {
		return err
	}

	openNotional, err := fpmath.MulDiv(quoteAmount, leverage, cfg.Decimals)
	if err != nil {
		return arithmeticErrorf("open notional: %v", err)
	}

	pos := t.position(market, trader)
	if pos == nil {
		// First touch of the market: a fresh zero position oriented by the
		// order side, which always takes the increase path.
		pos = state.NewZeroPosition(market, trader, side, t.ts)
	}

	increase := (pos.Direction == vamm.DirectionAddToAmm && side == event.SideBuy) ||
		(pos.Direction == vamm.DirectionRemoveFromAmm && side == event.SideSell)

	switch {
	case increase:
		rec := &state.PendingIncrease{
			Market:       market,
			Trader:       trader,
			Side:         side,
			Margin:       quoteAmount,
			Leverage:     leverage,
			OpenNotional: openNotional,
		}
		if err := t.putPending(rec); err != nil {
			return err
		}

		res, err := vamm.SwapInput(mktCfg, ammState, vamm.DirectionForSide(side), openNotional)
		if err != nil {
			return arithmeticErrorf("swap input: %v", err)
		}
		t.recordSwap(market, event.ActionSwapInput, openNotional)
		t.addAttributes(res.Attributes...)

		return c.resumeSwap(t, event.ContinuationIncrease, []event.ExecutionResult{*res})

	case pos.Notional > openNotional:
		// Opposing order smaller than the exposure: shrink. The notional
		// subtraction is staged ahead of the call.
		reduced, err := fpmath.CheckedSub(pos.Notional, openNotional)
		if err != nil {
			return arithmeticErrorf("notional decrease: %v", err)
		}
		pos.Notional = reduced
		t.stagePosition(pos)

		rec := &state.PendingDecrease{
			Market:        market,
			Trader:        trader,
			Side:          side,
			Margin:        quoteAmount,
			Leverage:      leverage,
			OpenNotional:  openNotional,
			NotionalAfter: reduced,
		}
		if err := t.putPending(rec); err != nil {
			return err
		}

		res, err := vamm.SwapInput(mktCfg, ammState, vamm.DirectionForSide(side), openNotional)
		if err != nil {
			return arithmeticErrorf("swap input: %v", err)
		}
		t.recordSwap(market, event.ActionSwapInput, openNotional)
		t.addAttributes(res.Attributes...)

		return c.resumeSwap(t, event.ContinuationDecrease, []event.ExecutionResult{*res})

	default:
		// Opposing order at least as large as the exposure: unwind the
		// whole position. Boundary equality reverses, never decreases.
		rec := &state.PendingReverse{
			Market:       market,
			Trader:       trader,
			Side:         side,
			Margin:       quoteAmount,
			Leverage:     leverage,
			OpenNotional: openNotional,
		}
		if err := t.putPending(rec); err != nil {
			return err
		}

		res, err := vamm.SwapOutput(mktCfg, ammState, vamm.DirectionForSide(side.Opposite()), pos.Size)
		if err != nil {
			return arithmeticErrorf("swap output: %v", err)
		}
		t.recordSwap(market, event.ActionSwapOutput, pos.Size)
		t.addAttributes(res.Attributes...)

		return c.resumeSwap(t, event.ContinuationReverse, []event.ExecutionResult{*res})
	}
}

// handleClosePosition unwinds the trader's full exposure. Closing a market
// the trader never entered is a precondition failure.
func (c *MarginCore) handleClosePosition(t *txn, cmd *event.ClosePosition) error {
	mktCfg, ammState, err := t.market(cmd.Market)
	if err != nil {
		return err
	}

	pos := t.position(cmd.Market, cmd.Trader)
	if pos == nil {
		return preconditionErrorf("no position for trader %s in market %s", cmd.Trader, cmd.Market)
	}

	rec := &state.PendingClose{
		Market: cmd.Market,
		Trader: cmd.Trader,
		Size:   pos.Size,
	}
	if err := t.putPending(rec); err != nil {
		return err
	}

	res, err := vamm.SwapOutput(mktCfg, ammState, pos.Direction.Flip(), pos.Size)
	if err != nil {
		return arithmeticErrorf("swap output: %v", err)
	}
	t.recordSwap(cmd.Market, event.ActionSwapOutput, pos.Size)
	t.addAttributes(res.Attributes...)

	return c.resumeSwap(t, event.ContinuationClose, []event.ExecutionResult{*res})
}

// handleDepositAndOpen credits an external deposit and opens with it. The
// notifying asset must be the configured collateral asset; anything else is
// an authorization failure, not a malformed payload.
func (c *MarginCore) handleDepositAndOpen(t *txn, cmd *event.DepositAndOpen) error {
	cfg := t.configView()

	if cmd.Asset != cfg.CollateralAsset {
		return authorizationErrorf("deposit asset %s is not the configured collateral %s",
			cmd.Asset, cfg.CollateralAsset)
	}
	if cmd.From == "" {
		return protocolErrorf("deposit notification missing sender")
	}
	if cmd.Amount <= 0 {
		return protocolErrorf("deposit amount must be positive, got %d", cmd.Amount)
	}
	if cmd.TradeSide != event.SideBuy && cmd.TradeSide != event.SideSell {
		return protocolErrorf("invalid side: %d", int32(cmd.TradeSide))
	}
	if cmd.Leverage <= 0 {
		return preconditionErrorf("leverage must be positive, got %d", cmd.Leverage)
	}

	batch, err := c.journalGen.GenerateDepositReceived(cmd)
	if err != nil {
		return arithmeticErrorf("deposit journal: %v", err)
	}
	t.addBatch(batch)

	return c.openFlow(t, cmd.Market, cmd.From, cmd.TradeSide, cmd.Amount, cmd.Leverage)
}

// handleUpdateConfig replaces the engine owner. Only the current owner may
// issue it.
func (c *MarginCore) handleUpdateConfig(t *txn, cmd *event.UpdateConfig) error {
	cfg := t.configView()

	if cmd.Sender != cfg.Owner {
		return authorizationErrorf("sender %s is not the configured owner", cmd.Sender)
	}
	if cmd.NewOwner == "" {
		return preconditionErrorf("new owner must be set")
	}

	cfg.Owner = cmd.NewOwner
	t.stageConfig(cfg)
	return nil
}

// --- Resumption ---

// resumeSwap is the pricing sub-call resumption handler. It routes on the
// continuation id and must find a pending record of the matching kind.
func (c *MarginCore) resumeSwap(t *txn, cont event.Continuation, results []event.ExecutionResult) error {
	if !cont.Valid() {
		return protocolErrorf("unrecognized continuation id: %d", int32(cont))
	}

	values, err := event.ParseSwapResult(results)
	if err != nil {
		return protocolErrorf("swap result: %v", err)
	}

	rec, err := t.takePending()
	if err != nil {
		return err
	}
	if rec.Continuation() != cont {
		return protocolErrorf("pending swap kind %s does not match continuation %s",
			rec.Continuation(), cont)
	}

	t.addAttributes(event.Attribute{Key: event.AttrKeyContinuation, Value: cont.String()})

	switch cont {
	case event.ContinuationIncrease:
		return c.applyIncrease(t, rec.(*state.PendingIncrease), values)
	case event.ContinuationDecrease, event.ContinuationReverse, event.ContinuationClose:
		// Settlement for these paths is not specified yet; the swap's
		// reserve movement stands and the slot is cleared. For decrease the
		// notional subtraction was already staged ahead of the call.
		return nil
	default:
		return protocolErrorf("unrecognized continuation id: %d", int32(cont))
	}
}

// applyIncrease lands a priced increase on the trader's position. The
// sub-call output is the base amount acquired; margin and notional come
// from the pending record written before the call.
func (c *MarginCore) applyIncrease(t *txn, rec *state.PendingIncrease, values event.SwapValues) error {
	pos := t.position(rec.Market, rec.Trader)
	if pos == nil {
		pos = state.NewZeroPosition(rec.Market, rec.Trader, rec.Side, t.ts)
	}

	size, err := fpmath.CheckedAdd(pos.Size, values.Output)
	if err != nil {
		return arithmeticErrorf("position size: %v", err)
	}
	margin, err := fpmath.CheckedAdd(pos.Margin, rec.Margin)
	if err != nil {
		return arithmeticErrorf("position margin: %v", err)
	}
	notional, err := fpmath.CheckedAdd(pos.Notional, rec.OpenNotional)
	if err != nil {
		return arithmeticErrorf("position notional: %v", err)
	}

	pos.Size = size
	pos.Margin = margin
	pos.Notional = notional
	pos.Direction = vamm.DirectionForSide(rec.Side)
	pos.Timestamp = t.ts
	t.stagePosition(pos)

	// Record the collateral claim for the posted margin. The transfer-in
	// sub-call of the upstream system is deliberately not issued; the claim
	// is tracked against the trader's collateral account instead.
	batch, err := c.journalGen.GenerateMarginPost(
		t.ref, rec.Trader, t.configView().CollateralAsset, rec.Margin, t.ts.UnixMicro())
	if err != nil {
		return arithmeticErrorf("margin journal: %v", err)
	}
	t.addBatch(batch)

	return nil
}

// --- Digest & invariants ---

// computeStateDigest creates canonical bytes for the state hash from
// everything the transaction touched, read back from committed state.
func (c *MarginCore) computeStateDigest(t *txn) []byte {
	digest := make([]byte, 0, 256)

	// Affected ledger accounts, sorted by path
	affectedAccounts := make(map[ledger.AccountKey]bool)
	for _, batch := range t.batches {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}
	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	// Touched market reserves, sorted by id
	marketIDs := make([]string, 0, len(t.markets))
	for id := range t.markets {
		marketIDs = append(marketIDs, id)
	}
	sort.Strings(marketIDs)
	for _, id := range marketIDs {
		st := c.markets[id].State
		digest = append(digest, byte(len(id)))
		digest = append(digest, []byte(id)...)
		digest = appendInt64LE(digest, st.QuoteReserve)
		digest = appendInt64LE(digest, st.BaseReserve)
	}

	// Touched positions, sorted by key
	keys := make([]state.PositionKey, 0, len(t.positions))
	for key := range t.positions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Market != keys[j].Market {
			return keys[i].Market < keys[j].Market
		}
		return keys[i].Trader < keys[j].Trader
	})
	for _, key := range keys {
		pos := c.positions.Get(key.Market, key.Trader)
		digest = append(digest, pos.CanonicalBytes()...)
	}

	// Config change
	if t.config != nil {
		digest = append(digest, byte(len(c.config.Owner)))
		digest = append(digest, []byte(c.config.Owner)...)
	}

	return digest
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

// postCheckInvariants validates invariants after commit
func (c *MarginCore) postCheckInvariants(t *txn) error {
	asset := c.config.CollateralAsset

	// Margin accounts only ever receive margin posts; a negative balance
	// means a journal was applied backwards.
	touchedTraders := make(map[string]bool)
	for _, batch := range t.batches {
		for _, j := range batch.Journals {
			if j.DebitAccount.Scope == ledger.AccountScopeTrader {
				touchedTraders[j.DebitAccount.Entity] = true
			}
			if j.CreditAccount.Scope == ledger.AccountScopeTrader {
				touchedTraders[j.CreditAccount.Entity] = true
			}
		}
	}
	for trader := range touchedTraders {
		if err := c.validator.ValidateMarginPostedNonNegative(trader, asset); err != nil {
			return err
		}
	}

	// Committed reserves stay positive
	for id := range t.markets {
		st := c.markets[id].State
		if err := st.Validate(); err != nil {
			return fmt.Errorf("market %s: %w", id, err)
		}
	}

	// Periodic global zero-sum check (every 1000 commands)
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("at sequence %d: %w", c.sequence, err)
		}
	}

	return nil
}

func stagedPositions(t *txn) []state.Position {
	result := make([]state.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		result = append(result, *pos)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Market != result[j].Market {
			return result[i].Market < result[j].Market
		}
		return result[i].Trader < result[j].Trader
	})
	return result
}

func stagedMarkets(t *txn) []MarketSnapshot {
	result := make([]MarketSnapshot, 0, len(t.markets))
	for id, st := range t.markets {
		result = append(result, MarketSnapshot{MarketID: id, State: *st})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].MarketID < result[j].MarketID
	})
	return result
}

// --- Snapshot / restore ---

// SnapshotState is the complete restorable core state.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Config          state.EngineConfig
	Markets         map[string]vamm.State
	Positions       []*state.Position
	Pending         state.PendingSwap
	Balances        map[ledger.AccountKey]int64
	JournalSequence int64
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the state as of the last processed command.
func (c *MarginCore) CreateSnapshotState() *SnapshotState {
	markets := make(map[string]vamm.State, len(c.markets))
	for id, mkt := range c.markets {
		markets[id] = mkt.State
	}

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Config:          c.config,
		Markets:         markets,
		Positions:       c.positions.All(),
		Pending:         c.pending.Peek(),
		Balances:        c.balanceTracker.Snapshot(),
		JournalSequence: c.journalGen.GetSequence(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot rehydrates the core. Markets in the snapshot must
// already be registered; only their reserves are restored.
func (c *MarginCore) RestoreFromSnapshot(snap *SnapshotState) error {
	for id := range snap.Markets {
		if _, ok := c.markets[id]; !ok {
			return fmt.Errorf("snapshot references unknown market: %s", id)
		}
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.config = snap.Config
	for id, st := range snap.Markets {
		c.markets[id].State = st
	}
	for _, pos := range snap.Positions {
		c.positions.Put(pos)
	}
	c.pending.Restore(snap.Pending)
	c.balanceTracker.Restore(snap.Balances)
	c.journalGen.SetSequence(snap.JournalSequence)
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("positions", len(snap.Positions)).
		Int("markets", len(snap.Markets)).
		Msg("state restored from snapshot")

	return nil
}

// GetSequence returns the next sequence number to be assigned.
func (c *MarginCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current head of the hash chain.
func (c *MarginCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// GetConfig returns a copy of the committed engine config.
func (c *MarginCore) GetConfig() state.EngineConfig {
	return c.config
}
