package ledger

import "fmt"

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === Trader Balance Queries ===

// GetTraderCollateral returns free collateral. Plain position opens post
// margin without a matching deposit, so this balance can go negative; it
// then records how much collateral the trader still owes the engine.
func (bt *BalanceTracker) GetTraderCollateral(trader, asset string) int64 {
	return bt.GetBalance(NewTraderAccountKey(trader, SubTypeCollateral, asset))
}

// GetTraderMarginPosted returns collateral locked as position margin
func (bt *BalanceTracker) GetTraderMarginPosted(trader, asset string) int64 {
	return bt.GetBalance(NewTraderAccountKey(trader, SubTypeMarginPosted, asset))
}

// GetTraderTotalBalance returns total balance (collateral + margin posted)
func (bt *BalanceTracker) GetTraderTotalBalance(trader, asset string) int64 {
	collateral := bt.GetTraderCollateral(trader, asset)
	margin := bt.GetTraderMarginPosted(trader, asset)
	return collateral + margin
}

// === Invariant Checks ===

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for
// a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]int64 {
	totals := make(map[string]int64)

	for key, balance := range bt.balances {
		totals[key.Asset] += balance
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances (snapshot restore only)
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}
