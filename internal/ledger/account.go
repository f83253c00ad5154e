package ledger

import "fmt"

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeTrader AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Trader sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeMarginPosted

	// External sub-types
	SubTypeExternalDeposits
)

// AccountKey is the in-memory key for balance tracking. Trader identities
// and asset denoms are free-form strings configured at runtime, so the key
// carries them directly rather than through a fixed numeric table.
type AccountKey struct {
	Scope   AccountScope
	Entity  string // trader identity; empty for external accounts
	SubType AccountSubType
	Asset   string
}

// NewTraderAccountKey creates a key for trader accounts
func NewTraderAccountKey(trader string, subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeTrader,
		Entity:  trader,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeTrader:
		return fmt.Sprintf("trader:%s:%s:%s", k.Entity, k.SubType, k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.SubType, k.Asset)
	}
	return "unknown"
}

func (st AccountSubType) String() string {
	switch st {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeMarginPosted:
		return "margin_posted"
	case SubTypeExternalDeposits:
		return "deposits"
	default:
		return "unknown"
	}
}

// ParseAccountSubType inverts String, for decoding snapshot entries.
func ParseAccountSubType(s string) (AccountSubType, error) {
	switch s {
	case "collateral":
		return SubTypeCollateral, nil
	case "margin_posted":
		return SubTypeMarginPosted, nil
	case "deposits":
		return SubTypeExternalDeposits, nil
	default:
		return 0, fmt.Errorf("unknown account sub-type %q", s)
	}
}
