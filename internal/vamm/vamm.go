package vamm

import (
	"fmt"
	"math/big"

	"PerpEngine/internal/event"
	fpmath "PerpEngine/internal/math"
)

// Direction is the AMM-relative orientation of a trade or position.
// AddToAmm adds to the quote reserve and removes from the base reserve;
// RemoveFromAmm is the inverse.
type Direction int32

const (
	DirectionUnknown Direction = iota
	DirectionAddToAmm
	DirectionRemoveFromAmm
)

func (d Direction) String() string {
	switch d {
	case DirectionAddToAmm:
		return "add_to_amm"
	case DirectionRemoveFromAmm:
		return "remove_from_amm"
	default:
		return "unknown"
	}
}

func (d Direction) Flip() Direction {
	switch d {
	case DirectionAddToAmm:
		return DirectionRemoveFromAmm
	case DirectionRemoveFromAmm:
		return DirectionAddToAmm
	default:
		return DirectionUnknown
	}
}

// DirectionForSide maps a request side onto the AMM orientation:
// buys add quote, sells remove it.
func DirectionForSide(s event.Side) Direction {
	switch s {
	case event.SideBuy:
		return DirectionAddToAmm
	case event.SideSell:
		return DirectionRemoveFromAmm
	default:
		return DirectionUnknown
	}
}

// Config holds a market's immutable pricing parameters. TollRatio and
// SpreadRatio are stored for the query surface; fee application is not
// part of the swap path.
type Config struct {
	Owner       string `json:"owner"`
	QuoteAsset  string `json:"quote_asset"`
	BaseAsset   string `json:"base_asset"`
	Decimals    int64  `json:"decimals"`
	TollRatio   int64  `json:"toll_ratio"`
	SpreadRatio int64  `json:"spread_ratio"`
}

func (c *Config) Validate() error {
	if c.Owner == "" {
		return fmt.Errorf("vamm config: owner required")
	}
	if c.QuoteAsset == "" || c.BaseAsset == "" {
		return fmt.Errorf("vamm config: quote and base assets required")
	}
	if c.Decimals <= 0 {
		return fmt.Errorf("vamm config: decimals must be positive, got %d", c.Decimals)
	}
	if c.TollRatio < 0 || c.SpreadRatio < 0 {
		return fmt.Errorf("vamm config: ratios must be non-negative")
	}
	return nil
}

// State is the pair of virtual reserves. It is a value type: the core
// stages a copy per transaction and writes it back only on commit.
type State struct {
	QuoteReserve int64 `json:"quote_reserve"`
	BaseReserve  int64 `json:"base_reserve"`
}

func (s *State) Validate() error {
	if s.QuoteReserve <= 0 || s.BaseReserve <= 0 {
		return fmt.Errorf("vamm state: reserves must be positive, got quote=%d base=%d",
			s.QuoteReserve, s.BaseReserve)
	}
	return nil
}

// InvariantK materializes K = quote * base / decimals with integer
// truncation. K is recomputed from current reserves at every quote, so the
// value drifts upward as rounding corrections accrete to the reserves.
func InvariantK(st State, decimals int64) (*big.Int, error) {
	if decimals <= 0 {
		return nil, fmt.Errorf("invariant k: %w", fpmath.ErrDivideByZero)
	}
	k := new(big.Int).Mul(big.NewInt(st.QuoteReserve), big.NewInt(st.BaseReserve))
	return k.Quo(k, big.NewInt(decimals)), nil
}

// Market is one registered reserve pair.
type Market struct {
	ID     string
	Config Config
	State  State
}

func NewMarket(id string, cfg Config, st State) (*Market, error) {
	if id == "" {
		return nil, fmt.Errorf("market id required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("market %s: %w", id, err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("market %s: %w", id, err)
	}
	return &Market{ID: id, Config: cfg, State: st}, nil
}
