package vamm

import (
	"fmt"
	"math/big"

	"PerpEngine/internal/event"
	fpmath "PerpEngine/internal/math"
)

// PriceForInput quotes the base amount received for spending quoteAmount.
// The curve solves base_after = K * decimals / quote_after with truncating
// division, then biases one unit toward the reserves whenever the division
// was inexact: buyers of base get one unit less, sellers pay one unit more.
func PriceForInput(cfg Config, st State, dir Direction, quoteAmount int64) (int64, error) {
	if quoteAmount == 0 {
		return 0, nil
	}

	quoteAfter, err := shiftReserve(st.QuoteReserve, dir, quoteAmount)
	if err != nil {
		return 0, err
	}

	k, err := InvariantK(st, cfg.Decimals)
	if err != nil {
		return 0, err
	}

	baseAfter, err := reserveAfter(k, cfg.Decimals, quoteAfter)
	if err != nil {
		return 0, err
	}

	out := absDiff(baseAfter, st.BaseReserve)
	return correctRounding(out, k, quoteAfter, dir)
}

// PriceForOutput quotes the quote amount moved for trading baseAmount of
// base. Mirror image of PriceForInput over the base side.
func PriceForOutput(cfg Config, st State, dir Direction, baseAmount int64) (int64, error) {
	if baseAmount == 0 {
		return 0, nil
	}

	baseAfter, err := shiftReserve(st.BaseReserve, dir, baseAmount)
	if err != nil {
		return 0, err
	}

	k, err := InvariantK(st, cfg.Decimals)
	if err != nil {
		return 0, err
	}

	quoteAfter, err := reserveAfter(k, cfg.Decimals, baseAfter)
	if err != nil {
		return 0, err
	}

	out := absDiff(quoteAfter, st.QuoteReserve)
	return correctRounding(out, k, baseAfter, dir)
}

// SwapInput prices quoteAmount and applies the trade to st in the nominal
// direction. A zero amount returns a zeroed result and leaves st untouched.
func SwapInput(cfg Config, st *State, dir Direction, quoteAmount int64) (*event.ExecutionResult, error) {
	out, err := PriceForInput(cfg, *st, dir, quoteAmount)
	if err != nil {
		return nil, err
	}
	if quoteAmount != 0 {
		if err := updateReserves(st, dir, quoteAmount, out); err != nil {
			return nil, err
		}
	}
	return event.NewSwapResult(event.ActionSwapInput, quoteAmount, out), nil
}

// SwapOutput prices baseAmount in the nominal direction, then applies the
// reserve update with the direction flipped: the direction names the
// position being traded against, not the literal reserve movement.
func SwapOutput(cfg Config, st *State, dir Direction, baseAmount int64) (*event.ExecutionResult, error) {
	out, err := PriceForOutput(cfg, *st, dir, baseAmount)
	if err != nil {
		return nil, err
	}
	if baseAmount != 0 {
		if err := updateReserves(st, dir.Flip(), out, baseAmount); err != nil {
			return nil, err
		}
	}
	return event.NewSwapResult(event.ActionSwapOutput, baseAmount, out), nil
}

// shiftReserve moves a reserve by amount in the given direction, checked.
func shiftReserve(reserve int64, dir Direction, amount int64) (int64, error) {
	switch dir {
	case DirectionAddToAmm:
		return fpmath.CheckedAdd(reserve, amount)
	case DirectionRemoveFromAmm:
		return fpmath.CheckedSub(reserve, amount)
	default:
		return 0, fmt.Errorf("invalid swap direction %d", dir)
	}
}

// reserveAfter solves the opposite reserve from K: k * decimals / divisor.
func reserveAfter(k *big.Int, decimals, divisor int64) (int64, error) {
	num := new(big.Int).Mul(k, big.NewInt(decimals))
	after, err := fpmath.DivideInt128(num, divisor)
	if err != nil {
		return 0, fmt.Errorf("reserve after swap: %w", err)
	}
	return after, nil
}

// correctRounding applies the one-unit anti-trader bias when the division
// left a remainder.
func correctRounding(out int64, k *big.Int, divisor int64, dir Direction) (int64, error) {
	rem, err := fpmath.ModuloBig(k, divisor)
	if err != nil {
		return 0, err
	}
	if rem == 0 {
		return out, nil
	}
	switch dir {
	case DirectionAddToAmm:
		return fpmath.CheckedSub(out, 1)
	case DirectionRemoveFromAmm:
		return fpmath.CheckedAdd(out, 1)
	default:
		return 0, fmt.Errorf("invalid swap direction %d", dir)
	}
}

// updateReserves applies a priced trade. Both legs are computed before
// either reserve is written, so a failed leg leaves st untouched.
func updateReserves(st *State, dir Direction, quoteAmount, baseAmount int64) error {
	switch dir {
	case DirectionAddToAmm:
		quote, err := fpmath.CheckedAdd(st.QuoteReserve, quoteAmount)
		if err != nil {
			return fmt.Errorf("quote reserve: %w", err)
		}
		base, err := fpmath.CheckedSub(st.BaseReserve, baseAmount)
		if err != nil {
			return fmt.Errorf("base reserve: %w", err)
		}
		st.QuoteReserve, st.BaseReserve = quote, base
		return nil

	case DirectionRemoveFromAmm:
		base, err := fpmath.CheckedAdd(st.BaseReserve, baseAmount)
		if err != nil {
			return fmt.Errorf("base reserve: %w", err)
		}
		quote, err := fpmath.CheckedSub(st.QuoteReserve, quoteAmount)
		if err != nil {
			return fmt.Errorf("quote reserve: %w", err)
		}
		st.QuoteReserve, st.BaseReserve = quote, base
		return nil

	default:
		return fmt.Errorf("invalid swap direction %d", dir)
	}
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
