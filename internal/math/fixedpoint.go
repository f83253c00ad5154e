package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// ModPrecision is the fixed multiplier used by Modulo. It is intentionally
// independent of an instance's configured decimals.
const ModPrecision = 1_000_000_000

var (
	ErrOverflow      = errors.New("integer overflow")
	ErrUnderflow     = errors.New("subtraction underflow")
	ErrDivideByZero  = errors.New("division by zero")
	ErrNegativeInput = errors.New("negative amount")
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// CheckedAdd performs a + b over non-negative scaled amounts.
func CheckedAdd(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("add(%d, %d): %w", a, b, ErrNegativeInput)
	}
	sum := a + b
	if sum < a {
		return 0, fmt.Errorf("add(%d, %d): %w", a, b, ErrOverflow)
	}
	return sum, nil
}

// CheckedSub performs a - b over non-negative scaled amounts. A negative
// result is an error, never a saturated zero.
func CheckedSub(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("sub(%d, %d): %w", a, b, ErrNegativeInput)
	}
	if b > a {
		return 0, fmt.Errorf("sub(%d, %d): %w", a, b, ErrUnderflow)
	}
	return a - b, nil
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator, truncating toward zero.
// The quotient must fit in int64.
func DivideInt128(numerator *big.Int, denominator int64) (int64, error) {
	if denominator == 0 {
		return 0, ErrDivideByZero
	}
	quotient := getInt128()
	defer putInt128(quotient)

	quotient.Quo(numerator, big.NewInt(denominator))
	if !quotient.IsInt64() {
		return 0, fmt.Errorf("quotient %s: %w", quotient.String(), ErrOverflow)
	}
	return quotient.Int64(), nil
}

// MulDiv computes a * b / den with a wide intermediate product, truncating.
func MulDiv(a, b, den int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("muldiv(%d, %d, %d): %w", a, b, den, ErrNegativeInput)
	}
	product := MultiplyInt128(a, b)
	defer putInt128(product)

	return DivideInt128(product, den)
}

// Modulo computes (a * ModPrecision) mod b, the curve's exactness probe.
func Modulo(a, b int64) (int64, error) {
	wide := getInt128().SetInt64(a)
	defer putInt128(wide)

	return ModuloBig(wide, b)
}

// ModuloBig computes (a * ModPrecision) mod b for a wide a.
func ModuloBig(a *big.Int, b int64) (int64, error) {
	if b == 0 {
		return 0, ErrDivideByZero
	}
	scaled := getInt128()
	rem := getInt128()
	defer putInt128(scaled)
	defer putInt128(rem)

	scaled.Mul(a, big.NewInt(ModPrecision))
	rem.Mod(scaled, big.NewInt(b))
	return rem.Int64(), nil
}
