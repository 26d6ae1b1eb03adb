// Package quant converts between fixed-point integers and human decimals.
package quant

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// BasisPoints is 100% in basis points.
const BasisPoints = 10_000

// Pow10 returns 10^n.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// Bps returns v as a *uint256.Int for basis point arithmetic.
func Bps(v uint32) *uint256.Int { return uint256.NewInt(uint64(v)) }

// Log10 returns floor(log10(x)); x must be non-zero.
func Log10(x *uint256.Int) int {
	n := len(x.Dec()) - 1
	return n
}

// PriceDecimals returns the decimal exponent of a price scaled by `decimals`.
// A price of 12.5 with 18 decimals yields 1; 0.05 yields -2.
func PriceDecimals(price *uint256.Int, decimals uint8) int {
	return Log10(price) - int(decimals)
}

// ToDecimal interprets x as a fixed-point value with the given decimals.
func ToDecimal(x *uint256.Int, decimals uint8) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -int32(decimals))
}

// Format renders x with the given decimals, trimming trailing zeros.
func Format(x *uint256.Int, decimals uint8) string {
	return ToDecimal(x, decimals).String()
}

// FromDecimal scales d by 10^decimals. The result must be a non-negative
// integer that fits in 256 bits.
func FromDecimal(d decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", d)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimals", d, decimals)
	}
	v, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %s overflows 256 bits", d)
	}
	return v, nil
}

// ParseUnits parses a human decimal string such as "11.25".
func ParseUnits(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	return FromDecimal(d, decimals)
}

// MustParseUnits is ParseUnits for constants and tests.
func MustParseUnits(s string, decimals uint8) *uint256.Int {
	v, err := ParseUnits(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}
