// Package safe provides checked 256-bit arithmetic.
//
// Every helper returns a freshly allocated value and never mutates its inputs.
// Overflow, underflow and division by zero panic with *OverflowError; callers
// that need all-or-nothing semantics recover it in kernel.Transact.
package safe

import (
	"fmt"

	"github.com/holiman/uint256"
)

// OverflowError is the panic value raised by this package.
type OverflowError struct {
	Op string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("arithmetic overflow in %s", e.Op)
}

// Zero returns a new zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// U64 returns v as a new *uint256.Int.
func U64(v uint64) *uint256.Int { return uint256.NewInt(v) }

// OrZero returns x, or zero when x is nil.
func OrZero(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x
}

// Clone copies x; nil clones to zero.
func Clone(x *uint256.Int) *uint256.Int {
	return new(uint256.Int).Set(OrZero(x))
}

// SafeAdd returns x + y. Panics on overflow.
func SafeAdd(x, y *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).AddOverflow(OrZero(x), OrZero(y))
	if overflow {
		panic(&OverflowError{Op: "add"})
	}
	return z
}

// SafeSub returns x - y. Panics on underflow.
func SafeSub(x, y *uint256.Int) *uint256.Int {
	z, underflow := new(uint256.Int).SubOverflow(OrZero(x), OrZero(y))
	if underflow {
		panic(&OverflowError{Op: "sub"})
	}
	return z
}

// SafeMul returns x * y. Panics on overflow.
func SafeMul(x, y *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).MulOverflow(OrZero(x), OrZero(y))
	if overflow {
		panic(&OverflowError{Op: "mul"})
	}
	return z
}

// SafeDiv returns x / y rounded down. Panics when y is zero.
func SafeDiv(x, y *uint256.Int) *uint256.Int {
	if OrZero(y).IsZero() {
		panic(&OverflowError{Op: "div"})
	}
	return new(uint256.Int).Div(OrZero(x), y)
}

// MulDiv returns floor(x * y / d) with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) *uint256.Int {
	if OrZero(d).IsZero() {
		panic(&OverflowError{Op: "mulDiv"})
	}
	z, overflow := new(uint256.Int).MulDivOverflow(OrZero(x), OrZero(y), d)
	if overflow {
		panic(&OverflowError{Op: "mulDiv"})
	}
	return z
}

// MulDivUp returns ceil(x * y / d).
func MulDivUp(x, y, d *uint256.Int) *uint256.Int {
	z := MulDiv(x, y, d)
	if !new(uint256.Int).MulMod(OrZero(x), OrZero(y), d).IsZero() {
		return SafeAdd(z, U64(1))
	}
	return z
}

// Min returns the smaller of x and y.
func Min(x, y *uint256.Int) *uint256.Int {
	if OrZero(x).Lt(OrZero(y)) {
		return Clone(x)
	}
	return Clone(y)
}

// Max returns the larger of x and y.
func Max(x, y *uint256.Int) *uint256.Int {
	if OrZero(x).Gt(OrZero(y)) {
		return Clone(x)
	}
	return Clone(y)
}

// SubFloor returns x - y, or zero when y > x.
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if OrZero(y).Gt(OrZero(x)) {
		return new(uint256.Int)
	}
	return SafeSub(x, y)
}
