package operator

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/pkg/quant"
	"bophades/pkg/safe"
)

// sideFor maps the token being sold to the operator onto the wall that buys it.
func (o *Operator) sideFor(op string, tokenIn common.Address) (domain.Side, error) {
	switch tokenIn {
	case o.managed.Address():
		return domain.Low, nil
	case o.reserve.Address():
		return domain.High, nil
	}
	return 0, domain.NewValidationError(op, domain.ErrInvalidToken, "token_in")
}

// amountOut prices amountIn at the wall of side.
func (o *Operator) amountOut(side domain.Side, amountIn *uint256.Int) *uint256.Int {
	wall := o.rng.Price(side, true)
	oracle := quant.Pow10(o.oracleDecimals)
	if side == domain.Low {
		// managed in, reserve out
		num := safe.SafeMul(quant.Pow10(o.reserveDecimals), wall)
		den := safe.SafeMul(quant.Pow10(o.managedDecimals), oracle)
		return safe.MulDiv(amountIn, num, den)
	}
	num := safe.SafeMul(quant.Pow10(o.managedDecimals), oracle)
	den := safe.SafeMul(quant.Pow10(o.reserveDecimals), wall)
	return safe.MulDiv(amountIn, num, den)
}

// AmountOut quotes a swap without executing it.
func (o *Operator) AmountOut(tokenIn common.Address, amountIn *uint256.Int) (out *uint256.Int, err error) {
	const op = "operator.amountOut"
	side, err := o.sideFor(op, tokenIn)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*safe.OverflowError); !ok {
				panic(r)
			}
			out, err = nil, domain.NewValidationError(op, domain.ErrArithmetic, "amount_in")
		}
	}()
	out = o.amountOut(side, amountIn)
	if capacity := o.rng.Capacity(side); out.Gt(capacity) {
		return nil, domain.NewCapacityError(op, domain.ErrInsufficientCapacity, out, capacity)
	}
	return out, nil
}

// Swap sells amountIn of tokenIn to the wall and returns what the caller
// received. Selling the managed token hits the low wall; selling reserve
// hits the high wall.
func (o *Operator) Swap(caller, tokenIn common.Address, amountIn, minAmountOut *uint256.Int) (*uint256.Int, error) {
	const op = "operator.swap"
	if amountIn == nil || amountIn.IsZero() {
		return nil, domain.NewValidationError(op, domain.ErrZeroAmount, "amount_in")
	}
	side, err := o.sideFor(op, tokenIn)
	if err != nil {
		return nil, err
	}

	var out *uint256.Int
	err = o.runActive(op, func() error {
		if !o.rng.Active(side) {
			return domain.NewStateError(op, domain.ErrWallDown)
		}
		out = o.amountOut(side, amountIn)
		if minAmountOut != nil && out.Lt(minAmountOut) {
			return domain.NewCapacityError(op, domain.ErrAmountLessThanMinimum, safe.Clone(minAmountOut), safe.Clone(out))
		}
		if err := o.updateCapacity(op, side, out); err != nil {
			return err
		}
		if side == domain.Low {
			return o.buyManaged(op, caller, amountIn, out)
		}
		return o.sellManaged(op, caller, amountIn, out)
	})
	if err != nil {
		return nil, err
	}
	o.events.Record(event.Swap{Side: side, Caller: caller, TokenIn: tokenIn, AmountIn: safe.Clone(amountIn), AmountOut: safe.Clone(out)})
	return out, nil
}

// buyManaged burns the caller's managed tokens and pays out reserve from
// the treasury, unwrapping vault shares when reserves are wrapped.
func (o *Operator) buyManaged(op string, caller common.Address, amountIn, out *uint256.Int) error {
	if err := o.managed.TransferFrom(o.address, caller, o.address, amountIn); err != nil {
		return domain.NewExternalCallError(op, o.managed.Symbol(), err)
	}
	if err := o.minter.Burn(o.address, amountIn); err != nil {
		return domain.NewExternalCallError(op, "MINTR", err)
	}
	if o.vault == nil {
		if err := o.treasury.Withdraw(o.address, o.reserve, out, caller); err != nil {
			return domain.NewExternalCallError(op, "TRSRY", err)
		}
		return nil
	}
	shares := o.vault.PreviewWithdraw(out)
	if err := o.treasury.Withdraw(o.address, o.vault, shares, o.address); err != nil {
		return domain.NewExternalCallError(op, "TRSRY", err)
	}
	if _, err := o.vault.Withdraw(o.address, out, caller, o.address); err != nil {
		return domain.NewExternalCallError(op, o.vault.Symbol(), err)
	}
	return nil
}

// sellManaged takes the caller's reserve into the treasury, wrapping it
// when a vault is configured, and mints managed tokens to the caller.
func (o *Operator) sellManaged(op string, caller common.Address, amountIn, out *uint256.Int) error {
	if o.vault == nil {
		if err := o.reserve.TransferFrom(o.address, caller, o.treasury.Address(), amountIn); err != nil {
			return domain.NewExternalCallError(op, o.reserve.Symbol(), err)
		}
	} else {
		if err := o.reserve.TransferFrom(o.address, caller, o.address, amountIn); err != nil {
			return domain.NewExternalCallError(op, o.reserve.Symbol(), err)
		}
		o.reserve.Approve(o.address, o.vault.Address(), amountIn)
		if _, err := o.vault.Deposit(o.address, amountIn, o.treasury.Address()); err != nil {
			return domain.NewExternalCallError(op, o.vault.Symbol(), err)
		}
	}
	if err := o.minter.Mint(o.address, caller, out); err != nil {
		return domain.NewExternalCallError(op, "MINTR", err)
	}
	return nil
}
