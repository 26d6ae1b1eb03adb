package operator

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/auction"
	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/kernel"
	"bophades/pkg/quant"
	"bophades/pkg/safe"
)

// Low-side capacity below this share of full capacity, with price under
// the backing floor, triggers an immediate refill.
const lowRefillFactor = 2_000

// Operate runs one tick of the control loop.
func (o *Operator) Operate(caller common.Address) error {
	const op = "operator.operate"
	if err := o.gate.Require(kernel.RoleOperatorOperate, caller); err != nil {
		return err
	}
	return o.runActive(op, func() error {
		target, err := o.updateRangePrices(op)
		if err != nil {
			return err
		}
		current, _, err := o.price.LastPrice()
		if err != nil {
			return domain.NewExternalCallError(op, "PRICE", err)
		}
		o.addObservation(current, target)

		now := o.clk.Now()
		if o.shouldRegenerate(domain.High) {
			if err := o.regenerate(op, domain.High); err != nil {
				return err
			}
		}
		refill, err := o.needsLowRefill(op, current)
		if err != nil {
			return err
		}
		if o.shouldRegenerate(domain.Low) || refill {
			if err := o.regenerate(op, domain.Low); err != nil {
				return err
			}
		}

		r := o.rng.Range()
		if r.Low.Active {
			live := o.auction.IsLive(r.Low.Market)
			switch {
			case live && (current.Gt(r.Low.Cushion.Price) || current.Lt(r.Low.Wall.Price)):
				err = o.deactivate(op, domain.Low)
			case !live && current.Lt(r.Low.Cushion.Price) && current.Gt(r.Low.Wall.Price):
				err = o.activate(op, domain.Low)
			}
			if err != nil {
				return err
			}
		}
		if r.High.Active {
			live := o.auction.IsLive(r.High.Market)
			switch {
			case live && (current.Lt(r.High.Cushion.Price) || current.Gt(r.High.Wall.Price)):
				err = o.deactivate(op, domain.High)
			case !live && current.Gt(r.High.Cushion.Price) && current.Lt(r.High.Wall.Price):
				err = o.activate(op, domain.High)
			}
			if err != nil {
				return err
			}
		}

		o.events.Record(event.Operate{Target: target, Price: current, At: now})
		return nil
	})
}

// TargetPrice is max(moving average, liquid backing per backed unit).
func (o *Operator) TargetPrice() (*uint256.Int, error) {
	return o.targetPrice("operator.targetPrice")
}

func (o *Operator) targetPrice(op string) (*uint256.Int, error) {
	ma, err := o.price.MovingAverage()
	if err != nil {
		return nil, domain.NewExternalCallError(op, "PRICE", err)
	}
	lbbo, err := o.appraiser.Metric(domain.MetricLiquidBackingPerBackedUnit)
	if err != nil {
		return nil, domain.NewExternalCallError(op, "APPRS", err)
	}
	return safe.Max(ma, lbbo), nil
}

// updateRangePrices moves the bands to the target price.
func (o *Operator) updateRangePrices(op string) (*uint256.Int, error) {
	target, err := o.targetPrice(op)
	if err != nil {
		return nil, err
	}
	o.rng.UpdatePrices(target)
	return target, nil
}

// addObservation records whether price supports each side: at or above
// target favours the low side, at or below target favours the high side.
// A price exactly at target counts for both.
func (o *Operator) addObservation(current, target *uint256.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Low.record(!current.Lt(target))
	o.status.High.record(!current.Gt(target))
}

func (o *Operator) shouldRegenerate(side domain.Side) bool {
	o.mu.RLock()
	count := o.status.side(side).Count
	cfg := o.cfg
	o.mu.RUnlock()
	ready := !o.clk.Now().Before(o.rng.LastActive(side).Add(cfg.RegenWait))
	return ready && count >= cfg.RegenThreshold
}

func (o *Operator) needsLowRefill(op string, current *uint256.Int) (bool, error) {
	lbbo, err := o.appraiser.Metric(domain.MetricLiquidBackingPerBackedUnit)
	if err != nil {
		return false, domain.NewExternalCallError(op, "APPRS", err)
	}
	if !current.Lt(lbbo) {
		return false, nil
	}
	floor := safe.MulDiv(o.FullCapacity(domain.Low), quant.Bps(lowRefillFactor), quant.Bps(oneHundredPercent))
	return o.rng.Capacity(domain.Low).Lt(floor), nil
}

// FullCapacity is the capacity a side regenerates to. The low side is in
// reserve units; the high side in managed-token units at the high wall,
// padded by both wall spreads.
func (o *Operator) FullCapacity(side domain.Side) *uint256.Int {
	reserves := o.treasury.ReserveBalance(o.reserve)
	if o.vault != nil {
		reserves = safe.SafeAdd(reserves, o.vault.PreviewRedeem(o.treasury.ReserveBalance(o.vault)))
	}
	o.mu.RLock()
	factor := o.cfg.ReserveFactor
	o.mu.RUnlock()
	capacity := safe.MulDiv(reserves, quant.Bps(factor), quant.Bps(oneHundredPercent))
	if side == domain.Low {
		return capacity
	}
	num := safe.SafeMul(quant.Pow10(o.managedDecimals), quant.Pow10(o.oracleDecimals))
	den := safe.SafeMul(quant.Pow10(o.reserveDecimals), o.rng.Price(domain.High, true))
	capacity = safe.MulDiv(capacity, num, den)
	pad := oneHundredPercent + o.rng.Spread(domain.High, true) + o.rng.Spread(domain.Low, true)
	return safe.MulDiv(capacity, quant.Bps(pad), quant.Bps(oneHundredPercent))
}

// regenerate closes the side's cushion, clears its observations, resets
// the custody approval and refills capacity.
func (o *Operator) regenerate(op string, side domain.Side) error {
	if err := o.deactivate(op, side); err != nil {
		return err
	}
	now := o.clk.Now()
	o.mu.Lock()
	*o.status.side(side) = newRegen(o.cfg.RegenObserve, now)
	o.mu.Unlock()

	capacity := o.FullCapacity(side)
	if side == domain.High {
		setApproval(o.minter.MintApproval(o.address), capacity,
			func(d *uint256.Int) { o.minter.IncreaseMintApproval(o.address, d) },
			func(d *uint256.Int) { o.minter.DecreaseMintApproval(o.address, d) })
	} else {
		tok, amount := o.reserve.Address(), capacity
		if o.vault != nil {
			tok, amount = o.vault.Address(), o.vault.PreviewWithdraw(capacity)
		}
		setApproval(o.treasury.WithdrawApproval(o.address, tok), amount,
			func(d *uint256.Int) { o.treasury.IncreaseWithdrawApproval(o.address, tok, d) },
			func(d *uint256.Int) { o.treasury.DecreaseWithdrawApproval(o.address, tok, d) })
	}
	o.rng.Regenerate(side, capacity)
	slog.Info("Range side regenerated", slog.String("side", side.String()), slog.String("capacity", capacity.Dec()))
	return nil
}

func setApproval(current, want *uint256.Int, increase, decrease func(*uint256.Int)) {
	switch {
	case current.Lt(want):
		increase(safe.SafeSub(want, current))
	case current.Gt(want):
		decrease(safe.SafeSub(current, want))
	}
}

// activate opens a cushion market for the side.
func (o *Operator) activate(op string, side domain.Side) error {
	o.mu.RLock()
	cfg := o.cfg
	o.mu.RUnlock()
	now := o.clk.Now()
	od := int(o.oracleDecimals)
	wall, cushion := o.rng.Price(side, true), o.rng.Price(side, false)

	var params auction.MarketParams
	var initial, minimum *uint256.Int
	var scaleAdjustment, priceDecimals int
	if side == domain.High {
		priceDecimals = quant.PriceDecimals(cushion, o.oracleDecimals)
		scaleAdjustment = int(o.managedDecimals) - int(o.reserveDecimals) + priceDecimals/2
		oracleScale, err := pow10(op, od-priceDecimals)
		if err != nil {
			return err
		}
		bondScale, err := pow10(op, 36+scaleAdjustment+int(o.reserveDecimals)-int(o.managedDecimals)-priceDecimals)
		if err != nil {
			return err
		}
		initial = safe.MulDiv(wall, bondScale, oracleScale)
		minimum = safe.MulDiv(cushion, bondScale, oracleScale)
		params.PayoutToken, params.QuoteToken = o.managed.Address(), o.reserve.Address()
	} else {
		// The low side sells reserve for the managed token, so quote prices
		// are inverted.
		invScale := quant.Pow10(2 * o.oracleDecimals)
		invWall := safe.SafeDiv(invScale, wall)
		invCushion := safe.SafeDiv(invScale, cushion)
		priceDecimals = quant.PriceDecimals(invCushion, o.oracleDecimals)
		scaleAdjustment = int(o.reserveDecimals) - int(o.managedDecimals) + priceDecimals/2
		oracleScale, err := pow10(op, od-priceDecimals)
		if err != nil {
			return err
		}
		bondScale, err := pow10(op, 36+scaleAdjustment+int(o.managedDecimals)-int(o.reserveDecimals)-priceDecimals)
		if err != nil {
			return err
		}
		initial = safe.MulDiv(invWall, bondScale, oracleScale)
		minimum = safe.MulDiv(invCushion, bondScale, oracleScale)
		params.PayoutToken, params.QuoteToken = o.reserve.Address(), o.managed.Address()
	}

	capacity := safe.MulDiv(o.rng.Capacity(side), quant.Bps(cfg.CushionFactor), quant.Bps(oneHundredPercent))
	params.Capacity = capacity
	params.FormattedInitialPrice = initial
	params.FormattedMinimumPrice = minimum
	params.DebtBuffer = cfg.CushionDebtBuffer
	params.Conclusion = now.Add(cfg.CushionDuration)
	params.DepositInterval = cfg.CushionDepositInterval
	params.ScaleAdjustment = scaleAdjustment

	id, err := o.auction.CreateMarket(o.address, params)
	if err != nil {
		return domain.NewExternalCallError(op, "auction", err)
	}
	o.rng.UpdateMarket(side, id, capacity)
	slog.Info("Cushion opened", slog.String("side", side.String()), slog.Uint64("market", uint64(id)), slog.String("capacity", capacity.Dec()))
	return nil
}

func pow10(op string, exp int) (*uint256.Int, error) {
	if exp < 0 || exp > 77 {
		return nil, domain.NewValidationError(op, fmt.Errorf("scale exponent %d: %w", exp, domain.ErrArithmetic), "scale")
	}
	return quant.Pow10(uint8(exp)), nil
}

// deactivate closes the side's cushion if one is live and clears the
// recorded market.
func (o *Operator) deactivate(op string, side domain.Side) error {
	market := o.rng.Market(side)
	if market.IsNone() {
		return nil
	}
	if o.auction.IsLive(market) {
		if err := o.auction.CloseMarket(o.address, market); err != nil {
			return domain.NewExternalCallError(op, "auction", err)
		}
		slog.Info("Cushion closed", slog.String("side", side.String()), slog.Uint64("market", uint64(market)))
	}
	o.rng.UpdateMarket(side, domain.NoMarket, new(uint256.Int))
	return nil
}

// updateCapacity spends amount from the side; a downed wall takes its
// cushion with it.
func (o *Operator) updateCapacity(op string, side domain.Side, amount *uint256.Int) error {
	capacity := o.rng.Capacity(side)
	if amount.Gt(capacity) {
		return domain.NewCapacityError(op, domain.ErrInsufficientCapacity, safe.Clone(amount), capacity)
	}
	o.rng.UpdateCapacity(side, safe.SafeSub(capacity, amount))
	if !o.rng.Active(side) {
		return o.deactivate(op, side)
	}
	return nil
}

// BondPurchase is the auction callback: a cushion sold amountOut for
// amountIn. Settlement follows the wall swaps. The low cushion burns the
// buyer's managed tokens and pays reserve from the treasury; the high
// cushion banks the buyer's reserve and mints the payout.
func (o *Operator) BondPurchase(caller common.Address, id domain.MarketID, buyer common.Address, amountIn, amountOut *uint256.Int) error {
	const op = "operator.bondPurchase"
	if err := o.gate.Require(kernel.RoleOperatorReport, caller); err != nil {
		return err
	}
	if id.IsNone() {
		return domain.NewValidationError(op, domain.ErrNotFound, "id")
	}
	if amountIn == nil || amountIn.IsZero() {
		return domain.NewValidationError(op, domain.ErrZeroAmount, "amount_in")
	}
	return o.run(op, func() error {
		var side domain.Side
		switch id {
		case o.rng.Market(domain.Low):
			side = domain.Low
		case o.rng.Market(domain.High):
			side = domain.High
		default:
			return domain.NewValidationError(op, fmt.Errorf("market %d: %w", id, domain.ErrNotFound), "id")
		}
		if err := o.updateCapacity(op, side, amountOut); err != nil {
			return err
		}
		settle := o.sellManaged
		if side == domain.Low {
			settle = o.buyManaged
		}
		if err := settle(op, buyer, amountIn, amountOut); err != nil {
			return err
		}
		slog.Debug("Cushion fill",
			slog.String("side", side.String()),
			slog.Uint64("market", uint64(id)),
			slog.String("amount_out", amountOut.Dec()))
		return o.checkCushion(op, side)
	})
}

// checkCushion closes a cushion that is no longer live or that could sell
// more than the side has left.
func (o *Operator) checkCushion(op string, side domain.Side) error {
	market := o.rng.Market(side)
	if market.IsNone() {
		return nil
	}
	if !o.auction.IsLive(market) || o.auction.CurrentCapacity(market).Gt(o.rng.Capacity(side)) {
		return o.deactivate(op, side)
	}
	return nil
}
