// Package auction runs fixed-term bond markets whose price decays linearly
// from an initial to a minimum price. The operator opens them as cushions.
package auction

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/clock"
	"bophades/internal/domain"
	"bophades/internal/kernel"
	"bophades/pkg/quant"
	"bophades/pkg/safe"
)

// MarketParams describe a new market. Prices are in bond-market fixed
// point: price = quote per payout scaled by 10^(36 + ScaleAdjustment).
type MarketParams struct {
	PayoutToken           common.Address
	QuoteToken            common.Address
	CapacityInQuote       bool
	Capacity              *uint256.Int
	FormattedInitialPrice *uint256.Int
	FormattedMinimumPrice *uint256.Int
	DebtBuffer            uint32
	Vesting               time.Duration
	Conclusion            time.Time
	DepositInterval       time.Duration
	ScaleAdjustment       int
}

type Market struct {
	ID        domain.MarketID
	Owner     common.Address
	Params    MarketParams
	Capacity  *uint256.Int
	Scale     *uint256.Int
	Start     time.Time
	Closed    bool
	Sold      *uint256.Int
	Purchased *uint256.Int
}

func (m *Market) clone() *Market {
	c := *m
	c.Capacity = safe.Clone(m.Capacity)
	c.Sold = safe.Clone(m.Sold)
	c.Purchased = safe.Clone(m.Purchased)
	return &c
}

// Callback settles every purchase: it collects amountIn of the quote token
// from buyer and delivers amountOut of the payout token.
type Callback interface {
	BondPurchase(caller common.Address, id domain.MarketID, buyer common.Address, amountIn, amountOut *uint256.Int) error
}

type House struct {
	mu       sync.RWMutex
	clk      clock.Clock
	address  common.Address
	markets  []*Market
	callback Callback
}

func NewHouse(clk clock.Clock, address common.Address) *House {
	return &House{clk: clk, address: address}
}

func (h *House) Address() common.Address { return h.address }

func (h *House) SetCallback(cb Callback) {
	h.mu.Lock()
	h.callback = cb
	h.mu.Unlock()
}

func (h *House) CreateMarket(owner common.Address, p MarketParams) (domain.MarketID, error) {
	const op = "auction.createMarket"
	now := h.clk.Now()
	switch {
	case p.Capacity == nil || p.Capacity.IsZero():
		return domain.NoMarket, domain.NewValidationError(op, domain.ErrZeroAmount, "capacity")
	case p.FormattedMinimumPrice == nil || p.FormattedMinimumPrice.IsZero():
		return domain.NoMarket, domain.NewValidationError(op, domain.ErrZeroAmount, "minimum_price")
	case p.FormattedInitialPrice == nil || p.FormattedInitialPrice.Lt(p.FormattedMinimumPrice):
		return domain.NoMarket, domain.NewValidationError(op, domain.ErrInvalidParams, "initial_price")
	case !p.Conclusion.After(now):
		return domain.NoMarket, domain.NewValidationError(op, domain.ErrInvalidParams, "conclusion")
	case p.ScaleAdjustment < -36 || p.ScaleAdjustment > 41:
		return domain.NoMarket, domain.NewValidationError(op,
			fmt.Errorf("scale adjustment %d: %w", p.ScaleAdjustment, domain.ErrInvalidParams), "scale_adjustment")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	id := domain.MarketID(len(h.markets))
	p.Capacity = safe.Clone(p.Capacity)
	h.markets = append(h.markets, &Market{
		ID:        id,
		Owner:     owner,
		Params:    p,
		Capacity:  safe.Clone(p.Capacity),
		Scale:     quant.Pow10(uint8(36 + p.ScaleAdjustment)),
		Start:     now,
		Sold:      new(uint256.Int),
		Purchased: new(uint256.Int),
	})
	return id, nil
}

func (h *House) market(id domain.MarketID) (*Market, bool) {
	if id.IsNone() || uint64(id) >= uint64(len(h.markets)) {
		return nil, false
	}
	return h.markets[id], true
}

// Market returns a copy of the market.
func (h *House) Market(id domain.MarketID) (Market, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.market(id)
	if !ok {
		return Market{}, false
	}
	return *m.clone(), true
}

func (h *House) MarketCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.markets)
}

func (h *House) IsLive(id domain.MarketID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.market(id)
	return ok && h.live(m)
}

func (h *House) live(m *Market) bool {
	return !m.Closed && h.clk.Now().Before(m.Params.Conclusion) && !m.Capacity.IsZero()
}

func (h *House) CurrentCapacity(id domain.MarketID) *uint256.Int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.market(id)
	if !ok || !h.live(m) {
		return new(uint256.Int)
	}
	return safe.Clone(m.Capacity)
}

// CloseMarket ends a market early. Only its owner may close it.
func (h *House) CloseMarket(caller common.Address, id domain.MarketID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.market(id)
	if !ok {
		return domain.NewValidationError("auction.closeMarket", domain.ErrNotFound, "id")
	}
	if m.Owner != caller {
		return domain.NewValidationError("auction.closeMarket", domain.ErrUnauthorized, "caller")
	}
	m.Closed = true
	m.Capacity = new(uint256.Int)
	return nil
}

// MarketPrice decays linearly from the initial to the minimum price over
// the market's life.
func (h *House) MarketPrice(id domain.MarketID) (*uint256.Int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.market(id)
	if !ok {
		return nil, domain.NewValidationError("auction.marketPrice", domain.ErrNotFound, "id")
	}
	return h.price(m), nil
}

func (h *House) price(m *Market) *uint256.Int {
	initial, minimum := m.Params.FormattedInitialPrice, m.Params.FormattedMinimumPrice
	total := m.Params.Conclusion.Sub(m.Start)
	elapsed := h.clk.Now().Sub(m.Start)
	if elapsed >= total {
		return safe.Clone(minimum)
	}
	decay := safe.MulDiv(safe.SafeSub(initial, minimum), safe.U64(uint64(elapsed/time.Second)), safe.U64(uint64(total/time.Second)))
	return safe.SafeSub(initial, decay)
}

// PayoutFor quotes the payout for amountIn at the current price.
func (h *House) PayoutFor(id domain.MarketID, amountIn *uint256.Int) (*uint256.Int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.market(id)
	if !ok {
		return nil, domain.NewValidationError("auction.payoutFor", domain.ErrNotFound, "id")
	}
	return safe.MulDiv(amountIn, m.Scale, h.price(m)), nil
}

func (h *House) Snapshot() any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Market, len(h.markets))
	for i, m := range h.markets {
		out[i] = m.clone()
	}
	return out
}

func (h *House) Restore(s any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markets = s.([]*Market)
}

// Purchase buys from market id. The callback settles the tokens after the
// market lock is released; if it fails the purchase is rolled back.
func (h *House) Purchase(buyer common.Address, id domain.MarketID, amountIn, minAmountOut *uint256.Int) (*uint256.Int, error) {
	const op = "auction.purchase"
	if amountIn == nil || amountIn.IsZero() {
		return nil, domain.NewValidationError(op, domain.ErrZeroAmount, "amount_in")
	}
	var payout *uint256.Int
	err := kernel.Transact(op, []kernel.Stateful{h}, func() error {
		var cb Callback
		if err := func() error {
			h.mu.Lock()
			defer h.mu.Unlock()
			m, ok := h.market(id)
			if !ok || !h.live(m) {
				return domain.NewStateError(op, domain.ErrMarketNotLive)
			}
			payout = safe.MulDiv(amountIn, m.Scale, h.price(m))
			if payout.Lt(minAmountOut) {
				return domain.NewCapacityError(op, domain.ErrAmountLessThanMinimum, safe.Clone(minAmountOut), safe.Clone(payout))
			}
			if payout.Gt(m.Capacity) {
				return domain.NewCapacityError(op, domain.ErrInsufficientCapacity, safe.Clone(payout), safe.Clone(m.Capacity))
			}
			m.Capacity = safe.SafeSub(m.Capacity, payout)
			m.Sold = safe.SafeAdd(m.Sold, payout)
			m.Purchased = safe.SafeAdd(m.Purchased, amountIn)
			cb = h.callback
			return nil
		}(); err != nil {
			return err
		}
		if cb == nil {
			return nil
		}
		if err := cb.BondPurchase(h.address, id, buyer, amountIn, payout); err != nil {
			return domain.NewExternalCallError(op, "callback", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}
