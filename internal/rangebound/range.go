// Package rangebound implements RANGE: the wall and cushion price bands
// and per-side capacities.
package rangebound

import (
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"bophades/internal/clock"
	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/kernel"
	"bophades/pkg/quant"
	"bophades/pkg/safe"
)

const (
	onePercent        = 100
	oneHundredPercent = quant.BasisPoints
)

// Spreads are the cushion and wall offsets of one side, in basis points.
type Spreads struct {
	Cushion uint32 `yaml:"cushion"`
	Wall    uint32 `yaml:"wall"`
}

func (s Spreads) Validate(side domain.Side) error {
	field := side.String() + "_spreads"
	if s.Cushion < onePercent || s.Cushion > oneHundredPercent ||
		s.Wall < onePercent || s.Wall > oneHundredPercent {
		return domain.NewValidationError("RANGE.setSpreads",
			fmt.Errorf("spreads must be within [1%%, 100%%]: %w", domain.ErrInvalidParams), field)
	}
	if s.Cushion > s.Wall {
		return domain.NewValidationError("RANGE.setSpreads",
			fmt.Errorf("cushion %d outside wall %d: %w", s.Cushion, s.Wall, domain.ErrInvalidParams), field)
	}
	// A low wall at 100% would price at zero.
	if side == domain.Low && s.Wall >= oneHundredPercent {
		return domain.NewValidationError("RANGE.setSpreads", domain.ErrInvalidParams, field)
	}
	return nil
}

func validateThresholdFactor(f uint32) error {
	if f < onePercent || f > oneHundredPercent {
		return domain.NewValidationError("RANGE.setThresholdFactor", domain.ErrInvalidParams, "threshold_factor")
	}
	return nil
}

type Range struct {
	mu              sync.RWMutex
	clk             clock.Clock
	events          event.Recorder
	state           domain.Range
	thresholdFactor uint32
}

func New(clk clock.Clock, low, high Spreads, thresholdFactor uint32, rec event.Recorder) (*Range, error) {
	if err := low.Validate(domain.Low); err != nil {
		return nil, err
	}
	if err := high.Validate(domain.High); err != nil {
		return nil, err
	}
	if err := validateThresholdFactor(thresholdFactor); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = event.Nop{}
	}
	side := func(s Spreads) domain.RangeSide {
		return domain.RangeSide{
			Capacity:  new(uint256.Int),
			Threshold: new(uint256.Int),
			Market:    domain.NoMarket,
			Cushion:   domain.Band{Price: new(uint256.Int), Spread: s.Cushion},
			Wall:      domain.Band{Price: new(uint256.Int), Spread: s.Wall},
		}
	}
	return &Range{
		clk:             clk,
		events:          rec,
		state:           domain.Range{Low: side(low), High: side(high)},
		thresholdFactor: thresholdFactor,
	}, nil
}

func (r *Range) Keycode() kernel.Keycode { return "RANGE" }
func (r *Range) Version() kernel.Version { return kernel.Version{Major: 2, Minor: 0} }

// Range returns a copy of the full state.
func (r *Range) Range() domain.Range {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

func (r *Range) Side(s domain.Side) domain.RangeSide {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.state.Clone()
	return *c.Side(s)
}

func (r *Range) Active(s domain.Side) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Side(s).Active
}

func (r *Range) Capacity(s domain.Side) *uint256.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return safe.Clone(r.state.Side(s).Capacity)
}

func (r *Range) LastActive(s domain.Side) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Side(s).LastActive
}

func (r *Range) Market(s domain.Side) domain.MarketID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Side(s).Market
}

// Price returns the wall price when wall is true, else the cushion price.
func (r *Range) Price(s domain.Side, wall bool) *uint256.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if wall {
		return safe.Clone(r.state.Side(s).Wall.Price)
	}
	return safe.Clone(r.state.Side(s).Cushion.Price)
}

func (r *Range) Spread(s domain.Side, wall bool) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if wall {
		return r.state.Side(s).Wall.Spread
	}
	return r.state.Side(s).Cushion.Spread
}

func (r *Range) ThresholdFactor() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.thresholdFactor
}

// UpdatePrices moves every band relative to target.
func (r *Range) UpdatePrices(target *uint256.Int) {
	r.events.Record(r.updatePrices(target))
}

func (r *Range) updatePrices(target *uint256.Int) event.PricesChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	hundred := quant.Bps(oneHundredPercent)
	below := func(spread uint32) *uint256.Int {
		return safe.MulDiv(target, quant.Bps(oneHundredPercent-spread), hundred)
	}
	above := func(spread uint32) *uint256.Int {
		return safe.MulDiv(target, quant.Bps(oneHundredPercent+spread), hundred)
	}
	st := &r.state
	st.Low.Wall.Price = below(st.Low.Wall.Spread)
	st.Low.Cushion.Price = below(st.Low.Cushion.Spread)
	st.High.Cushion.Price = above(st.High.Cushion.Spread)
	st.High.Wall.Price = above(st.High.Wall.Spread)
	st.VerifyInvariant()
	return event.PricesChanged{
		Target:      safe.Clone(target),
		LowWall:     safe.Clone(st.Low.Wall.Price),
		LowCushion:  safe.Clone(st.Low.Cushion.Price),
		HighCushion: safe.Clone(st.High.Cushion.Price),
		HighWall:    safe.Clone(st.High.Wall.Price),
	}
}

// Regenerate resets a side to full capacity and raises its wall.
func (r *Range) Regenerate(s domain.Side, capacity *uint256.Int) {
	now := r.clk.Now()
	func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		side := r.state.Side(s)
		side.Capacity = safe.Clone(capacity)
		side.Threshold = safe.MulDiv(capacity, quant.Bps(r.thresholdFactor), quant.Bps(oneHundredPercent))
		side.LastActive = now
		side.Active = true
		r.state.VerifyInvariant()
	}()
	r.events.Record(event.WallUp{Side: s, Capacity: safe.Clone(capacity), At: now})
}

// UpdateCapacity sets a side's capacity; dropping below the threshold takes
// the wall down.
func (r *Range) UpdateCapacity(s domain.Side, capacity *uint256.Int) {
	now := r.clk.Now()
	down := func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		side := r.state.Side(s)
		side.Capacity = safe.Clone(capacity)
		down := side.Active && capacity.Lt(side.Threshold)
		if down {
			side.Active = false
			side.LastActive = now
		}
		r.state.VerifyInvariant()
		return down
	}()
	if down {
		r.events.Record(event.WallDown{Side: s, Capacity: safe.Clone(capacity), At: now})
	}
}

// UpdateMarket records the side's cushion market, or NoMarket once closed.
func (r *Range) UpdateMarket(s domain.Side, market domain.MarketID, marketCapacity *uint256.Int) {
	now := r.clk.Now()
	r.mu.Lock()
	r.state.Side(s).Market = market
	r.mu.Unlock()
	if market.IsNone() {
		r.events.Record(event.CushionDown{Side: s, Market: market, At: now})
		return
	}
	r.events.Record(event.CushionUp{Side: s, Market: market, Capacity: safe.Clone(marketCapacity), At: now})
}

// SetSpreads changes one side's spreads. Prices move on the next UpdatePrices.
func (r *Range) SetSpreads(s domain.Side, spreads Spreads) error {
	if err := spreads.Validate(s); err != nil {
		return err
	}
	r.mu.Lock()
	side := r.state.Side(s)
	side.Cushion.Spread = spreads.Cushion
	side.Wall.Spread = spreads.Wall
	r.mu.Unlock()
	r.events.Record(event.SpreadsChanged{Side: s, Cushion: spreads.Cushion, Wall: spreads.Wall})
	return nil
}

func (r *Range) SetThresholdFactor(f uint32) error {
	if err := validateThresholdFactor(f); err != nil {
		return err
	}
	r.mu.Lock()
	r.thresholdFactor = f
	r.mu.Unlock()
	r.events.Record(event.ThresholdFactorChanged{Factor: f})
	return nil
}

type snapshot struct {
	state           domain.Range
	thresholdFactor uint32
}

func (r *Range) Snapshot() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot{state: r.state.Clone(), thresholdFactor: r.thresholdFactor}
}

func (r *Range) Restore(s any) {
	snap := s.(snapshot)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = snap.state
	r.thresholdFactor = snap.thresholdFactor
}
