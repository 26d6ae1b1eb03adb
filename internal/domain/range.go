package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/holiman/uint256"
)

// Side selects one half of the range. Low defends the floor by buying the
// managed token with reserves; High defends the ceiling by selling it.
type Side uint8

const (
	Low Side = iota
	High
)

func (s Side) String() string {
	if s == High {
		return "high"
	}
	return "low"
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*s = Low
	case "high":
		*s = High
	default:
		return NewValidationError("side", ErrInvalidParams, string(b))
	}
	return nil
}

// MarketID identifies an auction market; NoMarket means none is open.
type MarketID uint64

const NoMarket MarketID = math.MaxUint64

func (id MarketID) IsNone() bool { return id == NoMarket }

// Band is a price line offset from the target by Spread basis points.
type Band struct {
	Price  *uint256.Int `json:"price"`
	Spread uint32       `json:"spread"`
}

// RangeSide is the persistent state of one side of the range.
type RangeSide struct {
	Active     bool         `json:"active"`
	LastActive time.Time    `json:"last_active"`
	Capacity   *uint256.Int `json:"capacity"`
	Threshold  *uint256.Int `json:"threshold"`
	Market     MarketID     `json:"market"`
	Cushion    Band         `json:"cushion"`
	Wall       Band         `json:"wall"`
}

// Range holds both sides.
type Range struct {
	Low  RangeSide `json:"low"`
	High RangeSide `json:"high"`
}

func (r *Range) Side(s Side) *RangeSide {
	if s == High {
		return &r.High
	}
	return &r.Low
}

// Clone returns a deep copy.
func (r Range) Clone() Range {
	return Range{Low: r.Low.clone(), High: r.High.clone()}
}

func (s RangeSide) clone() RangeSide {
	c := s
	c.Capacity = cloneInt(s.Capacity)
	c.Threshold = cloneInt(s.Threshold)
	c.Cushion.Price = cloneInt(s.Cushion.Price)
	c.Wall.Price = cloneInt(s.Wall.Price)
	return c
}

func cloneInt(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

// VerifyInvariant panics if the range is internally inconsistent.
// Call this after any state change to ensure data integrity.
func (r Range) VerifyInvariant() {
	for _, s := range []Side{Low, High} {
		side := *r.Side(s)
		// An active side always holds at least its threshold.
		if side.Active && side.Capacity.Lt(side.Threshold) {
			panic(fmt.Sprintf("RANGE_INVARIANT_ACTIVE_BELOW_THRESHOLD: %s capacity=%s threshold=%s",
				s, side.Capacity.Dec(), side.Threshold.Dec()))
		}
		if side.Cushion.Spread > side.Wall.Spread {
			panic(fmt.Sprintf("RANGE_INVARIANT_CUSHION_OUTSIDE_WALL: %s cushion=%d wall=%d",
				s, side.Cushion.Spread, side.Wall.Spread))
		}
	}

	// Prices are zero until the first update.
	if r.High.Wall.Price.IsZero() {
		return
	}
	if r.Low.Wall.Price.Gt(r.Low.Cushion.Price) ||
		r.Low.Cushion.Price.Gt(r.High.Cushion.Price) ||
		r.High.Cushion.Price.Gt(r.High.Wall.Price) {
		panic(fmt.Sprintf("RANGE_INVARIANT_PRICE_ORDER: %s <= %s <= %s <= %s",
			r.Low.Wall.Price.Dec(), r.Low.Cushion.Price.Dec(),
			r.High.Cushion.Price.Dec(), r.High.Wall.Price.Dec()))
	}
}

// Metric names a value computed by the backing appraiser.
type Metric uint8

const (
	MetricBackingValue Metric = iota
	MetricLiquidBacking
	MetricLiquidBackingPerBackedUnit
	MetricBackedSupply
)

func (m Metric) String() string {
	switch m {
	case MetricBackingValue:
		return "backing"
	case MetricLiquidBacking:
		return "liquid_backing"
	case MetricLiquidBackingPerBackedUnit:
		return "lbbo"
	case MetricBackedSupply:
		return "backed_supply"
	}
	return fmt.Sprintf("metric(%d)", uint8(m))
}
