package app

import (
	"bophades/internal/domain"
	"bophades/internal/operator"
	"bophades/internal/service"
	"bophades/pkg/quant"
)

// Status reads a point-in-time view. Call it only from the sequencer
// goroutine, between commands.
func (s *System) Status(seq uint64) service.Status {
	priceDec := s.Price.Decimals()
	st := service.Status{
		Seq:            seq,
		UpdatedAt:      s.Clock.Now(),
		OperatorActive: s.Operator.Active(),
		Initialized:    s.Operator.Initialized(),
		HeartActive:    s.Heart.Active(),
		LastBeat:       s.Heart.LastBeat(),
		CurrentReward:  quant.ToDecimal(s.Heart.CurrentReward(), s.Managed.Decimals()),
	}

	if last, _, err := s.Price.LastPrice(); err == nil {
		st.LastPrice = quant.ToDecimal(last, priceDec)
	}
	if ma, err := s.Price.MovingAverage(); err == nil {
		st.MovingAverage = quant.ToDecimal(ma, priceDec)
	}
	if lbbo, err := s.Appraiser.Metric(domain.MetricLiquidBackingPerBackedUnit); err == nil {
		st.Backing = quant.ToDecimal(lbbo, priceDec)
	}
	if target, err := s.Operator.TargetPrice(); err == nil {
		st.Target = quant.ToDecimal(target, priceDec)
	}

	regen := s.Operator.Status()
	st.Low = s.sideView(domain.Low, s.Reserve.Decimals(), regen.Low)
	st.High = s.sideView(domain.High, s.Managed.Decimals(), regen.High)
	return st
}

func (s *System) sideView(side domain.Side, capDec uint8, regen operator.Regen) service.SideView {
	rs := s.Range.Side(side)
	priceDec := s.Price.Decimals()
	v := service.SideView{
		Active:     rs.Active,
		Capacity:   quant.ToDecimal(rs.Capacity, capDec),
		Threshold:  quant.ToDecimal(rs.Threshold, capDec),
		Cushion:    quant.ToDecimal(rs.Cushion.Price, priceDec),
		Wall:       quant.ToDecimal(rs.Wall.Price, priceDec),
		LastActive: rs.LastActive,
		RegenCount: regen.Count,
		LastRegen:  regen.LastRegen,
	}
	if !rs.Market.IsNone() && s.Auction.IsLive(rs.Market) {
		id := uint64(rs.Market)
		v.Market = &id
	}
	return v
}
