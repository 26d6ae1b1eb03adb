package operator

import (
	"fmt"
	"time"

	"bophades/internal/domain"
)

const (
	onePercent        = 100
	oneHundredPercent = 10_000
	day               = 24 * time.Hour
)

type Config struct {
	CushionFactor          uint32 // share of side capacity offered per cushion, bps
	CushionDuration        time.Duration
	CushionDebtBuffer      uint32
	CushionDepositInterval time.Duration
	ReserveFactor          uint32 // share of reserves backing each side, bps
	RegenWait              time.Duration
	RegenThreshold         uint32
	RegenObserve           uint32
}

func invalid(field string, format string, args ...any) error {
	return domain.NewValidationError("operator.config",
		fmt.Errorf(format+": %w", append(args, domain.ErrInvalidParams)...), field)
}

func (c Config) Validate() error {
	if c.CushionFactor < onePercent || c.CushionFactor > oneHundredPercent {
		return invalid("cushion_factor", "%d outside [1%%, 100%%]", c.CushionFactor)
	}
	if c.CushionDuration < day || c.CushionDuration > 7*day {
		return invalid("cushion_duration", "%s outside [1d, 7d]", c.CushionDuration)
	}
	if c.CushionDebtBuffer < oneHundredPercent {
		return invalid("cushion_debt_buffer", "%d below 100%%", c.CushionDebtBuffer)
	}
	if c.CushionDepositInterval < time.Hour || c.CushionDepositInterval > c.CushionDuration {
		return invalid("cushion_deposit_interval", "%s outside [1h, cushion duration]", c.CushionDepositInterval)
	}
	if c.ReserveFactor < onePercent || c.ReserveFactor > oneHundredPercent {
		return invalid("reserve_factor", "%d outside [1%%, 100%%]", c.ReserveFactor)
	}
	if c.RegenWait < time.Hour {
		return invalid("regen_wait", "%s below 1h", c.RegenWait)
	}
	if c.RegenThreshold == 0 || c.RegenThreshold > c.RegenObserve {
		return invalid("regen_threshold", "%d outside (0, %d]", c.RegenThreshold, c.RegenObserve)
	}
	return nil
}

// Regen tracks one side's recent observations in a circular bitset.
type Regen struct {
	Count           uint32    `json:"count"`
	Observations    []bool    `json:"observations"`
	NextObservation uint32    `json:"next_observation"`
	LastRegen       time.Time `json:"last_regen"`
}

func newRegen(observe uint32, at time.Time) Regen {
	return Regen{Observations: make([]bool, observe), LastRegen: at}
}

func (r Regen) clone() Regen {
	r.Observations = append([]bool(nil), r.Observations...)
	return r
}

// record stores one observation, keeping Count equal to the number of set bits.
func (r *Regen) record(positive bool) {
	idx := r.NextObservation
	if r.Observations[idx] != positive {
		if positive {
			r.Count++
		} else {
			r.Count--
		}
		r.Observations[idx] = positive
	}
	r.NextObservation = (idx + 1) % uint32(len(r.Observations))
}

type Status struct {
	Low  Regen `json:"low"`
	High Regen `json:"high"`
}

func (s *Status) side(side domain.Side) *Regen {
	if side == domain.High {
		return &s.High
	}
	return &s.Low
}

func (s Status) clone() Status {
	return Status{Low: s.Low.clone(), High: s.High.clone()}
}
