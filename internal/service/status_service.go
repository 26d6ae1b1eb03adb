package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bophades/internal/event"
)

// SideView is one side of the range as shown to readers.
type SideView struct {
	Active     bool            `json:"active"`
	Capacity   decimal.Decimal `json:"capacity"`
	Threshold  decimal.Decimal `json:"threshold"`
	Cushion    decimal.Decimal `json:"cushion_price"`
	Wall       decimal.Decimal `json:"wall_price"`
	Market     *uint64         `json:"market,omitempty"`
	LastActive time.Time       `json:"last_active"`
	// Positive observations in the regen window.
	RegenCount uint32    `json:"regen_count"`
	LastRegen  time.Time `json:"last_regen"`
}

// Status is a point-in-time view of the whole system.
type Status struct {
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`

	OperatorActive bool `json:"operator_active"`
	Initialized    bool `json:"initialized"`

	HeartActive   bool            `json:"heart_active"`
	LastBeat      time.Time       `json:"last_beat"`
	CurrentReward decimal.Decimal `json:"current_reward"`

	LastPrice     decimal.Decimal  `json:"last_price"`
	MovingAverage decimal.Decimal  `json:"moving_average"`
	Backing       decimal.Decimal  `json:"backing"`
	Target        decimal.Decimal  `json:"target"`
	Deviation     *decimal.Decimal `json:"deviation_pct,omitempty"`

	Low  SideView `json:"low"`
	High SideView `json:"high"`
}

// EventView is a committed event kept for the status API.
type EventView struct {
	Kind event.Kind      `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// StatusService is the read model served to external readers. The
// sequencer writes it after every command; HTTP handlers only read.
type StatusService struct {
	mu     sync.RWMutex
	status Status
	recent []EventView
	keep   int
	now    func() time.Time
}

// NewStatusService keeps the last keep committed events.
func NewStatusService(keep int) *StatusService {
	if keep <= 0 {
		keep = 100
	}
	return &StatusService{keep: keep, now: time.Now}
}

// Update replaces the status snapshot.
func (s *StatusService) Update(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calculateDeviation(&st)
	s.status = st
}

// calculateDeviation: 100 * (LastPrice - Target) / Target
func (s *StatusService) calculateDeviation(st *Status) {
	st.Deviation = nil
	if st.Target.IsZero() || st.LastPrice.IsZero() {
		return
	}
	dev := st.LastPrice.Sub(st.Target).Div(st.Target).Mul(decimal.NewFromInt(100)).Round(4)
	st.Deviation = &dev
}

// Current returns the latest snapshot.
func (s *StatusService) Current() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.status
}

// Record keeps a committed event. Encoding failures drop the payload, not
// the event.
func (s *StatusService) Record(ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		data = nil
	}
	view := EventView{Kind: ev.Kind(), At: s.now().UTC(), Data: data}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, view)
	if len(s.recent) > s.keep {
		s.recent = append(s.recent[:0:0], s.recent[len(s.recent)-s.keep:]...)
	}
}

// Recent returns up to n of the newest events, oldest first.
func (s *StatusService) Recent(n int) []EventView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	return append([]EventView(nil), s.recent[len(s.recent)-n:]...)
}
