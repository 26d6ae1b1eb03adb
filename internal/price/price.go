// Package price implements PRICE: the moving-average price oracle for the
// managed token denominated in the reserve.
package price

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

type Config struct {
	Decimals              uint8
	ObservationFrequency  time.Duration
	MovingAverageDuration time.Duration
	// A quote older than 3x its threshold is stale.
	ManagedFeedThreshold time.Duration
	ReserveFeedThreshold time.Duration
	MinimumTargetPrice   *uint256.Int
}

func (c Config) Validate() error {
	if c.ObservationFrequency <= 0 {
		return domain.NewValidationError("PRICE.config", domain.ErrInvalidParams, "observation_frequency")
	}
	if c.MovingAverageDuration <= 0 || c.MovingAverageDuration%c.ObservationFrequency != 0 {
		return domain.NewValidationError("PRICE.config",
			fmt.Errorf("duration %s not a multiple of frequency %s: %w", c.MovingAverageDuration, c.ObservationFrequency, domain.ErrInvalidParams),
			"moving_average_duration")
	}
	if c.Decimals > 38 {
		return domain.NewValidationError("PRICE.config", domain.ErrInvalidParams, "decimals")
	}
	return nil
}

// Module keeps a fixed-size ring of observations and their running sum.
type Module struct {
	mu      sync.RWMutex
	clk     clock.Clock
	managed Feed
	reserve Feed
	events  event.Recorder
	cfg     Config

	observations        []*uint256.Int
	nextObsIndex        int
	cumulativeObs       *uint256.Int
	lastObservationTime time.Time
	initialized         bool
}

// New creates the module. When reserve is nil the managed feed quotes the
// pair directly; otherwise both feeds quote against a common base and the
// price is their ratio.
func New(clk clock.Clock, managed, reserve Feed, cfg Config, rec event.Recorder) (*Module, error) {
	if managed == nil {
		return nil, domain.NewValidationError("PRICE.new", domain.ErrInvalidParams, "managed_feed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = event.Nop{}
	}
	cfg.MinimumTargetPrice = safe.Clone(cfg.MinimumTargetPrice)
	m := &Module{clk: clk, managed: managed, reserve: reserve, events: rec, cfg: cfg}
	m.reset()
	return m, nil
}

func (m *Module) reset() {
	n := int(m.cfg.MovingAverageDuration / m.cfg.ObservationFrequency)
	m.observations = make([]*uint256.Int, n)
	for i := range m.observations {
		m.observations[i] = new(uint256.Int)
	}
	m.nextObsIndex = 0
	m.cumulativeObs = new(uint256.Int)
	m.lastObservationTime = time.Time{}
	m.initialized = false
}

func (m *Module) Keycode() kernel.Keycode { return "PRICE" }
func (m *Module) Version() kernel.Version { return kernel.Version{Major: 1, Minor: 2} }

func (m *Module) Decimals() uint8 { return m.cfg.Decimals }

func (m *Module) ObservationFrequency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.ObservationFrequency
}

func (m *Module) NumObservations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observations)
}

func (m *Module) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

func (m *Module) LastObservationTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastObservationTime
}

// CurrentPrice reads the feeds. Stale or zero quotes fail.
func (m *Module) CurrentPrice() (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentPrice()
}

func (m *Module) currentPrice() (*uint256.Int, error) {
	now := m.clk.Now()
	mq, err := m.fresh(m.managed, "managed", m.cfg.ManagedFeedThreshold, now)
	if err != nil {
		return nil, err
	}
	if m.reserve == nil {
		return safe.MulDiv(mq.Price, quant.Pow10(m.cfg.Decimals), quant.Pow10(mq.Decimals)), nil
	}
	rq, err := m.fresh(m.reserve, "reserve", m.cfg.ReserveFeedThreshold, now)
	if err != nil {
		return nil, err
	}
	// managed/base * 10^dec / (reserve/base), with each feed's own scale removed.
	num := quant.Pow10(m.cfg.Decimals + rq.Decimals)
	den := safe.SafeMul(rq.Price, quant.Pow10(mq.Decimals))
	return safe.MulDiv(mq.Price, num, den), nil
}

func (m *Module) fresh(f Feed, name string, threshold time.Duration, now time.Time) (Quote, error) {
	q, err := f.Latest()
	if err != nil {
		return Quote{}, domain.NewExternalCallError("PRICE.currentPrice", name, err)
	}
	if q.Price == nil || q.Price.IsZero() {
		return Quote{}, domain.NewExternalCallError("PRICE.currentPrice", name, domain.ErrNotFound)
	}
	if threshold > 0 && q.UpdatedAt.Before(now.Add(-3*threshold)) {
		return Quote{}, domain.NewExternalCallError("PRICE.currentPrice", name,
			fmt.Errorf("updated %s: %w", q.UpdatedAt.Format(time.RFC3339), domain.ErrStalePrice))
	}
	return q, nil
}

// LastPrice is the most recent stored observation and when it was taken.
func (m *Module) LastPrice() (*uint256.Int, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, time.Time{}, domain.NewStateError("PRICE.lastPrice", domain.ErrNotInitialized)
	}
	n := len(m.observations)
	last := (m.nextObsIndex + n - 1) % n
	return safe.Clone(m.observations[last]), m.lastObservationTime, nil
}

// MovingAverage is the mean of stored observations, floored at the
// minimum target price.
func (m *Module) MovingAverage() (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, domain.NewStateError("PRICE.movingAverage", domain.ErrNotInitialized)
	}
	avg := safe.SafeDiv(m.cumulativeObs, safe.U64(uint64(len(m.observations))))
	return safe.Max(avg, m.cfg.MinimumTargetPrice), nil
}

// Initialize seeds the observation window. It can run once per window
// configuration.
func (m *Module) Initialize(observations []*uint256.Int, lastObservationTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return domain.NewStateError("PRICE.initialize", domain.ErrAlreadyInitialized)
	}
	if len(observations) != len(m.observations) {
		return domain.NewValidationError("PRICE.initialize",
			fmt.Errorf("want %d observations, got %d: %w", len(m.observations), len(observations), domain.ErrInvalidParams), "observations")
	}
	if lastObservationTime.After(m.clk.Now()) {
		return domain.NewValidationError("PRICE.initialize", domain.ErrInvalidParams, "last_observation_time")
	}
	total := new(uint256.Int)
	for i, o := range observations {
		if o == nil || o.IsZero() {
			return domain.NewValidationError("PRICE.initialize", fmt.Errorf("observation %d: %w", i, domain.ErrZeroAmount), "observations")
		}
		total = safe.SafeAdd(total, o)
	}
	for i, o := range observations {
		m.observations[i] = safe.Clone(o)
	}
	m.cumulativeObs = total
	m.nextObsIndex = 0
	m.lastObservationTime = lastObservationTime
	m.initialized = true
	return nil
}

// UpdateMovingAverage pushes the current price into the window, evicting
// the oldest observation.
func (m *Module) UpdateMovingAverage() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return domain.NewStateError("PRICE.updateMovingAverage", domain.ErrNotInitialized)
	}
	current, err := m.currentPrice()
	if err != nil {
		return err
	}
	earliest := m.observations[m.nextObsIndex]
	m.cumulativeObs = safe.SafeSub(safe.SafeAdd(m.cumulativeObs, current), earliest)
	m.observations[m.nextObsIndex] = current
	m.nextObsIndex = (m.nextObsIndex + 1) % len(m.observations)
	m.lastObservationTime = m.clk.Now()

	avg := safe.Max(safe.SafeDiv(m.cumulativeObs, safe.U64(uint64(len(m.observations)))), m.cfg.MinimumTargetPrice)
	m.events.Record(event.Observation{Price: safe.Clone(current), MovingAverage: avg, At: m.lastObservationTime})
	return nil
}

// Observe stores a new observation; the heartbeat calls it every beat.
func (m *Module) Observe() error { return m.UpdateMovingAverage() }

// ChangeMovingAverageDuration resizes the window and requires re-initialization.
func (m *Module) ChangeMovingAverageDuration(d time.Duration) error {
	return m.reconfigure(func(c *Config) { c.MovingAverageDuration = d })
}

// ChangeObservationFrequency changes the cadence and requires re-initialization.
func (m *Module) ChangeObservationFrequency(f time.Duration) error {
	return m.reconfigure(func(c *Config) { c.ObservationFrequency = f })
}

func (m *Module) reconfigure(apply func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.cfg
	apply(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	m.cfg = next
	m.reset()
	return nil
}

func (m *Module) ChangeUpdateThresholds(managed, reserve time.Duration) {
	m.mu.Lock()
	m.cfg.ManagedFeedThreshold = managed
	m.cfg.ReserveFeedThreshold = reserve
	m.mu.Unlock()
}

func (m *Module) ChangeMinimumTargetPrice(p *uint256.Int) {
	m.mu.Lock()
	m.cfg.MinimumTargetPrice = safe.Clone(p)
	m.mu.Unlock()
}

// Observations returns the window in storage order.
func (m *Module) Observations() []*uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*uint256.Int, len(m.observations))
	for i, o := range m.observations {
		out[i] = safe.Clone(o)
	}
	return out
}

type state struct {
	observations        []*uint256.Int
	nextObsIndex        int
	cumulativeObs       *uint256.Int
	lastObservationTime time.Time
	initialized         bool
}

func (m *Module) Snapshot() any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obs := make([]*uint256.Int, len(m.observations))
	for i, o := range m.observations {
		obs[i] = safe.Clone(o)
	}
	return state{obs, m.nextObsIndex, safe.Clone(m.cumulativeObs), m.lastObservationTime, m.initialized}
}

func (m *Module) Restore(s any) {
	st := s.(state)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations = st.observations
	m.nextObsIndex = st.nextObsIndex
	m.cumulativeObs = st.cumulativeObs
	m.lastObservationTime = st.lastObservationTime
	m.initialized = st.initialized
}
