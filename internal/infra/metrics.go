package infra

import (
	"errors"
	"net/http"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/pkg/quant"
)

// Metrics exports the operator's activity to Prometheus. It is an
// event.Recorder fed with committed events only.
type Metrics struct {
	registry *prometheus.Registry

	// decimals of the token each side's capacity is denominated in
	decimals      [2]uint8
	priceDecimals uint8

	beats          prometheus.Counter
	rewards        prometheus.Counter
	swaps          *prometheus.CounterVec
	wallEvents     *prometheus.CounterVec
	cushionEvents  *prometheus.CounterVec
	commands       *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	capacity       *prometheus.GaugeVec
	movingAverage  prometheus.Gauge
	lastPrice      prometheus.Gauge
	feedConnection *prometheus.GaugeVec
}

// NewMetrics registers the collectors on a private registry. lowDecimals
// and highDecimals scale wall capacities (reserve and managed token).
func NewMetrics(lowDecimals, highDecimals, priceDecimals uint8) *Metrics {
	m := &Metrics{
		registry:      prometheus.NewRegistry(),
		decimals:      [2]uint8{lowDecimals, highDecimals},
		priceDecimals: priceDecimals,
		beats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rbs_heart_beats_total",
			Help: "Number of successful heart beats.",
		}),
		rewards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rbs_heart_rewards_total",
			Help: "Number of keeper rewards issued.",
		}),
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbs_operator_swaps_total",
			Help: "Wall swaps by side.",
		}, []string{"side"}),
		wallEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbs_range_wall_transitions_total",
			Help: "Wall up/down transitions by side.",
		}, []string{"side", "state"}),
		cushionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbs_range_cushion_transitions_total",
			Help: "Cushion market opens and closes by side.",
		}, []string{"side", "state"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbs_commands_total",
			Help: "Sequenced commands by name and outcome.",
		}, []string{"name", "outcome"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbs_errors_total",
			Help: "Rejected operations by error class.",
		}, []string{"class"}),
		capacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rbs_wall_capacity",
			Help: "Remaining wall capacity in whole tokens by side.",
		}, []string{"side"}),
		movingAverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rbs_price_moving_average",
			Help: "Moving average price of the managed token in reserve.",
		}),
		lastPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rbs_price_last_observation",
			Help: "Last observed price of the managed token in reserve.",
		}),
		feedConnection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rbs_feed_connected",
			Help: "1 while a price feed connection is up.",
		}, []string{"feed"}),
	}
	m.registry.MustRegister(
		m.beats,
		m.rewards,
		m.swaps,
		m.wallEvents,
		m.cushionEvents,
		m.commands,
		m.errorsTotal,
		m.capacity,
		m.movingAverage,
		m.lastPrice,
		m.feedConnection,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Record updates collectors from a committed event.
func (m *Metrics) Record(ev event.Event) {
	if m == nil {
		return
	}
	switch e := ev.(type) {
	case event.Beat:
		m.beats.Inc()
	case event.RewardIssued:
		m.rewards.Inc()
	case event.Swap:
		m.swaps.WithLabelValues(e.Side.String()).Inc()
	case event.WallUp:
		m.wallEvents.WithLabelValues(e.Side.String(), "up").Inc()
		m.setCapacity(e.Side, e.Capacity)
	case event.WallDown:
		m.wallEvents.WithLabelValues(e.Side.String(), "down").Inc()
		m.setCapacity(e.Side, e.Capacity)
	case event.CushionUp:
		m.cushionEvents.WithLabelValues(e.Side.String(), "up").Inc()
	case event.CushionDown:
		m.cushionEvents.WithLabelValues(e.Side.String(), "down").Inc()
	case event.Observation:
		m.lastPrice.Set(m.float(e.Price, m.priceDecimals))
		m.movingAverage.Set(m.float(e.MovingAverage, m.priceDecimals))
	}
}

// SetCapacity reports a side's current capacity (e.g. after a swap).
func (m *Metrics) SetCapacity(side domain.Side, capacity *uint256.Int) {
	m.setCapacity(side, capacity)
}

func (m *Metrics) setCapacity(side domain.Side, capacity *uint256.Int) {
	m.capacity.WithLabelValues(side.String()).Set(m.float(capacity, m.decimals[side]))
}

func (m *Metrics) float(x *uint256.Int, decimals uint8) float64 {
	if x == nil {
		return 0
	}
	return quant.ToDecimal(x, decimals).InexactFloat64()
}

// ObserveCommand counts a sequenced command and classifies its error.
func (m *Metrics) ObserveCommand(name string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.ObserveError(err)
	}
	m.commands.WithLabelValues(name, outcome).Inc()
}

// ObserveError increments the error counter for err's class.
func (m *Metrics) ObserveError(err error) {
	if err == nil {
		return
	}
	m.errorsTotal.WithLabelValues(ErrorClass(err)).Inc()
}

// SetFeedConnected flips the connection gauge of a feed.
func (m *Metrics) SetFeedConnected(feed string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.feedConnection.WithLabelValues(feed).Set(v)
}

// ErrorClass names the domain error class of err.
func ErrorClass(err error) string {
	var (
		validation *domain.ValidationError
		state      *domain.StateError
		capacity   *domain.CapacityError
		external   *domain.ExternalCallError
		rounding   *domain.RoundingError
		network    *domain.NetworkError
		config     *domain.ConfigError
	)
	switch {
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &state):
		return "state"
	case errors.As(err, &capacity):
		return "capacity"
	case errors.As(err, &external):
		return "external"
	case errors.As(err, &rounding):
		return "rounding"
	case errors.As(err, &network):
		return "network"
	case errors.As(err, &config):
		return "config"
	}
	return "other"
}
