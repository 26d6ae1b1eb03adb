package price

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bophades/internal/clock"
	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/pkg/quant"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func p(s string) *uint256.Int { return quant.MustParseUnits(s, 18) }

func newModule(t *testing.T, clk clock.Clock, managed, reserve Feed) *Module {
	t.Helper()
	m, err := New(clk, managed, reserve, Config{
		Decimals:              18,
		ObservationFrequency:  8 * time.Hour,
		MovingAverageDuration: 24 * time.Hour,
		ManagedFeedThreshold:  time.Hour,
		ReserveFeedThreshold:  time.Hour,
		MinimumTargetPrice:    p("5"),
	}, &event.Memory{})
	require.NoError(t, err)
	return m
}

func TestConfigValidate(t *testing.T) {
	base := Config{Decimals: 18, ObservationFrequency: 8 * time.Hour, MovingAverageDuration: 30 * 24 * time.Hour}
	assert.NoError(t, base.Validate())

	bad := base
	bad.MovingAverageDuration = 25 * time.Hour
	assert.ErrorIs(t, bad.Validate(), domain.ErrInvalidParams)

	bad = base
	bad.ObservationFrequency = 0
	assert.Error(t, bad.Validate())
}

func TestCurrentPriceFromRatio(t *testing.T) {
	mc := clock.NewManual(start)
	ohmEth := NewLiveFeed("OHM/ETH", 18)
	daiEth := NewLiveFeed("DAI/ETH", 18)
	m := newModule(t, mc, ohmEth, daiEth)

	ohmEth.Set(quant.MustParseUnits("0.005", 18), start)
	daiEth.Set(quant.MustParseUnits("0.0005", 18), start)

	got, err := m.CurrentPrice()
	require.NoError(t, err)
	assert.Equal(t, "10", quant.Format(got, 18))

	t.Run("stale reserve feed", func(t *testing.T) {
		mc.Advance(3*time.Hour + time.Second)
		ohmEth.Set(quant.MustParseUnits("0.005", 18), mc.Now())
		_, err := m.CurrentPrice()
		assert.ErrorIs(t, err, domain.ErrStalePrice)
		var ece *domain.ExternalCallError
		assert.ErrorAs(t, err, &ece)
	})
}

func TestMovingAverage(t *testing.T) {
	mc := clock.NewManual(start)
	feed := NewLiveFeed("OHM/DAI", 18)
	m := newModule(t, mc, feed, nil)
	require.Equal(t, 3, m.NumObservations())

	_, err := m.MovingAverage()
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
	assert.ErrorIs(t, m.UpdateMovingAverage(), domain.ErrNotInitialized)

	t.Run("initialize validation", func(t *testing.T) {
		assert.Error(t, m.Initialize([]*uint256.Int{p("10")}, start))
		assert.Error(t, m.Initialize([]*uint256.Int{p("10"), p("0"), p("10")}, start))
		assert.Error(t, m.Initialize([]*uint256.Int{p("10"), p("10"), p("10")}, start.Add(time.Hour)))
	})

	require.NoError(t, m.Initialize([]*uint256.Int{p("10"), p("11"), p("12")}, start))
	assert.ErrorIs(t, m.Initialize([]*uint256.Int{p("1"), p("1"), p("1")}, start), domain.ErrAlreadyInitialized)

	ma, err := m.MovingAverage()
	require.NoError(t, err)
	assert.Equal(t, "11", quant.Format(ma, 18))

	mc.Advance(8 * time.Hour)
	feed.Set(p("13"), mc.Now())
	require.NoError(t, m.Observe())

	// 10 is evicted: (11 + 12 + 13) / 3
	ma, _ = m.MovingAverage()
	assert.Equal(t, "12", quant.Format(ma, 18))
	last, at, err := m.LastPrice()
	require.NoError(t, err)
	assert.Equal(t, "13", quant.Format(last, 18))
	assert.Equal(t, mc.Now(), at)

	t.Run("minimum target floor", func(t *testing.T) {
		m.ChangeMinimumTargetPrice(p("20"))
		ma, _ := m.MovingAverage()
		assert.Equal(t, "20", quant.Format(ma, 18))
		m.ChangeMinimumTargetPrice(p("5"))
	})

	t.Run("resizing resets", func(t *testing.T) {
		require.NoError(t, m.ChangeMovingAverageDuration(48*time.Hour))
		assert.Equal(t, 6, m.NumObservations())
		assert.False(t, m.Initialized())
		assert.Error(t, m.ChangeObservationFrequency(7*time.Hour))
	})
}

func TestSnapshotRestore(t *testing.T) {
	mc := clock.NewManual(start)
	feed := NewLiveFeed("OHM/DAI", 18)
	m := newModule(t, mc, feed, nil)
	require.NoError(t, m.Initialize([]*uint256.Int{p("10"), p("10"), p("10")}, start))

	snap := m.Snapshot()
	feed.Set(p("40"), mc.Now())
	require.NoError(t, m.Observe())
	m.Restore(snap)

	ma, _ := m.MovingAverage()
	assert.Equal(t, "10", quant.Format(ma, 18))
}

func TestLiveFeedIgnoresOlderQuotes(t *testing.T) {
	f := NewLiveFeed("OHM/DAI", 18)
	_, err := f.Latest()
	assert.Error(t, err)

	assert.True(t, f.Set(p("10"), start.Add(time.Minute)))
	assert.False(t, f.Set(p("9"), start))
	q, err := f.Latest()
	require.NoError(t, err)
	assert.Equal(t, "10", quant.Format(q.Price, 18))
}

func TestFixedFeedIsNeverStale(t *testing.T) {
	clk := clock.NewManual(start)
	m := newModule(t, clk, FixedFeed{Price: p("12"), Decimals: 18, Clock: clk}, FixedFeed{Price: p("1"), Decimals: 18, Clock: clk})

	clk.Advance(30 * 24 * time.Hour)
	price, err := m.CurrentPrice()
	require.NoError(t, err)
	assert.Equal(t, "12", quant.Format(price, 18))
}
