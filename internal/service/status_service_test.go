package service

import (
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bophades/internal/domain"
	"bophades/internal/event"
)

func TestStatusService_Update(t *testing.T) {
	svc := NewStatusService(10)

	svc.Update(Status{
		Seq:       3,
		LastPrice: decimal.NewFromFloat(22.5),
		Target:    decimal.NewFromInt(20),
	})

	st := svc.Current()
	assert.Equal(t, uint64(3), st.Seq)
	require.NotNil(t, st.Deviation)
	assert.True(t, st.Deviation.Equal(decimal.NewFromFloat(12.5)), st.Deviation.String())

	t.Run("no target means no deviation", func(t *testing.T) {
		svc.Update(Status{LastPrice: decimal.NewFromInt(10)})
		assert.Nil(t, svc.Current().Deviation)
	})
}

func TestStatusService_RecentEvents(t *testing.T) {
	svc := NewStatusService(3)

	for i := 0; i < 5; i++ {
		svc.Record(event.WallUp{Side: domain.Low, Capacity: uint256.NewInt(uint64(i))})
	}
	svc.Record(event.Beat{})

	recent := svc.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, event.KindWallUp, recent[0].Kind)
	assert.JSONEq(t, `{"side":"low","capacity":"4","at":"0001-01-01T00:00:00Z"}`, string(recent[1].Data))
	assert.Equal(t, event.KindBeat, recent[2].Kind)

	assert.Len(t, svc.Recent(1), 1)
	assert.Equal(t, event.KindBeat, svc.Recent(1)[0].Kind)
}

func TestStatusService_ConcurrentReads(t *testing.T) {
	svc := NewStatusService(10)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			svc.Update(Status{Seq: uint64(i)})
		}(i)
		go func() {
			defer wg.Done()
			_ = svc.Current()
			_ = svc.Recent(5)
		}()
	}
	wg.Wait()
}
