package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bophades/internal/price"
	"bophades/pkg/quant"
)

func TestPoller(t *testing.T) {
	t.Run("writes the polled price", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, userAgent, r.UserAgent())
			_, _ = w.Write([]byte(`{"type":"price","pair":"USDS-ETH","price":"0.00027","ts":1700000001000}`))
		}))
		defer srv.Close()

		usds := price.NewLiveFeed("USDS-ETH", 18)
		var up atomic.Bool
		p := NewPoller(srv.URL, "USDS-ETH", usds, time.Hour)
		p.OnConnection = func(ok bool) { up.Store(ok) }

		require.NoError(t, p.fetch(context.Background()))
		q, err := usds.Latest()
		require.NoError(t, err)
		assert.Equal(t, "0.00027", quant.ToDecimal(q.Price, 18).String())
		assert.Equal(t, time.UnixMilli(1700000001000).UTC(), q.UpdatedAt)
		assert.True(t, up.Load())
	})

	t.Run("rejects another pair", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"type":"price","pair":"OHM-ETH","price":"0.006","ts":1700000001000}`))
		}))
		defer srv.Close()

		usds := price.NewLiveFeed("USDS-ETH", 18)
		p := NewPoller(srv.URL, "USDS-ETH", usds, time.Hour)
		assert.Error(t, p.doFetch(context.Background()))
		_, err := usds.Latest()
		assert.Error(t, err)
	})

	t.Run("retries then reports down", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		var reports []bool
		p := NewPoller(srv.URL, "USDS-ETH", price.NewLiveFeed("USDS-ETH", 18), time.Hour)
		p.OnConnection = func(ok bool) { reports = append(reports, ok) }

		err := p.fetch(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
		assert.Equal(t, int32(fetchAttempts), calls.Load())
		assert.Equal(t, []bool{false}, reports)
	})

	t.Run("stop ends the loop", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			_, _ = w.Write([]byte(`{"type":"price","pair":"USDS-ETH","price":"0.00027"}`))
		}))
		defer srv.Close()

		p := NewPoller(srv.URL, "USDS-ETH", price.NewLiveFeed("USDS-ETH", 18), 10*time.Millisecond)
		p.Start(context.Background())
		assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
		p.Stop()
		n := calls.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, n, calls.Load())
	})
}
