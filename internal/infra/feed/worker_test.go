package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bophades/internal/price"
	"bophades/pkg/quant"
)

// priceServer accepts one subscription and then pushes the given frames.
func priceServer(t *testing.T, frames []string, subs chan<- subscribeMessage) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subs <- sub
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWorkerStreamsPrices(t *testing.T) {
	ohm := price.NewLiveFeed("OHM-ETH", 18)
	usds := price.NewLiveFeed("USDS-ETH", 18)

	frames := []string{
		`{"type":"price","pair":"OHM-ETH","price":"0.0061","ts":1700000000000}`,
		`{"type":"heartbeat"}`,
		`{"type":"price","pair":"BTC-ETH","price":"20","ts":1700000000000}`,
		`not json`,
		`{"type":"price","pair":"USDS-ETH","price":"0.00027","ts":1700000001000}`,
	}
	subs := make(chan subscribeMessage, 1)
	srv := priceServer(t, frames, subs)

	w := NewWorker("ws"+strings.TrimPrefix(srv.URL, "http"), map[string]Sink{
		"OHM-ETH":  ohm,
		"USDS-ETH": usds,
	})
	var mu sync.Mutex
	var states []bool
	w.OnConnection = func(up bool) {
		mu.Lock()
		states = append(states, up)
		mu.Unlock()
	}

	require.NoError(t, w.Connect(context.Background()))

	select {
	case sub := <-subs:
		assert.Equal(t, "subscribe", sub.Op)
		assert.ElementsMatch(t, []string{"OHM-ETH", "USDS-ETH"}, sub.Pairs)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	require.Eventually(t, func() bool {
		_, err := usds.Latest()
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	q, err := ohm.Latest()
	require.NoError(t, err)
	assert.Equal(t, "0.0061", quant.Format(q.Price, 18))
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), q.UpdatedAt)
	assert.True(t, w.Connected())

	w.Disconnect()
	assert.False(t, w.Connected())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, states)
}

func TestWorkerRequiresPairs(t *testing.T) {
	w := NewWorker("ws://127.0.0.1:1", nil)
	assert.Error(t, w.Connect(context.Background()))
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, time.Second, CalculateBackoff(0))
	assert.Equal(t, 8*time.Second, CalculateBackoff(3))
	assert.Equal(t, maxDelay, CalculateBackoff(6))
	assert.Equal(t, maxDelay, CalculateBackoff(50))
}

type countingSink struct {
	n int
}

func (s *countingSink) Set(*uint256.Int, time.Time) bool { s.n++; return true }
func (s *countingSink) Decimals() uint8                  { return 18 }

func TestHandleMessageFilters(t *testing.T) {
	sink := &countingSink{}
	w := NewWorker("", map[string]Sink{"OHM-ETH": sink})

	msg := func(price string) []byte {
		b, _ := json.Marshal(map[string]any{"type": "price", "pair": "OHM-ETH", "price": price, "ts": 1})
		return b
	}
	w.handleMessage(msg("0"))
	w.handleMessage(msg("-1"))
	assert.Equal(t, 0, sink.n)

	w.handleMessage(msg("1.5"))
	assert.Equal(t, 1, sink.n)
}
