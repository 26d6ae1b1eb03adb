// Package feed streams pair prices over a websocket into price feeds.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"bophades/internal/domain"
	"bophades/pkg/quant"
)

const (
	maxRetries  = 10
	baseDelay   = 1 * time.Second
	maxDelay    = 60 * time.Second
	readTimeout = 60 * time.Second
)

// Sink receives quotes for one pair. price.LiveFeed implements it.
type Sink interface {
	Set(price *uint256.Int, at time.Time) bool
	Decimals() uint8
}

// tickerMessage is one price update from the stream.
type tickerMessage struct {
	Type  string          `json:"type"` // price
	Pair  string          `json:"pair"` // OHM-ETH
	Price decimal.Decimal `json:"price"`
	TsMs  int64           `json:"ts"`
}

type subscribeMessage struct {
	Op    string   `json:"op"`
	Pairs []string `json:"pairs"`
}

// Worker handles one websocket connection feeding several pairs.
type Worker struct {
	url   string
	sinks map[string]Sink
	// OnConnection reports connection state changes (metrics).
	OnConnection func(up bool)

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ domain.FeedWorker = (*Worker)(nil)

// NewWorker creates a feed worker for the given pair sinks.
func NewWorker(url string, sinks map[string]Sink) *Worker {
	return &Worker{url: url, sinks: sinks}
}

// CalculateBackoff returns the exponential delay for a retry attempt,
// capped at maxDelay.
func CalculateBackoff(retry int) time.Duration {
	if retry > 6 {
		return maxDelay
	}
	delay := baseDelay << uint(retry)
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Connect starts the WebSocket connection
func (w *Worker) Connect(ctx context.Context) error {
	if len(w.sinks) == 0 {
		return domain.NewFatalNetworkError("feed.connect", fmt.Errorf("no pairs: %w", domain.ErrInvalidParams))
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

func (w *Worker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			slog.Warn("Feed connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			delay := CalculateBackoff(retryCount)
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		} else {
			retryCount = 0
			w.readLoop(ctx)
		}
	}
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, w.url, make(http.Header))
	if err != nil {
		return domain.NewNetworkError("feed.dial", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return err
	}

	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	w.setConnected(true)
	slog.Info("📡 Feed connected", slog.String("url", w.url), slog.Int("pairs", len(w.sinks)))
	return nil
}

func (w *Worker) subscribe() error {
	pairs := make([]string, 0, len(w.sinks))
	for pair := range w.sinks {
		pairs = append(pairs, pair)
	}
	b, err := json.Marshal(subscribeMessage{Op: "subscribe", Pairs: pairs})
	if err != nil {
		return err
	}
	return w.threadSafeWrite(websocket.TextMessage, b)
}

func (w *Worker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("no conn")
	}
	return w.conn.WriteMessage(msgType, data)
}

func (w *Worker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			w.closeConnection()
			return
		}
		w.handleMessage(msg)
	}
}

func (w *Worker) handleMessage(msg []byte) {
	var tick tickerMessage
	if json.Unmarshal(msg, &tick) != nil || tick.Type != "price" {
		return
	}
	sink, ok := w.sinks[tick.Pair]
	if !ok || !tick.Price.IsPositive() {
		return
	}
	price, err := quant.FromDecimal(tick.Price, sink.Decimals())
	if err != nil {
		slog.Warn("Feed price out of range", slog.String("pair", tick.Pair), slog.String("price", tick.Price.String()))
		return
	}
	sink.Set(price, time.UnixMilli(tick.TsMs).UTC())
}

// Connected reports whether a connection is currently up.
func (w *Worker) Connected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

func (w *Worker) setConnected(up bool) {
	if w.OnConnection != nil {
		w.OnConnection(up)
	}
}

func (w *Worker) closeConnection() {
	w.mu.Lock()
	wasUp := w.connected
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
	w.mu.Unlock()
	if wasUp {
		w.setConnected(false)
	}
}

func (w *Worker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
