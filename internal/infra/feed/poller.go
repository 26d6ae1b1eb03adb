package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"bophades/pkg/quant"
)

const (
	userAgent      = "bophades-rbs/1.0"
	fetchAttempts  = 3
	defaultPolling = time.Minute
)

// Poller fetches one pair's price from a REST endpoint on an interval. The
// endpoint answers with the same frame the stream pushes:
// {"type":"price","pair":"USDS-ETH","price":"0.00027","ts":1700000000000}.
type Poller struct {
	url      string
	pair     string
	sink     Sink
	interval time.Duration
	client   *http.Client

	// OnConnection reports whether the last fetch succeeded (metrics).
	OnConnection func(up bool)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller writing pair quotes into sink. A zero
// interval polls once a minute.
func NewPoller(url, pair string, sink Sink, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultPolling
	}
	return &Poller{
		url:      url,
		pair:     pair,
		sink:     sink,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Start fetches once and then keeps polling until Stop or ctx ends.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.fetch(ctx); err != nil {
		slog.Warn("Initial price poll failed", slog.String("pair", p.pair), slog.Any("error", err))
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Price poller panic recovered", slog.Any("panic", r))
			}
		}()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("Price polling stopped", slog.String("pair", p.pair))
				return
			case <-ticker.C:
				if err := p.fetch(ctx); err != nil {
					slog.Warn("Price poll failed", slog.String("pair", p.pair), slog.Any("error", err))
				}
			}
		}
	}()
}

// fetch retries with exponential backoff: 1s, 2s.
func (p *Poller) fetch(ctx context.Context) error {
	var lastErr error
	for i := 0; i < fetchAttempts; i++ {
		if i > 0 {
			delay := time.Duration(1<<uint(i-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if lastErr = p.doFetch(ctx); lastErr == nil {
			p.report(true)
			return nil
		}
		slog.Debug("Price poll attempt failed", slog.Int("attempt", i+1), slog.Any("error", lastErr))
	}
	p.report(false)
	return lastErr
}

func (p *Poller) doFetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return err
	}

	var tick tickerMessage
	if err := json.Unmarshal(body, &tick); err != nil {
		return err
	}
	if tick.Pair != p.pair || !tick.Price.IsPositive() {
		return fmt.Errorf("no %s price in response", p.pair)
	}
	price, err := quant.FromDecimal(tick.Price, p.sink.Decimals())
	if err != nil {
		return err
	}
	at := time.UnixMilli(tick.TsMs).UTC()
	if tick.TsMs == 0 {
		at = time.Now().UTC()
	}
	p.sink.Set(price, at)
	return nil
}

func (p *Poller) report(up bool) {
	if p.OnConnection != nil {
		p.OnConnection(up)
	}
}

// Stop ends polling and waits for the loop to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
}
