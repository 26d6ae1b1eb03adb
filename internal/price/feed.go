package price

import (
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"bophades/internal/clock"
	"bophades/internal/domain"
	"bophades/pkg/safe"
)

// Quote is a single feed reading.
type Quote struct {
	Price     *uint256.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// Feed supplies the latest quote for one pair.
type Feed interface {
	Latest() (Quote, error)
}

// LiveFeed holds the most recent quote pushed by a streaming worker.
type LiveFeed struct {
	mu       sync.RWMutex
	name     string
	decimals uint8
	quote    Quote
}

func NewLiveFeed(name string, decimals uint8) *LiveFeed {
	return &LiveFeed{name: name, decimals: decimals}
}

func (f *LiveFeed) Name() string    { return f.name }
func (f *LiveFeed) Decimals() uint8 { return f.decimals }

// Set records a new reading. Readings older than the current one are ignored.
func (f *LiveFeed) Set(price *uint256.Int, at time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if at.Before(f.quote.UpdatedAt) {
		return false
	}
	f.quote = Quote{Price: safe.Clone(price), Decimals: f.decimals, UpdatedAt: at}
	return true
}

func (f *LiveFeed) Latest() (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.quote.Price == nil || f.quote.Price.IsZero() {
		return Quote{}, domain.NewExternalCallError("latest", f.name, fmt.Errorf("no quote: %w", domain.ErrNotFound))
	}
	q := f.quote
	q.Price = safe.Clone(q.Price)
	return q, nil
}

// FixedFeed always quotes the same price, timestamped now. Used when no
// streaming source is configured.
type FixedFeed struct {
	Price    *uint256.Int
	Decimals uint8
	Clock    clock.Clock
}

func (f FixedFeed) Latest() (Quote, error) {
	return Quote{Price: safe.Clone(f.Price), Decimals: f.Decimals, UpdatedAt: f.Clock.Now()}, nil
}
