// Package appraiser values treasury holdings and derives the liquid
// backing per backed unit of the managed token.
package appraiser

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/clock"
	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/kernel"
	"bophades/pkg/quant"
	"bophades/pkg/safe"
)

// Holding values one asset held by an address, in reserve units.
type Holding interface {
	Value(holder common.Address) *uint256.Int
}

type balanceOf interface {
	BalanceOf(owner common.Address) *uint256.Int
}

// ReserveHolding is a token valued 1:1 with the reserve.
type ReserveHolding struct{ Token balanceOf }

func (h ReserveHolding) Value(holder common.Address) *uint256.Int {
	return h.Token.BalanceOf(holder)
}

type shareVault interface {
	balanceOf
	PreviewRedeem(shares *uint256.Int) *uint256.Int
}

// VaultHolding is a yield-vault share valued at its redeemable reserve.
type VaultHolding struct{ Vault shareVault }

func (h VaultHolding) Value(holder common.Address) *uint256.Int {
	return h.Vault.PreviewRedeem(h.Vault.BalanceOf(holder))
}

type supplyToken interface {
	balanceOf
	TotalSupply() *uint256.Int
	Decimals() uint8
}

type Config struct {
	PriceDecimals   uint8
	ReserveDecimals uint8
	// Holders whose assets count as backing (the treasury).
	Holders []common.Address
	// Protocol-owned holders of the managed token, excluded from backed supply.
	Excluded []common.Address
	// Stored metrics older than this are recomputed on read. Zero always recomputes.
	MaxAge time.Duration
}

type stored struct {
	value *uint256.Int
	at    time.Time
}

type Appraiser struct {
	mu       sync.RWMutex
	clk      clock.Clock
	managed  supplyToken
	holdings []Holding
	cfg      Config
	events   event.Recorder
	cache    map[domain.Metric]stored
}

func New(clk clock.Clock, managed supplyToken, holdings []Holding, cfg Config, rec event.Recorder) *Appraiser {
	if rec == nil {
		rec = event.Nop{}
	}
	return &Appraiser{
		clk:      clk,
		managed:  managed,
		holdings: holdings,
		cfg:      cfg,
		events:   rec,
		cache:    make(map[domain.Metric]stored),
	}
}

func (a *Appraiser) Keycode() kernel.Keycode { return "APPRS" }
func (a *Appraiser) Version() kernel.Version { return kernel.Version{Major: 1, Minor: 0} }

// Metric returns a cached value while it is fresh, else computes it.
func (a *Appraiser) Metric(m domain.Metric) (*uint256.Int, error) {
	a.mu.RLock()
	s, ok := a.cache[m]
	a.mu.RUnlock()
	if ok && a.cfg.MaxAge > 0 && !a.clk.Now().After(s.at.Add(a.cfg.MaxAge)) {
		return safe.Clone(s.value), nil
	}
	return a.compute(m)
}

// StoreMetric computes m and caches it.
func (a *Appraiser) StoreMetric(m domain.Metric) (*uint256.Int, error) {
	v, err := a.compute(m)
	if err != nil {
		return nil, err
	}
	now := a.clk.Now()
	a.mu.Lock()
	a.cache[m] = stored{value: safe.Clone(v), at: now}
	a.mu.Unlock()
	a.events.Record(event.MetricStored{Metric: m, Value: safe.Clone(v), At: now})
	return v, nil
}

// Observe stores the liquid backing per backed unit; run every heartbeat.
func (a *Appraiser) Observe() error {
	_, err := a.StoreMetric(domain.MetricLiquidBackingPerBackedUnit)
	return err
}

func (a *Appraiser) compute(m domain.Metric) (*uint256.Int, error) {
	switch m {
	case domain.MetricBackingValue, domain.MetricLiquidBacking:
		// Every holding is liquid here; illiquid positions are not modelled.
		return a.liquidBacking(), nil
	case domain.MetricBackedSupply:
		return a.backedSupply(), nil
	case domain.MetricLiquidBackingPerBackedUnit:
		supply := a.backedSupply()
		if supply.IsZero() {
			return new(uint256.Int), nil
		}
		// backing(reserveDec) * 10^managedDec * 10^priceDec / (supply * 10^reserveDec)
		num := safe.SafeMul(quant.Pow10(a.managed.Decimals()), quant.Pow10(a.cfg.PriceDecimals))
		den := safe.SafeMul(supply, quant.Pow10(a.cfg.ReserveDecimals))
		return safe.MulDiv(a.liquidBacking(), num, den), nil
	}
	return nil, domain.NewValidationError("APPRS.metric", domain.ErrInvalidParams, m.String())
}

func (a *Appraiser) liquidBacking() *uint256.Int {
	total := new(uint256.Int)
	for _, holder := range a.cfg.Holders {
		for _, h := range a.holdings {
			total = safe.SafeAdd(total, h.Value(holder))
		}
	}
	return total
}

func (a *Appraiser) backedSupply() *uint256.Int {
	supply := a.managed.TotalSupply()
	for _, ex := range a.cfg.Excluded {
		supply = safe.SubFloor(supply, a.managed.BalanceOf(ex))
	}
	return supply
}
