// Package operator implements the range-bound stability operator: the
// control loop that keeps the managed token's price inside the RANGE bands
// by swapping at the walls and opening bond markets at the cushions.
package operator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/auction"
	"bophades/internal/clock"
	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/kernel"
	"bophades/internal/rangebound"
	"bophades/internal/token"
)

type PriceSource interface {
	LastPrice() (*uint256.Int, time.Time, error)
	MovingAverage() (*uint256.Int, error)
	ObservationFrequency() time.Duration
	Decimals() uint8
}

type BackingAppraiser interface {
	Metric(m domain.Metric) (*uint256.Int, error)
}

type RangeStore interface {
	Range() domain.Range
	Active(s domain.Side) bool
	Capacity(s domain.Side) *uint256.Int
	LastActive(s domain.Side) time.Time
	Market(s domain.Side) domain.MarketID
	Price(s domain.Side, wall bool) *uint256.Int
	Spread(s domain.Side, wall bool) uint32
	UpdatePrices(target *uint256.Int)
	Regenerate(s domain.Side, capacity *uint256.Int)
	UpdateCapacity(s domain.Side, capacity *uint256.Int)
	UpdateMarket(s domain.Side, market domain.MarketID, marketCapacity *uint256.Int)
	SetSpreads(s domain.Side, spreads rangebound.Spreads) error
	SetThresholdFactor(f uint32) error
}

type AuctionHouse interface {
	CreateMarket(owner common.Address, p auction.MarketParams) (domain.MarketID, error)
	IsLive(id domain.MarketID) bool
	CloseMarket(caller common.Address, id domain.MarketID) error
	CurrentCapacity(id domain.MarketID) *uint256.Int
}

type ReserveCustodian interface {
	Address() common.Address
	ReserveBalance(tok token.Token) *uint256.Int
	WithdrawApproval(spender, tok common.Address) *uint256.Int
	IncreaseWithdrawApproval(spender, tok common.Address, amount *uint256.Int)
	DecreaseWithdrawApproval(spender, tok common.Address, amount *uint256.Int)
	Withdraw(spender common.Address, tok token.Token, amount *uint256.Int, to common.Address) error
}

type TokenMinter interface {
	MintApproval(spender common.Address) *uint256.Int
	IncreaseMintApproval(spender common.Address, amount *uint256.Int)
	DecreaseMintApproval(spender common.Address, amount *uint256.Int)
	Mint(spender, to common.Address, amount *uint256.Int) error
	Burn(from common.Address, amount *uint256.Int) error
}

// YieldVault wraps the reserve. Its shares are themselves a token.
type YieldVault interface {
	token.Token
	Asset() common.Address
	Deposit(caller common.Address, assets *uint256.Int, receiver common.Address) (*uint256.Int, error)
	Withdraw(caller common.Address, assets *uint256.Int, receiver, owner common.Address) (*uint256.Int, error)
	PreviewRedeem(shares *uint256.Int) *uint256.Int
	PreviewWithdraw(assets *uint256.Int) *uint256.Int
	ConvertToShares(assets *uint256.Int) *uint256.Int
}

type Deps struct {
	Address   common.Address
	Clock     clock.Clock
	Gate      kernel.Gate
	Events    event.Recorder
	Price     PriceSource
	Appraiser BackingAppraiser
	Range     RangeStore
	Auction   AuctionHouse
	Treasury  ReserveCustodian
	Minter    TokenMinter
	Managed   token.Token
	Reserve   token.Token
	// Optional. When set, treasury reserves sit in the vault.
	Vault YieldVault
}

type Operator struct {
	guard kernel.Guard
	mu    sync.RWMutex

	address   common.Address
	clk       clock.Clock
	gate      kernel.Gate
	events    event.Recorder
	price     PriceSource
	appraiser BackingAppraiser
	rng       RangeStore
	auction   AuctionHouse
	treasury  ReserveCustodian
	minter    TokenMinter
	managed   token.Token
	reserve   token.Token
	vault     YieldVault

	managedDecimals uint8
	reserveDecimals uint8
	oracleDecimals  uint8

	cfg         Config
	status      Status
	active      bool
	initialized bool

	participants []kernel.Stateful
}

func New(d Deps, cfg Config) (*Operator, error) {
	const op = "operator.new"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case d.Clock == nil:
		return nil, domain.NewValidationError(op, domain.ErrInvalidParams, "clock")
	case d.Price == nil || d.Appraiser == nil || d.Range == nil || d.Auction == nil:
		return nil, domain.NewValidationError(op, domain.ErrInvalidParams, "modules")
	case d.Treasury == nil || d.Minter == nil || d.Managed == nil || d.Reserve == nil:
		return nil, domain.NewValidationError(op, domain.ErrInvalidParams, "custody")
	case d.Managed.Decimals() > 18 || d.Reserve.Decimals() > 18:
		return nil, domain.NewValidationError(op, domain.ErrInvalidParams, "decimals")
	case d.Vault != nil && d.Vault.Asset() != d.Reserve.Address():
		return nil, domain.NewValidationError(op,
			fmt.Errorf("vault asset %s is not the reserve: %w", d.Vault.Asset().Hex(), domain.ErrInvalidParams), "vault")
	}
	if d.Gate == nil {
		d.Gate = kernel.AllowAll{}
	}
	if d.Events == nil {
		d.Events = event.Nop{}
	}
	now := d.Clock.Now()
	o := &Operator{
		address:         d.Address,
		clk:             d.Clock,
		gate:            d.Gate,
		events:          d.Events,
		price:           d.Price,
		appraiser:       d.Appraiser,
		rng:             d.Range,
		auction:         d.Auction,
		treasury:        d.Treasury,
		minter:          d.Minter,
		managed:         d.Managed,
		reserve:         d.Reserve,
		vault:           d.Vault,
		managedDecimals: d.Managed.Decimals(),
		reserveDecimals: d.Reserve.Decimals(),
		oracleDecimals:  d.Price.Decimals(),
		cfg:             cfg,
		status:          Status{Low: newRegen(cfg.RegenObserve, now), High: newRegen(cfg.RegenObserve, now)},
	}
	o.participants = kernel.Participants(o, d.Range, d.Auction, d.Treasury, d.Minter, d.Managed, d.Reserve, d.Vault, d.Events)
	return o, nil
}

func (o *Operator) Address() common.Address { return o.address }

func (o *Operator) Config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

func (o *Operator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status.clone()
}

func (o *Operator) Active() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

func (o *Operator) Initialized() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.initialized
}

// run executes fn once: rejected while another call is in progress, and
// rolled back entirely if it fails.
func (o *Operator) run(op string, fn func() error) error {
	release, err := o.guard.Enter(op)
	if err != nil {
		return err
	}
	defer release()
	return kernel.Transact(op, o.participants, fn)
}

// runActive is run for calls that need an initialized, active operator.
// Both are checked while the guard is held.
func (o *Operator) runActive(op string, fn func() error) error {
	return o.run(op, func() error {
		if err := o.requireInitialized(op); err != nil {
			return err
		}
		if err := o.onlyWhileActive(op); err != nil {
			return err
		}
		return fn()
	})
}

func (o *Operator) requireInitialized(op string) error {
	if !o.Initialized() {
		return domain.NewStateError(op, domain.ErrNotInitialized)
	}
	return nil
}

// onlyWhileActive fails when the operator is deactivated or the last price
// observation is older than three observation periods.
func (o *Operator) onlyWhileActive(op string) error {
	if !o.Active() {
		return domain.NewStateError(op, domain.ErrInactive)
	}
	_, observedAt, err := o.price.LastPrice()
	if err != nil {
		return domain.NewExternalCallError(op, "PRICE", err)
	}
	if o.clk.Now().After(observedAt.Add(3 * o.price.ObservationFrequency())) {
		return domain.NewStateError(op, fmt.Errorf("last observation %s: %w", observedAt.Format(time.RFC3339), domain.ErrInactive))
	}
	return nil
}

// Initialize sets the first band prices and fills both sides.
func (o *Operator) Initialize(caller common.Address) error {
	const op = "operator.initialize"
	if err := o.gate.Require(kernel.RoleAdmin, caller); err != nil {
		return err
	}
	err := o.run(op, func() error {
		if o.Initialized() {
			return domain.NewStateError(op, domain.ErrAlreadyInitialized)
		}
		if _, err := o.updateRangePrices(op); err != nil {
			return err
		}
		if err := o.regenerate(op, domain.Low); err != nil {
			return err
		}
		if err := o.regenerate(op, domain.High); err != nil {
			return err
		}
		o.mu.Lock()
		o.active = true
		o.initialized = true
		o.mu.Unlock()
		return nil
	})
	if err == nil {
		slog.Info("Operator initialized", slog.String("address", o.address.Hex()))
	}
	return err
}

func (o *Operator) Activate(caller common.Address) error {
	if err := o.gate.Require(kernel.RoleAdmin, caller); err != nil {
		return err
	}
	if err := o.requireInitialized("operator.activate"); err != nil {
		return err
	}
	o.mu.Lock()
	o.active = true
	o.mu.Unlock()
	return nil
}

// Deactivate stops swaps and ticks and closes both cushions.
func (o *Operator) Deactivate(caller common.Address) error {
	const op = "operator.deactivate"
	if err := o.gate.Require(kernel.RoleAdmin, caller); err != nil {
		return err
	}
	return o.run(op, func() error {
		o.mu.Lock()
		o.active = false
		o.mu.Unlock()
		if err := o.deactivate(op, domain.Low); err != nil {
			return err
		}
		return o.deactivate(op, domain.High)
	})
}

// DeactivateCushion closes one side's cushion without touching the wall.
func (o *Operator) DeactivateCushion(caller common.Address, side domain.Side) error {
	const op = "operator.deactivateCushion"
	if err := o.gate.Require(kernel.RoleOperatorPolicy, caller); err != nil {
		return err
	}
	return o.run(op, func() error { return o.deactivate(op, side) })
}

// Regenerate refills a side on demand.
func (o *Operator) Regenerate(caller common.Address, side domain.Side) error {
	const op = "operator.regenerate"
	if err := o.gate.Require(kernel.RoleAdmin, caller); err != nil {
		return err
	}
	return o.run(op, func() error {
		if err := o.requireInitialized(op); err != nil {
			return err
		}
		return o.regenerate(op, side)
	})
}

func (o *Operator) SetSpreads(caller common.Address, side domain.Side, cushion, wall uint32) error {
	const op = "operator.setSpreads"
	if err := o.gate.Require(kernel.RoleOperatorPolicy, caller); err != nil {
		return err
	}
	return o.run(op, func() error {
		if err := o.rng.SetSpreads(side, rangebound.Spreads{Cushion: cushion, Wall: wall}); err != nil {
			return err
		}
		if !o.Initialized() {
			return nil
		}
		_, err := o.updateRangePrices(op)
		return err
	})
}

func (o *Operator) SetThresholdFactor(caller common.Address, factor uint32) error {
	if err := o.gate.Require(kernel.RoleOperatorPolicy, caller); err != nil {
		return err
	}
	return o.rng.SetThresholdFactor(factor)
}

func (o *Operator) SetCushionFactor(caller common.Address, factor uint32) error {
	return o.updateConfig(caller, func(c *Config) { c.CushionFactor = factor })
}

func (o *Operator) SetCushionParams(caller common.Address, duration time.Duration, debtBuffer uint32, depositInterval time.Duration) error {
	return o.updateConfig(caller, func(c *Config) {
		c.CushionDuration = duration
		c.CushionDebtBuffer = debtBuffer
		c.CushionDepositInterval = depositInterval
	})
}

func (o *Operator) SetReserveFactor(caller common.Address, factor uint32) error {
	return o.updateConfig(caller, func(c *Config) { c.ReserveFactor = factor })
}

// SetRegenParams changes the regeneration window and clears both bitsets.
func (o *Operator) SetRegenParams(caller common.Address, wait time.Duration, threshold, observe uint32) error {
	if err := o.updateConfig(caller, func(c *Config) {
		c.RegenWait = wait
		c.RegenThreshold = threshold
		c.RegenObserve = observe
	}); err != nil {
		return err
	}
	now := o.clk.Now()
	o.mu.Lock()
	o.status = Status{Low: newRegen(observe, now), High: newRegen(observe, now)}
	o.mu.Unlock()
	return nil
}

func (o *Operator) updateConfig(caller common.Address, apply func(*Config)) error {
	if err := o.gate.Require(kernel.RoleOperatorPolicy, caller); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	next := o.cfg
	apply(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	o.cfg = next
	return nil
}

type snapshot struct {
	cfg         Config
	status      Status
	active      bool
	initialized bool
}

func (o *Operator) Snapshot() any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return snapshot{cfg: o.cfg, status: o.status.clone(), active: o.active, initialized: o.initialized}
}

func (o *Operator) Restore(s any) {
	snap := s.(snapshot)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = snap.cfg
	o.status = snap.status
	o.active = snap.active
	o.initialized = snap.initialized
}
