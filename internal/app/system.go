package app

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"bophades/internal/appraiser"
	"bophades/internal/assetmgr"
	"bophades/internal/auction"
	"bophades/internal/clock"
	"bophades/internal/delegation"
	"bophades/internal/deposit"
	"bophades/internal/event"
	"bophades/internal/heart"
	"bophades/internal/infra"
	"bophades/internal/kernel"
	"bophades/internal/operator"
	"bophades/internal/price"
	"bophades/internal/rangebound"
	"bophades/internal/token"
	"bophades/internal/treasury"
	"bophades/internal/vault"
	"bophades/pkg/quant"
)

// System is every module and policy of one deployment, wired together.
type System struct {
	Config *infra.Config
	Clock  *clock.Manual
	Roles  *kernel.Roles
	Kernel *kernel.Registry
	Events *event.Buffer

	Managed *token.Ledger
	Reserve *token.Ledger
	Gov     *token.Ledger
	// Nil unless reserves are held in the vault.
	ReserveVault *vault.Vault

	Minter    *token.Minter
	Treasury  *treasury.Treasury
	Price     *price.Module
	Range     *rangebound.Range
	Appraiser *appraiser.Appraiser
	Auction   *auction.House
	Operator  *operator.Operator
	Heart     *heart.Heart

	Assets     *assetmgr.Manager
	Deposits   *deposit.Manager
	Redemption *deposit.RedemptionVault
	Escrows    *delegation.EscrowFactory
	Delegation *delegation.Ledger

	// Feeds read by PRICE. Live feeds are only written from journaled
	// beat payloads so replays see the same quotes.
	ManagedFeed *price.LiveFeed
	ReserveFeed *price.LiveFeed

	tokens       map[common.Address]token.Token
	participants []kernel.Stateful
}

// Build constructs the modules. It mints nothing; balances and
// initialization come from the genesis command.
func Build(cfg *infra.Config, clk *clock.Manual, rec event.Recorder) (*System, error) {
	s := &System{
		Config: cfg,
		Clock:  clk,
		Roles:  kernel.NewRoles(),
		Kernel: kernel.NewRegistry(),
		Events: event.NewBuffer(rec),
	}
	addr := cfg.Addresses
	tc := cfg.Tokens

	s.Managed = token.NewLedger(tc.Managed.Address, tc.Managed.Symbol, tc.Managed.Decimals)
	s.Reserve = token.NewLedger(tc.Reserve.Address, tc.Reserve.Symbol, tc.Reserve.Decimals)
	s.Gov = token.NewLedger(tc.Gov.Address, tc.Gov.Symbol, tc.Gov.Decimals)
	if tc.UseVault {
		s.ReserveVault = vault.New(tc.ReserveVault.Address, tc.ReserveVault.Symbol, s.Reserve)
	}
	s.Minter = token.NewMinter(s.Managed)
	s.Treasury = treasury.New(addr.Treasury)

	var err error
	if s.Price, err = s.buildPrice(); err != nil {
		return nil, err
	}
	if s.Range, err = rangebound.New(clk, cfg.Range.Low, cfg.Range.High, cfg.Range.ThresholdFactor, s.Events); err != nil {
		return nil, err
	}

	holdings := []appraiser.Holding{appraiser.ReserveHolding{Token: s.Reserve}}
	if s.ReserveVault != nil {
		holdings = append(holdings, appraiser.VaultHolding{Vault: s.ReserveVault})
	}
	s.Appraiser = appraiser.New(clk, s.Managed, holdings, appraiser.Config{
		PriceDecimals:   cfg.Price.Decimals,
		ReserveDecimals: tc.Reserve.Decimals,
		Holders:         []common.Address{addr.Treasury},
		Excluded:        []common.Address{addr.Treasury},
		MaxAge:          cfg.Price.ObservationFrequency,
	}, s.Events)

	s.Escrows = delegation.NewEscrowFactory(addr.EscrowFactory, s.Gov)
	s.Delegation = delegation.NewLedger(addr.Delegation, s.Gov, s.Escrows, s.Roles, s.Events)

	for _, m := range []kernel.Module{s.Price, s.Range, s.Treasury, s.Minter, s.Appraiser, s.Delegation} {
		if err := s.Kernel.Install(m); err != nil {
			return nil, err
		}
	}
	if err := s.buildPolicies(); err != nil {
		return nil, err
	}

	s.tokens = map[common.Address]token.Token{
		s.Managed.Address(): s.Managed,
		s.Reserve.Address(): s.Reserve,
		s.Gov.Address():     s.Gov,
	}
	if s.ReserveVault != nil {
		s.tokens[s.ReserveVault.Address()] = s.ReserveVault
	}

	s.grantRoles()
	s.participants = kernel.Participants(append(s.ledgers(),
		s.Minter, s.Treasury,
		s.Price, s.Range, s.Appraiser, s.Auction, s.Operator, s.Heart,
		s.Assets, s.Deposits, s.Redemption, s.Escrows, s.Delegation,
		s.Events,
	)...)

	slog.Info("🧩 Modules installed", slog.Any("keycodes", s.Kernel.Keycodes()))
	return s, nil
}

func (s *System) buildPrice() (*price.Module, error) {
	cfg := s.Config
	dec := cfg.Price.Decimals
	minTarget, err := quant.FromDecimal(cfg.Price.MinimumTargetPrice, dec)
	if err != nil {
		return nil, fmt.Errorf("minimum target price: %w", err)
	}

	var managed, reserve price.Feed
	if cfg.Feed.Enabled {
		s.ManagedFeed = price.NewLiveFeed(cfg.Feed.ManagedPair, dec)
		s.ReserveFeed = price.NewLiveFeed(cfg.Feed.ReservePair, dec)
		managed, reserve = s.ManagedFeed, s.ReserveFeed
	} else {
		initial, err := quant.FromDecimal(cfg.Genesis.InitialPrice, dec)
		if err != nil {
			return nil, fmt.Errorf("initial price: %w", err)
		}
		managed = price.FixedFeed{Price: initial, Decimals: dec, Clock: s.Clock}
	}

	return price.New(s.Clock, managed, reserve, price.Config{
		Decimals:              dec,
		ObservationFrequency:  cfg.Price.ObservationFrequency,
		MovingAverageDuration: cfg.Price.MovingAverageDuration,
		ManagedFeedThreshold:  cfg.Price.ManagedFeedThreshold,
		ReserveFeedThreshold:  cfg.Price.ReserveFeedThreshold,
		MinimumTargetPrice:    minTarget,
	}, s.Events)
}

func (s *System) buildPolicies() error {
	cfg := s.Config
	addr := cfg.Addresses

	// Policies take their modules through the registry's version guard.
	priceMod, err := kernel.Resolve[*price.Module](s.Kernel, kernel.Dependency{Keycode: "PRICE", Major: 1})
	if err != nil {
		return err
	}
	rng, err := kernel.Resolve[*rangebound.Range](s.Kernel, kernel.Dependency{Keycode: "RANGE", Major: 2})
	if err != nil {
		return err
	}
	trsry, err := kernel.Resolve[*treasury.Treasury](s.Kernel, kernel.Dependency{Keycode: "TRSRY", Major: 1})
	if err != nil {
		return err
	}
	minter, err := kernel.Resolve[*token.Minter](s.Kernel, kernel.Dependency{Keycode: "MINTR", Major: 1})
	if err != nil {
		return err
	}
	apprs, err := kernel.Resolve[*appraiser.Appraiser](s.Kernel, kernel.Dependency{Keycode: "APPRS", Major: 1})
	if err != nil {
		return err
	}

	s.Auction = auction.NewHouse(s.Clock, addr.AuctionHouse)

	oc := cfg.Operator
	deps := operator.Deps{
		Address:   addr.Operator,
		Clock:     s.Clock,
		Gate:      s.Roles,
		Events:    s.Events,
		Price:     priceMod,
		Appraiser: apprs,
		Range:     rng,
		Auction:   s.Auction,
		Treasury:  trsry,
		Minter:    minter,
		Managed:   s.Managed,
		Reserve:   s.Reserve,
	}
	if s.ReserveVault != nil {
		deps.Vault = s.ReserveVault
	}
	s.Operator, err = operator.New(deps, operator.Config{
		CushionFactor:          oc.CushionFactor,
		CushionDuration:        oc.CushionDuration,
		CushionDebtBuffer:      oc.CushionDebtBuffer,
		CushionDepositInterval: oc.CushionDepositInterval,
		ReserveFactor:          oc.ReserveFactor,
		RegenWait:              oc.RegenWait,
		RegenThreshold:         oc.RegenThreshold,
		RegenObserve:           oc.RegenObserve,
	})
	if err != nil {
		return err
	}
	s.Auction.SetCallback(s.Operator)

	maxReward, err := quant.FromDecimal(cfg.Heart.MaxReward, cfg.Tokens.Managed.Decimals)
	if err != nil {
		return fmt.Errorf("max reward: %w", err)
	}
	s.Heart, err = heart.New(heart.Deps{
		Address:  addr.Heart,
		Clock:    s.Clock,
		Gate:     s.Roles,
		Events:   s.Events,
		Cadence:  priceMod,
		Operator: s.Operator,
		Minter:   minter,
		State:    append(s.ledgers(), priceMod, apprs, rng, trsry, s.Auction),
	}, maxReward, cfg.Heart.AuctionDuration)
	if err != nil {
		return err
	}

	s.Assets = assetmgr.New(addr.AssetManager, s.Roles, s.Events)
	s.Deposits = deposit.NewManager(s.Assets, s.Roles, s.Events)
	s.Redemption, err = deposit.NewRedemptionVault(deposit.RedemptionDeps{
		Address:  addr.RedemptionVault,
		Treasury: addr.Treasury,
		Clock:    s.Clock,
		Gate:     s.Roles,
		Events:   s.Events,
		Manager:  s.Deposits,
	})
	return err
}

func (s *System) grantRoles() {
	addr := s.Config.Addresses
	for _, role := range []kernel.Role{
		kernel.RoleAdmin,
		kernel.RoleEmergency,
		kernel.RoleHeartAdmin,
		kernel.RoleOperatorPolicy,
		kernel.RoleManager,
		kernel.RoleGovernance,
	} {
		s.Roles.Grant(role, addr.Admin)
	}
	s.Roles.Grant(kernel.RoleOperatorOperate, addr.Heart)
	s.Roles.Grant(kernel.RoleOperatorReport, addr.AuctionHouse)
	s.Roles.Grant(kernel.RoleDepositOperator, addr.RedemptionVault)
}

// ledgers returns the token ledgers as participants; the vault only when
// configured, so no typed nil reaches kernel.Participants.
func (s *System) ledgers() []any {
	out := []any{s.Managed, s.Reserve, s.Gov}
	if s.ReserveVault != nil {
		out = append(out, s.ReserveVault)
	}
	return out
}

// Token looks up a ledger token by address.
func (s *System) Token(a common.Address) (token.Token, bool) {
	t, ok := s.tokens[a]
	return t, ok
}

// Dump is the state written on a sequencer panic.
func (s *System) Dump() any {
	return map[string]any{
		"status":       s.Status(0),
		"range":        s.Range.Range(),
		"regen":        s.Operator.Status(),
		"observations": s.Price.Observations(),
		"clock":        s.Clock.Now(),
	}
}

// Participants lists every stateful part of the system.
func (s *System) Participants() []kernel.Stateful { return s.participants }
