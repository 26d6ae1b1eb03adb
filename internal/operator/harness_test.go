package operator

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"bophades/internal/auction"
	"bophades/internal/clock"
	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/price"
	"bophades/internal/rangebound"
	"bophades/internal/token"
	"bophades/internal/treasury"
	"bophades/internal/vault"
	"bophades/pkg/quant"
)

var (
	start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	operatorAddr = common.HexToAddress("0x0900")
	heartAddr    = common.HexToAddress("0x4ea7")
	adminAddr    = common.HexToAddress("0xad31")
	treasuryAddr = common.HexToAddress("0x7e00")
	houseAddr    = common.HexToAddress("0xa0c7")
	user         = common.HexToAddress("0xabc0")
)

const frequency = 8 * time.Hour

func ohmAmt(s string) *uint256.Int  { return quant.MustParseUnits(s, 9) }
func daiAmt(s string) *uint256.Int  { return quant.MustParseUnits(s, 18) }
func priceOf(s string) *uint256.Int { return quant.MustParseUnits(s, 18) }

type fixedBacking struct{ v *uint256.Int }

func (f *fixedBacking) Metric(domain.Metric) (*uint256.Int, error) { return f.v.Clone(), nil }

type failingHouse struct {
	*auction.House
	err error
}

func (f *failingHouse) CreateMarket(common.Address, auction.MarketParams) (domain.MarketID, error) {
	return domain.NoMarket, f.err
}

type setup struct {
	cfg      Config
	low      rangebound.Spreads
	high     rangebound.Spreads
	initial  string
	lbbo     string
	window   time.Duration
	useVault bool
	failing  bool
}

// Target 12.5 with a 12% cushion and 20% wall puts the low bands at 11 and 10.
var lowBands = rangebound.Spreads{Cushion: 1_200, Wall: 2_000}

func defaultConfig() Config {
	return Config{
		CushionFactor:          3_000,
		CushionDuration:        3 * day,
		CushionDebtBuffer:      100_000,
		CushionDepositInterval: 4 * time.Hour,
		ReserveFactor:          1_000,
		RegenWait:              day,
		RegenThreshold:         5,
		RegenObserve:           7,
	}
}

type harness struct {
	t       *testing.T
	clk     *clock.Manual
	ohm     *token.Ledger
	dai     *token.Ledger
	sdai    *vault.Vault
	trsry   *treasury.Treasury
	minter  *token.Minter
	feed    *price.LiveFeed
	price   *price.Module
	backing *fixedBacking
	rng     *rangebound.Range
	house   *auction.House
	op      *Operator
	events  *event.Memory
	buffer  *event.Buffer
}

func newHarness(t *testing.T, opts ...func(*setup)) *harness {
	t.Helper()
	s := setup{
		cfg:     defaultConfig(),
		low:     rangebound.Spreads{Cushion: 1_000, Wall: 2_000},
		high:    rangebound.Spreads{Cushion: 1_000, Wall: 2_000},
		initial: "10",
		lbbo:    "5",
		window:  24 * time.Hour,
	}
	for _, o := range opts {
		o(&s)
	}

	h := &harness{t: t, clk: clock.NewManual(start), events: &event.Memory{}}
	h.buffer = event.NewBuffer(h.events)
	h.ohm = token.NewLedger(common.HexToAddress("0x0111"), "OHM", 9)
	h.dai = token.NewLedger(common.HexToAddress("0xda10"), "DAI", 18)
	h.trsry = treasury.New(treasuryAddr)
	h.minter = token.NewMinter(h.ohm)

	if s.useVault {
		h.sdai = vault.New(common.HexToAddress("0x5da1"), "sDAI", h.dai)
		funder := common.HexToAddress("0xf00d")
		h.dai.Mint(funder, daiAmt("100000"))
		h.dai.Approve(funder, h.sdai.Address(), token.MaxApproval())
		_, err := h.sdai.Deposit(funder, daiAmt("100000"), treasuryAddr)
		require.NoError(t, err)
	} else {
		h.dai.Mint(treasuryAddr, daiAmt("100000"))
	}

	h.ohm.Mint(user, ohmAmt("10000"))
	h.dai.Mint(user, daiAmt("100000"))
	h.ohm.Approve(user, operatorAddr, token.MaxApproval())
	h.dai.Approve(user, operatorAddr, token.MaxApproval())

	h.feed = price.NewLiveFeed("OHM/DAI", 18)
	h.feed.Set(priceOf(s.initial), start)
	var err error
	h.price, err = price.New(h.clk, h.feed, nil, price.Config{
		Decimals:              18,
		ObservationFrequency:  frequency,
		MovingAverageDuration: s.window,
		ManagedFeedThreshold:  frequency,
	}, h.buffer)
	require.NoError(t, err)
	obs := make([]*uint256.Int, h.price.NumObservations())
	for i := range obs {
		obs[i] = priceOf(s.initial)
	}
	require.NoError(t, h.price.Initialize(obs, start))

	h.backing = &fixedBacking{v: priceOf(s.lbbo)}
	h.rng, err = rangebound.New(h.clk, s.low, s.high, 100, h.buffer)
	require.NoError(t, err)
	h.house = auction.NewHouse(h.clk, houseAddr)

	var house AuctionHouse = h.house
	if s.failing {
		house = &failingHouse{House: h.house, err: errors.New("auction paused")}
	}
	deps := Deps{
		Address:   operatorAddr,
		Clock:     h.clk,
		Events:    h.buffer,
		Price:     h.price,
		Appraiser: h.backing,
		Range:     h.rng,
		Auction:   house,
		Treasury:  h.trsry,
		Minter:    h.minter,
		Managed:   h.ohm,
		Reserve:   h.dai,
	}
	if s.useVault {
		deps.Vault = h.sdai
	}
	h.op, err = New(deps, s.cfg)
	require.NoError(t, err)
	h.house.SetCallback(h.op)
	require.NoError(t, h.op.Initialize(adminAddr))
	return h
}

// tick advances one observation period, observes p and runs the operator.
func (h *harness) tick(p string) error {
	h.t.Helper()
	now := h.clk.Advance(frequency)
	h.feed.Set(priceOf(p), now)
	require.NoError(h.t, h.price.Observe())
	return h.op.Operate(heartAddr)
}
