package operator

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/kernel"
	"bophades/internal/token"
	"bophades/pkg/safe"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, defaultConfig().Validate())

	cases := map[string]func(*Config){
		"cushion_factor":           func(c *Config) { c.CushionFactor = 99 },
		"cushion_duration":         func(c *Config) { c.CushionDuration = 8 * day },
		"cushion_debt_buffer":      func(c *Config) { c.CushionDebtBuffer = 9_999 },
		"cushion_deposit_interval": func(c *Config) { c.CushionDepositInterval = 30 * time.Minute },
		"reserve_factor":           func(c *Config) { c.ReserveFactor = 10_001 },
		"regen_wait":               func(c *Config) { c.RegenWait = time.Minute },
		"regen_threshold":          func(c *Config) { c.RegenThreshold = 8 },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, field, ve.Field)
			assert.ErrorIs(t, err, domain.ErrInvalidParams)
		})
	}
}

func TestInitialize(t *testing.T) {
	h := newHarness(t)

	r := h.rng.Range()
	assert.True(t, r.Low.Active)
	assert.True(t, r.High.Active)
	assert.Equal(t, daiAmt("10000"), r.Low.Capacity)
	assert.Equal(t, h.op.FullCapacity(domain.High), r.High.Capacity)
	assert.Equal(t, priceOf("8"), r.Low.Wall.Price)
	assert.Equal(t, priceOf("12"), r.High.Wall.Price)
	assert.True(t, r.Low.Market.IsNone())

	assert.Equal(t, r.High.Capacity, h.minter.MintApproval(operatorAddr))
	assert.Equal(t, r.Low.Capacity, h.trsry.WithdrawApproval(operatorAddr, h.dai.Address()))

	err := h.op.Initialize(adminAddr)
	assert.ErrorIs(t, err, domain.ErrAlreadyInitialized)
}

func TestTargetPrice(t *testing.T) {
	t.Run("moving average above backing", func(t *testing.T) {
		h := newHarness(t)
		target, err := h.op.TargetPrice()
		require.NoError(t, err)
		assert.Equal(t, priceOf("10"), target)
	})

	t.Run("backing floor wins", func(t *testing.T) {
		h := newHarness(t, func(s *setup) { s.lbbo = "11" })
		target, err := h.op.TargetPrice()
		require.NoError(t, err)
		assert.Equal(t, priceOf("11"), target)
		assert.Equal(t, priceOf("8.8"), h.rng.Range().Low.Wall.Price)
	})
}

func TestFullCapacityHighPadsBothWalls(t *testing.T) {
	h := newHarness(t)
	// 10,000 DAI at a 12 DAI wall is 833.333333333 OHM, padded by 20% + 20%.
	assert.Equal(t, uint256.NewInt(1_166_666_666_666), h.op.FullCapacity(domain.High))
}

func TestOperateRequiresInitialization(t *testing.T) {
	h := newHarness(t)
	fresh, err := New(Deps{
		Address:   operatorAddr,
		Clock:     h.clk,
		Price:     h.price,
		Appraiser: h.backing,
		Range:     h.rng,
		Auction:   h.house,
		Treasury:  h.trsry,
		Minter:    h.minter,
		Managed:   h.ohm,
		Reserve:   h.dai,
	}, defaultConfig())
	require.NoError(t, err)
	assert.ErrorIs(t, fresh.Operate(heartAddr), domain.ErrNotInitialized)
	_, err = fresh.Swap(user, h.ohm.Address(), ohmAmt("1"), nil)
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestNewRejectsMismatchedVault(t *testing.T) {
	h := newHarness(t, func(s *setup) { s.useVault = true })
	_, err := New(Deps{
		Address:   operatorAddr,
		Clock:     h.clk,
		Price:     h.price,
		Appraiser: h.backing,
		Range:     h.rng,
		Auction:   h.house,
		Treasury:  h.trsry,
		Minter:    h.minter,
		Managed:   h.ohm,
		Reserve:   token.NewLedger(common.HexToAddress("0x05d5"), "USDS", 18),
		Vault:     h.sdai,
	}, defaultConfig())
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestSwapLowWall(t *testing.T) {
	h := newHarness(t)
	supply := h.ohm.TotalSupply()

	out, err := h.op.Swap(user, h.ohm.Address(), ohmAmt("10"), daiAmt("80"))
	require.NoError(t, err)
	assert.Equal(t, daiAmt("80"), out)

	assert.Equal(t, daiAmt("100080"), h.dai.BalanceOf(user))
	assert.Equal(t, ohmAmt("9990"), h.ohm.BalanceOf(user))
	assert.Equal(t, safe.SafeSub(supply, ohmAmt("10")), h.ohm.TotalSupply())
	assert.Equal(t, daiAmt("99920"), h.dai.BalanceOf(treasuryAddr))
	assert.Equal(t, daiAmt("9920"), h.rng.Capacity(domain.Low))

	swaps := h.events.OfKind(event.KindSwap)
	require.Len(t, swaps, 1)
	assert.Equal(t, domain.Low, swaps[0].(event.Swap).Side)
}

func TestSwapHighWall(t *testing.T) {
	h := newHarness(t)
	before := h.rng.Capacity(domain.High)

	out, err := h.op.Swap(user, h.dai.Address(), daiAmt("120"), nil)
	require.NoError(t, err)
	assert.Equal(t, ohmAmt("10"), out)

	assert.Equal(t, ohmAmt("10010"), h.ohm.BalanceOf(user))
	assert.Equal(t, daiAmt("100120"), h.dai.BalanceOf(treasuryAddr))
	assert.Equal(t, safe.SafeSub(before, ohmAmt("10")), h.rng.Capacity(domain.High))
	assert.Equal(t, safe.SafeSub(before, ohmAmt("10")), h.minter.MintApproval(operatorAddr))
}

func TestSwapQuote(t *testing.T) {
	h := newHarness(t)
	out, err := h.op.AmountOut(h.dai.Address(), daiAmt("120"))
	require.NoError(t, err)
	assert.Equal(t, ohmAmt("10"), out)

	_, err = h.op.AmountOut(h.ohm.Address(), ohmAmt("1300"))
	var ce *domain.CapacityError
	assert.ErrorAs(t, err, &ce)
}

func TestSwapRejections(t *testing.T) {
	h := newHarness(t)

	t.Run("zero amount", func(t *testing.T) {
		_, err := h.op.Swap(user, h.ohm.Address(), new(uint256.Int), nil)
		assert.ErrorIs(t, err, domain.ErrZeroAmount)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := h.op.Swap(user, treasuryAddr, ohmAmt("1"), nil)
		assert.ErrorIs(t, err, domain.ErrInvalidToken)
	})

	t.Run("below minimum out", func(t *testing.T) {
		_, err := h.op.Swap(user, h.ohm.Address(), ohmAmt("10"), daiAmt("80.000001"))
		assert.ErrorIs(t, err, domain.ErrAmountLessThanMinimum)
		assert.Equal(t, ohmAmt("10000"), h.ohm.BalanceOf(user))
		assert.Equal(t, daiAmt("10000"), h.rng.Capacity(domain.Low))
	})

	t.Run("over capacity leaves balances untouched", func(t *testing.T) {
		_, err := h.op.Swap(user, h.ohm.Address(), ohmAmt("1300"), nil)
		var ce *domain.CapacityError
		require.ErrorAs(t, err, &ce)
		assert.ErrorIs(t, err, domain.ErrInsufficientCapacity)
		assert.Equal(t, ohmAmt("10000"), h.ohm.BalanceOf(user))
		assert.Equal(t, daiAmt("100000"), h.dai.BalanceOf(treasuryAddr))
	})

	t.Run("missing allowance rolls back capacity", func(t *testing.T) {
		h.ohm.Approve(user, operatorAddr, new(uint256.Int))
		defer h.ohm.Approve(user, operatorAddr, ohmAmt("1000000"))
		_, err := h.op.Swap(user, h.ohm.Address(), ohmAmt("1"), nil)
		var ext *domain.ExternalCallError
		require.ErrorAs(t, err, &ext)
		assert.Equal(t, daiAmt("10000"), h.rng.Capacity(domain.Low))
	})

	assert.Empty(t, h.events.OfKind(event.KindSwap))
}

func TestSwapTakesWallDown(t *testing.T) {
	h := newHarness(t)

	// 9,950 DAI out leaves 50, under the 1% threshold of 100.
	out, err := h.op.Swap(user, h.ohm.Address(), ohmAmt("1243.75"), nil)
	require.NoError(t, err)
	assert.Equal(t, daiAmt("9950"), out)
	assert.False(t, h.rng.Active(domain.Low))
	assert.Len(t, h.events.OfKind(event.KindWallDown), 1)

	_, err = h.op.Swap(user, h.ohm.Address(), ohmAmt("1"), nil)
	assert.ErrorIs(t, err, domain.ErrWallDown)

	// the high wall is unaffected
	_, err = h.op.Swap(user, h.dai.Address(), daiAmt("12"), nil)
	require.NoError(t, err)
}

func TestSwapThroughVault(t *testing.T) {
	h := newHarness(t, func(s *setup) { s.useVault = true })
	assert.Equal(t, daiAmt("10000"), h.rng.Capacity(domain.Low))
	assert.Equal(t, daiAmt("10000"), h.trsry.WithdrawApproval(operatorAddr, h.sdai.Address()))

	out, err := h.op.Swap(user, h.ohm.Address(), ohmAmt("10"), nil)
	require.NoError(t, err)
	assert.Equal(t, daiAmt("80"), out)
	assert.Equal(t, daiAmt("100080"), h.dai.BalanceOf(user))
	assert.Equal(t, daiAmt("99920"), h.sdai.BalanceOf(treasuryAddr))
	assert.True(t, h.sdai.BalanceOf(operatorAddr).IsZero())

	_, err = h.op.Swap(user, h.dai.Address(), daiAmt("120"), nil)
	require.NoError(t, err)
	assert.Equal(t, daiAmt("100040"), h.sdai.BalanceOf(treasuryAddr))
	assert.True(t, h.dai.BalanceOf(operatorAddr).IsZero())
}

func TestInactive(t *testing.T) {
	t.Run("deactivated", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.op.Deactivate(adminAddr))
		_, err := h.op.Swap(user, h.ohm.Address(), ohmAmt("1"), nil)
		assert.ErrorIs(t, err, domain.ErrInactive)
		assert.ErrorIs(t, h.op.Operate(heartAddr), domain.ErrInactive)

		require.NoError(t, h.op.Activate(adminAddr))
		_, err = h.op.Swap(user, h.ohm.Address(), ohmAmt("1"), nil)
		require.NoError(t, err)
	})

	t.Run("stale observation", func(t *testing.T) {
		h := newHarness(t)
		h.clk.Advance(3*frequency + time.Second)
		_, err := h.op.Swap(user, h.ohm.Address(), ohmAmt("1"), nil)
		assert.ErrorIs(t, err, domain.ErrInactive)
		var se *domain.StateError
		assert.ErrorAs(t, err, &se)
	})
}

func TestActivityCheckedUnderGuard(t *testing.T) {
	h := newHarness(t)
	release, err := h.op.guard.Enter("operator.deactivate")
	require.NoError(t, err)
	h.op.mu.Lock()
	h.op.active = false
	h.op.mu.Unlock()

	_, err = h.op.Swap(user, h.ohm.Address(), ohmAmt("1"), nil)
	assert.ErrorIs(t, err, domain.ErrReentrant)
	assert.ErrorIs(t, h.op.Operate(heartAddr), domain.ErrReentrant)
	assert.ErrorIs(t, h.op.Initialize(adminAddr), domain.ErrReentrant)
	release()

	_, err = h.op.Swap(user, h.ohm.Address(), ohmAmt("1"), nil)
	assert.ErrorIs(t, err, domain.ErrInactive)
	assert.ErrorIs(t, h.op.Operate(heartAddr), domain.ErrInactive)
}

func TestAccessControl(t *testing.T) {
	h := newHarness(t)
	roles := kernel.NewRoles()
	roles.Grant(kernel.RoleOperatorOperate, heartAddr)
	h.op.gate = roles

	assert.ErrorIs(t, h.op.Operate(user), domain.ErrUnauthorized)
	assert.ErrorIs(t, h.op.SetCushionFactor(user, 2_000), domain.ErrUnauthorized)
	assert.ErrorIs(t, h.op.BondPurchase(user, 0, user, ohmAmt("1"), daiAmt("1")), domain.ErrUnauthorized)
	require.NoError(t, h.tick("10"))
}

func TestCushionLowSide(t *testing.T) {
	opts := func(s *setup) {
		s.low = lowBands
		s.initial = "12.5"
		s.lbbo = "12.5"
	}

	t.Run("price inside the cushion opens a market", func(t *testing.T) {
		h := newHarness(t, opts)
		require.NoError(t, h.tick("10.5"))

		r := h.rng.Range()
		assert.Equal(t, priceOf("10"), r.Low.Wall.Price)
		assert.Equal(t, priceOf("11"), r.Low.Cushion.Price)
		require.False(t, r.Low.Market.IsNone())

		m, ok := h.house.Market(r.Low.Market)
		require.True(t, ok)
		want := safe.MulDiv(r.Low.Capacity, uint256.NewInt(3_000), uint256.NewInt(10_000))
		assert.Equal(t, want, m.Capacity)
		assert.Equal(t, daiAmt("3000"), m.Capacity)
		assert.Equal(t, h.dai.Address(), m.Params.PayoutToken)
		assert.Equal(t, h.ohm.Address(), m.Params.QuoteToken)
		assert.Equal(t, 8, m.Params.ScaleAdjustment)
		assert.Equal(t, start.Add(frequency+3*day), m.Params.Conclusion)
		assert.Len(t, h.events.OfKind(event.KindCushionUp), 1)
	})

	t.Run("operate twice opens one market", func(t *testing.T) {
		h := newHarness(t, opts)
		require.NoError(t, h.tick("10.5"))
		capacity := h.rng.Capacity(domain.Low)
		require.NoError(t, h.op.Operate(heartAddr))
		assert.Equal(t, 1, h.house.MarketCount())
		assert.Equal(t, capacity, h.rng.Capacity(domain.Low))
	})

	t.Run("bond purchase draws down the side", func(t *testing.T) {
		h := newHarness(t, opts)
		require.NoError(t, h.tick("10.5"))
		id := h.rng.Market(domain.Low)

		supply := h.ohm.TotalSupply()
		reserves := h.dai.BalanceOf(treasuryAddr)
		userOHM, userDAI := h.ohm.BalanceOf(user), h.dai.BalanceOf(user)

		payout, err := h.house.Purchase(user, id, ohmAmt("1"), new(uint256.Int))
		require.NoError(t, err)
		assert.Equal(t, daiAmt("10"), payout)
		assert.Equal(t, daiAmt("9990"), h.rng.Capacity(domain.Low))
		assert.Equal(t, id, h.rng.Market(domain.Low))

		assert.Equal(t, new(uint256.Int).Sub(supply, ohmAmt("1")), h.ohm.TotalSupply())
		assert.Equal(t, new(uint256.Int).Sub(reserves, payout), h.dai.BalanceOf(treasuryAddr))
		assert.Equal(t, new(uint256.Int).Sub(userOHM, ohmAmt("1")), h.ohm.BalanceOf(user))
		assert.Equal(t, new(uint256.Int).Add(userDAI, payout), h.dai.BalanceOf(user))
		assert.True(t, h.ohm.BalanceOf(operatorAddr).IsZero())
	})

	t.Run("bond purchase without the quote token rolls back", func(t *testing.T) {
		h := newHarness(t, opts)
		require.NoError(t, h.tick("10.5"))
		id := h.rng.Market(domain.Low)
		broke := common.HexToAddress("0xb0b")
		h.ohm.Approve(broke, operatorAddr, token.MaxApproval())
		reserves := h.dai.BalanceOf(treasuryAddr)

		_, err := h.house.Purchase(broke, id, ohmAmt("1"), new(uint256.Int))
		require.Error(t, err)
		assert.Equal(t, h.op.FullCapacity(domain.Low), h.rng.Capacity(domain.Low))
		assert.Equal(t, reserves, h.dai.BalanceOf(treasuryAddr))
		assert.True(t, h.dai.BalanceOf(broke).IsZero())
		assert.Equal(t, daiAmt("3000"), h.house.CurrentCapacity(id))
	})

	t.Run("bond purchase for an unknown market fails", func(t *testing.T) {
		h := newHarness(t, opts)
		assert.ErrorIs(t, h.op.BondPurchase(houseAddr, domain.NoMarket, user, ohmAmt("1"), daiAmt("1")), domain.ErrNotFound)
		assert.ErrorIs(t, h.op.BondPurchase(houseAddr, 42, user, ohmAmt("1"), daiAmt("1")), domain.ErrNotFound)
	})

	t.Run("price leaving the cushion closes the market", func(t *testing.T) {
		h := newHarness(t, opts)
		require.NoError(t, h.tick("10.5"))
		id := h.rng.Market(domain.Low)
		require.NoError(t, h.tick("11.5"))

		assert.True(t, h.rng.Market(domain.Low).IsNone())
		assert.False(t, h.house.IsLive(id))
		assert.Len(t, h.events.OfKind(event.KindCushionDown), 1)
	})

	t.Run("deactivate cushion", func(t *testing.T) {
		h := newHarness(t, opts)
		require.NoError(t, h.tick("10.5"))
		require.NoError(t, h.op.DeactivateCushion(adminAddr, domain.Low))
		assert.True(t, h.rng.Market(domain.Low).IsNone())
		assert.True(t, h.rng.Active(domain.Low))
	})
}

func TestCushionHighSide(t *testing.T) {
	// A 30 day window keeps the target near 10 while price sits at 11.5.
	h := newHarness(t, func(s *setup) { s.window = 30 * day })
	require.NoError(t, h.tick("11.5"))

	r := h.rng.Range()
	require.False(t, r.High.Market.IsNone())
	m, ok := h.house.Market(r.High.Market)
	require.True(t, ok)
	assert.Equal(t, h.ohm.Address(), m.Params.PayoutToken)
	assert.Equal(t, safe.MulDiv(r.High.Capacity, uint256.NewInt(3_000), uint256.NewInt(10_000)), m.Capacity)

	// 100 DAI buys between 100/12.1 and 100/11 OHM at the opening price.
	payout, err := h.house.PayoutFor(r.High.Market, daiAmt("100"))
	require.NoError(t, err)
	assert.True(t, payout.Gt(ohmAmt("8.26")), payout.Dec())
	assert.True(t, payout.Lt(ohmAmt("9.09")), payout.Dec())

	t.Run("bond purchase mints the payout", func(t *testing.T) {
		supply := h.ohm.TotalSupply()
		reserves := h.dai.BalanceOf(treasuryAddr)
		approval := h.minter.MintApproval(operatorAddr)
		userOHM := h.ohm.BalanceOf(user)

		out, err := h.house.Purchase(user, r.High.Market, daiAmt("100"), new(uint256.Int))
		require.NoError(t, err)
		assert.Equal(t, payout, out)
		assert.Equal(t, new(uint256.Int).Add(supply, out), h.ohm.TotalSupply())
		assert.Equal(t, new(uint256.Int).Add(userOHM, out), h.ohm.BalanceOf(user))
		assert.Equal(t, new(uint256.Int).Add(reserves, daiAmt("100")), h.dai.BalanceOf(treasuryAddr))
		assert.Equal(t, new(uint256.Int).Sub(approval, out), h.minter.MintApproval(operatorAddr))
		assert.Equal(t, new(uint256.Int).Sub(r.High.Capacity, out), h.rng.Capacity(domain.High))
	})
}

func TestCushionThroughVault(t *testing.T) {
	h := newHarness(t, func(s *setup) {
		s.low = lowBands
		s.initial = "12.5"
		s.lbbo = "12.5"
		s.useVault = true
	})
	require.NoError(t, h.tick("10.5"))
	id := h.rng.Market(domain.Low)
	require.False(t, id.IsNone())
	shares := h.sdai.BalanceOf(treasuryAddr)
	userDAI := h.dai.BalanceOf(user)

	payout, err := h.house.Purchase(user, id, ohmAmt("1"), new(uint256.Int))
	require.NoError(t, err)
	assert.Equal(t, new(uint256.Int).Add(userDAI, payout), h.dai.BalanceOf(user))
	assert.Equal(t, new(uint256.Int).Sub(shares, h.sdai.PreviewWithdraw(payout)), h.sdai.BalanceOf(treasuryAddr))
	assert.True(t, h.sdai.BalanceOf(operatorAddr).IsZero())
}

func TestRegenerationAfterObservations(t *testing.T) {
	// Backing pins the target at 10 so every tick at 9.5 favours the high side.
	h := newHarness(t, func(s *setup) { s.lbbo = "10" })
	_, err := h.op.Swap(user, h.dai.Address(), daiAmt("1200"), nil)
	require.NoError(t, err)
	drained := h.rng.Capacity(domain.High)

	for i := 1; i <= 4; i++ {
		require.NoError(t, h.tick("9.5"))
		assert.Equal(t, uint32(i), h.op.Status().High.Count)
		assert.Zero(t, h.op.Status().Low.Count)
	}
	assert.Equal(t, drained, h.rng.Capacity(domain.High))

	require.NoError(t, h.tick("9.5"))
	status := h.op.Status()
	assert.Zero(t, status.High.Count)
	assert.Equal(t, h.clk.Now(), status.High.LastRegen)
	full := h.op.FullCapacity(domain.High)
	assert.Equal(t, full, h.rng.Capacity(domain.High))
	assert.Equal(t, full, h.minter.MintApproval(operatorAddr))
	assert.Equal(t, h.clk.Now(), h.rng.LastActive(domain.High))
}

func TestObservationAtTargetCountsForBothSides(t *testing.T) {
	h := newHarness(t)
	target, err := h.op.TargetPrice()
	require.NoError(t, err)
	require.Equal(t, priceOf("10"), target)

	require.NoError(t, h.tick("10"))
	status := h.op.Status()
	assert.Equal(t, uint32(1), status.Low.Count)
	assert.Equal(t, uint32(1), status.High.Count)
	assert.True(t, status.Low.Observations[0])
	assert.True(t, status.High.Observations[0])

	t.Run("either side of target", func(t *testing.T) {
		require.NoError(t, h.tick("10.01"))
		status := h.op.Status()
		assert.Equal(t, uint32(2), status.Low.Count)
		assert.Equal(t, uint32(1), status.High.Count)
	})
}

func TestRegenerationWaitsForRegenWait(t *testing.T) {
	h := newHarness(t, func(s *setup) {
		s.lbbo = "10"
		s.cfg.RegenWait = 3 * day
	})
	_, err := h.op.Swap(user, h.dai.Address(), daiAmt("1200"), nil)
	require.NoError(t, err)
	drained := h.rng.Capacity(domain.High)

	for range 6 {
		require.NoError(t, h.tick("9.5"))
	}
	assert.Equal(t, uint32(6), h.op.Status().High.Count)
	assert.Equal(t, drained, h.rng.Capacity(domain.High))

	for range 3 {
		require.NoError(t, h.tick("9.5"))
	}
	assert.Equal(t, h.op.FullCapacity(domain.High), h.rng.Capacity(domain.High))
}

func TestLowSideRefillBelowBacking(t *testing.T) {
	h := newHarness(t, func(s *setup) { s.lbbo = "10" })
	// 9,000 DAI out leaves the low side at 10% of full capacity.
	_, err := h.op.Swap(user, h.ohm.Address(), ohmAmt("1125"), nil)
	require.NoError(t, err)
	assert.Equal(t, daiAmt("1000"), h.rng.Capacity(domain.Low))

	require.NoError(t, h.tick("9.5"))
	assert.Equal(t, h.op.FullCapacity(domain.Low), h.rng.Capacity(domain.Low))
}

func TestOperateRollsBackOnFailure(t *testing.T) {
	h := newHarness(t, func(s *setup) {
		s.low = lowBands
		s.initial = "12.5"
		s.lbbo = "12.5"
		s.failing = true
	})
	before := h.rng.Range()
	h.events.Reset()

	err := h.tick("10.5")
	var ext *domain.ExternalCallError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "auction", ext.Target)

	assert.Equal(t, before, h.rng.Range())
	assert.Zero(t, h.op.Status().High.NextObservation)
	assert.Zero(t, h.op.Status().High.Count)
	assert.Empty(t, h.events.OfKind(event.KindPricesChanged))
	assert.Empty(t, h.events.OfKind(event.KindOperate))
	assert.Zero(t, h.buffer.Pending())
}

func TestSetters(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.op.SetSpreads(adminAddr, domain.High, 1_500, 2_500))
	assert.Equal(t, priceOf("12.5"), h.rng.Price(domain.High, true))
	assert.Equal(t, priceOf("11.5"), h.rng.Price(domain.High, false))

	err := h.op.SetSpreads(adminAddr, domain.Low, 3_000, 2_000)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
	assert.Equal(t, uint32(1_000), h.rng.Spread(domain.Low, false))

	require.NoError(t, h.op.SetReserveFactor(adminAddr, 2_000))
	assert.Equal(t, daiAmt("20000"), h.op.FullCapacity(domain.Low))
	assert.Error(t, h.op.SetCushionFactor(adminAddr, 0))
	assert.Equal(t, uint32(3_000), h.op.Config().CushionFactor)

	require.NoError(t, h.tick("10"))
	require.NoError(t, h.op.SetRegenParams(adminAddr, 2*day, 9, 11))
	status := h.op.Status()
	assert.Len(t, status.Low.Observations, 11)
	assert.Zero(t, status.Low.NextObservation)

	require.NoError(t, h.op.Regenerate(adminAddr, domain.Low))
	assert.Equal(t, daiAmt("20000"), h.rng.Capacity(domain.Low))
}
