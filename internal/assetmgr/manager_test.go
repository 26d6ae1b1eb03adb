package assetmgr

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/kernel"
	"bophades/internal/token"
	"bophades/internal/vault"
	"bophades/pkg/quant"
	"bophades/pkg/safe"
)

var (
	custody  = common.HexToAddress("0xa55e")
	admin    = common.HexToAddress("0xad31")
	policyA  = common.HexToAddress("0x0a0a")
	policyB  = common.HexToAddress("0x0b0b")
	alice    = common.HexToAddress("0xa11ce")
	bob      = common.HexToAddress("0xb0b")
	seedAddr = common.HexToAddress("0x5eed")
)

func units(s string) *uint256.Int { return quant.MustParseUnits(s, 18) }

func newUSDS() *token.Ledger {
	l := token.NewLedger(common.HexToAddress("0x05d5"), "USDS", 18)
	l.Mint(alice, units("1000"))
	l.Approve(alice, custody, token.MaxApproval())
	return l
}

func TestAddAsset(t *testing.T) {
	m := New(custody, nil, nil)
	usds := newUSDS()
	other := token.NewLedger(common.HexToAddress("0xda10"), "DAI", 18)

	t.Run("zero address", func(t *testing.T) {
		err := m.AddAsset(admin, token.NewLedger(common.Address{}, "X", 18), nil, units("1"), nil)
		assert.ErrorIs(t, err, domain.ErrInvalidToken)
	})

	t.Run("vault for another asset", func(t *testing.T) {
		err := m.AddAsset(admin, usds, vault.New(common.HexToAddress("0x5da1"), "sDAI", other), units("1"), nil)
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "vault", ve.Field)
	})

	t.Run("minimum above cap", func(t *testing.T) {
		err := m.AddAsset(admin, usds, nil, units("1"), units("2"))
		assert.ErrorIs(t, err, domain.ErrInvalidParams)
	})

	require.NoError(t, m.AddAsset(admin, usds, nil, units("500"), units("10")))

	t.Run("configured once", func(t *testing.T) {
		err := m.AddAsset(admin, usds, nil, units("900"), nil)
		assert.ErrorIs(t, err, domain.ErrAssetExists)
		cfg, ok := m.AssetConfiguration(usds.Address())
		require.True(t, ok)
		assert.Equal(t, units("500"), cfg.DepositCap)
		assert.Equal(t, common.Address{}, cfg.Vault)
	})

	assert.True(t, m.IsConfigured(usds.Address()))
	assert.False(t, m.IsConfigured(other.Address()))
	assert.Equal(t, []common.Address{usds.Address()}, m.ConfiguredAssets())
}

func TestLimits(t *testing.T) {
	m := New(custody, nil, nil)
	usds := newUSDS()
	require.NoError(t, m.AddAsset(admin, usds, nil, units("500"), units("10")))

	assert.ErrorIs(t, m.SetDepositCap(admin, usds.Address(), units("5")), domain.ErrInvalidParams)
	assert.ErrorIs(t, m.SetMinimumDeposit(admin, usds.Address(), units("501")), domain.ErrInvalidParams)
	assert.ErrorIs(t, m.SetDepositCap(admin, bob, units("5")), domain.ErrAssetNotConfigured)

	require.NoError(t, m.SetDepositCap(admin, usds.Address(), units("50")))
	require.NoError(t, m.SetMinimumDeposit(admin, usds.Address(), units("1")))
	cfg, _ := m.AssetConfiguration(usds.Address())
	assert.Equal(t, units("50"), cfg.DepositCap)
	assert.Equal(t, units("1"), cfg.MinimumDeposit)

	roles := kernel.NewRoles()
	m.gate = roles
	assert.ErrorIs(t, m.SetDepositCap(bob, usds.Address(), units("60")), domain.ErrUnauthorized)
}

func TestIdleCustody(t *testing.T) {
	events := &event.Memory{}
	m := New(custody, nil, events)
	usds := newUSDS()
	require.NoError(t, m.AddAsset(admin, usds, nil, units("500"), units("10")))

	actual, shares, err := m.DepositAsset(policyA, usds.Address(), alice, units("100"))
	require.NoError(t, err)
	assert.Equal(t, units("100"), actual)
	assert.Equal(t, units("100"), shares)
	assert.Equal(t, units("100"), usds.BalanceOf(custody))
	assert.Len(t, events.OfKind(event.KindAssetDeposited), 1)

	s, a := m.OperatorAssets(usds.Address(), policyA)
	assert.Equal(t, units("100"), s)
	assert.Equal(t, units("100"), a)

	t.Run("below minimum", func(t *testing.T) {
		_, _, err := m.DepositAsset(policyA, usds.Address(), alice, units("9"))
		assert.ErrorIs(t, err, domain.ErrMinimumDeposit)
	})

	t.Run("cap counts current holdings", func(t *testing.T) {
		_, _, err := m.DepositAsset(policyA, usds.Address(), alice, units("401"))
		var ce *domain.CapacityError
		require.ErrorAs(t, err, &ce)
		assert.ErrorIs(t, err, domain.ErrDepositCapExceeded)
		assert.Equal(t, units("501"), ce.Requested)

		// the cap is per operator
		_, _, err = m.DepositAsset(policyB, usds.Address(), alice, units("401"))
		require.NoError(t, err)
	})

	t.Run("operators cannot spend each other's shares", func(t *testing.T) {
		_, _, err := m.WithdrawAsset(policyA, usds.Address(), bob, units("101"))
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
		assert.True(t, usds.BalanceOf(bob).IsZero())
	})

	actual, shares, err = m.WithdrawAsset(policyA, usds.Address(), bob, units("40"))
	require.NoError(t, err)
	assert.Equal(t, units("40"), actual)
	assert.Equal(t, units("40"), shares)
	assert.Equal(t, units("40"), usds.BalanceOf(bob))
	s, _ = m.OperatorAssets(usds.Address(), policyA)
	assert.Equal(t, units("60"), s)

	t.Run("rejections", func(t *testing.T) {
		_, _, err := m.WithdrawAsset(policyA, usds.Address(), bob, new(uint256.Int))
		assert.ErrorIs(t, err, domain.ErrZeroAmount)
		_, _, err = m.DepositAsset(policyA, bob, alice, units("10"))
		var se *domain.StateError
		assert.ErrorAs(t, err, &se)
		assert.ErrorIs(t, err, domain.ErrAssetNotConfigured)
	})
}

func TestFeeOnTransferRejected(t *testing.T) {
	m := New(custody, nil, nil)
	fot := token.NewLedger(common.HexToAddress("0xfee0"), "FOT", 18).WithTransferFee(100, bob)
	fot.Mint(alice, units("100"))
	fot.Approve(alice, custody, token.MaxApproval())
	require.NoError(t, m.AddAsset(admin, fot, nil, units("100"), nil))

	_, _, err := m.DepositAsset(policyA, fot.Address(), alice, units("10"))
	assert.ErrorIs(t, err, domain.ErrFeeOnTransfer)
	assert.Equal(t, units("100"), fot.BalanceOf(alice))
	assert.True(t, fot.BalanceOf(custody).IsZero())
	s, _ := m.OperatorAssets(fot.Address(), policyA)
	assert.True(t, s.IsZero())
}

func TestVaultCustody(t *testing.T) {
	usds := newUSDS()
	susds := vault.New(common.HexToAddress("0x5a5d"), "sUSDS", usds)

	// Seed the vault and accrue an uneven amount of yield so share
	// conversions round.
	usds.Mint(seedAddr, units("2000"))
	usds.Approve(seedAddr, susds.Address(), token.MaxApproval())
	_, err := susds.Deposit(seedAddr, units("1000"), seedAddr)
	require.NoError(t, err)
	require.NoError(t, susds.Accrue(seedAddr, safe.SafeAdd(units("37"), uint256.NewInt(123_457))))

	m := New(custody, nil, nil)
	require.NoError(t, m.AddAsset(admin, usds, susds, units("1000"), nil))

	amount := safe.SafeAdd(units("100"), uint256.NewInt(7))
	actual, shares, err := m.DepositAsset(policyA, usds.Address(), alice, amount)
	require.NoError(t, err)
	assert.Equal(t, shares, susds.BalanceOf(custody))
	assert.True(t, usds.BalanceOf(custody).IsZero())
	assert.False(t, actual.Gt(amount), "credited more than deposited")
	assert.True(t, safe.SafeSub(amount, actual).CmpUint64(1) <= 0)

	before := usds.BalanceOf(alice)
	out, burned, err := m.WithdrawAsset(policyA, usds.Address(), alice, actual)
	require.NoError(t, err)
	assert.False(t, burned.Gt(shares))
	got := safe.SafeSub(usds.BalanceOf(alice), before)
	assert.Equal(t, out, got)
	assert.False(t, got.Gt(actual))
	assert.True(t, safe.SafeSub(actual, got).CmpUint64(1) <= 0)
}

func TestDepositRoundingToZeroShares(t *testing.T) {
	usds := newUSDS()
	susds := vault.New(common.HexToAddress("0x5a5d"), "sUSDS", usds)
	usds.Mint(seedAddr, units("10"))
	usds.Approve(seedAddr, susds.Address(), token.MaxApproval())
	_, err := susds.Deposit(seedAddr, uint256.NewInt(1), seedAddr)
	require.NoError(t, err)
	require.NoError(t, susds.Accrue(seedAddr, units("5")))

	m := New(custody, nil, nil)
	require.NoError(t, m.AddAsset(admin, usds, susds, units("10"), nil))
	_, _, err = m.DepositAsset(policyA, usds.Address(), alice, uint256.NewInt(2))
	var re *domain.RoundingError
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, units("1000"), usds.BalanceOf(alice))
}
