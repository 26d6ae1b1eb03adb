package delegation

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/kernel"
	"bophades/internal/token"
	"bophades/pkg/quant"
	"bophades/pkg/safe"
)

var (
	ledgerAddr  = common.HexToAddress("0xd1e6")
	factoryAddr = common.HexToAddress("0xfac7")
	admin       = common.HexToAddress("0xad31")
	policyA     = common.HexToAddress("0x0a0a")
	policyB     = common.HexToAddress("0x0b0b")
	alice       = common.HexToAddress("0xa11ce")
	d1          = common.HexToAddress("0xd001")
	d2          = common.HexToAddress("0xd002")
	d3          = common.HexToAddress("0xd003")
)

func gohm(s string) *uint256.Int { return quant.MustParseUnits(s, 18) }

func bigGohm(s string) *big.Int { return gohm(s).ToBig() }

func neg(s string) *big.Int { return new(big.Int).Neg(bigGohm(s)) }

type fixture struct {
	gov     *token.Ledger
	escrows *EscrowFactory
	events  *event.Memory
	ledger  *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{events: &event.Memory{}}
	f.gov = token.NewLedger(common.HexToAddress("0x960e"), "gOHM", 18)
	for _, p := range []common.Address{policyA, policyB} {
		f.gov.Mint(p, gohm("1000"))
		f.gov.Approve(p, ledgerAddr, token.MaxApproval())
	}
	f.escrows = NewEscrowFactory(factoryAddr, f.gov)
	f.ledger = NewLedger(ledgerAddr, f.gov, f.escrows, nil, event.NewBuffer(f.events))
	return f
}

func (f *fixture) escrowBalance(t *testing.T, delegate common.Address) *uint256.Int {
	t.Helper()
	e, ok := f.escrows.EscrowFor(delegate)
	require.True(t, ok)
	return f.gov.BalanceOf(e.Address())
}

func TestDepositAndWithdrawPerPolicy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.DepositUndelegated(policyA, alice, gohm("100")))
	require.NoError(t, f.ledger.DepositUndelegated(policyB, alice, gohm("50")))

	s := f.ledger.AccountSummary(alice)
	assert.Equal(t, gohm("150"), s.Total)
	assert.True(t, s.Delegated.IsZero())
	assert.Equal(t, DefaultMaxDelegates, s.MaxDelegates)
	assert.Equal(t, gohm("150"), f.gov.BalanceOf(ledgerAddr))
	assert.Equal(t, gohm("50"), f.ledger.PolicyAccountBalance(policyB, alice))

	t.Run("policy cannot withdraw another policy's deposit", func(t *testing.T) {
		err := f.ledger.WithdrawUndelegated(policyB, alice, gohm("60"), 0)
		var ce *domain.CapacityError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, gohm("50"), ce.Available)
	})

	require.NoError(t, f.ledger.WithdrawUndelegated(policyB, alice, gohm("50"), 0))
	assert.Equal(t, gohm("1000"), f.gov.BalanceOf(policyB))
	assert.True(t, f.ledger.PolicyAccountBalance(policyB, alice).IsZero())
	assert.Equal(t, gohm("100"), f.ledger.AccountSummary(alice).Total)
	assert.Len(t, f.events.OfKind(event.KindUndelegatedWithdraw), 1)

	t.Run("rejections", func(t *testing.T) {
		assert.ErrorIs(t, f.ledger.DepositUndelegated(policyA, alice, new(uint256.Int)), domain.ErrZeroAmount)
		assert.ErrorIs(t, f.ledger.DepositUndelegated(policyA, common.Address{}, gohm("1")), domain.ErrInvalidParams)
		assert.ErrorIs(t, f.ledger.WithdrawUndelegated(policyA, alice, nil, 0), domain.ErrZeroAmount)
	})
}

func TestDepositBoundedToUint112(t *testing.T) {
	f := newFixture(t)
	huge := safe.SafeAdd(maxBalance, uint256.NewInt(1))
	f.gov.Mint(policyA, huge)

	err := f.ledger.DepositUndelegated(policyA, alice, huge)
	assert.ErrorIs(t, err, domain.ErrArithmetic)
	assert.True(t, f.ledger.AccountSummary(alice).Total.IsZero())
	assert.True(t, f.gov.BalanceOf(ledgerAddr).IsZero())
}

func TestApplyDelegations(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.DepositUndelegated(policyA, alice, gohm("100")))

	delegated, undelegated, free, err := f.ledger.ApplyDelegations(policyA, alice, []Request{
		{Delegate: d1, Amount: bigGohm("30")},
		{Delegate: d2, Amount: bigGohm("50")},
		{Delegate: d1, Amount: neg("10")},
	})
	require.NoError(t, err)
	assert.Equal(t, gohm("80"), delegated)
	assert.Equal(t, gohm("10"), undelegated)
	assert.Equal(t, gohm("30"), free)

	assert.Equal(t, gohm("20"), f.ledger.TotalDelegatedTo(d1))
	assert.Equal(t, gohm("20"), f.escrowBalance(t, d1))
	assert.Equal(t, gohm("50"), f.escrowBalance(t, d2))
	assert.Equal(t, gohm("30"), f.gov.BalanceOf(ledgerAddr))
	assert.Len(t, f.events.OfKind(event.KindDelegationApplied), 3)

	e1, _ := f.escrows.EscrowFor(d1)
	e2, _ := f.escrows.EscrowFor(d2)
	assert.NotEqual(t, e1.Address(), e2.Address())
	assert.Equal(t, gohm("20"), e1.DelegationsOf(alice))

	got := f.ledger.AccountDelegations(alice, 0, 10)
	require.Len(t, got, 2)
	assert.Equal(t, d1, got[0].Delegate)
	assert.Equal(t, e1.Address(), got[0].Escrow)
	assert.Equal(t, gohm("50"), got[1].Amount)
	assert.Len(t, f.ledger.AccountDelegations(alice, 1, 10), 1)
	assert.Empty(t, f.ledger.AccountDelegations(alice, 2, 10))

	t.Run("delegate everything", func(t *testing.T) {
		_, _, free, err := f.ledger.ApplyDelegations(policyB, alice, []Request{{Delegate: d3, Amount: MaxDelegate}})
		require.NoError(t, err)
		assert.True(t, free.IsZero())
		assert.Equal(t, gohm("30"), f.ledger.TotalDelegatedTo(d3))
	})
}

func TestApplyDelegationsRejections(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.DepositUndelegated(policyA, alice, gohm("100")))
	tooBig := new(big.Int).Lsh(big.NewInt(1), 112)

	cases := []struct {
		name string
		reqs []Request
		want error
	}{
		{"empty batch", nil, domain.ErrInvalidParams},
		{"zero delegate", []Request{{Amount: bigGohm("1")}}, domain.ErrInvalidParams},
		{"zero amount", []Request{{Delegate: d1, Amount: big.NewInt(0)}}, domain.ErrZeroAmount},
		{"more than undelegated", []Request{{Delegate: d1, Amount: bigGohm("101")}}, domain.ErrInsufficientBalance},
		{"above uint112", []Request{{Delegate: d1, Amount: tooBig}}, domain.ErrArithmetic},
		{"rescind unknown delegate", []Request{{Delegate: d1, Amount: MinRescind}}, domain.ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := f.ledger.ApplyDelegations(policyA, alice, tc.reqs)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	t.Run("failed batch rolls back earlier requests", func(t *testing.T) {
		_, _, _, err := f.ledger.ApplyDelegations(policyA, alice, []Request{
			{Delegate: d1, Amount: bigGohm("60")},
			{Delegate: d2, Amount: bigGohm("60")},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "request 1")
		assert.True(t, f.ledger.AccountSummary(alice).Delegated.IsZero())
		assert.Equal(t, gohm("100"), f.gov.BalanceOf(ledgerAddr))
		_, ok := f.escrows.EscrowFor(d1)
		assert.False(t, ok)
		assert.Empty(t, f.events.OfKind(event.KindDelegationApplied))
	})
}

func TestRescindAllFreesDelegateSlot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.SetMaxDelegateAddresses(admin, alice, 1))
	require.NoError(t, f.ledger.DepositUndelegated(policyA, alice, gohm("100")))
	_, _, _, err := f.ledger.ApplyDelegations(policyA, alice, []Request{{Delegate: d1, Amount: MaxDelegate}})
	require.NoError(t, err)
	s := f.ledger.AccountSummary(alice)
	require.Equal(t, gohm("100"), s.Delegated)
	require.Equal(t, uint32(1), s.NumDelegates)

	delegated, undelegated, free, err := f.ledger.ApplyDelegations(policyA, alice, []Request{{Delegate: d1, Amount: MinRescind}})
	require.NoError(t, err)
	assert.True(t, delegated.IsZero())
	assert.Equal(t, gohm("100"), undelegated)
	assert.Equal(t, gohm("100"), free)

	s = f.ledger.AccountSummary(alice)
	assert.True(t, s.Delegated.IsZero())
	assert.Zero(t, s.NumDelegates)
	assert.True(t, f.ledger.TotalDelegatedTo(d1).IsZero())

	_, _, _, err = f.ledger.ApplyDelegations(policyA, alice, []Request{{Delegate: d2, Amount: bigGohm("40")}})
	require.NoError(t, err)

	_, _, _, err = f.ledger.ApplyDelegations(policyA, alice, []Request{{Delegate: d3, Amount: bigGohm("10")}})
	var ce *domain.CapacityError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, domain.ErrTooManyDelegates)
	assert.Equal(t, uint256.NewInt(1), ce.Available)
}

func TestWithdrawAutoRescinds(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.DepositUndelegated(policyA, alice, gohm("100")))
	_, _, _, err := f.ledger.ApplyDelegations(policyA, alice, []Request{
		{Delegate: d1, Amount: bigGohm("30")},
		{Delegate: d2, Amount: bigGohm("30")},
		{Delegate: d3, Amount: bigGohm("30")},
	})
	require.NoError(t, err)

	t.Run("no rescinds allowed", func(t *testing.T) {
		err := f.ledger.WithdrawUndelegated(policyA, alice, gohm("50"), 0)
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	})

	t.Run("too few delegates touched", func(t *testing.T) {
		err := f.ledger.WithdrawUndelegated(policyA, alice, gohm("50"), 1)
		var ce *domain.CapacityError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, gohm("40"), ce.Available)
		assert.Equal(t, gohm("30"), f.ledger.TotalDelegatedTo(d3))
		assert.Equal(t, gohm("90"), f.ledger.AccountSummary(alice).Delegated)
	})

	require.NoError(t, f.ledger.WithdrawUndelegated(policyA, alice, gohm("50"), 2))
	assert.Equal(t, gohm("950"), f.gov.BalanceOf(policyA))
	assert.True(t, f.ledger.TotalDelegatedTo(d3).IsZero())
	assert.Equal(t, gohm("20"), f.ledger.TotalDelegatedTo(d2))
	assert.Equal(t, gohm("30"), f.ledger.TotalDelegatedTo(d1))
	assert.Equal(t, gohm("20"), f.escrowBalance(t, d2))
	assert.True(t, f.escrowBalance(t, d3).IsZero())

	s := f.ledger.AccountSummary(alice)
	assert.Equal(t, gohm("50"), s.Total)
	assert.Equal(t, gohm("50"), s.Delegated)
	assert.Equal(t, uint32(2), s.NumDelegates)
	assert.True(t, f.gov.BalanceOf(ledgerAddr).IsZero())
}

func TestSetMaxDelegateAddresses(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.ledger.SetMaxDelegateAddresses(admin, alice, 0), domain.ErrInvalidParams)
	require.NoError(t, f.ledger.SetMaxDelegateAddresses(admin, alice, 3))
	assert.Equal(t, uint32(3), f.ledger.AccountSummary(alice).MaxDelegates)

	roles := kernel.NewRoles()
	f.ledger.gate = roles
	assert.ErrorIs(t, f.ledger.SetMaxDelegateAddresses(alice, alice, 20), domain.ErrUnauthorized)
	assert.ErrorIs(t, f.ledger.DepositUndelegated(policyA, alice, gohm("1")), domain.ErrUnauthorized)
	roles.Grant(kernel.RoleGovernance, policyA)
	require.NoError(t, f.ledger.DepositUndelegated(policyA, alice, gohm("1")))
}
