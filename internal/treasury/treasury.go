// Package treasury implements TRSRY, the custodian of protocol reserves.
package treasury

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/domain"
	"bophades/internal/kernel"
	"bophades/internal/token"
	"bophades/pkg/safe"
)

type approvalKey struct {
	spender common.Address
	token   common.Address
}

// Treasury holds reserve balances at its address and releases them to
// policies against withdraw approvals.
type Treasury struct {
	mu        sync.RWMutex
	address   common.Address
	approvals map[approvalKey]*uint256.Int
	active    bool
}

func New(address common.Address) *Treasury {
	return &Treasury{address: address, approvals: make(map[approvalKey]*uint256.Int), active: true}
}

func (t *Treasury) Keycode() kernel.Keycode { return "TRSRY" }
func (t *Treasury) Version() kernel.Version { return kernel.Version{Major: 1, Minor: 0} }
func (t *Treasury) Address() common.Address { return t.address }

// ReserveBalance is the treasury's balance of tok.
func (t *Treasury) ReserveBalance(tok token.Token) *uint256.Int {
	return tok.BalanceOf(t.address)
}

func (t *Treasury) WithdrawApproval(spender, tok common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return safe.Clone(t.approvals[approvalKey{spender, tok}])
}

func (t *Treasury) IncreaseWithdrawApproval(spender, tok common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := approvalKey{spender, tok}
	sum, overflow := new(uint256.Int).AddOverflow(safe.OrZero(t.approvals[k]), amount)
	if overflow {
		sum = token.MaxApproval()
	}
	t.approvals[k] = sum
}

func (t *Treasury) DecreaseWithdrawApproval(spender, tok common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := approvalKey{spender, tok}
	t.approvals[k] = safe.SubFloor(t.approvals[k], amount)
}

// Withdraw sends amount of tok to `to`, consuming the spender's approval.
func (t *Treasury) Withdraw(spender common.Address, tok token.Token, amount *uint256.Int, to common.Address) error {
	if amount.IsZero() {
		return domain.NewValidationError("TRSRY.withdraw", domain.ErrZeroAmount, "amount")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return domain.NewStateError("TRSRY.withdraw", domain.ErrInactive)
	}
	k := approvalKey{spender, tok.Address()}
	approved := safe.OrZero(t.approvals[k])
	if approved.Lt(amount) {
		return domain.NewCapacityError("TRSRY.withdraw", domain.ErrInsufficientAllowance, safe.Clone(amount), safe.Clone(approved))
	}
	if err := tok.Transfer(t.address, to, amount); err != nil {
		return domain.NewExternalCallError("TRSRY.withdraw", tok.Symbol(), err)
	}
	t.approvals[k] = safe.SafeSub(approved, amount)
	return nil
}

func (t *Treasury) SetActive(active bool) {
	t.mu.Lock()
	t.active = active
	t.mu.Unlock()
}

func (t *Treasury) Snapshot() any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[approvalKey]*uint256.Int, len(t.approvals))
	for k, v := range t.approvals {
		out[k] = safe.Clone(v)
	}
	return out
}

func (t *Treasury) Restore(s any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.approvals = s.(map[approvalKey]*uint256.Int)
}
