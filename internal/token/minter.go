package token

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/domain"
	"bophades/internal/kernel"
	"bophades/pkg/safe"
)

// Minter is the MINTR module: it mints and burns the managed token against
// per-policy mint approvals.
type Minter struct {
	mu        sync.RWMutex
	token     *Ledger
	approvals map[common.Address]*uint256.Int
	active    bool
}

func NewMinter(t *Ledger) *Minter {
	return &Minter{token: t, approvals: make(map[common.Address]*uint256.Int), active: true}
}

func (m *Minter) Keycode() kernel.Keycode { return "MINTR" }
func (m *Minter) Version() kernel.Version { return kernel.Version{Major: 1, Minor: 0} }
func (m *Minter) Token() *Ledger          { return m.token }

func (m *Minter) MintApproval(spender common.Address) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return safe.Clone(m.approvals[spender])
}

func (m *Minter) IncreaseMintApproval(spender common.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := safe.OrZero(m.approvals[spender])
	// Saturate instead of overflowing.
	sum, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		sum = MaxApproval()
	}
	m.approvals[spender] = sum
}

func (m *Minter) DecreaseMintApproval(spender common.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[spender] = safe.SubFloor(m.approvals[spender], amount)
}

// Mint mints to `to`, consuming the spender's approval.
func (m *Minter) Mint(spender, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return domain.NewValidationError("MINTR.mint", domain.ErrZeroAmount, "amount")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return domain.NewStateError("MINTR.mint", domain.ErrInactive)
	}
	approved := safe.OrZero(m.approvals[spender])
	if approved.Lt(amount) {
		return domain.NewCapacityError("MINTR.mint", domain.ErrInsufficientAllowance, safe.Clone(amount), safe.Clone(approved))
	}
	m.approvals[spender] = safe.SafeSub(approved, amount)
	m.token.Mint(to, amount)
	return nil
}

// Burn burns tokens held by from.
func (m *Minter) Burn(from common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return domain.NewValidationError("MINTR.burn", domain.ErrZeroAmount, "amount")
	}
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()
	if !active {
		return domain.NewStateError("MINTR.burn", domain.ErrInactive)
	}
	return m.token.Burn(from, amount)
}

func (m *Minter) SetActive(active bool) {
	m.mu.Lock()
	m.active = active
	m.mu.Unlock()
}

func (m *Minter) Snapshot() any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	approvals := make(map[common.Address]*uint256.Int, len(m.approvals))
	for k, v := range m.approvals {
		approvals[k] = safe.Clone(v)
	}
	return approvals
}

func (m *Minter) Restore(s any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals = s.(map[common.Address]*uint256.Int)
}
