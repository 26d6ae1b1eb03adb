// Package token implements fungible token ledgers and the MINTR module.
package token

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/domain"
	"bophades/pkg/quant"
	"bophades/pkg/safe"
)

// Token is the fungible-token surface consumed by policies. The caller
// identity is always explicit: Transfer moves from `from`, TransferFrom
// spends the allowance granted by `from` to `spender`.
type Token interface {
	Address() common.Address
	Symbol() string
	Decimals() uint8
	BalanceOf(owner common.Address) *uint256.Int
	TotalSupply() *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
	Approve(owner, spender common.Address, amount *uint256.Int)
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}

type allowanceKey struct {
	owner, spender common.Address
}

// Ledger is an in-memory token. With a transfer fee set, the recipient of
// every transfer receives amount minus fee and the fee goes to the sink.
type Ledger struct {
	mu         sync.RWMutex
	address    common.Address
	symbol     string
	decimals   uint8
	supply     *uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int

	feeBps  uint32
	feeSink common.Address
}

var _ Token = (*Ledger)(nil)

func NewLedger(address common.Address, symbol string, decimals uint8) *Ledger {
	return &Ledger{
		address:    address,
		symbol:     symbol,
		decimals:   decimals,
		supply:     new(uint256.Int),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

// WithTransferFee makes the ledger skim feeBps of every transfer.
func (l *Ledger) WithTransferFee(feeBps uint32, sink common.Address) *Ledger {
	l.feeBps = feeBps
	l.feeSink = sink
	return l
}

func (l *Ledger) Address() common.Address { return l.address }
func (l *Ledger) Symbol() string          { return l.symbol }
func (l *Ledger) Decimals() uint8         { return l.decimals }

func (l *Ledger) BalanceOf(owner common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return safe.Clone(l.balances[owner])
}

func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return safe.Clone(l.supply)
}

func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return safe.Clone(l.allowances[allowanceKey{owner, spender}])
}

func (l *Ledger) Approve(owner, spender common.Address, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{owner, spender}] = safe.Clone(amount)
}

func (l *Ledger) Transfer(from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move("transfer", from, to, amount)
}

func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if spender != from {
		key := allowanceKey{from, spender}
		allowed := safe.OrZero(l.allowances[key])
		if allowed.Lt(amount) {
			return domain.NewCapacityError(l.symbol+".transferFrom", domain.ErrInsufficientAllowance, safe.Clone(amount), safe.Clone(allowed))
		}
		if !allowed.Eq(maxUint) {
			l.allowances[key] = safe.SafeSub(allowed, amount)
		}
	}
	return l.move("transferFrom", from, to, amount)
}

func (l *Ledger) move(op string, from, to common.Address, amount *uint256.Int) error {
	bal := safe.OrZero(l.balances[from])
	if bal.Lt(amount) {
		return domain.NewCapacityError(l.symbol+"."+op, domain.ErrInsufficientBalance, safe.Clone(amount), safe.Clone(bal))
	}
	fee := new(uint256.Int)
	if l.feeBps > 0 {
		fee = safe.MulDiv(amount, quant.Bps(l.feeBps), quant.Bps(quant.BasisPoints))
	}
	l.balances[from] = safe.SafeSub(bal, amount)
	l.balances[to] = safe.SafeAdd(l.balances[to], safe.SafeSub(amount, fee))
	if !fee.IsZero() {
		l.balances[l.feeSink] = safe.SafeAdd(l.balances[l.feeSink], fee)
	}
	return nil
}

// Mint creates tokens. Only modules call it; policies go through Minter.
func (l *Ledger) Mint(to common.Address, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.supply = safe.SafeAdd(l.supply, amount)
	l.balances[to] = safe.SafeAdd(l.balances[to], amount)
}

// Burn destroys tokens held by from.
func (l *Ledger) Burn(from common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := safe.OrZero(l.balances[from])
	if bal.Lt(amount) {
		return domain.NewCapacityError(l.symbol+".burn", domain.ErrInsufficientBalance, safe.Clone(amount), safe.Clone(bal))
	}
	l.balances[from] = safe.SafeSub(bal, amount)
	l.supply = safe.SafeSub(l.supply, amount)
	return nil
}

func (l *Ledger) String() string {
	return fmt.Sprintf("%s(%s)", l.symbol, l.address.Hex())
}

var maxUint = new(uint256.Int).SetAllOne()

// MaxApproval is the allowance that is never decremented.
func MaxApproval() *uint256.Int { return new(uint256.Int).Set(maxUint) }

type ledgerState struct {
	supply     *uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
}

func (l *Ledger) Snapshot() any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := ledgerState{
		supply:     safe.Clone(l.supply),
		balances:   make(map[common.Address]*uint256.Int, len(l.balances)),
		allowances: make(map[allowanceKey]*uint256.Int, len(l.allowances)),
	}
	for k, v := range l.balances {
		st.balances[k] = safe.Clone(v)
	}
	for k, v := range l.allowances {
		st.allowances[k] = safe.Clone(v)
	}
	return st
}

func (l *Ledger) Restore(s any) {
	st := s.(ledgerState)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.supply = st.supply
	l.balances = st.balances
	l.allowances = st.allowances
}
