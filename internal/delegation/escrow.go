package delegation

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"bophades/internal/domain"
	"bophades/internal/token"
	"bophades/pkg/safe"
)

// Escrow holds the tokens delegated to one delegate, tracked per account.
type Escrow struct {
	address  common.Address
	delegate common.Address
	amounts  map[common.Address]*uint256.Int
	total    *uint256.Int
}

func (e *Escrow) Address() common.Address  { return e.address }
func (e *Escrow) Delegate() common.Address { return e.delegate }
func (e *Escrow) Total() *uint256.Int      { return safe.Clone(e.total) }

func (e *Escrow) DelegationsOf(account common.Address) *uint256.Int {
	return safe.Clone(e.amounts[account])
}

func (e *Escrow) clone() *Escrow {
	amounts := make(map[common.Address]*uint256.Int, len(e.amounts))
	for k, v := range e.amounts {
		amounts[k] = safe.Clone(v)
	}
	return &Escrow{address: e.address, delegate: e.delegate, amounts: amounts, total: safe.Clone(e.total)}
}

// EscrowFactory creates one escrow per delegate on first use. Escrow
// addresses are derived from the factory address and a creation nonce.
type EscrowFactory struct {
	mu      sync.RWMutex
	address common.Address
	gov     token.Token
	nonce   uint64
	escrows map[common.Address]*Escrow
}

func NewEscrowFactory(address common.Address, gov token.Token) *EscrowFactory {
	return &EscrowFactory{address: address, gov: gov, escrows: make(map[common.Address]*Escrow)}
}

// EscrowFor returns the delegate's escrow, if one was created.
func (f *EscrowFactory) EscrowFor(delegate common.Address) (*Escrow, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.escrows[delegate]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

func (f *EscrowFactory) TotalDelegatedTo(delegate common.Address) *uint256.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if e, ok := f.escrows[delegate]; ok {
		return safe.Clone(e.total)
	}
	return safe.Zero()
}

func (f *EscrowFactory) escrowAddress(delegate common.Address) common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.escrows[delegate]
	if !ok {
		e = &Escrow{
			address:  crypto.CreateAddress(f.address, f.nonce),
			delegate: delegate,
			amounts:  make(map[common.Address]*uint256.Int),
			total:    safe.Zero(),
		}
		f.nonce++
		f.escrows[delegate] = e
	}
	return e.address
}

// delegate moves amount from `from` into the delegate's escrow on behalf
// of account.
func (f *EscrowFactory) delegate(from, delegate, account common.Address, amount *uint256.Int) error {
	escrow := f.escrowAddress(delegate)
	if err := f.gov.Transfer(from, escrow, amount); err != nil {
		return domain.NewExternalCallError("escrow.delegate", f.gov.Symbol(), err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.escrows[delegate]
	e.amounts[account] = safe.SafeAdd(e.amounts[account], amount)
	e.total = safe.SafeAdd(e.total, amount)
	return nil
}

// rescind returns amount of account's delegation back to `to`.
func (f *EscrowFactory) rescind(delegate, account, to common.Address, amount *uint256.Int) error {
	const op = "escrow.rescind"
	f.mu.Lock()
	e, ok := f.escrows[delegate]
	if !ok {
		f.mu.Unlock()
		return domain.NewStateError(op, domain.ErrNotFound)
	}
	held := safe.OrZero(e.amounts[account])
	if held.Lt(amount) {
		f.mu.Unlock()
		return domain.NewCapacityError(op, domain.ErrInsufficientBalance, safe.Clone(amount), safe.Clone(held))
	}
	e.amounts[account] = safe.SafeSub(held, amount)
	if e.amounts[account].IsZero() {
		delete(e.amounts, account)
	}
	e.total = safe.SafeSub(e.total, amount)
	addr := e.address
	f.mu.Unlock()

	if err := f.gov.Transfer(addr, to, amount); err != nil {
		return domain.NewExternalCallError(op, f.gov.Symbol(), err)
	}
	return nil
}

type factorySnapshot struct {
	nonce   uint64
	escrows map[common.Address]*Escrow
}

func (f *EscrowFactory) Snapshot() any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	escrows := make(map[common.Address]*Escrow, len(f.escrows))
	for k, e := range f.escrows {
		escrows[k] = e.clone()
	}
	return factorySnapshot{nonce: f.nonce, escrows: escrows}
}

func (f *EscrowFactory) Restore(s any) {
	snap := s.(factorySnapshot)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce = snap.nonce
	f.escrows = snap.escrows
}
