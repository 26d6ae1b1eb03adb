// Package delegation keeps governance token balances deposited by policies
// on behalf of accounts, split into an undelegated part held here and
// delegated parts held in per-delegate escrows.
package delegation

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/kernel"
	"bophades/internal/token"
	"bophades/pkg/safe"
)

// DefaultMaxDelegates applies to accounts without an explicit limit.
const DefaultMaxDelegates uint32 = 10

var (
	// MaxDelegate in a request delegates the whole undelegated balance.
	MaxDelegate = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	// MinRescind in a request rescinds everything delegated to the delegate.
	MinRescind = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))

	maxBalance = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 112), uint256.NewInt(1))
)

// Request delegates a positive amount to Delegate or rescinds a negative one.
type Request struct {
	Delegate common.Address `json:"delegate"`
	Amount   *big.Int       `json:"amount"`
}

// Delegation is one entry of an account's delegate set.
type Delegation struct {
	Delegate common.Address `json:"delegate"`
	Escrow   common.Address `json:"escrow"`
	Amount   *uint256.Int   `json:"amount"`
}

// Summary is an account's aggregate position across all policies.
type Summary struct {
	Total        *uint256.Int `json:"total"`
	Delegated    *uint256.Int `json:"delegated"`
	NumDelegates uint32       `json:"num_delegates"`
	MaxDelegates uint32       `json:"max_delegates"`
}

type account struct {
	total        *uint256.Int
	delegated    *uint256.Int
	maxDelegates uint32
	delegates    []common.Address
	amounts      map[common.Address]*uint256.Int
}

func newAccount() *account {
	return &account{total: safe.Zero(), delegated: safe.Zero(), amounts: make(map[common.Address]*uint256.Int)}
}

func (a *account) undelegated() *uint256.Int { return safe.SafeSub(a.total, a.delegated) }

func (a *account) clone() *account {
	amounts := make(map[common.Address]*uint256.Int, len(a.amounts))
	for k, v := range a.amounts {
		amounts[k] = safe.Clone(v)
	}
	return &account{
		total:        safe.Clone(a.total),
		delegated:    safe.Clone(a.delegated),
		maxDelegates: a.maxDelegates,
		delegates:    append([]common.Address(nil), a.delegates...),
		amounts:      amounts,
	}
}

// remove drops delegate from the set with swap-and-pop.
func (a *account) remove(delegate common.Address) {
	for i, d := range a.delegates {
		if d == delegate {
			last := len(a.delegates) - 1
			a.delegates[i] = a.delegates[last]
			a.delegates = a.delegates[:last]
			break
		}
	}
	delete(a.amounts, delegate)
}

type policyKey struct {
	policy, account common.Address
}

// Ledger is the DLGTE module.
type Ledger struct {
	guard kernel.Guard
	mu    sync.RWMutex

	address common.Address
	gov     token.Token
	gate    kernel.Gate
	events  event.Recorder
	escrows *EscrowFactory

	accounts map[common.Address]*account
	policies map[policyKey]*uint256.Int
}

func NewLedger(address common.Address, gov token.Token, escrows *EscrowFactory, gate kernel.Gate, rec event.Recorder) *Ledger {
	if gate == nil {
		gate = kernel.AllowAll{}
	}
	if rec == nil {
		rec = event.Nop{}
	}
	return &Ledger{
		address:  address,
		gov:      gov,
		gate:     gate,
		events:   rec,
		escrows:  escrows,
		accounts: make(map[common.Address]*account),
		policies: make(map[policyKey]*uint256.Int),
	}
}

func (l *Ledger) Keycode() kernel.Keycode { return "DLGTE" }
func (l *Ledger) Version() kernel.Version { return kernel.Version{Major: 1, Minor: 0} }
func (l *Ledger) Address() common.Address { return l.address }

func (l *Ledger) run(op string, fn func() error) error {
	release, err := l.guard.Enter(op)
	if err != nil {
		return err
	}
	defer release()
	return kernel.Transact(op, kernel.Participants(l, l.escrows, l.gov, l.events), fn)
}

// acct returns the live account record, creating it. Callers hold l.mu.
func (l *Ledger) acct(who common.Address) *account {
	a, ok := l.accounts[who]
	if !ok {
		a = newAccount()
		l.accounts[who] = a
	}
	return a
}

func (l *Ledger) maxDelegatesOf(a *account) uint32 {
	if a.maxDelegates == 0 {
		return DefaultMaxDelegates
	}
	return a.maxDelegates
}

// DepositUndelegated pulls amount from policy and credits it, undelegated,
// to onBehalfOf under that policy.
func (l *Ledger) DepositUndelegated(policy, onBehalfOf common.Address, amount *uint256.Int) error {
	const op = "delegation.depositUndelegated"
	if err := l.gate.Require(kernel.RoleGovernance, policy); err != nil {
		return err
	}
	if onBehalfOf == (common.Address{}) {
		return domain.NewValidationError(op, domain.ErrInvalidParams, "on_behalf_of")
	}
	if amount == nil || amount.IsZero() {
		return domain.NewValidationError(op, domain.ErrZeroAmount, "amount")
	}
	return l.run(op, func() error {
		l.mu.Lock()
		a := l.acct(onBehalfOf)
		total := safe.SafeAdd(a.total, amount)
		if total.Gt(maxBalance) {
			l.mu.Unlock()
			return domain.NewValidationError(op, domain.ErrArithmetic, "amount")
		}
		a.total = total
		k := policyKey{policy, onBehalfOf}
		l.policies[k] = safe.SafeAdd(l.policies[k], amount)
		l.mu.Unlock()

		if err := l.gov.TransferFrom(l.address, policy, l.address, amount); err != nil {
			return domain.NewExternalCallError(op, l.gov.Symbol(), err)
		}
		l.events.Record(event.UndelegatedDeposit{Policy: policy, Account: onBehalfOf, Amount: safe.Clone(amount)})
		return nil
	})
}

// WithdrawUndelegated returns amount of onBehalfOf's balance deposited by
// policy back to the policy. When the undelegated balance is short, up to
// autoRescindMaxNumDelegates delegations are rescinded, newest first. If
// that still does not free enough the withdrawal is rejected and nothing
// changes.
func (l *Ledger) WithdrawUndelegated(policy, onBehalfOf common.Address, amount *uint256.Int, autoRescindMaxNumDelegates int) error {
	const op = "delegation.withdrawUndelegated"
	if err := l.gate.Require(kernel.RoleGovernance, policy); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return domain.NewValidationError(op, domain.ErrZeroAmount, "amount")
	}
	if held := l.PolicyAccountBalance(policy, onBehalfOf); held.Lt(amount) {
		return domain.NewCapacityError(op, domain.ErrInsufficientBalance, safe.Clone(amount), held)
	}
	return l.run(op, func() error {
		l.mu.RLock()
		undelegated := l.accounts[onBehalfOf].undelegated()
		l.mu.RUnlock()
		if undelegated.Lt(amount) {
			freed, err := l.autoRescind(onBehalfOf, safe.SafeSub(amount, undelegated), autoRescindMaxNumDelegates)
			if err != nil {
				return err
			}
			if available := safe.SafeAdd(undelegated, freed); available.Lt(amount) {
				return domain.NewCapacityError(op,
					fmt.Errorf("undelegated balance after rescinding %d delegates: %w",
						autoRescindMaxNumDelegates, domain.ErrInsufficientBalance),
					safe.Clone(amount), available)
			}
		}

		l.mu.Lock()
		a := l.accounts[onBehalfOf]
		a.total = safe.SafeSub(a.total, amount)
		k := policyKey{policy, onBehalfOf}
		l.policies[k] = safe.SafeSub(l.policies[k], amount)
		if l.policies[k].IsZero() {
			delete(l.policies, k)
		}
		l.mu.Unlock()

		if err := l.gov.Transfer(l.address, policy, amount); err != nil {
			return domain.NewExternalCallError(op, l.gov.Symbol(), err)
		}
		l.events.Record(event.UndelegatedWithdraw{Policy: policy, Account: onBehalfOf, Amount: safe.Clone(amount)})
		return nil
	})
}

// autoRescind walks the delegate set from the end so that swap-and-pop
// removals never move an entry not yet visited.
func (l *Ledger) autoRescind(who common.Address, needed *uint256.Int, maxDelegates int) (*uint256.Int, error) {
	freed := safe.Zero()
	l.mu.RLock()
	delegates := append([]common.Address(nil), l.accounts[who].delegates...)
	l.mu.RUnlock()

	touched := 0
	for i := len(delegates) - 1; i >= 0 && touched < maxDelegates && freed.Lt(needed); i-- {
		d := delegates[i]
		l.mu.RLock()
		held := safe.Clone(l.accounts[who].amounts[d])
		l.mu.RUnlock()
		amt := safe.Min(held, safe.SafeSub(needed, freed))
		if err := l.rescind(who, d, amt); err != nil {
			return nil, err
		}
		freed = safe.SafeAdd(freed, amt)
		touched++
	}
	return freed, nil
}

func (l *Ledger) rescind(who, delegate common.Address, amount *uint256.Int) error {
	if err := l.escrows.rescind(delegate, who, l.address, amount); err != nil {
		return err
	}
	l.mu.Lock()
	a := l.accounts[who]
	a.delegated = safe.SafeSub(a.delegated, amount)
	a.amounts[delegate] = safe.SafeSub(a.amounts[delegate], amount)
	if a.amounts[delegate].IsZero() {
		a.remove(delegate)
	}
	l.mu.Unlock()
	l.events.Record(event.DelegationApplied{
		Account: who, Delegate: delegate, Amount: new(big.Int).Neg(amount.ToBig()),
	})
	return nil
}

// ApplyDelegations applies requests in order against onBehalfOf's
// aggregate balance, regardless of which policy deposited it. It returns
// the totals delegated and undelegated by the batch and the resulting
// undelegated balance.
func (l *Ledger) ApplyDelegations(policy, onBehalfOf common.Address, requests []Request) (totalDelegated, totalUndelegated, undelegated *uint256.Int, err error) {
	const op = "delegation.applyDelegations"
	if err := l.gate.Require(kernel.RoleGovernance, policy); err != nil {
		return nil, nil, nil, err
	}
	if len(requests) == 0 {
		return nil, nil, nil, domain.NewValidationError(op, domain.ErrInvalidParams, "requests")
	}
	totalDelegated, totalUndelegated = safe.Zero(), safe.Zero()
	err = l.run(op, func() error {
		for i, req := range requests {
			d, u, err := l.apply(op, onBehalfOf, req)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			totalDelegated = safe.SafeAdd(totalDelegated, d)
			totalUndelegated = safe.SafeAdd(totalUndelegated, u)
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	l.mu.RLock()
	undelegated = l.accounts[onBehalfOf].undelegated()
	l.mu.RUnlock()
	slog.Info("🗳️ Delegations applied",
		slog.String("account", onBehalfOf.Hex()),
		slog.Int("requests", len(requests)),
		slog.String("delegated", totalDelegated.Dec()),
		slog.String("undelegated", totalUndelegated.Dec()))
	return totalDelegated, totalUndelegated, undelegated, nil
}

func (l *Ledger) apply(op string, who common.Address, req Request) (delegated, undelegated *uint256.Int, err error) {
	if req.Delegate == (common.Address{}) {
		return nil, nil, domain.NewValidationError(op, domain.ErrInvalidParams, "delegate")
	}
	if req.Amount == nil || req.Amount.Sign() == 0 {
		return nil, nil, domain.NewValidationError(op, domain.ErrZeroAmount, "amount")
	}

	l.mu.Lock()
	a := l.acct(who)
	free := a.undelegated()
	current := safe.Clone(a.amounts[req.Delegate])
	_, known := a.amounts[req.Delegate]
	count, limit := uint32(len(a.delegates)), l.maxDelegatesOf(a)
	l.mu.Unlock()

	if req.Amount.Sign() > 0 {
		amount := free
		if req.Amount.Cmp(MaxDelegate) != 0 {
			var overflow bool
			if amount, overflow = uint256.FromBig(req.Amount); overflow || amount.Gt(maxBalance) {
				return nil, nil, domain.NewValidationError(op, domain.ErrArithmetic, "amount")
			}
		}
		if amount.IsZero() {
			return nil, nil, domain.NewValidationError(op, domain.ErrZeroAmount, "amount")
		}
		if amount.Gt(free) {
			return nil, nil, domain.NewCapacityError(op, domain.ErrInsufficientBalance, amount, free)
		}
		if !known && count >= limit {
			return nil, nil, domain.NewCapacityError(op, domain.ErrTooManyDelegates,
				uint256.NewInt(uint64(count)+1), uint256.NewInt(uint64(limit)))
		}
		if err := l.escrows.delegate(l.address, req.Delegate, who, amount); err != nil {
			return nil, nil, err
		}
		l.mu.Lock()
		if !known {
			a.delegates = append(a.delegates, req.Delegate)
		}
		a.amounts[req.Delegate] = safe.SafeAdd(a.amounts[req.Delegate], amount)
		a.delegated = safe.SafeAdd(a.delegated, amount)
		l.mu.Unlock()
		l.events.Record(event.DelegationApplied{Account: who, Delegate: req.Delegate, Amount: amount.ToBig()})
		return amount, safe.Zero(), nil
	}

	amount := current
	if req.Amount.Cmp(MinRescind) != 0 {
		var overflow bool
		if amount, overflow = uint256.FromBig(new(big.Int).Neg(req.Amount)); overflow {
			return nil, nil, domain.NewValidationError(op, domain.ErrArithmetic, "amount")
		}
	}
	if amount.IsZero() || amount.Gt(current) {
		return nil, nil, domain.NewCapacityError(op, domain.ErrInsufficientBalance, amount, current)
	}
	if err := l.rescind(who, req.Delegate, amount); err != nil {
		return nil, nil, err
	}
	return safe.Zero(), amount, nil
}

// SetMaxDelegateAddresses overrides the delegate limit for account. Zero
// is rejected because it stands for the default.
func (l *Ledger) SetMaxDelegateAddresses(caller, who common.Address, limit uint32) error {
	const op = "delegation.setMaxDelegateAddresses"
	if err := l.gate.Require(kernel.RoleAdmin, caller); err != nil {
		return err
	}
	if limit == 0 {
		return domain.NewValidationError(op, domain.ErrInvalidParams, "max_delegates")
	}
	l.mu.Lock()
	l.acct(who).maxDelegates = limit
	l.mu.Unlock()
	return nil
}

func (l *Ledger) PolicyAccountBalance(policy, who common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return safe.Clone(l.policies[policyKey{policy, who}])
}

func (l *Ledger) AccountSummary(who common.Address) Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[who]
	if !ok {
		return Summary{Total: safe.Zero(), Delegated: safe.Zero(), MaxDelegates: DefaultMaxDelegates}
	}
	return Summary{
		Total:        safe.Clone(a.total),
		Delegated:    safe.Clone(a.delegated),
		NumDelegates: uint32(len(a.delegates)),
		MaxDelegates: l.maxDelegatesOf(a),
	}
}

// AccountDelegations pages through the account's delegate set in set order.
func (l *Ledger) AccountDelegations(who common.Address, start, limit int) []Delegation {
	l.mu.RLock()
	a, ok := l.accounts[who]
	if !ok || start < 0 || start >= len(a.delegates) || limit <= 0 {
		l.mu.RUnlock()
		return nil
	}
	end := min(start+limit, len(a.delegates))
	out := make([]Delegation, 0, end-start)
	for _, d := range a.delegates[start:end] {
		out = append(out, Delegation{Delegate: d, Amount: safe.Clone(a.amounts[d])})
	}
	l.mu.RUnlock()

	for i := range out {
		if e, ok := l.escrows.EscrowFor(out[i].Delegate); ok {
			out[i].Escrow = e.Address()
		}
	}
	return out
}

func (l *Ledger) TotalDelegatedTo(delegate common.Address) *uint256.Int {
	return l.escrows.TotalDelegatedTo(delegate)
}

type snapshot struct {
	accounts map[common.Address]*account
	policies map[policyKey]*uint256.Int
}

func (l *Ledger) Snapshot() any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	accounts := make(map[common.Address]*account, len(l.accounts))
	for k, a := range l.accounts {
		accounts[k] = a.clone()
	}
	policies := make(map[policyKey]*uint256.Int, len(l.policies))
	for k, v := range l.policies {
		policies[k] = safe.Clone(v)
	}
	return snapshot{accounts: accounts, policies: policies}
}

func (l *Ledger) Restore(s any) {
	snap := s.(snapshot)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = snap.accounts
	l.policies = snap.policies
}
