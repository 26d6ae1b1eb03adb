// Package deposit issues receipt tokens for time-locked deposits and
// redeems them, either at maturity through a redemption vault or early at
// a per-period reclaim rate.
package deposit

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"bophades/internal/assetmgr"
	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/kernel"
	"bophades/internal/token"
	"bophades/pkg/safe"
)

const oneHundredPercent = 10_000

// AssetPeriod is a deposit asset paired with a lock period in months.
type AssetPeriod struct {
	Asset       common.Address `json:"asset"`
	Period      uint8          `json:"period"`
	ReclaimRate uint16         `json:"reclaim_rate"`
	ReceiptID   common.Hash    `json:"receipt_id"`
}

type holderKey struct {
	id    common.Hash
	owner common.Address
}

type allowanceKey struct {
	id             common.Hash
	owner, spender common.Address
}

// Manager takes deposits into asset custody and tracks the receipt tokens
// minted against them. Receipt balances are multi-token: one id per asset
// and period.
type Manager struct {
	mu sync.RWMutex

	address common.Address
	gate    kernel.Gate
	events  event.Recorder
	assets  *assetmgr.Manager

	periods    map[common.Hash]*AssetPeriod
	order      []common.Hash
	balances   map[holderKey]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     map[common.Hash]*uint256.Int
}

func NewManager(assets *assetmgr.Manager, gate kernel.Gate, rec event.Recorder) *Manager {
	if gate == nil {
		gate = kernel.AllowAll{}
	}
	if rec == nil {
		rec = event.Nop{}
	}
	return &Manager{
		address:    assets.Address(),
		gate:       gate,
		events:     rec,
		assets:     assets,
		periods:    make(map[common.Hash]*AssetPeriod),
		balances:   make(map[holderKey]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		supply:     make(map[common.Hash]*uint256.Int),
	}
}

// Address is where deposited assets are held; depositors approve it.
func (m *Manager) Address() common.Address { return m.address }

func (m *Manager) Assets() *assetmgr.Manager { return m.assets }

// ReceiptID derives the receipt token id for an asset and period.
func ReceiptID(asset common.Address, period uint8) common.Hash {
	return crypto.Keccak256Hash(asset.Bytes(), []byte{period})
}

// AddAsset configures custody for a deposit asset.
func (m *Manager) AddAsset(caller common.Address, tok token.Token, vault assetmgr.Vault, depositCap, minimumDeposit *uint256.Int) error {
	return m.assets.AddAsset(caller, tok, vault, depositCap, minimumDeposit)
}

// AddAssetPeriod enables deposits of asset locked for period months.
func (m *Manager) AddAssetPeriod(caller, asset common.Address, period uint8, reclaimRate uint16) error {
	const op = "deposit.addAssetPeriod"
	if err := m.gate.Require(kernel.RoleManager, caller); err != nil {
		return err
	}
	if !m.assets.IsConfigured(asset) {
		return domain.NewStateError(op, domain.ErrAssetNotConfigured)
	}
	if period == 0 {
		return domain.NewValidationError(op, domain.ErrInvalidParams, "period")
	}
	if reclaimRate > oneHundredPercent {
		return domain.NewValidationError(op, domain.ErrInvalidParams, "reclaim_rate")
	}
	id := ReceiptID(asset, period)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.periods[id]; ok {
		return domain.NewValidationError(op, domain.ErrAssetExists, "period")
	}
	m.periods[id] = &AssetPeriod{Asset: asset, Period: period, ReclaimRate: reclaimRate, ReceiptID: id}
	m.order = append(m.order, id)
	return nil
}

func (m *Manager) SetReclaimRate(caller, asset common.Address, period uint8, reclaimRate uint16) error {
	const op = "deposit.setReclaimRate"
	if err := m.gate.Require(kernel.RoleManager, caller); err != nil {
		return err
	}
	if reclaimRate > oneHundredPercent {
		return domain.NewValidationError(op, domain.ErrInvalidParams, "reclaim_rate")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[ReceiptID(asset, period)]
	if !ok {
		return domain.NewStateError(op, domain.ErrNotFound)
	}
	p.ReclaimRate = reclaimRate
	return nil
}

// ReclaimRate is the share of a receipt, in basis points, paid out on
// early reclaim.
func (m *Manager) ReclaimRate(asset common.Address, period uint8) (uint16, error) {
	p, err := m.assetPeriod("deposit.reclaimRate", asset, period)
	if err != nil {
		return 0, err
	}
	return p.ReclaimRate, nil
}

func (m *Manager) AssetPeriods() []AssetPeriod {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AssetPeriod, len(m.order))
	for i, id := range m.order {
		out[i] = *m.periods[id]
	}
	return out
}

func (m *Manager) assetPeriod(op string, asset common.Address, period uint8) (AssetPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.periods[ReceiptID(asset, period)]
	if !ok {
		return AssetPeriod{}, domain.NewValidationError(op,
			fmt.Errorf("asset %s period %d: %w", asset.Hex(), period, domain.ErrInvalidToken), "asset_period")
	}
	return *p, nil
}

func (m *Manager) transact(op string, asset common.Address, fn func() error) error {
	tok, vault, _ := m.assets.Custody(asset)
	return kernel.Transact(op, kernel.Participants(m, m.assets, tok, vault, m.events), fn)
}

// Deposit pulls amount from depositor on behalf of operator and mints
// receipt tokens for the amount actually credited.
func (m *Manager) Deposit(operator, asset common.Address, period uint8, depositor common.Address, amount *uint256.Int) (common.Hash, *uint256.Int, error) {
	const op = "deposit.deposit"
	if err := m.gate.Require(kernel.RoleDepositOperator, operator); err != nil {
		return common.Hash{}, nil, err
	}
	p, err := m.assetPeriod(op, asset, period)
	if err != nil {
		return common.Hash{}, nil, err
	}
	var actual *uint256.Int
	err = m.transact(op, asset, func() error {
		var err error
		if actual, _, err = m.assets.DepositAsset(operator, asset, depositor, amount); err != nil {
			return err
		}
		m.mint(p.ReceiptID, depositor, actual)
		return nil
	})
	if err != nil {
		return common.Hash{}, nil, err
	}
	return p.ReceiptID, actual, nil
}

// Withdraw burns depositor's receipt tokens and releases the asset to
// recipient. An operator other than the depositor spends its receipt
// allowance.
func (m *Manager) Withdraw(operator, asset common.Address, period uint8, depositor, recipient common.Address, amount *uint256.Int) (*uint256.Int, error) {
	const op = "deposit.withdraw"
	if err := m.gate.Require(kernel.RoleDepositOperator, operator); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, domain.NewValidationError(op, domain.ErrZeroAmount, "amount")
	}
	p, err := m.assetPeriod(op, asset, period)
	if err != nil {
		return nil, err
	}
	var actual *uint256.Int
	err = m.transact(op, asset, func() error {
		if operator != depositor {
			if err := m.spendAllowance(op, p.ReceiptID, depositor, operator, amount); err != nil {
				return err
			}
		}
		if err := m.burn(op, p.ReceiptID, depositor, amount); err != nil {
			return err
		}
		var err error
		actual, _, err = m.assets.WithdrawAsset(operator, asset, recipient, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return actual, nil
}

func (m *Manager) mint(id common.Hash, to common.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := holderKey{id, to}
	m.balances[k] = safe.SafeAdd(m.balances[k], amount)
	m.supply[id] = safe.SafeAdd(m.supply[id], amount)
}

func (m *Manager) burn(op string, id common.Hash, from common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := holderKey{id, from}
	bal := safe.OrZero(m.balances[k])
	if bal.Lt(amount) {
		return domain.NewCapacityError(op, domain.ErrInsufficientBalance, safe.Clone(amount), safe.Clone(bal))
	}
	m.balances[k] = safe.SafeSub(bal, amount)
	m.supply[id] = safe.SafeSub(m.supply[id], amount)
	return nil
}

func (m *Manager) spendAllowance(op string, id common.Hash, owner, spender common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := allowanceKey{id, owner, spender}
	allowed := safe.OrZero(m.allowances[k])
	if allowed.Lt(amount) {
		return domain.NewCapacityError(op, domain.ErrInsufficientAllowance, safe.Clone(amount), safe.Clone(allowed))
	}
	if !allowed.Eq(token.MaxApproval()) {
		m.allowances[k] = safe.SafeSub(allowed, amount)
	}
	return nil
}

func (m *Manager) ReceiptBalance(owner common.Address, id common.Hash) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return safe.Clone(m.balances[holderKey{id, owner}])
}

func (m *Manager) ReceiptSupply(id common.Hash) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return safe.Clone(m.supply[id])
}

func (m *Manager) ReceiptAllowance(owner, spender common.Address, id common.Hash) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return safe.Clone(m.allowances[allowanceKey{id, owner, spender}])
}

func (m *Manager) ApproveReceipt(owner, spender common.Address, id common.Hash, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey{id, owner, spender}] = safe.Clone(amount)
}

func (m *Manager) TransferReceipt(from, to common.Address, id common.Hash, amount *uint256.Int) error {
	return m.move("deposit.transferReceipt", id, from, to, amount)
}

func (m *Manager) TransferReceiptFrom(spender, from, to common.Address, id common.Hash, amount *uint256.Int) error {
	const op = "deposit.transferReceiptFrom"
	if spender != from {
		if err := m.spendAllowance(op, id, from, spender, amount); err != nil {
			return err
		}
	}
	return m.move(op, id, from, to, amount)
}

func (m *Manager) move(op string, id common.Hash, from, to common.Address, amount *uint256.Int) error {
	if err := m.burn(op, id, from, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := holderKey{id, to}
	m.balances[k] = safe.SafeAdd(m.balances[k], amount)
	m.supply[id] = safe.SafeAdd(m.supply[id], amount)
	return nil
}

type snapshot struct {
	periods    map[common.Hash]AssetPeriod
	balances   map[holderKey]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     map[common.Hash]*uint256.Int
}

func cloneAmounts[K comparable](in map[K]*uint256.Int) map[K]*uint256.Int {
	out := make(map[K]*uint256.Int, len(in))
	for k, v := range in {
		out[k] = safe.Clone(v)
	}
	return out
}

func (m *Manager) Snapshot() any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	periods := make(map[common.Hash]AssetPeriod, len(m.periods))
	for id, p := range m.periods {
		periods[id] = *p
	}
	return snapshot{
		periods:    periods,
		balances:   cloneAmounts(m.balances),
		allowances: cloneAmounts(m.allowances),
		supply:     cloneAmounts(m.supply),
	}
}

func (m *Manager) Restore(s any) {
	snap := s.(snapshot)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range snap.periods {
		if cur, ok := m.periods[id]; ok {
			*cur = p
		}
	}
	m.balances = cloneAmounts(snap.balances)
	m.allowances = cloneAmounts(snap.allowances)
	m.supply = cloneAmounts(snap.supply)
}
