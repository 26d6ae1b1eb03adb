// Package assetmgr keeps custody of deposited assets on behalf of operator
// policies. Each asset is configured once, either held idle or deposited
// into a yield vault, and each operator's position is tracked in shares.
package assetmgr

import (
	"fmt"
	"maps"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/kernel"
	"bophades/internal/token"
	"bophades/pkg/safe"
)

// Vault is an ERC-4626 style vault whose asset is the configured token.
type Vault interface {
	Address() common.Address
	Asset() common.Address
	Deposit(caller common.Address, assets *uint256.Int, receiver common.Address) (*uint256.Int, error)
	Redeem(caller common.Address, shares *uint256.Int, receiver, owner common.Address) (*uint256.Int, error)
	PreviewRedeem(shares *uint256.Int) *uint256.Int
	ConvertToShares(assets *uint256.Int) *uint256.Int
}

// AssetConfig is fixed once added, except for the cap and minimum.
type AssetConfig struct {
	Configured     bool           `json:"configured"`
	Vault          common.Address `json:"vault"`
	DepositCap     *uint256.Int   `json:"deposit_cap"`
	MinimumDeposit *uint256.Int   `json:"minimum_deposit"`
}

func (c AssetConfig) clone() AssetConfig {
	c.DepositCap = safe.Clone(c.DepositCap)
	c.MinimumDeposit = safe.Clone(c.MinimumDeposit)
	return c
}

type asset struct {
	token token.Token
	vault Vault
	cfg   AssetConfig
}

type Manager struct {
	guard kernel.Guard
	mu    sync.RWMutex

	address common.Address
	gate    kernel.Gate
	events  event.Recorder

	assets map[common.Address]*asset
	order  []common.Address
	shares map[common.Hash]*uint256.Int
}

// New creates a manager that custodies assets and vault shares at address.
func New(address common.Address, gate kernel.Gate, rec event.Recorder) *Manager {
	if gate == nil {
		gate = kernel.AllowAll{}
	}
	if rec == nil {
		rec = event.Nop{}
	}
	return &Manager{
		address: address,
		gate:    gate,
		events:  rec,
		assets:  make(map[common.Address]*asset),
		shares:  make(map[common.Hash]*uint256.Int),
	}
}

func (m *Manager) Address() common.Address { return m.address }

// ShareKey identifies an operator's position in an asset.
func ShareKey(asset, operator common.Address) common.Hash {
	return crypto.Keccak256Hash(asset.Bytes(), operator.Bytes())
}

// AddAsset configures an asset. vault may be nil for idle custody.
func (m *Manager) AddAsset(caller common.Address, tok token.Token, vault Vault, depositCap, minimumDeposit *uint256.Int) error {
	const op = "assets.addAsset"
	if err := m.gate.Require(kernel.RoleManager, caller); err != nil {
		return err
	}
	if tok == nil || tok.Address() == (common.Address{}) {
		return domain.NewValidationError(op, domain.ErrInvalidToken, "asset")
	}
	if vault != nil && vault.Asset() != tok.Address() {
		return domain.NewValidationError(op,
			fmt.Errorf("vault asset %s: %w", vault.Asset().Hex(), domain.ErrInvalidParams), "vault")
	}
	depositCap, minimumDeposit = safe.OrZero(depositCap), safe.OrZero(minimumDeposit)
	if minimumDeposit.Gt(depositCap) {
		return domain.NewValidationError(op, domain.ErrInvalidParams, "minimum_deposit")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[tok.Address()]; ok {
		return domain.NewValidationError(op, domain.ErrAssetExists, "asset")
	}
	cfg := AssetConfig{Configured: true, DepositCap: safe.Clone(depositCap), MinimumDeposit: safe.Clone(minimumDeposit)}
	if vault != nil {
		cfg.Vault = vault.Address()
	}
	m.assets[tok.Address()] = &asset{token: tok, vault: vault, cfg: cfg}
	m.order = append(m.order, tok.Address())
	return nil
}

func (m *Manager) SetDepositCap(caller, assetAddr common.Address, depositCap *uint256.Int) error {
	return m.updateLimits(caller, "assets.setDepositCap", assetAddr, func(c *AssetConfig) {
		c.DepositCap = safe.Clone(depositCap)
	})
}

func (m *Manager) SetMinimumDeposit(caller, assetAddr common.Address, minimumDeposit *uint256.Int) error {
	return m.updateLimits(caller, "assets.setMinimumDeposit", assetAddr, func(c *AssetConfig) {
		c.MinimumDeposit = safe.Clone(minimumDeposit)
	})
}

func (m *Manager) updateLimits(caller common.Address, op string, assetAddr common.Address, apply func(*AssetConfig)) error {
	if err := m.gate.Require(kernel.RoleManager, caller); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[assetAddr]
	if !ok {
		return domain.NewStateError(op, domain.ErrAssetNotConfigured)
	}
	next := a.cfg.clone()
	apply(&next)
	if next.MinimumDeposit.Gt(next.DepositCap) {
		return domain.NewValidationError(op,
			fmt.Errorf("minimum %s above cap %s: %w", next.MinimumDeposit.Dec(), next.DepositCap.Dec(), domain.ErrInvalidParams), "deposit_cap")
	}
	a.cfg = next
	return nil
}

func (m *Manager) IsConfigured(assetAddr common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.assets[assetAddr]
	return ok
}

func (m *Manager) AssetConfiguration(assetAddr common.Address) (AssetConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[assetAddr]
	if !ok {
		return AssetConfig{}, false
	}
	return a.cfg.clone(), true
}

// ConfiguredAssets lists assets in the order they were added.
func (m *Manager) ConfiguredAssets() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]common.Address(nil), m.order...)
}

// OperatorAssets returns the operator's shares and their current value in
// the underlying asset.
func (m *Manager) OperatorAssets(assetAddr, operator common.Address) (shares, assets *uint256.Int) {
	m.mu.RLock()
	a, ok := m.assets[assetAddr]
	shares = safe.Clone(m.shares[ShareKey(assetAddr, operator)])
	m.mu.RUnlock()
	if !ok || a.vault == nil {
		return shares, safe.Clone(shares)
	}
	return shares, a.vault.PreviewRedeem(shares)
}

// Custody returns the token and optional vault configured for an asset.
func (m *Manager) Custody(assetAddr common.Address) (token.Token, Vault, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[assetAddr]
	if !ok {
		return nil, nil, false
	}
	return a.token, a.vault, true
}

func (m *Manager) lookup(op string, assetAddr common.Address) (*asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[assetAddr]
	if !ok {
		return nil, domain.NewStateError(op, domain.ErrAssetNotConfigured)
	}
	return a, nil
}

func (m *Manager) run(op string, a *asset, fn func() error) error {
	release, err := m.guard.Enter(op)
	if err != nil {
		return err
	}
	defer release()
	return kernel.Transact(op, kernel.Participants(m, a.token, a.vault, m.events), fn)
}

// DepositAsset pulls amount from depositor into custody on behalf of
// operator. It returns the amount actually credited, valued through the
// vault's redemption preview, and the shares recorded.
func (m *Manager) DepositAsset(operator, assetAddr, depositor common.Address, amount *uint256.Int) (actual, shares *uint256.Int, err error) {
	const op = "assets.depositAsset"
	if amount == nil || amount.IsZero() {
		return nil, nil, domain.NewValidationError(op, domain.ErrZeroAmount, "amount")
	}
	a, err := m.lookup(op, assetAddr)
	if err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	cfg := a.cfg.clone()
	m.mu.RUnlock()
	if amount.Lt(cfg.MinimumDeposit) {
		return nil, nil, domain.NewCapacityError(op, domain.ErrMinimumDeposit, safe.Clone(amount), cfg.MinimumDeposit)
	}
	// The cap applies to what the operator holds now, valued in the asset.
	_, held := m.OperatorAssets(assetAddr, operator)
	if total := safe.SafeAdd(held, amount); total.Gt(cfg.DepositCap) {
		return nil, nil, domain.NewCapacityError(op, domain.ErrDepositCapExceeded, total, cfg.DepositCap)
	}

	err = m.run(op, a, func() error {
		before := a.token.BalanceOf(m.address)
		if err := a.token.TransferFrom(m.address, depositor, m.address, amount); err != nil {
			return domain.NewExternalCallError(op, a.token.Symbol(), err)
		}
		received := safe.SafeSub(a.token.BalanceOf(m.address), before)
		if !received.Eq(amount) {
			return domain.NewValidationError(op,
				fmt.Errorf("received %s of %s: %w", received.Dec(), amount.Dec(), domain.ErrFeeOnTransfer), "asset")
		}

		if a.vault == nil {
			shares, actual = safe.Clone(amount), safe.Clone(amount)
		} else {
			a.token.Approve(m.address, a.vault.Address(), amount)
			var err error
			if shares, err = a.vault.Deposit(m.address, amount, m.address); err != nil {
				return domain.NewExternalCallError(op, "vault", err)
			}
			actual = a.vault.PreviewRedeem(shares)
		}
		if shares.IsZero() {
			return domain.NewRoundingError(op, domain.ErrZeroAmount)
		}

		key := ShareKey(assetAddr, operator)
		m.mu.Lock()
		m.shares[key] = safe.SafeAdd(m.shares[key], shares)
		m.mu.Unlock()
		m.events.Record(event.AssetDeposited{
			Asset: assetAddr, Operator: operator, Depositor: depositor,
			Amount: safe.Clone(actual), Shares: safe.Clone(shares),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return actual, shares, nil
}

// WithdrawAsset releases amount of the operator's position to recipient.
// Shares are computed rounding down, so the vault never loses to the
// withdrawer; the returned amount may fall a few wei short of amount.
func (m *Manager) WithdrawAsset(operator, assetAddr, recipient common.Address, amount *uint256.Int) (actual, shares *uint256.Int, err error) {
	const op = "assets.withdrawAsset"
	if amount == nil || amount.IsZero() {
		return nil, nil, domain.NewValidationError(op, domain.ErrZeroAmount, "amount")
	}
	a, err := m.lookup(op, assetAddr)
	if err != nil {
		return nil, nil, err
	}

	err = m.run(op, a, func() error {
		if a.vault == nil {
			shares = safe.Clone(amount)
		} else {
			shares = a.vault.ConvertToShares(amount)
		}
		if shares.IsZero() {
			return domain.NewRoundingError(op, domain.ErrZeroAmount)
		}

		key := ShareKey(assetAddr, operator)
		m.mu.Lock()
		held := safe.OrZero(m.shares[key])
		if shares.Gt(held) {
			m.mu.Unlock()
			return domain.NewCapacityError(op, domain.ErrInsufficientBalance, safe.Clone(shares), safe.Clone(held))
		}
		m.shares[key] = safe.SafeSub(held, shares)
		m.mu.Unlock()

		if a.vault == nil {
			if err := a.token.Transfer(m.address, recipient, amount); err != nil {
				return domain.NewExternalCallError(op, a.token.Symbol(), err)
			}
			actual = safe.Clone(amount)
		} else {
			var err error
			if actual, err = a.vault.Redeem(m.address, shares, recipient, m.address); err != nil {
				return domain.NewExternalCallError(op, "vault", err)
			}
		}
		m.events.Record(event.AssetWithdrawn{
			Asset: assetAddr, Operator: operator, Recipient: recipient,
			Amount: safe.Clone(actual), Shares: safe.Clone(shares),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return actual, shares, nil
}

type snapshot struct {
	shares map[common.Hash]*uint256.Int
}

func (m *Manager) Snapshot() any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[common.Hash]*uint256.Int, len(m.shares))
	for k, v := range m.shares {
		out[k] = safe.Clone(v)
	}
	return snapshot{shares: out}
}

func (m *Manager) Restore(s any) {
	snap := s.(snapshot)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares = maps.Clone(snap.shares)
}
