// Package vault implements a tokenized yield vault with ERC-4626 share math.
package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/domain"
	"bophades/internal/token"
	"bophades/pkg/safe"
)

// Vault issues shares against deposits of a single asset. Shares are a
// token in their own right: the embedded ledger is the share token.
type Vault struct {
	*token.Ledger
	asset token.Token
}

func New(address common.Address, symbol string, asset token.Token) *Vault {
	return &Vault{Ledger: token.NewLedger(address, symbol, asset.Decimals()), asset: asset}
}

func (v *Vault) Asset() common.Address   { return v.asset.Address() }
func (v *Vault) AssetToken() token.Token { return v.asset }

func (v *Vault) TotalAssets() *uint256.Int {
	return v.asset.BalanceOf(v.Address())
}

func (v *Vault) toShares(assets *uint256.Int, up bool) *uint256.Int {
	num := safe.SafeAdd(v.TotalSupply(), safe.U64(1))
	den := safe.SafeAdd(v.TotalAssets(), safe.U64(1))
	if up {
		return safe.MulDivUp(assets, num, den)
	}
	return safe.MulDiv(assets, num, den)
}

func (v *Vault) toAssets(shares *uint256.Int, up bool) *uint256.Int {
	num := safe.SafeAdd(v.TotalAssets(), safe.U64(1))
	den := safe.SafeAdd(v.TotalSupply(), safe.U64(1))
	if up {
		return safe.MulDivUp(shares, num, den)
	}
	return safe.MulDiv(shares, num, den)
}

func (v *Vault) ConvertToShares(assets *uint256.Int) *uint256.Int { return v.toShares(assets, false) }
func (v *Vault) ConvertToAssets(shares *uint256.Int) *uint256.Int { return v.toAssets(shares, false) }
func (v *Vault) PreviewDeposit(assets *uint256.Int) *uint256.Int  { return v.toShares(assets, false) }
func (v *Vault) PreviewMint(shares *uint256.Int) *uint256.Int     { return v.toAssets(shares, true) }
func (v *Vault) PreviewWithdraw(assets *uint256.Int) *uint256.Int { return v.toShares(assets, true) }
func (v *Vault) PreviewRedeem(shares *uint256.Int) *uint256.Int   { return v.toAssets(shares, false) }

// Deposit pulls assets from caller (which must have approved the vault)
// and mints shares to receiver.
func (v *Vault) Deposit(caller common.Address, assets *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	if assets.IsZero() {
		return nil, domain.NewValidationError("vault.deposit", domain.ErrZeroAmount, "assets")
	}
	shares := v.PreviewDeposit(assets)
	if shares.IsZero() {
		return nil, domain.NewRoundingError("vault.deposit", domain.ErrZeroAmount)
	}
	if err := v.asset.TransferFrom(v.Address(), caller, v.Address(), assets); err != nil {
		return nil, domain.NewExternalCallError("vault.deposit", v.asset.Symbol(), err)
	}
	v.Mint(receiver, shares)
	return shares, nil
}

// Redeem burns shares from owner and sends the assets to receiver.
func (v *Vault) Redeem(caller common.Address, shares *uint256.Int, receiver, owner common.Address) (*uint256.Int, error) {
	assets := v.PreviewRedeem(shares)
	if assets.IsZero() {
		return nil, domain.NewRoundingError("vault.redeem", domain.ErrZeroAmount)
	}
	if err := v.exit("vault.redeem", caller, owner, receiver, shares, assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// Withdraw burns however many shares are needed to send exactly assets.
func (v *Vault) Withdraw(caller common.Address, assets *uint256.Int, receiver, owner common.Address) (*uint256.Int, error) {
	if assets.IsZero() {
		return nil, domain.NewValidationError("vault.withdraw", domain.ErrZeroAmount, "assets")
	}
	shares := v.PreviewWithdraw(assets)
	if err := v.exit("vault.withdraw", caller, owner, receiver, shares, assets); err != nil {
		return nil, err
	}
	return shares, nil
}

func (v *Vault) exit(op string, caller, owner, receiver common.Address, shares, assets *uint256.Int) error {
	if caller != owner {
		allowed := v.Allowance(owner, caller)
		if allowed.Lt(shares) {
			return domain.NewCapacityError(op, domain.ErrInsufficientAllowance, shares, allowed)
		}
		if !allowed.Eq(token.MaxApproval()) {
			v.Approve(owner, caller, safe.SafeSub(allowed, shares))
		}
	}
	if err := v.Burn(owner, shares); err != nil {
		return err
	}
	if err := v.asset.Transfer(v.Address(), receiver, assets); err != nil {
		return domain.NewExternalCallError(op, v.asset.Symbol(), err)
	}
	return nil
}

// Accrue donates yield into the vault, raising the share price.
func (v *Vault) Accrue(from common.Address, amount *uint256.Int) error {
	return v.asset.Transfer(from, v.Address(), amount)
}
