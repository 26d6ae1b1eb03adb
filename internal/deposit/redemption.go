package deposit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/clock"
	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/kernel"
	"bophades/pkg/quant"
	"bophades/pkg/safe"
)

// Month is the unit of a deposit period.
const Month = 30 * 24 * time.Hour

// Commitment is a quantity of receipt tokens locked until RedeemableAt.
// A redeemed commitment keeps its slot with a zero amount.
type Commitment struct {
	Asset        common.Address `json:"asset"`
	Period       uint8          `json:"period"`
	Amount       *uint256.Int   `json:"amount"`
	RedeemableAt time.Time      `json:"redeemable_at"`
}

func (c Commitment) clone() Commitment {
	c.Amount = safe.Clone(c.Amount)
	return c
}

type RedemptionDeps struct {
	// Address holds committed receipt tokens.
	Address common.Address
	// Operator is the deposit operator whose custody backs the receipts.
	// Defaults to Address.
	Operator common.Address
	Treasury common.Address
	Clock    clock.Clock
	Gate     kernel.Gate
	Events   event.Recorder
	Manager  *Manager
}

// RedemptionVault exchanges receipt tokens for their underlying asset,
// either through a time-locked commitment or immediately at the reclaim
// rate.
type RedemptionVault struct {
	guard kernel.Guard
	mu    sync.RWMutex

	address  common.Address
	operator common.Address
	treasury common.Address
	clock    clock.Clock
	gate     kernel.Gate
	events   event.Recorder
	manager  *Manager

	enabled     bool
	commitments map[common.Address][]Commitment
}

func NewRedemptionVault(d RedemptionDeps) (*RedemptionVault, error) {
	const op = "redemption.new"
	if d.Manager == nil || d.Clock == nil {
		return nil, domain.NewValidationError(op, domain.ErrInvalidParams, "deps")
	}
	if d.Treasury == (common.Address{}) {
		return nil, domain.NewValidationError(op, domain.ErrInvalidParams, "treasury")
	}
	if d.Gate == nil {
		d.Gate = kernel.AllowAll{}
	}
	if d.Events == nil {
		d.Events = event.Nop{}
	}
	if d.Operator == (common.Address{}) {
		d.Operator = d.Address
	}
	return &RedemptionVault{
		address:     d.Address,
		operator:    d.Operator,
		treasury:    d.Treasury,
		clock:       d.Clock,
		gate:        d.Gate,
		events:      d.Events,
		manager:     d.Manager,
		enabled:     true,
		commitments: make(map[common.Address][]Commitment),
	}, nil
}

func (v *RedemptionVault) Address() common.Address { return v.address }

func (v *RedemptionVault) Enabled() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled
}

func (v *RedemptionVault) Enable(caller common.Address) error {
	if err := v.gate.Require(kernel.RoleAdmin, caller); err != nil {
		return err
	}
	v.setEnabled(true)
	return nil
}

// Disable stops every mutation. Emergency callers may also disable.
func (v *RedemptionVault) Disable(caller common.Address) error {
	if err := v.gate.Require(kernel.RoleAdmin, caller); err != nil {
		if v.gate.Require(kernel.RoleEmergency, caller) != nil {
			return err
		}
	}
	v.setEnabled(false)
	return nil
}

func (v *RedemptionVault) setEnabled(on bool) {
	v.mu.Lock()
	v.enabled = on
	v.mu.Unlock()
	slog.Info("🔒 Redemption vault toggled", slog.Bool("enabled", on))
}

// run serializes a mutation and makes it all-or-nothing across the vault,
// the deposit manager and the asset's custody.
func (v *RedemptionVault) run(op string, asset common.Address, fn func() error) error {
	release, err := v.enter(op)
	if err != nil {
		return err
	}
	defer release()
	return v.transact(op, asset, fn)
}

// enter marks the vault busy. Commitment state must be read only after
// enter succeeds.
func (v *RedemptionVault) enter(op string) (func(), error) {
	release, err := v.guard.Enter(op)
	if err != nil {
		return nil, err
	}
	if !v.Enabled() {
		release()
		return nil, domain.NewStateError(op, domain.ErrDisabled)
	}
	return release, nil
}

func (v *RedemptionVault) transact(op string, asset common.Address, fn func() error) error {
	tok, vault, _ := v.manager.Assets().Custody(asset)
	return kernel.Transact(op, kernel.Participants(v, v.manager, v.manager.Assets(), tok, vault, v.events), fn)
}

// Commit locks amount of the caller's receipt tokens for the asset and
// period. The receipts move to the vault, so the caller must have approved
// it on the deposit manager.
func (v *RedemptionVault) Commit(caller, asset common.Address, period uint8, amount *uint256.Int) (uint64, error) {
	const op = "redemption.commit"
	if amount == nil || amount.IsZero() {
		return 0, domain.NewValidationError(op, domain.ErrZeroAmount, "amount")
	}
	p, err := v.manager.assetPeriod(op, asset, period)
	if err != nil {
		return 0, err
	}
	var id uint64
	err = v.run(op, asset, func() error {
		if err := v.manager.TransferReceiptFrom(v.address, caller, v.address, p.ReceiptID, amount); err != nil {
			return err
		}
		c := Commitment{
			Asset:        asset,
			Period:       period,
			Amount:       safe.Clone(amount),
			RedeemableAt: v.clock.Now().Add(time.Duration(period) * Month),
		}
		v.mu.Lock()
		id = uint64(len(v.commitments[caller]))
		v.commitments[caller] = append(v.commitments[caller], c)
		v.mu.Unlock()
		v.events.Record(event.Committed{
			ID: id, User: caller, Asset: asset, Period: period,
			Amount: safe.Clone(amount), RedeemableAt: c.RedeemableAt,
		})
		return nil
	})
	return id, err
}

// Uncommit returns amount of an open commitment's receipts to the caller.
func (v *RedemptionVault) Uncommit(caller common.Address, id uint64, amount *uint256.Int) error {
	const op = "redemption.uncommit"
	if amount == nil || amount.IsZero() {
		return domain.NewValidationError(op, domain.ErrZeroAmount, "amount")
	}
	release, err := v.enter(op)
	if err != nil {
		return err
	}
	defer release()

	c, err := v.commitment(op, caller, id)
	if err != nil {
		return err
	}
	if amount.Gt(c.Amount) {
		return domain.NewCapacityError(op, domain.ErrInsufficientBalance, safe.Clone(amount), c.Amount)
	}
	return v.transact(op, c.Asset, func() error {
		remaining := safe.SafeSub(c.Amount, amount)
		v.setAmount(caller, id, remaining)
		if err := v.manager.TransferReceipt(v.address, caller, ReceiptID(c.Asset, c.Period), amount); err != nil {
			return err
		}
		v.events.Record(event.Uncommitted{ID: id, User: caller, Amount: safe.Clone(amount), Remaining: remaining})
		return nil
	})
}

// Redeem burns a matured commitment's receipts and sends the underlying
// asset to the caller.
func (v *RedemptionVault) Redeem(caller common.Address, id uint64) (*uint256.Int, error) {
	const op = "redemption.redeem"
	release, err := v.enter(op)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := v.commitment(op, caller, id)
	if err != nil {
		return nil, err
	}
	if c.Amount.IsZero() {
		return nil, domain.NewStateError(op, domain.ErrAlreadyRedeemed)
	}
	if now := v.clock.Now(); now.Before(c.RedeemableAt) {
		return nil, domain.NewWaitError(op,
			fmt.Errorf("redeemable in %s: %w", c.RedeemableAt.Sub(now), domain.ErrTooEarly))
	}
	var out *uint256.Int
	err = v.transact(op, c.Asset, func() error {
		v.setAmount(caller, id, safe.Zero())
		var err error
		out, err = v.manager.Withdraw(v.operator, c.Asset, c.Period, v.address, caller, c.Amount)
		if err != nil {
			return domain.NewExternalCallError(op, "deposit manager", err)
		}
		v.events.Record(event.Redeemed{ID: id, User: caller, Amount: safe.Clone(out)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	var decimals uint8 = 18
	if tok, _, ok := v.manager.Assets().Custody(c.Asset); ok {
		decimals = tok.Decimals()
	}
	slog.Info("🎟️ Commitment redeemed",
		slog.String("user", caller.Hex()),
		slog.Uint64("id", id),
		slog.String("amount", quant.Format(out, decimals)))
	return out, nil
}

// PreviewReclaim is the discounted amount paid for reclaiming amount of
// receipts now, rounded down.
func (v *RedemptionVault) PreviewReclaim(asset common.Address, period uint8, amount *uint256.Int) (*uint256.Int, error) {
	rate, err := v.manager.ReclaimRate(asset, period)
	if err != nil {
		return nil, err
	}
	return safe.MulDiv(safe.OrZero(amount), safe.U64(uint64(rate)), safe.U64(oneHundredPercent)), nil
}

func (v *RedemptionVault) Reclaim(caller, asset common.Address, period uint8, amount *uint256.Int) (*uint256.Int, error) {
	return v.reclaim("redemption.reclaim", caller, asset, period, amount)
}

// ReclaimFor reclaims user's receipts on their behalf; the discounted
// amount still goes to user.
func (v *RedemptionVault) ReclaimFor(caller, user, asset common.Address, period uint8, amount *uint256.Int) (*uint256.Int, error) {
	const op = "redemption.reclaimFor"
	if caller != user {
		if err := v.gate.Require(kernel.RoleDepositOperator, caller); err != nil {
			return nil, err
		}
	}
	return v.reclaim(op, user, asset, period, amount)
}

func (v *RedemptionVault) reclaim(op string, user, asset common.Address, period uint8, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, domain.NewValidationError(op, domain.ErrZeroAmount, "amount")
	}
	discounted, err := v.PreviewReclaim(asset, period, amount)
	if err != nil {
		return nil, err
	}
	if discounted.IsZero() {
		return nil, domain.NewRoundingError(op, domain.ErrZeroAmount)
	}
	tok, _, _ := v.manager.Assets().Custody(asset)

	var paid *uint256.Int
	err = v.run(op, asset, func() error {
		released, err := v.manager.Withdraw(v.operator, asset, period, user, v.address, amount)
		if err != nil {
			return domain.NewExternalCallError(op, "deposit manager", err)
		}
		paid = safe.Min(discounted, released)
		if err := tok.Transfer(v.address, user, paid); err != nil {
			return domain.NewExternalCallError(op, tok.Symbol(), err)
		}
		forfeited := safe.SafeSub(released, paid)
		if !forfeited.IsZero() {
			if err := tok.Transfer(v.address, v.treasury, forfeited); err != nil {
				return domain.NewExternalCallError(op, tok.Symbol(), err)
			}
		}
		v.events.Record(event.Reclaimed{
			User: user, Asset: asset, Period: period,
			Amount: safe.Clone(paid), Forfeited: forfeited,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

func (v *RedemptionVault) commitment(op string, user common.Address, id uint64) (Commitment, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	list := v.commitments[user]
	if id >= uint64(len(list)) {
		return Commitment{}, domain.NewStateError(op, fmt.Errorf("commitment %d: %w", id, domain.ErrNotFound))
	}
	return list[id].clone(), nil
}

func (v *RedemptionVault) setAmount(user common.Address, id uint64, amount *uint256.Int) {
	v.mu.Lock()
	v.commitments[user][id].Amount = safe.Clone(amount)
	v.mu.Unlock()
}

func (v *RedemptionVault) Commitment(user common.Address, id uint64) (Commitment, error) {
	return v.commitment("redemption.commitment", user, id)
}

func (v *RedemptionVault) CommitmentCount(user common.Address) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.commitments[user])
}

func (v *RedemptionVault) Commitments(user common.Address) []Commitment {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Commitment, len(v.commitments[user]))
	for i, c := range v.commitments[user] {
		out[i] = c.clone()
	}
	return out
}

type vaultSnapshot struct {
	enabled     bool
	commitments map[common.Address][]Commitment
}

func (v *RedemptionVault) Snapshot() any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[common.Address][]Commitment, len(v.commitments))
	for user, list := range v.commitments {
		cp := make([]Commitment, len(list))
		for i, c := range list {
			cp[i] = c.clone()
		}
		out[user] = cp
	}
	return vaultSnapshot{enabled: v.enabled, commitments: out}
}

func (v *RedemptionVault) Restore(s any) {
	snap := s.(vaultSnapshot)
	v.mu.Lock()
	v.enabled = snap.enabled
	v.commitments = snap.commitments
	v.mu.Unlock()
}
