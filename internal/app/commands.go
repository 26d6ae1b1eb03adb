package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"bophades/internal/delegation"
	"bophades/internal/deposit"
	"bophades/internal/domain"
	"bophades/internal/engine"
	"bophades/internal/kernel"
	"bophades/internal/token"
	"bophades/pkg/quant"
)

// Duration decodes "8h"-style strings.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(time.Duration(d).String()) }

// Quote is one pair price carried by a beat so replays read the same feed.
type Quote struct {
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}

type (
	BeatPayload struct {
		Quotes map[string]Quote `json:"quotes,omitempty"`
	}
	RewardParamsPayload struct {
		MaxReward       *uint256.Int `json:"max_reward"`
		AuctionDuration Duration     `json:"auction_duration"`
	}
	SwapPayload struct {
		TokenIn   common.Address `json:"token_in"`
		AmountIn  *uint256.Int   `json:"amount_in"`
		MinAmount *uint256.Int   `json:"min_amount_out"`
	}
	SidePayload struct {
		Side domain.Side `json:"side"`
	}
	SpreadsPayload struct {
		Side    domain.Side `json:"side"`
		Cushion uint32      `json:"cushion"`
		Wall    uint32      `json:"wall"`
	}
	FactorPayload struct {
		Factor uint32 `json:"factor"`
	}
	CushionParamsPayload struct {
		Duration        Duration `json:"duration"`
		DebtBuffer      uint32   `json:"debt_buffer"`
		DepositInterval Duration `json:"deposit_interval"`
	}
	RegenParamsPayload struct {
		Wait      Duration `json:"wait"`
		Threshold uint32   `json:"threshold"`
		Observe   uint32   `json:"observe"`
	}
	PurchasePayload struct {
		Market    domain.MarketID `json:"market"`
		AmountIn  *uint256.Int    `json:"amount_in"`
		MinAmount *uint256.Int    `json:"min_amount_out"`
	}
	DepositPayload struct {
		Asset  common.Address `json:"asset"`
		Period uint8          `json:"period"`
		Amount *uint256.Int   `json:"amount"`
	}
	ReceiptApprovalPayload struct {
		Asset   common.Address `json:"asset"`
		Period  uint8          `json:"period"`
		Spender common.Address `json:"spender"`
		Amount  *uint256.Int   `json:"amount"`
	}
	CommitmentPayload struct {
		ID     uint64       `json:"id"`
		Amount *uint256.Int `json:"amount"`
	}
	ReclaimPayload struct {
		User   common.Address `json:"user"`
		Asset  common.Address `json:"asset"`
		Period uint8          `json:"period"`
		Amount *uint256.Int   `json:"amount"`
	}
	DelegationPayload struct {
		Account     common.Address `json:"account"`
		Amount      *uint256.Int   `json:"amount"`
		AutoRescind int            `json:"auto_rescind"`
	}
	ApplyDelegationsPayload struct {
		Account  common.Address       `json:"account"`
		Requests []delegation.Request `json:"requests"`
	}
	MaxDelegatesPayload struct {
		Account common.Address `json:"account"`
		Limit   uint32         `json:"limit"`
	}
	TokenPayload struct {
		Token   common.Address `json:"token"`
		To      common.Address `json:"to"`
		Spender common.Address `json:"spender"`
		Amount  *uint256.Int   `json:"amount"`
	}
)

// AmountResult carries one amount in base units and formatted.
type AmountResult struct {
	Amount    *uint256.Int `json:"amount"`
	Formatted string       `json:"formatted"`
}

// DelegationResult is what ApplyDelegations moved.
type DelegationResult struct {
	Delegated   *uint256.Int `json:"delegated"`
	Undelegated *uint256.Int `json:"undelegated"`
	Balance     *uint256.Int `json:"undelegated_balance"`
}

// handle decodes P from the payload and runs fn as one all-or-nothing
// unit at the command's time. Events reach recorders only on success.
func handle[P any](s *System, fn func(cmd engine.Command, p P) (any, error)) engine.Handler {
	return func(ctx context.Context, cmd engine.Command) (any, error) {
		var p P
		if len(cmd.Payload) > 0 && string(cmd.Payload) != "null" {
			if err := json.Unmarshal(cmd.Payload, &p); err != nil {
				return nil, domain.NewValidationError(cmd.Name, fmt.Errorf("payload: %v: %w", err, domain.ErrInvalidParams), "payload")
			}
		}
		if cmd.At.After(s.Clock.Now()) {
			s.Clock.Set(cmd.At)
		}
		var out any
		err := kernel.Transact(cmd.Name, s.Participants(), func() error {
			var err error
			out, err = fn(cmd, p)
			return err
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

type none struct{}

func nothing(err error) (any, error) { return nil, err }

// Register installs every command handler on the sequencer.
func (s *System) Register(seq *engine.Sequencer) {
	seq.Register(CommandGenesis, handle(s, func(cmd engine.Command, _ none) (any, error) {
		return s.genesis(cmd.Caller)
	}))

	// Heart
	seq.Register("heart.beat", handle(s, func(cmd engine.Command, p BeatPayload) (any, error) {
		if err := s.applyQuotes(p.Quotes); err != nil {
			return nil, err
		}
		reward, err := s.Heart.Beat(cmd.Caller)
		if err != nil {
			return nil, err
		}
		return s.managedAmount(reward), nil
	}))
	seq.Register("heart.activate", handle(s, func(cmd engine.Command, _ none) (any, error) {
		return nothing(s.Heart.Activate(cmd.Caller))
	}))
	seq.Register("heart.deactivate", handle(s, func(cmd engine.Command, _ none) (any, error) {
		return nothing(s.Heart.Deactivate(cmd.Caller))
	}))
	seq.Register("heart.reset_beat", handle(s, func(cmd engine.Command, _ none) (any, error) {
		return nothing(s.Heart.ResetBeat(cmd.Caller))
	}))
	seq.Register("heart.set_reward_params", handle(s, func(cmd engine.Command, p RewardParamsPayload) (any, error) {
		return nothing(s.Heart.SetRewardAuctionParams(cmd.Caller, p.MaxReward, time.Duration(p.AuctionDuration)))
	}))

	// Operator
	seq.Register("operator.swap", handle(s, func(cmd engine.Command, p SwapPayload) (any, error) {
		out, err := s.Operator.Swap(cmd.Caller, p.TokenIn, p.AmountIn, orZero(p.MinAmount))
		if err != nil {
			return nil, err
		}
		if p.TokenIn == s.Managed.Address() {
			return s.reserveAmount(out), nil
		}
		return s.managedAmount(out), nil
	}))
	seq.Register("operator.initialize", handle(s, func(cmd engine.Command, _ none) (any, error) {
		return nothing(s.Operator.Initialize(cmd.Caller))
	}))
	seq.Register("operator.activate", handle(s, func(cmd engine.Command, _ none) (any, error) {
		return nothing(s.Operator.Activate(cmd.Caller))
	}))
	seq.Register("operator.deactivate", handle(s, func(cmd engine.Command, _ none) (any, error) {
		return nothing(s.Operator.Deactivate(cmd.Caller))
	}))
	seq.Register("operator.deactivate_cushion", handle(s, func(cmd engine.Command, p SidePayload) (any, error) {
		return nothing(s.Operator.DeactivateCushion(cmd.Caller, p.Side))
	}))
	seq.Register("operator.regenerate", handle(s, func(cmd engine.Command, p SidePayload) (any, error) {
		return nothing(s.Operator.Regenerate(cmd.Caller, p.Side))
	}))
	seq.Register("operator.set_spreads", handle(s, func(cmd engine.Command, p SpreadsPayload) (any, error) {
		return nothing(s.Operator.SetSpreads(cmd.Caller, p.Side, p.Cushion, p.Wall))
	}))
	seq.Register("operator.set_threshold_factor", handle(s, func(cmd engine.Command, p FactorPayload) (any, error) {
		return nothing(s.Operator.SetThresholdFactor(cmd.Caller, p.Factor))
	}))
	seq.Register("operator.set_cushion_factor", handle(s, func(cmd engine.Command, p FactorPayload) (any, error) {
		return nothing(s.Operator.SetCushionFactor(cmd.Caller, p.Factor))
	}))
	seq.Register("operator.set_cushion_params", handle(s, func(cmd engine.Command, p CushionParamsPayload) (any, error) {
		return nothing(s.Operator.SetCushionParams(cmd.Caller, time.Duration(p.Duration), p.DebtBuffer, time.Duration(p.DepositInterval)))
	}))
	seq.Register("operator.set_reserve_factor", handle(s, func(cmd engine.Command, p FactorPayload) (any, error) {
		return nothing(s.Operator.SetReserveFactor(cmd.Caller, p.Factor))
	}))
	seq.Register("operator.set_regen_params", handle(s, func(cmd engine.Command, p RegenParamsPayload) (any, error) {
		return nothing(s.Operator.SetRegenParams(cmd.Caller, time.Duration(p.Wait), p.Threshold, p.Observe))
	}))

	// Cushion markets
	seq.Register("auction.purchase", handle(s, func(cmd engine.Command, p PurchasePayload) (any, error) {
		out, err := s.Auction.Purchase(cmd.Caller, p.Market, p.AmountIn, orZero(p.MinAmount))
		if err != nil {
			return nil, err
		}
		return &AmountResult{Amount: out, Formatted: out.Dec()}, nil
	}))

	// Deposits and redemption
	seq.Register("deposit.deposit", handle(s, func(cmd engine.Command, p DepositPayload) (any, error) {
		id, actual, err := s.Deposits.Deposit(s.Redemption.Address(), s.assetOrReserve(p.Asset), p.Period, cmd.Caller, p.Amount)
		if err != nil {
			return nil, err
		}
		return struct {
			ReceiptID common.Hash `json:"receipt_id"`
			*AmountResult
		}{id, s.reserveAmount(actual)}, nil
	}))
	seq.Register("deposit.approve_receipt", handle(s, func(cmd engine.Command, p ReceiptApprovalPayload) (any, error) {
		spender := p.Spender
		if spender == (common.Address{}) {
			spender = s.Redemption.Address()
		}
		if p.Amount == nil {
			return nil, domain.NewValidationError(cmd.Name, domain.ErrZeroAmount, "amount")
		}
		s.Deposits.ApproveReceipt(cmd.Caller, spender, deposit.ReceiptID(s.assetOrReserve(p.Asset), p.Period), p.Amount)
		return nil, nil
	}))
	seq.Register("redemption.commit", handle(s, func(cmd engine.Command, p DepositPayload) (any, error) {
		id, err := s.Redemption.Commit(cmd.Caller, s.assetOrReserve(p.Asset), p.Period, p.Amount)
		if err != nil {
			return nil, err
		}
		return struct {
			ID uint64 `json:"id"`
		}{id}, nil
	}))
	seq.Register("redemption.uncommit", handle(s, func(cmd engine.Command, p CommitmentPayload) (any, error) {
		return nothing(s.Redemption.Uncommit(cmd.Caller, p.ID, p.Amount))
	}))
	seq.Register("redemption.redeem", handle(s, func(cmd engine.Command, p CommitmentPayload) (any, error) {
		out, err := s.Redemption.Redeem(cmd.Caller, p.ID)
		if err != nil {
			return nil, err
		}
		return s.reserveAmount(out), nil
	}))
	seq.Register("redemption.reclaim", handle(s, func(cmd engine.Command, p ReclaimPayload) (any, error) {
		out, err := s.Redemption.Reclaim(cmd.Caller, s.assetOrReserve(p.Asset), p.Period, p.Amount)
		if err != nil {
			return nil, err
		}
		return s.reserveAmount(out), nil
	}))
	seq.Register("redemption.reclaim_for", handle(s, func(cmd engine.Command, p ReclaimPayload) (any, error) {
		out, err := s.Redemption.ReclaimFor(cmd.Caller, p.User, s.assetOrReserve(p.Asset), p.Period, p.Amount)
		if err != nil {
			return nil, err
		}
		return s.reserveAmount(out), nil
	}))
	seq.Register("redemption.enable", handle(s, func(cmd engine.Command, _ none) (any, error) {
		return nothing(s.Redemption.Enable(cmd.Caller))
	}))
	seq.Register("redemption.disable", handle(s, func(cmd engine.Command, _ none) (any, error) {
		return nothing(s.Redemption.Disable(cmd.Caller))
	}))

	// Governance delegation; the caller acts as the depositing policy.
	seq.Register("delegation.deposit", handle(s, func(cmd engine.Command, p DelegationPayload) (any, error) {
		return nothing(s.Delegation.DepositUndelegated(cmd.Caller, p.Account, p.Amount))
	}))
	seq.Register("delegation.withdraw", handle(s, func(cmd engine.Command, p DelegationPayload) (any, error) {
		return nothing(s.Delegation.WithdrawUndelegated(cmd.Caller, p.Account, p.Amount, p.AutoRescind))
	}))
	seq.Register("delegation.apply", handle(s, func(cmd engine.Command, p ApplyDelegationsPayload) (any, error) {
		delegated, undelegated, balance, err := s.Delegation.ApplyDelegations(cmd.Caller, p.Account, p.Requests)
		if err != nil {
			return nil, err
		}
		return &DelegationResult{Delegated: delegated, Undelegated: undelegated, Balance: balance}, nil
	}))
	seq.Register("delegation.set_max_delegates", handle(s, func(cmd engine.Command, p MaxDelegatesPayload) (any, error) {
		return nothing(s.Delegation.SetMaxDelegateAddresses(cmd.Caller, p.Account, p.Limit))
	}))

	// Tokens
	seq.Register("token.approve", handle(s, func(cmd engine.Command, p TokenPayload) (any, error) {
		tok, err := s.lookupToken(cmd.Name, p.Token)
		if err != nil {
			return nil, err
		}
		amount := p.Amount
		if amount == nil {
			amount = token.MaxApproval()
		}
		tok.Approve(cmd.Caller, p.Spender, amount)
		return nil, nil
	}))
	seq.Register("token.mint", handle(s, func(cmd engine.Command, p TokenPayload) (any, error) {
		if err := s.Roles.Require(kernel.RoleAdmin, cmd.Caller); err != nil {
			return nil, err
		}
		ledger, ok := s.mintable(p.Token)
		if !ok {
			return nil, domain.NewValidationError(cmd.Name, domain.ErrInvalidParams, "token")
		}
		if p.Amount == nil || p.Amount.IsZero() {
			return nil, domain.NewValidationError(cmd.Name, domain.ErrZeroAmount, "amount")
		}
		ledger.Mint(p.To, p.Amount)
		return nil, nil
	}))
}

// applyQuotes writes journaled quotes into the feeds PRICE reads.
func (s *System) applyQuotes(quotes map[string]Quote) error {
	for pair, q := range quotes {
		feed := s.ManagedFeed
		if s.ReserveFeed != nil && pair == s.ReserveFeed.Name() {
			feed = s.ReserveFeed
		} else if feed == nil || pair != feed.Name() {
			return domain.NewValidationError("heart.beat", fmt.Errorf("pair %q: %w", pair, domain.ErrInvalidParams), "quotes")
		}
		price, err := quant.FromDecimal(q.Price, feed.Decimals())
		if err != nil {
			return domain.NewValidationError("heart.beat", err, "quotes")
		}
		feed.Set(price, q.At)
	}
	return nil
}

func (s *System) lookupToken(op string, a common.Address) (token.Token, error) {
	tok, ok := s.Token(a)
	if !ok {
		return nil, domain.NewValidationError(op, fmt.Errorf("token %s: %w", a.Hex(), domain.ErrNotFound), "token")
	}
	return tok, nil
}

// mintable returns the plain ledgers an admin may mint. Vault shares are
// only minted by depositing.
func (s *System) mintable(a common.Address) (*token.Ledger, bool) {
	for _, l := range []*token.Ledger{s.Managed, s.Reserve, s.Gov} {
		if l.Address() == a {
			return l, true
		}
	}
	return nil, false
}

func (s *System) assetOrReserve(a common.Address) common.Address {
	if a == (common.Address{}) {
		return s.Reserve.Address()
	}
	return a
}

func (s *System) managedAmount(x *uint256.Int) *AmountResult {
	return &AmountResult{Amount: x, Formatted: quant.Format(x, s.Managed.Decimals())}
}

func (s *System) reserveAmount(x *uint256.Int) *AmountResult {
	return &AmountResult{Amount: x, Formatted: quant.Format(x, s.Reserve.Decimals())}
}

func orZero(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x
}
