package event

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/domain"
)

const (
	KindPricesChanged       Kind = "range.prices_changed"
	KindSpreadsChanged      Kind = "range.spreads_changed"
	KindThresholdChanged    Kind = "range.threshold_factor_changed"
	KindWallUp              Kind = "range.wall_up"
	KindWallDown            Kind = "range.wall_down"
	KindCushionUp           Kind = "range.cushion_up"
	KindCushionDown         Kind = "range.cushion_down"
	KindObservation         Kind = "price.observation"
	KindMetricStored        Kind = "appraiser.metric"
	KindSwap                Kind = "operator.swap"
	KindOperate             Kind = "operator.operate"
	KindBeat                Kind = "heart.beat"
	KindRewardIssued        Kind = "heart.reward"
	KindAssetDeposited      Kind = "assets.deposited"
	KindAssetWithdrawn      Kind = "assets.withdrawn"
	KindCommitted           Kind = "redemption.committed"
	KindUncommitted         Kind = "redemption.uncommitted"
	KindRedeemed            Kind = "redemption.redeemed"
	KindReclaimed           Kind = "redemption.reclaimed"
	KindDelegationApplied   Kind = "delegation.applied"
	KindUndelegatedDeposit  Kind = "delegation.deposit"
	KindUndelegatedWithdraw Kind = "delegation.withdraw"
)

type PricesChanged struct {
	Target      *uint256.Int `json:"target"`
	LowWall     *uint256.Int `json:"low_wall"`
	LowCushion  *uint256.Int `json:"low_cushion"`
	HighCushion *uint256.Int `json:"high_cushion"`
	HighWall    *uint256.Int `json:"high_wall"`
}

func (PricesChanged) Kind() Kind { return KindPricesChanged }

type SpreadsChanged struct {
	Side    domain.Side `json:"side"`
	Cushion uint32      `json:"cushion"`
	Wall    uint32      `json:"wall"`
}

func (SpreadsChanged) Kind() Kind { return KindSpreadsChanged }

type ThresholdFactorChanged struct {
	Factor uint32 `json:"factor"`
}

func (ThresholdFactorChanged) Kind() Kind { return KindThresholdChanged }

type WallUp struct {
	Side     domain.Side  `json:"side"`
	Capacity *uint256.Int `json:"capacity"`
	At       time.Time    `json:"at"`
}

func (WallUp) Kind() Kind { return KindWallUp }

type WallDown struct {
	Side     domain.Side  `json:"side"`
	Capacity *uint256.Int `json:"capacity"`
	At       time.Time    `json:"at"`
}

func (WallDown) Kind() Kind { return KindWallDown }

type CushionUp struct {
	Side     domain.Side     `json:"side"`
	Market   domain.MarketID `json:"market"`
	Capacity *uint256.Int    `json:"capacity"`
	At       time.Time       `json:"at"`
}

func (CushionUp) Kind() Kind { return KindCushionUp }

type CushionDown struct {
	Side   domain.Side     `json:"side"`
	Market domain.MarketID `json:"market"`
	At     time.Time       `json:"at"`
}

func (CushionDown) Kind() Kind { return KindCushionDown }

type Observation struct {
	Price         *uint256.Int `json:"price"`
	MovingAverage *uint256.Int `json:"moving_average"`
	At            time.Time    `json:"at"`
}

func (Observation) Kind() Kind { return KindObservation }

type MetricStored struct {
	Metric domain.Metric `json:"metric"`
	Value  *uint256.Int  `json:"value"`
	At     time.Time     `json:"at"`
}

func (MetricStored) Kind() Kind { return KindMetricStored }

type Swap struct {
	Side      domain.Side    `json:"side"`
	Caller    common.Address `json:"caller"`
	TokenIn   common.Address `json:"token_in"`
	AmountIn  *uint256.Int   `json:"amount_in"`
	AmountOut *uint256.Int   `json:"amount_out"`
}

func (Swap) Kind() Kind { return KindSwap }

type Operate struct {
	Target *uint256.Int `json:"target"`
	Price  *uint256.Int `json:"price"`
	At     time.Time    `json:"at"`
}

func (Operate) Kind() Kind { return KindOperate }

type Beat struct {
	Caller common.Address `json:"caller"`
	At     time.Time      `json:"at"`
}

func (Beat) Kind() Kind { return KindBeat }

type RewardIssued struct {
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (RewardIssued) Kind() Kind { return KindRewardIssued }

type AssetDeposited struct {
	Asset     common.Address `json:"asset"`
	Operator  common.Address `json:"operator"`
	Depositor common.Address `json:"depositor"`
	Amount    *uint256.Int   `json:"amount"`
	Shares    *uint256.Int   `json:"shares"`
}

func (AssetDeposited) Kind() Kind { return KindAssetDeposited }

type AssetWithdrawn struct {
	Asset     common.Address `json:"asset"`
	Operator  common.Address `json:"operator"`
	Recipient common.Address `json:"recipient"`
	Amount    *uint256.Int   `json:"amount"`
	Shares    *uint256.Int   `json:"shares"`
}

func (AssetWithdrawn) Kind() Kind { return KindAssetWithdrawn }

type Committed struct {
	ID           uint64         `json:"id"`
	User         common.Address `json:"user"`
	Asset        common.Address `json:"asset"`
	Period       uint8          `json:"period"`
	Amount       *uint256.Int   `json:"amount"`
	RedeemableAt time.Time      `json:"redeemable_at"`
}

func (Committed) Kind() Kind { return KindCommitted }

type Uncommitted struct {
	ID        uint64         `json:"id"`
	User      common.Address `json:"user"`
	Amount    *uint256.Int   `json:"amount"`
	Remaining *uint256.Int   `json:"remaining"`
}

func (Uncommitted) Kind() Kind { return KindUncommitted }

type Redeemed struct {
	ID     uint64         `json:"id"`
	User   common.Address `json:"user"`
	Amount *uint256.Int   `json:"amount"`
}

func (Redeemed) Kind() Kind { return KindRedeemed }

type Reclaimed struct {
	User      common.Address `json:"user"`
	Asset     common.Address `json:"asset"`
	Period    uint8          `json:"period"`
	Amount    *uint256.Int   `json:"amount"`
	Forfeited *uint256.Int   `json:"forfeited"`
}

func (Reclaimed) Kind() Kind { return KindReclaimed }

type DelegationApplied struct {
	Account  common.Address `json:"account"`
	Delegate common.Address `json:"delegate"`
	Amount   *big.Int       `json:"amount"`
}

func (DelegationApplied) Kind() Kind { return KindDelegationApplied }

type UndelegatedDeposit struct {
	Policy  common.Address `json:"policy"`
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
}

func (UndelegatedDeposit) Kind() Kind { return KindUndelegatedDeposit }

type UndelegatedWithdraw struct {
	Policy  common.Address `json:"policy"`
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
}

func (UndelegatedWithdraw) Kind() Kind { return KindUndelegatedWithdraw }
