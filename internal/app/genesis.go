package app

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/assetmgr"
	"bophades/internal/deposit"
	"bophades/internal/domain"
	"bophades/internal/kernel"
	"bophades/pkg/quant"
)

// CommandGenesis seeds balances and initializes the policies. It is the
// first command of every journal.
const CommandGenesis = "system.genesis"

// GenesisResult reports what genesis put in place.
type GenesisResult struct {
	Reserves     string         `json:"treasury_reserves"`
	Supply       string         `json:"managed_supply"`
	Observations int            `json:"observations"`
	Receipts     []common.Hash  `json:"receipt_ids"`
	Admin        common.Address `json:"admin"`
}

// genesis runs inside the command transaction, so a failure at any step
// leaves the system untouched.
func (s *System) genesis(caller common.Address) (*GenesisResult, error) {
	const op = "system.genesis"
	if err := s.Roles.Require(kernel.RoleAdmin, caller); err != nil {
		return nil, err
	}
	if s.Operator.Initialized() {
		return nil, domain.NewStateError(op, domain.ErrAlreadyInitialized)
	}
	cfg := s.Config
	tc := cfg.Tokens
	treasury := cfg.Addresses.Treasury

	reserves, err := quant.FromDecimal(cfg.Genesis.TreasuryReserves, tc.Reserve.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: reserves: %w", op, err)
	}
	if s.ReserveVault != nil {
		s.Reserve.Mint(caller, reserves)
		s.Reserve.Approve(caller, s.ReserveVault.Address(), reserves)
		if _, err := s.ReserveVault.Deposit(caller, reserves, treasury); err != nil {
			return nil, fmt.Errorf("%s: wrap reserves: %w", op, err)
		}
	} else {
		s.Reserve.Mint(treasury, reserves)
	}

	supply, err := quant.FromDecimal(cfg.Genesis.ManagedSupply, tc.Managed.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: supply: %w", op, err)
	}
	s.Managed.Mint(caller, supply)

	initial, err := quant.FromDecimal(cfg.Genesis.InitialPrice, cfg.Price.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: initial price: %w", op, err)
	}
	obs := make([]*uint256.Int, s.Price.NumObservations())
	for i := range obs {
		obs[i] = initial.Clone()
	}
	if err := s.Price.Initialize(obs, s.Clock.Now()); err != nil {
		return nil, err
	}

	receipts, err := s.addDepositAsset(caller)
	if err != nil {
		return nil, err
	}

	if err := s.Operator.Initialize(caller); err != nil {
		return nil, err
	}
	if err := s.Heart.AddObserver(caller, "PRICE", s.Price); err != nil {
		return nil, err
	}
	if err := s.Heart.AddObserver(caller, "APPRS", s.Appraiser); err != nil {
		return nil, err
	}
	if err := s.Heart.ResetBeat(caller); err != nil {
		return nil, err
	}

	slog.Info("🌱 Genesis complete",
		slog.String("reserves", quant.Format(reserves, tc.Reserve.Decimals)),
		slog.String("supply", quant.Format(supply, tc.Managed.Decimals)),
		slog.String("initial_price", cfg.Genesis.InitialPrice.String()))
	return &GenesisResult{
		Reserves:     quant.Format(reserves, tc.Reserve.Decimals),
		Supply:       quant.Format(supply, tc.Managed.Decimals),
		Observations: len(obs),
		Receipts:     receipts,
		Admin:        caller,
	}, nil
}

// addDepositAsset registers the reserve token for deposits with one
// receipt token per configured period.
func (s *System) addDepositAsset(caller common.Address) ([]common.Hash, error) {
	dc := s.Config.Deposit
	dec := s.Config.Tokens.Reserve.Decimals
	depositCap, err := quant.FromDecimal(dc.DepositCap, dec)
	if err != nil {
		return nil, fmt.Errorf("deposit cap: %w", err)
	}
	minimum, err := quant.FromDecimal(dc.MinimumDeposit, dec)
	if err != nil {
		return nil, fmt.Errorf("minimum deposit: %w", err)
	}

	var custody assetmgr.Vault
	if s.ReserveVault != nil {
		custody = s.ReserveVault
	}
	if err := s.Deposits.AddAsset(caller, s.Reserve, custody, depositCap, minimum); err != nil {
		return nil, err
	}

	ids := make([]common.Hash, 0, len(dc.Periods))
	for _, p := range dc.Periods {
		if err := s.Deposits.AddAssetPeriod(caller, s.Reserve.Address(), p.Months, p.ReclaimRate); err != nil {
			return nil, err
		}
		ids = append(ids, deposit.ReceiptID(s.Reserve.Address(), p.Months))
	}
	return ids, nil
}
