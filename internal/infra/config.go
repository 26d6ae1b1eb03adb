package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"bophades/internal/domain"
	"bophades/internal/rangebound"
)

// TokenConfig describes one ledger token.
type TokenConfig struct {
	Address  common.Address `yaml:"address"`
	Symbol   string         `yaml:"symbol"`
	Decimals uint8          `yaml:"decimals"`
}

// PeriodConfig is a deposit period (months) and its reclaim rate in bps.
type PeriodConfig struct {
	Months      uint8  `yaml:"months"`
	ReclaimRate uint16 `yaml:"reclaim_rate"`
}

// Config holds every setting of the daemon. LoadConfig applies RBS_*
// environment overrides on top of the file.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`

	Storage struct {
		// Empty uses the per-user config directory.
		Path          string `yaml:"path"`
		SnapshotEvery uint64 `yaml:"snapshot_every"`
	} `yaml:"storage"`

	Tokens struct {
		Managed      TokenConfig `yaml:"managed"`
		Reserve      TokenConfig `yaml:"reserve"`
		ReserveVault TokenConfig `yaml:"reserve_vault"`
		Gov          TokenConfig `yaml:"gov"`
		// Holds reserves in the vault instead of raw.
		UseVault bool `yaml:"use_vault"`
	} `yaml:"tokens"`

	Addresses struct {
		Treasury        common.Address `yaml:"treasury"`
		Operator        common.Address `yaml:"operator"`
		Heart           common.Address `yaml:"heart"`
		AuctionHouse    common.Address `yaml:"auction_house"`
		AssetManager    common.Address `yaml:"asset_manager"`
		RedemptionVault common.Address `yaml:"redemption_vault"`
		Delegation      common.Address `yaml:"delegation"`
		EscrowFactory   common.Address `yaml:"escrow_factory"`
		Admin           common.Address `yaml:"admin"`
		Keeper          common.Address `yaml:"keeper"`
	} `yaml:"addresses"`

	Genesis struct {
		TreasuryReserves decimal.Decimal `yaml:"treasury_reserves"`
		ManagedSupply    decimal.Decimal `yaml:"managed_supply"`
		InitialPrice     decimal.Decimal `yaml:"initial_price"`
	} `yaml:"genesis"`

	Price struct {
		Decimals              uint8           `yaml:"decimals"`
		ObservationFrequency  time.Duration   `yaml:"observation_frequency"`
		MovingAverageDuration time.Duration   `yaml:"moving_average_duration"`
		ManagedFeedThreshold  time.Duration   `yaml:"managed_feed_threshold"`
		ReserveFeedThreshold  time.Duration   `yaml:"reserve_feed_threshold"`
		MinimumTargetPrice    decimal.Decimal `yaml:"minimum_target_price"`
	} `yaml:"price"`

	Range struct {
		ThresholdFactor uint32             `yaml:"threshold_factor"`
		Low             rangebound.Spreads `yaml:"low"`
		High            rangebound.Spreads `yaml:"high"`
	} `yaml:"range"`

	Operator struct {
		CushionFactor          uint32        `yaml:"cushion_factor"`
		CushionDuration        time.Duration `yaml:"cushion_duration"`
		CushionDebtBuffer      uint32        `yaml:"cushion_debt_buffer"`
		CushionDepositInterval time.Duration `yaml:"cushion_deposit_interval"`
		ReserveFactor          uint32        `yaml:"reserve_factor"`
		RegenWait              time.Duration `yaml:"regen_wait"`
		RegenThreshold         uint32        `yaml:"regen_threshold"`
		RegenObserve           uint32        `yaml:"regen_observe"`
	} `yaml:"operator"`

	Heart struct {
		MaxReward       decimal.Decimal `yaml:"max_reward"`
		AuctionDuration time.Duration   `yaml:"auction_duration"`
		// Keeper cron spec, e.g. "@every 1m".
		Schedule string `yaml:"schedule"`
	} `yaml:"heart"`

	Deposit struct {
		DepositCap     decimal.Decimal `yaml:"deposit_cap"`
		MinimumDeposit decimal.Decimal `yaml:"minimum_deposit"`
		Periods        []PeriodConfig  `yaml:"periods"`
	} `yaml:"deposit"`

	Feed struct {
		Enabled     bool   `yaml:"enabled"`
		WSURL       string `yaml:"ws_url"`
		ManagedPair string `yaml:"managed_pair"`
		ReservePair string `yaml:"reserve_pair"`
		// Polls the reserve pair over REST instead of the stream when set.
		ReservePollURL string        `yaml:"reserve_poll_url"`
		PollInterval   time.Duration `yaml:"poll_interval"`
	} `yaml:"feed"`

	HTTP struct {
		Listen string `yaml:"listen"`
		Pprof  string `yaml:"pprof"`
	} `yaml:"http"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &domain.ConfigError{Field: path, Err: domain.ErrConfigNotFound}
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies env overrides and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Secrets and deployment specifics come from the environment.
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func invalidField(field, format string, args ...any) error {
	return &domain.ConfigError{Field: field, Err: fmt.Errorf(format+": %w", append(args, domain.ErrInvalidParams)...)}
}

// Validate checks configuration validity. Bounds owned by a module (spreads,
// operator parameters) are validated again by that module's constructor.
func (c *Config) Validate() error {
	// Tokens
	for name, tc := range map[string]TokenConfig{
		"tokens.managed": c.Tokens.Managed,
		"tokens.reserve": c.Tokens.Reserve,
		"tokens.gov":     c.Tokens.Gov,
	} {
		if tc.Address == (common.Address{}) {
			return invalidField(name+".address", "zero address")
		}
		if tc.Decimals > 38 {
			return invalidField(name+".decimals", "%d decimals", tc.Decimals)
		}
	}
	if c.Tokens.UseVault && c.Tokens.ReserveVault.Address == (common.Address{}) {
		return invalidField("tokens.reserve_vault.address", "vault enabled without an address")
	}
	if c.Addresses.Treasury == (common.Address{}) || c.Addresses.Operator == (common.Address{}) {
		return invalidField("addresses", "treasury and operator are required")
	}

	// Price
	if c.Price.ObservationFrequency <= 0 {
		return invalidField("price.observation_frequency", "must be positive")
	}
	if c.Price.MovingAverageDuration%c.Price.ObservationFrequency != 0 {
		return invalidField("price.moving_average_duration", "%s not a multiple of %s",
			c.Price.MovingAverageDuration, c.Price.ObservationFrequency)
	}
	if !c.Genesis.InitialPrice.IsPositive() {
		return invalidField("genesis.initial_price", "must be positive")
	}
	if c.Price.MinimumTargetPrice.IsNegative() {
		return invalidField("price.minimum_target_price", "negative")
	}

	// Heart
	if c.Heart.AuctionDuration > c.Price.ObservationFrequency {
		return invalidField("heart.auction_duration", "longer than the observation frequency")
	}
	if c.Heart.MaxReward.IsNegative() {
		return invalidField("heart.max_reward", "negative")
	}
	if c.Heart.Schedule != "" {
		if _, err := cron.ParseStandard(c.Heart.Schedule); err != nil {
			return &domain.ConfigError{Field: "heart.schedule", Err: err}
		}
	}

	// Deposit
	if c.Deposit.MinimumDeposit.GreaterThan(c.Deposit.DepositCap) {
		return invalidField("deposit.minimum_deposit", "above the deposit cap")
	}
	for i, p := range c.Deposit.Periods {
		if p.Months == 0 || p.ReclaimRate > 10_000 {
			return invalidField(fmt.Sprintf("deposit.periods[%d]", i), "months %d rate %d", p.Months, p.ReclaimRate)
		}
	}

	// Feed
	if c.Feed.Enabled && !hasPrefix(c.Feed.WSURL, "ws://") && !hasPrefix(c.Feed.WSURL, "wss://") {
		return invalidField("feed.ws_url", "invalid WS URL %q", c.Feed.WSURL)
	}
	if c.Feed.Enabled && c.Feed.ManagedPair == "" {
		return invalidField("feed.managed_pair", "required when the feed is enabled")
	}
	if c.Feed.ReservePollURL != "" {
		if !hasPrefix(c.Feed.ReservePollURL, "http://") && !hasPrefix(c.Feed.ReservePollURL, "https://") {
			return invalidField("feed.reserve_poll_url", "invalid URL %q", c.Feed.ReservePollURL)
		}
		if c.Feed.ReservePair == "" {
			return invalidField("feed.reserve_pair", "required when polling the reserve price")
		}
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}

// overrideWithEnv overwrites settings with RBS_* variables when present.
func overrideWithEnv(cfg *Config) {
	if level := os.Getenv("RBS_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if path := os.Getenv("RBS_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if url := os.Getenv("RBS_FEED_URL"); url != "" {
		cfg.Feed.WSURL = url
	}
	if listen := os.Getenv("RBS_HTTP_LISTEN"); listen != "" {
		cfg.HTTP.Listen = listen
	}
	if keeper := os.Getenv("RBS_KEEPER"); common.IsHexAddress(keeper) {
		cfg.Addresses.Keeper = common.HexToAddress(keeper)
	}
	if admin := os.Getenv("RBS_ADMIN"); common.IsHexAddress(admin) {
		cfg.Addresses.Admin = common.HexToAddress(admin)
	}
}
