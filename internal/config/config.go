package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"PerpVault/internal/core"
	"PerpVault/internal/fees"
	"PerpVault/internal/state"
)

const fixedDecimals = 8

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Ingestion   IngestionConfig   `mapstructure:"ingestion"`
	Projection  ProjectionConfig  `mapstructure:"projection"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"` // apply pending migrations on start
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type PersistenceConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	FlushTimeout   time.Duration `mapstructure:"flush_timeout"`
	PersistChannel int           `mapstructure:"persist_channel"`
	PublishChannel int           `mapstructure:"publish_channel"`
}

type IngestionConfig struct {
	EventChannel int           `mapstructure:"event_channel"`
	DedupLRUSize int           `mapstructure:"dedup_lru_size"`
	DedupWarm    int           `mapstructure:"dedup_warm"` // request IDs preloaded from the event log
	PriceMaxAge  time.Duration `mapstructure:"price_max_age"`
}

type ProjectionConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Buffer          int           `mapstructure:"buffer"`
	CatchUpInterval time.Duration `mapstructure:"catch_up_interval"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"` // 0 disables
	Burst int     `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// ExchangeConfig holds the economic setup. Amounts are decimal strings in
// collateral units, e.g. "10000000" or "0.003".
type ExchangeConfig struct {
	Asset               string           `mapstructure:"asset"`
	Owner               string           `mapstructure:"owner"`
	ProtocolDistributor string           `mapstructure:"protocol_distributor"`
	StakingDistributor  string           `mapstructure:"staking_distributor"`
	VaultDistributor    string           `mapstructure:"vault_distributor"`
	VaultCap            string           `mapstructure:"vault_cap"`
	StakingPeriod       time.Duration    `mapstructure:"staking_period"`
	Parameters          ParametersConfig `mapstructure:"parameters"`
	FeeSplit            FeeSplitConfig   `mapstructure:"fee_split"`
	FeeTiers            []FeeTierConfig  `mapstructure:"fee_tiers"` // empty charges every account the product fee
	Products            []ProductConfig  `mapstructure:"products"` // added on first start only
}

type ParametersConfig struct {
	MaxShift              string `mapstructure:"max_shift"`
	ShiftDivider          int64  `mapstructure:"shift_divider"`
	MinMargin             string `mapstructure:"min_margin"`
	MaxPositionMargin     string `mapstructure:"max_position_margin"`
	CanUserStake          bool   `mapstructure:"can_user_stake"`
	AllowPublicLiquidator bool   `mapstructure:"allow_public_liquidator"`
	ManagerOnlyForOpen    bool   `mapstructure:"manager_only_for_open"`
	ManagerOnlyForClose   bool   `mapstructure:"manager_only_for_close"`
	ExposureMultiplier    int64  `mapstructure:"exposure_multiplier_bps"`
	MaxExposureMultiplier int64  `mapstructure:"max_exposure_multiplier"`
	LiquidationBountyBps  int64  `mapstructure:"liquidation_bounty_bps"`
}

type FeeSplitConfig struct {
	ProtocolBps int64 `mapstructure:"protocol_bps"`
	StakingBps  int64 `mapstructure:"staking_bps"`
	VaultBps    int64 `mapstructure:"vault_bps"`
}

// FeeTierConfig waives DiscountBps of the product fee once an account's
// traded notional reaches MinVolume.
type FeeTierConfig struct {
	MinVolume   string `mapstructure:"min_volume"`
	DiscountBps int64  `mapstructure:"discount_bps"`
}

type ProductConfig struct {
	ID                      uint64        `mapstructure:"id"`
	Feed                    string        `mapstructure:"feed"`
	MaxLeverage             string        `mapstructure:"max_leverage"`
	FeeBps                  int64         `mapstructure:"fee_bps"`
	LiquidationThresholdBps int64         `mapstructure:"liquidation_threshold_bps"`
	MinPriceChangeBps       int64         `mapstructure:"min_price_change_bps"`
	MinProfitTime           time.Duration `mapstructure:"min_profit_time"`
	AnnualInterestBps       int64         `mapstructure:"annual_interest_bps"`
	Weight                  int64         `mapstructure:"weight"`
	Reserve                 string        `mapstructure:"reserve"`
	Active                  bool          `mapstructure:"active"`
}

// Load reads configuration from defaults, an optional config file, a .env
// file in the working directory and PERP_* environment variables, in
// increasing precedence.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/perpvault")
	}

	v.SetEnvPrefix("PERP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names kept from earlier deployments.
	_ = v.BindEnv("database.url", "PERP_DATABASE_URL", "PERP_POSTGRES_DSN")
	_ = v.BindEnv("logging.level", "PERP_LOGGING_LEVEL", "PERP_LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.url", "postgres://localhost:5432/perpvault?sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("persistence.batch_size", 50)
	v.SetDefault("persistence.flush_timeout", "10ms")
	v.SetDefault("persistence.persist_channel", 1024)
	v.SetDefault("persistence.publish_channel", 2048)

	v.SetDefault("ingestion.event_channel", 1024)
	v.SetDefault("ingestion.dedup_lru_size", 1_000_000)
	v.SetDefault("ingestion.dedup_warm", 10_000)
	v.SetDefault("ingestion.price_max_age", "30s")

	v.SetDefault("projection.enabled", true)
	v.SetDefault("projection.buffer", 4096)
	v.SetDefault("projection.catch_up_interval", "5s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "perpvault")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("rate_limit.rps", 50.0)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("logging.level", "info")

	v.SetDefault("exchange.asset", "USDC")
	v.SetDefault("exchange.owner", "")
	v.SetDefault("exchange.protocol_distributor", "")
	v.SetDefault("exchange.staking_distributor", "")
	v.SetDefault("exchange.vault_distributor", "")
	v.SetDefault("exchange.vault_cap", "10000000")
	v.SetDefault("exchange.staking_period", "24h")

	p := state.DefaultParameters()
	v.SetDefault("exchange.parameters.max_shift", formatFixed(p.MaxShift))
	v.SetDefault("exchange.parameters.shift_divider", p.ShiftDivider)
	v.SetDefault("exchange.parameters.min_margin", formatFixed(p.MinMargin))
	v.SetDefault("exchange.parameters.max_position_margin", formatFixed(p.MaxPositionMargin))
	v.SetDefault("exchange.parameters.can_user_stake", p.CanUserStake)
	v.SetDefault("exchange.parameters.allow_public_liquidator", p.AllowPublicLiquidator)
	v.SetDefault("exchange.parameters.manager_only_for_open", p.ManagerOnlyForOpen)
	v.SetDefault("exchange.parameters.manager_only_for_close", p.ManagerOnlyForClose)
	v.SetDefault("exchange.parameters.exposure_multiplier_bps", p.ExposureMultiplier)
	v.SetDefault("exchange.parameters.max_exposure_multiplier", p.MaxExposureMultiplier)
	v.SetDefault("exchange.parameters.liquidation_bounty_bps", p.LiquidationBountyBps)

	split := fees.DefaultFeeSplit()
	v.SetDefault("exchange.fee_split.protocol_bps", split.ProtocolBps)
	v.SetDefault("exchange.fee_split.staking_bps", split.StakingBps)
	v.SetDefault("exchange.fee_split.vault_bps", split.VaultBps)
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Persistence.BatchSize <= 0 {
		return fmt.Errorf("persistence.batch_size must be > 0, got %d", c.Persistence.BatchSize)
	}
	if c.Persistence.PersistChannel <= 0 || c.Persistence.PublishChannel <= 0 || c.Ingestion.EventChannel <= 0 {
		return errors.New("channel sizes must be > 0")
	}
	if c.Ingestion.DedupLRUSize <= 0 {
		return fmt.Errorf("ingestion.dedup_lru_size must be > 0, got %d", c.Ingestion.DedupLRUSize)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must be >= 0")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}
	if _, err := c.Core(); err != nil {
		return err
	}
	if _, err := c.FeeTiers(); err != nil {
		return err
	}
	_, err := c.Products()
	return err
}

// FeeTiers converts the volume discount schedule.
func (c *Config) FeeTiers() ([]fees.Tier, error) {
	out := make([]fees.Tier, 0, len(c.Exchange.FeeTiers))
	for i, tc := range c.Exchange.FeeTiers {
		field := fmt.Sprintf("exchange.fee_tiers[%d]", i)
		minVolume, err := parseFixed(field+".min_volume", tc.MinVolume)
		if err != nil {
			return nil, err
		}
		out = append(out, fees.Tier{MinVolume: minVolume, DiscountBps: tc.DiscountBps})
	}
	if _, err := fees.NewTieredCalculator(out); err != nil {
		return nil, fmt.Errorf("exchange.fee_tiers: %w", err)
	}
	return out, nil
}

// Core converts the exchange section into the core configuration. Empty
// distributors default to the owner inside the core.
func (c *Config) Core() (core.Config, error) {
	e := c.Exchange
	owner, err := parseAccount("exchange.owner", e.Owner, true)
	if err != nil {
		return core.Config{}, err
	}
	protocol, err := parseAccount("exchange.protocol_distributor", e.ProtocolDistributor, false)
	if err != nil {
		return core.Config{}, err
	}
	staking, err := parseAccount("exchange.staking_distributor", e.StakingDistributor, false)
	if err != nil {
		return core.Config{}, err
	}
	vaultDist, err := parseAccount("exchange.vault_distributor", e.VaultDistributor, false)
	if err != nil {
		return core.Config{}, err
	}
	vaultCap, err := parseFixed("exchange.vault_cap", e.VaultCap)
	if err != nil {
		return core.Config{}, err
	}
	if e.StakingPeriod < 0 {
		return core.Config{}, fmt.Errorf("exchange.staking_period must be >= 0, got %s", e.StakingPeriod)
	}
	params, err := e.Parameters.parameters()
	if err != nil {
		return core.Config{}, err
	}
	split := fees.FeeSplit{
		ProtocolBps: e.FeeSplit.ProtocolBps,
		StakingBps:  e.FeeSplit.StakingBps,
		VaultBps:    e.FeeSplit.VaultBps,
	}
	if err := split.Validate(); err != nil {
		return core.Config{}, fmt.Errorf("exchange.fee_split: %w", err)
	}
	return core.Config{
		Asset:               e.Asset,
		Owner:               owner,
		ProtocolDistributor: protocol,
		StakingDistributor:  staking,
		VaultDistributor:    vaultDist,
		VaultCap:            vaultCap,
		StakingPeriod:       int64(e.StakingPeriod / time.Second),
		Parameters:          params,
		FeeSplit:            split,
	}, nil
}

// Products converts the bootstrap product list.
func (c *Config) Products() ([]state.Product, error) {
	out := make([]state.Product, 0, len(c.Exchange.Products))
	for i, pc := range c.Exchange.Products {
		field := fmt.Sprintf("exchange.products[%d]", i)
		maxLev, err := parseFixed(field+".max_leverage", pc.MaxLeverage)
		if err != nil {
			return nil, err
		}
		reserve, err := parseFixed(field+".reserve", pc.Reserve)
		if err != nil {
			return nil, err
		}
		p := state.Product{
			ID:                      pc.ID,
			Feed:                    pc.Feed,
			MaxLeverage:             maxLev,
			FeeBps:                  pc.FeeBps,
			LiquidationThresholdBps: pc.LiquidationThresholdBps,
			MinPriceChangeBps:       pc.MinPriceChangeBps,
			MinProfitTime:           int64(pc.MinProfitTime / time.Second),
			AnnualInterestBps:       pc.AnnualInterestBps,
			Weight:                  pc.Weight,
			Reserve:                 reserve,
			IsActive:                pc.Active,
		}
		if err := state.ValidateProduct(p); err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (p ParametersConfig) parameters() (state.Parameters, error) {
	maxShift, err := parseFixed("exchange.parameters.max_shift", p.MaxShift)
	if err != nil {
		return state.Parameters{}, err
	}
	minMargin, err := parseFixed("exchange.parameters.min_margin", p.MinMargin)
	if err != nil {
		return state.Parameters{}, err
	}
	maxPositionMargin, err := parseFixed("exchange.parameters.max_position_margin", p.MaxPositionMargin)
	if err != nil {
		return state.Parameters{}, err
	}
	params := state.Parameters{
		MaxShift:              maxShift,
		ShiftDivider:          p.ShiftDivider,
		MinMargin:             minMargin,
		MaxPositionMargin:     maxPositionMargin,
		CanUserStake:          p.CanUserStake,
		AllowPublicLiquidator: p.AllowPublicLiquidator,
		ManagerOnlyForOpen:    p.ManagerOnlyForOpen,
		ManagerOnlyForClose:   p.ManagerOnlyForClose,
		ExposureMultiplier:    p.ExposureMultiplier,
		MaxExposureMultiplier: p.MaxExposureMultiplier,
		LiquidationBountyBps:  p.LiquidationBountyBps,
	}
	if err := state.ValidateParameters(params); err != nil {
		return state.Parameters{}, fmt.Errorf("exchange.parameters: %w", err)
	}
	return params, nil
}

func parseAccount(field, s string, required bool) (uuid.UUID, error) {
	if s == "" {
		if required {
			return uuid.Nil, fmt.Errorf("%s is required", field)
		}
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", field, err)
	}
	return id, nil
}

// parseFixed converts a decimal string to 1e8 fixed point.
func parseFixed(field, s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid decimal %q", field, s)
	}
	shifted := d.Shift(fixedDecimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%s: more than %d decimal places in %q", field, fixedDecimals, s)
	}
	if !shifted.BigInt().IsInt64() || shifted.IsNegative() {
		return 0, fmt.Errorf("%s: %q out of range", field, s)
	}
	return shifted.IntPart(), nil
}

func formatFixed(v int64) string {
	return decimal.New(v, -fixedDecimals).String()
}
