package lending

import (
	"fmt"
	"math/big"
	"strings"
)

const (
	// DefaultRatioPercent is the collateral requirement numerator (150%).
	DefaultRatioPercent uint64 = 150
	// DefaultRatioDenominator is the collateral requirement denominator.
	DefaultRatioDenominator uint64 = 100
	// DefaultAnnualRatePercent is the simple annual interest rate.
	DefaultAnnualRatePercent uint64 = 10
	// SecondsPerYear is the accrual year length used by interest settlement.
	SecondsPerYear uint64 = 31_536_000
)

// Config captures the runtime configuration for the lending engine as it is
// read from the node's TOML file.
type Config struct {
	RatioPercent      uint64 `toml:"RatioPercent"`
	RatioDenominator  uint64 `toml:"RatioDenominator"`
	MinCollateralWei  string `toml:"MinCollateralWei"`
	AnnualRatePercent uint64 `toml:"AnnualRatePercent"`
	Rounding          string `toml:"Rounding"`
	// InitialLiquidityWei seeds the pool on first start when no persisted
	// state exists.
	InitialLiquidityWei string `toml:"InitialLiquidityWei"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.EnsureDefaults()
	return cfg
}

// EnsureDefaults populates zero-valued fields.
func (c *Config) EnsureDefaults() {
	if c.RatioPercent == 0 {
		c.RatioPercent = DefaultRatioPercent
	}
	if c.RatioDenominator == 0 {
		c.RatioDenominator = DefaultRatioDenominator
	}
	if strings.TrimSpace(c.MinCollateralWei) == "" {
		c.MinCollateralWei = "0"
	}
	if c.AnnualRatePercent == 0 {
		c.AnnualRatePercent = DefaultAnnualRatePercent
	}
	if strings.TrimSpace(c.Rounding) == "" {
		c.Rounding = RoundCeil.String()
	}
	if strings.TrimSpace(c.InitialLiquidityWei) == "" {
		c.InitialLiquidityWei = "0"
	}
}

// Params is the validated, typed form of Config.
type Params struct {
	Policy            RatioPolicy
	AnnualRatePercent uint64
	InitialLiquidity  *big.Int
}

// Params converts the configuration into engine parameters.
func (c Config) Params() (Params, error) {
	c.EnsureDefaults()
	minCollateral, err := parseAmount("MinCollateralWei", c.MinCollateralWei)
	if err != nil {
		return Params{}, err
	}
	initial, err := parseAmount("InitialLiquidityWei", c.InitialLiquidityWei)
	if err != nil {
		return Params{}, err
	}
	rounding, err := ParseRounding(c.Rounding)
	if err != nil {
		return Params{}, err
	}
	params := Params{
		Policy: RatioPolicy{
			Ratio:         c.RatioPercent,
			Denominator:   c.RatioDenominator,
			MinCollateral: minCollateral,
			Rounding:      rounding,
		},
		AnnualRatePercent: c.AnnualRatePercent,
		InitialLiquidity:  initial,
	}
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}

// Validate checks the typed parameters.
func (p Params) Validate() error {
	if err := p.Policy.Validate(); err != nil {
		return err
	}
	if p.AnnualRatePercent > 100_000 {
		return fmt.Errorf("%w: annual rate %d%% is out of range", errInvalidConfig, p.AnnualRatePercent)
	}
	if p.InitialLiquidity != nil && p.InitialLiquidity.Sign() < 0 {
		return fmt.Errorf("%w: initial liquidity must not be negative", errInvalidConfig)
	}
	return nil
}

func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q is not a base-10 integer", errInvalidConfig, field, value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s must not be negative", errInvalidConfig, field)
	}
	return amount, nil
}
