package lending

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Rounding selects how RequiredCollateral treats a fractional result.
type Rounding uint8

const (
	// RoundCeil rounds the collateral requirement up so admission never
	// under-collateralises a loan by a rounding unit.
	RoundCeil Rounding = iota
	// RoundFloor truncates the requirement. Retained for deployments that need
	// to reproduce historical integer-division behaviour.
	RoundFloor
)

func (r Rounding) String() string {
	switch r {
	case RoundCeil:
		return "ceil"
	case RoundFloor:
		return "floor"
	default:
		return fmt.Sprintf("rounding(%d)", uint8(r))
	}
}

// ParseRounding resolves a configuration string into a Rounding mode. The
// empty string selects RoundCeil.
func ParseRounding(value string) (Rounding, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "ceil", "up":
		return RoundCeil, nil
	case "floor", "down":
		return RoundFloor, nil
	default:
		return RoundCeil, fmt.Errorf("%w: unknown rounding %q", errInvalidConfig, value)
	}
}

// RatioPolicy holds the admission arithmetic for loans. Every method is pure;
// the only failure modes are negative inputs and 256-bit overflow.
type RatioPolicy struct {
	// Ratio is the collateral requirement expressed over Denominator, e.g.
	// 150/100 for a 150% requirement.
	Ratio       uint64
	Denominator uint64
	// MinCollateral is the dust floor below which no borrow is admitted.
	MinCollateral *big.Int
	Rounding      Rounding
}

// DefaultRatioPolicy returns the 150% policy with a zero dust floor and
// ceiling rounding.
func DefaultRatioPolicy() RatioPolicy {
	return RatioPolicy{
		Ratio:         DefaultRatioPercent,
		Denominator:   DefaultRatioDenominator,
		MinCollateral: big.NewInt(0),
		Rounding:      RoundCeil,
	}
}

// Validate checks the policy constants.
func (p RatioPolicy) Validate() error {
	if p.Ratio == 0 || p.Denominator == 0 {
		return fmt.Errorf("%w: ratio and denominator must be positive", errInvalidConfig)
	}
	if p.Ratio < p.Denominator {
		return fmt.Errorf("%w: ratio %d/%d permits under-collateralised loans", errInvalidConfig, p.Ratio, p.Denominator)
	}
	if p.MinCollateral != nil && p.MinCollateral.Sign() < 0 {
		return fmt.Errorf("%w: minimum collateral must not be negative", errInvalidConfig)
	}
	if p.Rounding != RoundCeil && p.Rounding != RoundFloor {
		return fmt.Errorf("%w: unknown rounding %d", errInvalidConfig, p.Rounding)
	}
	return nil
}

// MaxBorrow returns floor(collateral * Denominator / Ratio).
func (p RatioPolicy) MaxBorrow(collateral *big.Int) (*big.Int, error) {
	return mulDiv(collateral, p.Denominator, p.Ratio, false)
}

// RequiredCollateral returns debt * Ratio / Denominator rounded according to
// the policy's Rounding mode.
func (p RatioPolicy) RequiredCollateral(debt *big.Int) (*big.Int, error) {
	return mulDiv(debt, p.Ratio, p.Denominator, p.Rounding == RoundCeil)
}

// IsValidBorrow reports whether a debt may be opened against the supplied
// collateral.
func (p RatioPolicy) IsValidBorrow(collateral, debt *big.Int) (bool, error) {
	if debt == nil || debt.Sign() < 0 {
		return false, fmt.Errorf("%w: debt must not be negative", ErrValidation)
	}
	if collateral == nil || collateral.Sign() < 0 {
		return false, fmt.Errorf("%w: collateral must not be negative", ErrValidation)
	}
	if p.MinCollateral != nil && collateral.Cmp(p.MinCollateral) < 0 {
		return false, nil
	}
	limit, err := p.MaxBorrow(collateral)
	if err != nil {
		return false, err
	}
	return debt.Cmp(limit) <= 0, nil
}

// ExcessCollateral returns max(0, total - RequiredCollateral(debt)).
func (p RatioPolicy) ExcessCollateral(total, debt *big.Int) (*big.Int, error) {
	if total == nil || total.Sign() < 0 {
		return nil, fmt.Errorf("%w: collateral must not be negative", ErrValidation)
	}
	required, err := p.RequiredCollateral(debt)
	if err != nil {
		return nil, err
	}
	if total.Cmp(required) <= 0 {
		return big.NewInt(0), nil
	}
	return new(big.Int).Sub(total, required), nil
}

// Satisfied reports whether collateral covers RequiredCollateral(debt).
func (p RatioPolicy) Satisfied(collateral, debt *big.Int) (bool, error) {
	required, err := p.RequiredCollateral(debt)
	if err != nil {
		return false, err
	}
	return collateral != nil && collateral.Cmp(required) >= 0, nil
}

func toWord(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative operand %s", ErrValidation, v)
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return word, nil
}

// mulDiv computes value*num/den in 256-bit words, optionally rounding up.
func mulDiv(value *big.Int, num, den uint64, ceil bool) (*big.Int, error) {
	if den == 0 {
		return nil, fmt.Errorf("%w: zero denominator", errInvalidConfig)
	}
	word, err := toWord(value)
	if err != nil {
		return nil, err
	}
	product, overflow := new(uint256.Int).MulOverflow(word, uint256.NewInt(num))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	divisor := uint256.NewInt(den)
	quotient, remainder := new(uint256.Int).DivMod(product, divisor, new(uint256.Int))
	if ceil && !remainder.IsZero() {
		if _, overflow := quotient.AddOverflow(quotient, uint256.NewInt(1)); overflow {
			return nil, ErrArithmeticOverflow
		}
	}
	return quotient.ToBig(), nil
}
