package lending

import (
	"fmt"
	"math/big"

	"nhblend/crypto"
)

// AccessControl gates operations that open new exposure (deposits and
// borrows). Repayment and withdrawal stay available while shut down so
// borrowers can always exit.
type AccessControl interface {
	IsShutdown() bool
}

// Transferer moves native value out of the engine. Implementations may call
// back into the engine; the engine never retries a failed send.
type Transferer interface {
	Send(to crypto.Address, amount *big.Int) error
}

// TransferFunc adapts a plain function into a Transferer.
type TransferFunc func(to crypto.Address, amount *big.Int) error

// Send implements Transferer.
func (f TransferFunc) Send(to crypto.Address, amount *big.Int) error {
	if f == nil {
		return nil
	}
	return f(to, amount)
}

// PriceOracle converts borrow-unit amounts into the native collateral unit.
type PriceOracle interface {
	ToNative(borrowUnits *big.Int) (*big.Int, error)
}

// IdentityOracle prices one borrow unit at one native unit.
type IdentityOracle struct{}

// ToNative implements PriceOracle.
func (IdentityOracle) ToNative(borrowUnits *big.Int) (*big.Int, error) {
	return cloneBigInt(borrowUnits), nil
}

// FixedRateOracle prices one borrow unit at Numerator/Denominator native units,
// rounding up so collateral requirements are never understated.
type FixedRateOracle struct {
	Numerator   uint64
	Denominator uint64
}

// ToNative implements PriceOracle.
func (o FixedRateOracle) ToNative(borrowUnits *big.Int) (*big.Int, error) {
	if o.Numerator == 0 || o.Denominator == 0 {
		return nil, fmt.Errorf("%w: oracle rate %d/%d", errInvalidConfig, o.Numerator, o.Denominator)
	}
	return mulDiv(borrowUnits, o.Numerator, o.Denominator, true)
}

// DebtTokenIssuer mints and burns the borrowed-asset representation. Both
// calls run inside the transfer step, so a failure unwinds the operation.
type DebtTokenIssuer interface {
	Mint(to crypto.Address, amount *big.Int) error
	Burn(from crypto.Address, amount *big.Int) error
}
