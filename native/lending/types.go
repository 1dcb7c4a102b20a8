package lending

import (
	"fmt"
	"math/big"

	"nhblend/crypto"
)

// LoanState tracks where a loan is in its lifecycle. Loans only move forward:
// NonExistent -> Active -> Repaid.
type LoanState uint8

const (
	LoanStateNonExistent LoanState = iota
	LoanStateActive
	LoanStateRepaid
)

func (s LoanState) String() string {
	switch s {
	case LoanStateNonExistent:
		return "nonexistent"
	case LoanStateActive:
		return "active"
	case LoanStateRepaid:
		return "repaid"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseLoanState is the inverse of LoanState.String.
func ParseLoanState(value string) (LoanState, error) {
	switch value {
	case "nonexistent":
		return LoanStateNonExistent, nil
	case "active":
		return LoanStateActive, nil
	case "repaid":
		return LoanStateRepaid, nil
	default:
		return LoanStateNonExistent, fmt.Errorf("unknown loan state %q", value)
	}
}

// Loan is a single collateralised debt position. Principal and interest are
// denominated in the borrow unit; Collateral is in the native unit.
type Loan struct {
	ID              uint64
	Borrower        crypto.Address
	Principal       *big.Int
	Collateral      *big.Int
	InterestAccrued *big.Int
	// LastSettled is the unix timestamp of the latest interest settlement.
	LastSettled int64
	State       LoanState
	OpenedAt    int64
	ClosedAt    int64
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Principal = cloneBigInt(l.Principal)
	clone.Collateral = cloneBigInt(l.Collateral)
	clone.InterestAccrued = cloneBigInt(l.InterestAccrued)
	return &clone
}

// Owed returns principal plus accrued interest.
func (l *Loan) Owed() *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Add(cloneBigInt(l.Principal), cloneBigInt(l.InterestAccrued))
}

// LoanSnapshot is the read-only view returned by LoanDetails. Owed and Healthy
// include interest that would settle at the time the snapshot was taken.
type LoanSnapshot struct {
	Loan
	PendingInterest    *big.Int
	Owed               *big.Int
	RequiredCollateral *big.Int
	// Healthy reports whether the locked collateral still covers the
	// requirement for the live owed balance.
	Healthy bool
}

// AccountBalance is an account's free collateral.
type AccountBalance struct {
	Account crypto.Address
	Free    *big.Int
}

// Stats aggregates engine-wide totals.
type Stats struct {
	PoolLiquidity     *big.Int
	TotalFree         *big.Int
	TotalLocked       *big.Int
	OutstandingDebt   *big.Int
	ActiveLoans       uint64
	RepaidLoans       uint64
	NextLoanID        uint64
	UnhealthyLoans    uint64
	AccountsWithFunds uint64
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
