package engine

import (
	"context"
)

// Engine describes the operations required by the lending gRPC surface.
// Amounts travel as base-10 strings and accounts as bech32 addresses so the
// transport never loses precision.
type Engine interface {
	DepositCollateral(ctx context.Context, account, amount string) (Balance, error)
	WithdrawFreeCollateral(ctx context.Context, account, amount string) (Balance, error)
	Borrow(ctx context.Context, account, amount string) (Loan, error)
	RepayLoan(ctx context.Context, account string, loanID uint64, tendered string) (Repayment, error)
	WithdrawCollateral(ctx context.Context, account string, loanID uint64, amount string) (Loan, error)
	FundPool(ctx context.Context, amount string) (Pool, error)
	GetCollateralBalance(ctx context.Context, account string) (Balance, error)
	GetLoan(ctx context.Context, loanID uint64) (Loan, error)
	ListLoans(ctx context.Context, account string) ([]Loan, error)
	GetPool(ctx context.Context) (Pool, error)
}

// Balance is an account's free collateral.
type Balance struct {
	Account string `json:"account"`
	Free    string `json:"free"`
}

// Loan mirrors lending.LoanSnapshot with string amounts.
type Loan struct {
	ID                 uint64 `json:"id"`
	Borrower           string `json:"borrower"`
	State              string `json:"state"`
	Principal          string `json:"principal"`
	Collateral         string `json:"collateral"`
	InterestAccrued    string `json:"interestAccrued"`
	PendingInterest    string `json:"pendingInterest"`
	Owed               string `json:"owed"`
	RequiredCollateral string `json:"requiredCollateral"`
	Healthy            bool   `json:"healthy"`
	LastSettled        int64  `json:"lastSettled"`
	OpenedAt           int64  `json:"openedAt"`
	ClosedAt           int64  `json:"closedAt,omitempty"`
}

// Repayment is the result of RepayLoan.
type Repayment struct {
	Loan     Loan   `json:"loan"`
	Released string `json:"released"`
}

// Pool aggregates engine-wide totals.
type Pool struct {
	Liquidity       string `json:"liquidity"`
	TotalFree       string `json:"totalFree"`
	TotalLocked     string `json:"totalLocked"`
	OutstandingDebt string `json:"outstandingDebt"`
	ActiveLoans     uint64 `json:"activeLoans"`
	RepaidLoans     uint64 `json:"repaidLoans"`
	UnhealthyLoans  uint64 `json:"unhealthyLoans"`
}
