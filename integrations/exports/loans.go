package exports

import (
	"math/big"
	"time"

	"nhblend/native/lending"
)

// LoanRow is the flattened export view of one loan.
type LoanRow struct {
	ID                 uint64
	Borrower           string
	State              string
	Principal          string
	Collateral         string
	InterestAccrued    string
	Owed               string
	RequiredCollateral string
	Healthy            bool
	OpenedAt           time.Time
	ClosedAt           time.Time
	LastSettled        time.Time
}

// Rows flattens loan snapshots, preserving their order.
func Rows(loans []lending.LoanSnapshot) []LoanRow {
	out := make([]LoanRow, 0, len(loans))
	for _, loan := range loans {
		out = append(out, LoanRow{
			ID:                 loan.ID,
			Borrower:           loan.Borrower.String(),
			State:              loan.State.String(),
			Principal:          amount(loan.Principal),
			Collateral:         amount(loan.Collateral),
			InterestAccrued:    amount(loan.InterestAccrued),
			Owed:               amount(loan.Owed),
			RequiredCollateral: amount(loan.RequiredCollateral),
			Healthy:            loan.Healthy,
			OpenedAt:           unix(loan.OpenedAt),
			ClosedAt:           unix(loan.ClosedAt),
			LastSettled:        unix(loan.LastSettled),
		})
	}
	return out
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func unix(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Format(time.RFC3339)
}
