package lending

import (
	"math/big"

	"github.com/holiman/uint256"
)

// InterestAccrual settles simple (non-compounding) interest on a loan's
// principal: floor(principal * rate * elapsed / (100 * SecondsPerYear)).
type InterestAccrual struct {
	// AnnualRatePercent is a whole-number percentage, e.g. 10 for 10%.
	AnnualRatePercent uint64
}

// Accrued computes the interest earned by principal over elapsed seconds.
// Negative elapsed values are clamped to zero so a clock moving backwards
// never reduces a balance.
func (a InterestAccrual) Accrued(principal *big.Int, elapsed int64) (*big.Int, error) {
	if elapsed <= 0 || a.AnnualRatePercent == 0 || !positive(principal) {
		return big.NewInt(0), nil
	}
	word, err := toWord(principal)
	if err != nil {
		return nil, err
	}
	scaled, overflow := new(uint256.Int).MulOverflow(word, uint256.NewInt(a.AnnualRatePercent))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	scaled, overflow = scaled.MulOverflow(scaled, uint256.NewInt(uint64(elapsed)))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	denominator := uint256.NewInt(100 * SecondsPerYear)
	return new(uint256.Int).Div(scaled, denominator).ToBig(), nil
}

// Preview returns the interest that settling the loan at now would add. It
// never mutates the loan.
func (a InterestAccrual) Preview(loan *Loan, now int64) (*big.Int, error) {
	if loan == nil || loan.State != LoanStateActive {
		return big.NewInt(0), nil
	}
	return a.Accrued(loan.Principal, now-loan.LastSettled)
}

// Settle folds pending interest into the loan and advances LastSettled. Repaid
// loans are left untouched. The returned value is the interest added.
func (a InterestAccrual) Settle(loan *Loan, now int64) (*big.Int, error) {
	if loan == nil || loan.State != LoanStateActive {
		return big.NewInt(0), nil
	}
	added, err := a.Preview(loan, now)
	if err != nil {
		return nil, err
	}
	loan.InterestAccrued = new(big.Int).Add(cloneBigInt(loan.InterestAccrued), added)
	if now > loan.LastSettled {
		loan.LastSettled = now
	}
	return added, nil
}
