package lending

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInterestAccruedOneYear(t *testing.T) {
	accrual := InterestAccrual{AnnualRatePercent: 10}
	got, err := accrual.Accrued(big.NewInt(200), int64(SecondsPerYear))
	require.NoError(t, err)
	require.Equal(t, int64(20), got.Int64())
}

func TestInterestAccruedFloors(t *testing.T) {
	accrual := InterestAccrual{AnnualRatePercent: 10}
	// 200 * 10% over half a year minus one second is just under 10.
	got, err := accrual.Accrued(big.NewInt(200), int64(SecondsPerYear/2)-1)
	require.NoError(t, err)
	require.Equal(t, int64(9), got.Int64())
}

func TestInterestClockSkewClampsToZero(t *testing.T) {
	accrual := InterestAccrual{AnnualRatePercent: 10}
	loan := &Loan{
		Principal:       big.NewInt(1_000),
		InterestAccrued: big.NewInt(5),
		LastSettled:     1_000,
		State:           LoanStateActive,
	}
	added, err := accrual.Settle(loan, 500)
	require.NoError(t, err)
	require.Zero(t, added.Sign())
	require.Equal(t, int64(5), loan.InterestAccrued.Int64())
	require.Equal(t, int64(1_000), loan.LastSettled)
}

func TestInterestSettleIsMonotone(t *testing.T) {
	accrual := InterestAccrual{AnnualRatePercent: 25}
	loan := &Loan{
		Principal:       big.NewInt(123_456_789),
		InterestAccrued: big.NewInt(0),
		LastSettled:     0,
		State:           LoanStateActive,
	}
	prev := big.NewInt(0)
	now := int64(0)
	for _, step := range []int64{1, 59, 3_600, 86_400, -10, 7, int64(SecondsPerYear)} {
		now += step
		_, err := accrual.Settle(loan, now)
		require.NoError(t, err)
		require.True(t, loan.InterestAccrued.Cmp(prev) >= 0, "interest decreased at t=%d", now)
		prev = new(big.Int).Set(loan.InterestAccrued)
	}
}

func TestInterestRepaidLoanIsFrozen(t *testing.T) {
	accrual := InterestAccrual{AnnualRatePercent: 10}
	loan := &Loan{
		Principal:       big.NewInt(200),
		InterestAccrued: big.NewInt(20),
		LastSettled:     10,
		State:           LoanStateRepaid,
	}
	added, err := accrual.Settle(loan, 10+int64(SecondsPerYear))
	require.NoError(t, err)
	require.Zero(t, added.Sign())
	require.Equal(t, int64(20), loan.InterestAccrued.Int64())
	require.Equal(t, int64(10), loan.LastSettled)
}

func TestInterestOverflow(t *testing.T) {
	accrual := InterestAccrual{AnnualRatePercent: 10}
	huge := new(big.Int).Lsh(big.NewInt(1), 254)
	_, err := accrual.Accrued(huge, int64(SecondsPerYear))
	require.ErrorIs(t, err, ErrArithmeticOverflow)
}
