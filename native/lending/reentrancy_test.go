package lending

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"nhblend/crypto"
)

func TestReentrantBorrowIsRejected(t *testing.T) {
	h := newHarness(t)
	alice := makeAddress(crypto.NHBPrefix, 0xA1)
	h.fund(t, 1_000)
	h.deposit(t, alice, 900)

	var nested error
	calls := 0
	h.transfer.hook = func(to crypto.Address, amount *big.Int) error {
		calls++
		if calls == 1 {
			_, nested = h.engine.Borrow(alice, big.NewInt(100))
		}
		return nil
	}

	id := h.borrow(t, alice, 200)
	expectErr(t, nested, ErrReentrancyRejected)
	require.Equal(t, uint64(1), id)
	requireAmount(t, h.engine.CollateralBalance(alice), 600, "only the outer borrow locked collateral")

	// The guard is released on exit.
	require.False(t, h.engine.Gateway().InFlight(OpBorrow))
	second := h.borrow(t, alice, 100)
	require.Equal(t, uint64(2), second)
}

func TestReentrantCallObservesCommittedState(t *testing.T) {
	h := newHarness(t)
	alice := makeAddress(crypto.NHBPrefix, 0xA1)
	h.fund(t, 1_000)
	h.deposit(t, alice, 300)

	var seen LoanSnapshot
	var seenOK bool
	var free, liquidity *big.Int
	var phase Phase
	h.transfer.hook = func(to crypto.Address, amount *big.Int) error {
		phase = h.engine.Gateway().CurrentPhase()
		seen, seenOK = h.engine.LoanDetails(1)
		free = h.engine.CollateralBalance(alice)
		liquidity = h.engine.PoolLiquidity()
		return nil
	}

	h.borrow(t, alice, 200)
	require.Equal(t, PhaseTransferring, phase)
	require.True(t, seenOK, "loan must be visible during the transfer")
	require.Equal(t, LoanStateActive, seen.State)
	requireAmount(t, free, 0, "free collateral already reserved")
	requireAmount(t, liquidity, 800, "liquidity already drawn")
}

func TestReentrantRepayDuringBorrowPayout(t *testing.T) {
	h := newHarness(t)
	alice := makeAddress(crypto.NHBPrefix, 0xA1)
	h.fund(t, 1_000)
	h.deposit(t, alice, 300)

	var nestedErr error
	var released *big.Int
	h.transfer.hook = func(to crypto.Address, amount *big.Int) error {
		if h.engine.Gateway().InFlight(OpBorrow) && !h.engine.Gateway().InFlight(OpRepay) {
			released, nestedErr = h.engine.RepayLoan(alice, 1, big.NewInt(200))
		}
		return nil
	}

	h.borrow(t, alice, 200)
	require.NoError(t, nestedErr)
	requireAmount(t, released, 300, "nested repay saw the committed loan")
	snap, _ := h.engine.LoanDetails(1)
	require.Equal(t, LoanStateRepaid, snap.State)
	requireAmount(t, h.engine.PoolLiquidity(), 1_000, "liquidity restored")
}

func TestWithdrawDuringRepayRefundSeesRepaidLoan(t *testing.T) {
	h := newHarness(t)
	alice := makeAddress(crypto.NHBPrefix, 0xA1)
	h.fund(t, 1_000)
	h.deposit(t, alice, 300)
	id := h.borrow(t, alice, 200)

	var nestedWithdraw, nestedRepay error
	h.transfer.hook = func(to crypto.Address, amount *big.Int) error {
		_, nestedWithdraw = h.engine.WithdrawCollateral(alice, id, big.NewInt(300))
		_, nestedRepay = h.engine.RepayLoan(alice, id, big.NewInt(500))
		return nil
	}

	_, err := h.engine.RepayLoan(alice, id, big.NewInt(250))
	require.NoError(t, err)
	expectErr(t, nestedWithdraw, ErrLoanNotActive)
	expectErr(t, nestedRepay, ErrReentrancyRejected)
	requireAmount(t, h.engine.CollateralBalance(alice), 300, "collateral released exactly once")
}

func TestReentrantWithdrawCollateralIsRejected(t *testing.T) {
	h := newHarnessWithParams(t, Params{Policy: DefaultRatioPolicy(), AnnualRatePercent: 0})
	alice := makeAddress(crypto.NHBPrefix, 0xA1)
	h.fund(t, 1_000)
	h.deposit(t, alice, 300)

	// Price the borrow at two native units, then drop back to parity so the
	// loan carries 150 of excess collateral.
	h.engine.SetOracle(FixedRateOracle{Numerator: 2, Denominator: 1})
	id := h.borrow(t, alice, 100)
	h.engine.SetOracle(nil)
	require.Len(t, h.transfer.payouts, 1)

	var nested error
	var nestedPhase Phase
	calls := 0
	h.transfer.hook = func(to crypto.Address, amount *big.Int) error {
		calls++
		if calls == 1 {
			nestedPhase = h.engine.Gateway().CurrentPhase()
			_, nested = h.engine.WithdrawCollateral(alice, id, big.NewInt(60))
		}
		return nil
	}

	got, err := h.engine.WithdrawCollateral(alice, id, big.NewInt(60))
	require.NoError(t, err)
	requireAmount(t, got, 60, "outer withdrawal")
	expectErr(t, nested, ErrReentrancyRejected)
	require.Equal(t, PhaseTransferring, nestedPhase)

	snap, _ := h.engine.LoanDetails(id)
	requireAmount(t, snap.Collateral, 240, "collateral reduced once")
	require.Len(t, h.transfer.payouts, 2, "borrow payout plus one withdrawal")
	requireAmount(t, h.transfer.payouts[1].amount, 60, "single withdrawal payout")
	require.False(t, h.engine.Gateway().InFlight(OpWithdraw))
}

func TestGuardClearedAfterFailure(t *testing.T) {
	h := newHarness(t)
	alice := makeAddress(crypto.NHBPrefix, 0xA1)
	h.fund(t, 1_000)
	h.deposit(t, alice, 300)

	h.transfer.fail = errors.New("boom")
	_, err := h.engine.Borrow(alice, big.NewInt(100))
	expectErr(t, err, ErrTransferFailure)
	require.False(t, h.engine.Gateway().InFlight(OpBorrow))
	require.Zero(t, h.engine.Gateway().Depth())

	_, err = h.engine.Borrow(alice, big.NewInt(0))
	expectErr(t, err, ErrValidation)
	require.False(t, h.engine.Gateway().InFlight(OpBorrow))

	h.transfer.fail = nil
	h.borrow(t, alice, 100)
}

func TestOuterFailureRevertsNestedOperation(t *testing.T) {
	h := newHarness(t)
	alice := makeAddress(crypto.NHBPrefix, 0xA1)
	h.fund(t, 1_000)
	h.deposit(t, alice, 300)
	before := len(h.emitter.events)

	h.transfer.hook = func(to crypto.Address, amount *big.Int) error {
		if _, err := h.engine.DepositCollateral(alice, big.NewInt(50)); err != nil {
			return err
		}
		return errors.New("payout rejected after nested deposit")
	}

	_, err := h.engine.Borrow(alice, big.NewInt(100))
	expectErr(t, err, ErrTransferFailure)
	requireAmount(t, h.engine.CollateralBalance(alice), 300, "nested deposit rolled back with the borrow")
	require.Len(t, h.emitter.events, before, "no events leak from a reverted envelope")
}

func TestEventsPublishedAfterOutermostOperation(t *testing.T) {
	h := newHarness(t)
	alice := makeAddress(crypto.NHBPrefix, 0xA1)
	h.fund(t, 1_000)
	h.deposit(t, alice, 300)
	before := len(h.emitter.events)

	var duringTransfer int
	h.transfer.hook = func(to crypto.Address, amount *big.Int) error {
		duringTransfer = len(h.emitter.events)
		return nil
	}
	h.borrow(t, alice, 200)
	require.Equal(t, before, duringTransfer, "events are buffered while the operation is in flight")
	require.Len(t, h.emitter.events, before+1)
}

func TestMutationAfterTransferPanics(t *testing.T) {
	h := newHarness(t)
	alice := makeAddress(crypto.NHBPrefix, 0xA1)

	require.Panics(t, func() {
		_ = h.engine.gateway.execute(OpWithdrawFree, func(env *envelope) error {
			if err := env.send(alice, big.NewInt(0)); err != nil {
				return err
			}
			_, err := h.engine.ledger.Deposit(alice, big.NewInt(1))
			return err
		})
	})
	require.Zero(t, h.engine.Gateway().Depth())
	require.False(t, h.engine.Gateway().InFlight(OpWithdrawFree))
	requireAmount(t, h.engine.CollateralBalance(alice), 0, "no partial mutation survives")
}
