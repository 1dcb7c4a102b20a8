package lending

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"nhblend/crypto"
	"nhblend/storage"
)

func TestKVStoreRestoresEngine(t *testing.T) {
	db := storage.NewMemDB()
	h := newHarness(t)
	h.engine.SetStore(NewKVStore(db))

	alice := makeAddress(crypto.NHBPrefix, 0xA1)
	bob := makeAddress(crypto.ZNHBPrefix, 0xB0)
	h.fund(t, 1_000)
	h.deposit(t, alice, 300)
	h.deposit(t, bob, 500)
	first := h.borrow(t, alice, 200)
	second := h.borrow(t, bob, 100)
	h.clock.Advance(int64(SecondsPerYear))
	_, err := h.engine.RepayLoan(alice, first, big.NewInt(220))
	require.NoError(t, err)
	require.NoError(t, h.engine.PendingFlushError())

	restored, err := NewEngine(h.engine.Params())
	require.NoError(t, err)
	restored.SetStore(NewKVStore(db))
	restored.SetNowFunc(h.clock.Now)
	found, err := restored.Restore()
	require.NoError(t, err)
	require.True(t, found)

	requireAmount(t, restored.CollateralBalance(alice), 300, "alice free")
	requireAmount(t, restored.CollateralBalance(bob), 350, "bob free")
	requireAmount(t, restored.PoolLiquidity(), h.engine.PoolLiquidity().Int64(), "liquidity")

	repaid, ok := restored.LoanDetails(first)
	require.True(t, ok)
	require.Equal(t, LoanStateRepaid, repaid.State)
	requireAmount(t, repaid.Principal, 0, "repaid principal")
	requireAmount(t, repaid.InterestAccrued, 0, "repaid interest")
	requireAmount(t, repaid.Collateral, 0, "repaid collateral")

	active, ok := restored.LoanDetails(second)
	require.True(t, ok)
	require.Equal(t, LoanStateActive, active.State)
	require.Equal(t, crypto.ZNHBPrefix, active.Borrower.Prefix())
	requireAmount(t, active.PendingInterest, 10, "interest keeps accruing from LastSettled")

	restored.SetTransferer(&recordingTransferer{})
	next, err := restored.Borrow(alice, big.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, uint64(3), next, "id allocation resumes")
}

func TestRestoreOnEmptyStore(t *testing.T) {
	engine, err := NewEngine(Params{Policy: DefaultRatioPolicy(), AnnualRatePercent: 10})
	require.NoError(t, err)
	engine.SetStore(NewKVStore(storage.NewMemDB()))
	found, err := engine.Restore()
	require.NoError(t, err)
	require.False(t, found)
}

type flakyStore struct {
	inner   Store
	failing bool
	applied int
}

func (f *flakyStore) Load() (*State, error) { return f.inner.Load() }

func (f *flakyStore) Apply(cs *ChangeSet) error {
	if f.failing {
		return errors.New("disk full")
	}
	f.applied++
	return f.inner.Apply(cs)
}

func TestFailedFlushIsRetained(t *testing.T) {
	db := storage.NewMemDB()
	store := &flakyStore{inner: NewKVStore(db), failing: true}
	h := newHarness(t)
	h.engine.SetStore(store)
	alice := makeAddress(crypto.NHBPrefix, 0xA1)

	h.deposit(t, alice, 40)
	require.ErrorIs(t, h.engine.PendingFlushError(), ErrPersistence)
	require.Zero(t, db.Len())

	store.failing = false
	require.NoError(t, h.engine.Flush())
	require.NoError(t, h.engine.PendingFlushError())

	state, err := NewKVStore(db).Load()
	require.NoError(t, err)
	require.Len(t, state.Balances, 1)
	requireAmount(t, state.Balances[0].Free, 40, "flushed balance")

	// Nothing left to write.
	applied := store.applied
	require.NoError(t, h.engine.Flush())
	require.Equal(t, applied, store.applied)
}

func TestRevertedBorrowIsNotPersisted(t *testing.T) {
	db := storage.NewMemDB()
	h := newHarness(t)
	h.engine.SetStore(NewKVStore(db))
	alice := makeAddress(crypto.NHBPrefix, 0xA1)
	h.fund(t, 500)
	h.deposit(t, alice, 300)

	h.transfer.fail = errors.New("no route")
	_, err := h.engine.Borrow(alice, big.NewInt(100))
	expectErr(t, err, ErrTransferFailure)
	h.transfer.fail = nil
	h.deposit(t, alice, 1)

	state, err := NewKVStore(db).Load()
	require.NoError(t, err)
	require.Empty(t, state.Loans)
	require.Equal(t, uint64(1), state.NextLoanID)
	requireAmount(t, state.Liquidity, 500, "liquidity")
}
