package sqlstore

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"nhblend/crypto"
	"nhblend/native/lending"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open("sqlite", dsn)
	require.NoError(t, err)
	store, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testAddress(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.MustNewAddress(prefix, raw)
}

func newEngine(t *testing.T, store lending.Store, now *int64) *lending.Engine {
	t.Helper()
	params, err := lending.DefaultConfig().Params()
	require.NoError(t, err)
	engine, err := lending.NewEngine(params)
	require.NoError(t, err)
	engine.SetStore(store)
	engine.SetNowFunc(func() int64 { return *now })
	engine.SetTransferer(lending.TransferFunc(func(crypto.Address, *big.Int) error { return nil }))
	return engine
}

func TestLoadEmptyStore(t *testing.T) {
	store := setupTestStore(t)
	state, err := store.Load()
	require.NoError(t, err)
	require.True(t, state.Empty())
	require.Equal(t, uint64(1), state.NextLoanID)
}

func TestStoreRestoresEngine(t *testing.T) {
	store := setupTestStore(t)
	now := int64(1_700_000_000)
	alice := testAddress(crypto.NHBPrefix, 0xA1)
	bob := testAddress(crypto.ZNHBPrefix, 0xB0)

	engine := newEngine(t, store, &now)
	_, err := engine.FundPool(big.NewInt(1_000))
	require.NoError(t, err)
	_, err = engine.DepositCollateral(alice, big.NewInt(300))
	require.NoError(t, err)
	_, err = engine.DepositCollateral(bob, big.NewInt(500))
	require.NoError(t, err)
	first, err := engine.Borrow(alice, big.NewInt(200))
	require.NoError(t, err)
	second, err := engine.Borrow(bob, big.NewInt(100))
	require.NoError(t, err)
	now += int64(lending.SecondsPerYear)
	_, err = engine.RepayLoan(alice, first, big.NewInt(220))
	require.NoError(t, err)
	require.NoError(t, engine.PendingFlushError())

	restored := newEngine(t, store, &now)
	found, err := restored.Restore()
	require.NoError(t, err)
	require.True(t, found)

	require.Zero(t, restored.CollateralBalance(alice).Cmp(big.NewInt(300)))
	require.Zero(t, restored.CollateralBalance(bob).Cmp(big.NewInt(350)))
	require.Zero(t, restored.PoolLiquidity().Cmp(engine.PoolLiquidity()))

	repaid, ok := restored.LoanDetails(first)
	require.True(t, ok)
	require.Equal(t, lending.LoanStateRepaid, repaid.State)
	require.Zero(t, repaid.Principal.Sign())
	require.Zero(t, repaid.InterestAccrued.Sign())
	require.Zero(t, repaid.Collateral.Sign())

	active, ok := restored.LoanDetails(second)
	require.True(t, ok)
	require.Equal(t, lending.LoanStateActive, active.State)
	require.Equal(t, crypto.ZNHBPrefix, active.Borrower.Prefix())

	next, err := restored.Borrow(alice, big.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, uint64(3), next)
}

func TestApplyUpsertsRecords(t *testing.T) {
	store := setupTestStore(t)
	alice := testAddress(crypto.NHBPrefix, 0x01)
	loan := &lending.Loan{
		ID:              1,
		Borrower:        alice,
		Principal:       big.NewInt(100),
		Collateral:      big.NewInt(150),
		InterestAccrued: big.NewInt(0),
		LastSettled:     10,
		State:           lending.LoanStateActive,
		OpenedAt:        10,
	}
	require.NoError(t, store.Apply(&lending.ChangeSet{
		Balances:   []lending.AccountBalance{{Account: alice, Free: big.NewInt(50)}},
		Loans:      []*lending.Loan{loan},
		Liquidity:  big.NewInt(900),
		NextLoanID: 2,
	}))

	closed := loan.Clone()
	closed.State = lending.LoanStateRepaid
	closed.InterestAccrued = big.NewInt(5)
	closed.ClosedAt = 20
	require.NoError(t, store.Apply(&lending.ChangeSet{
		Balances:   []lending.AccountBalance{{Account: alice, Free: big.NewInt(200)}},
		Loans:      []*lending.Loan{closed},
		Liquidity:  big.NewInt(1_005),
		NextLoanID: 2,
	}))
	require.NoError(t, store.Apply(nil))

	state, err := store.Load()
	require.NoError(t, err)
	require.Len(t, state.Balances, 1)
	require.Zero(t, state.Balances[0].Free.Cmp(big.NewInt(200)))
	require.Len(t, state.Loans, 1)
	require.Equal(t, lending.LoanStateRepaid, state.Loans[0].State)
	require.Equal(t, int64(20), state.Loans[0].ClosedAt)
	require.Zero(t, state.Loans[0].InterestAccrued.Cmp(big.NewInt(5)))
	require.Zero(t, state.Liquidity.Cmp(big.NewInt(1_005)))
	require.Equal(t, uint64(2), state.NextLoanID)
}

func TestLoadRejectsCorruptRows(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.db.Create(&Meta{ID: metaRowID, Liquidity: "10", NextLoanID: 2}).Error)
	require.NoError(t, store.db.Create(&Loan{ID: 1, Borrower: "not-an-address", Principal: "1", Collateral: "2", InterestAccrued: "0", State: "active"}).Error)
	_, err := store.Load()
	require.Error(t, err)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
}
