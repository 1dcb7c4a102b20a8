package lending

import (
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"nhblend/core/events"
	"nhblend/core/types"
	"nhblend/crypto"
)

const moduleName = "lending"

// Engine is the collateralised lending state machine. It owns the Ledger and
// the LoanRegistry and routes every mutating call through the TransferGateway.
// An Engine is not safe for concurrent use; callers serialise access.
type Engine struct {
	params   Params
	policy   RatioPolicy
	interest InterestAccrual

	journal *journal
	ledger  *Ledger
	loans   *LoanRegistry
	gateway *TransferGateway

	access  AccessControl
	oracle  PriceOracle
	issuer  DebtTokenIssuer
	store   Store
	emitter events.Emitter
	nowFn   func() int64
	logger  *slog.Logger

	flushErr error
}

// NewEngine constructs an engine with validated parameters, a no-op emitter,
// an identity oracle and the wall clock. Callers wire a Transferer before any
// value can leave the engine.
func NewEngine(params Params) (*Engine, error) {
	if params.Policy.MinCollateral == nil {
		params.Policy.MinCollateral = big.NewInt(0)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	j := newJournal()
	e := &Engine{
		params:   params,
		policy:   params.Policy,
		interest: InterestAccrual{AnnualRatePercent: params.AnnualRatePercent},
		journal:  j,
		ledger:   newLedger(j),
		loans:    newLoanRegistry(j),
		oracle:   IdentityOracle{},
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
		logger:   slog.Default().With(slog.String("module", moduleName)),
	}
	e.gateway = newTransferGateway(j, nil)
	e.gateway.complete = e.complete
	return e, nil
}

// SetTransferer configures the value-transfer primitive.
func (e *Engine) SetTransferer(t Transferer) { e.gateway.transferer = t }

// SetAccessControl configures the shutdown switch consulted by deposits and
// borrows.
func (e *Engine) SetAccessControl(ac AccessControl) { e.access = ac }

// SetOracle configures the borrow-unit to native-unit price source. Passing
// nil restores the identity oracle.
func (e *Engine) SetOracle(o PriceOracle) {
	if o == nil {
		e.oracle = IdentityOracle{}
		return
	}
	e.oracle = o
}

// SetDebtIssuer configures the optional debt token issuer.
func (e *Engine) SetDebtIssuer(issuer DebtTokenIssuer) { e.issuer = issuer }

// SetStore configures where committed changes are flushed.
func (e *Engine) SetStore(store Store) { e.store = store }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetLogger replaces the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger.With(slog.String("module", moduleName))
}

// Params returns the parameters the engine was built with.
func (e *Engine) Params() Params { return e.params }

// Gateway exposes the transfer gateway for phase and guard inspection.
func (e *Engine) Gateway() *TransferGateway { return e.gateway }

// Restore replaces in-memory state with the store's contents. It reports
// whether any persisted state was found. Restore must not be called while an
// operation is in flight.
func (e *Engine) Restore() (bool, error) {
	if e == nil {
		return false, errNilEngine
	}
	if e.store == nil {
		return false, nil
	}
	if e.gateway.Depth() != 0 {
		return false, fmt.Errorf("%w: restore during operation", ErrReentrancyRejected)
	}
	state, err := e.store.Load()
	if err != nil {
		return false, fmt.Errorf("%w: load: %v", ErrPersistence, err)
	}
	if state.Empty() {
		return false, nil
	}
	e.ledger.load(state.Balances, state.Liquidity)
	e.loans.load(state.Loans, state.NextLoanID)
	e.journal.reset()
	e.journal.clearDirty()
	return true, nil
}

// DepositCollateral credits amount to the caller's free collateral and returns
// the new balance.
func (e *Engine) DepositCollateral(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilEngine
	}
	var balance *big.Int
	err := e.gateway.execute(OpDeposit, func(env *envelope) error {
		if e.shutdown() {
			return ErrShutdown
		}
		next, err := e.ledger.Deposit(caller, amount)
		if err != nil {
			return err
		}
		env.commit()
		e.journal.record(NewCollateralDepositedEvent(caller, amount, next))
		balance = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// FundPool adds lendable liquidity.
func (e *Engine) FundPool(amount *big.Int) (*big.Int, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilEngine
	}
	var liquidity *big.Int
	err := e.gateway.execute(OpFundPool, func(env *envelope) error {
		if err := e.ledger.fund(amount); err != nil {
			return err
		}
		env.commit()
		liquidity = e.ledger.Liquidity()
		e.journal.record(NewPoolFundedEvent(amount, liquidity))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return liquidity, nil
}

// Borrow opens a loan of amount against the caller's free collateral and pays
// the debt out to the caller. It returns the new loan id.
func (e *Engine) Borrow(caller crypto.Address, amount *big.Int) (uint64, error) {
	if e == nil || e.ledger == nil {
		return 0, errNilEngine
	}
	var loanID uint64
	err := e.gateway.execute(OpBorrow, func(env *envelope) error {
		if e.shutdown() {
			return ErrShutdown
		}
		if !positive(amount) {
			return fmt.Errorf("%w: borrow must be positive", ErrValidation)
		}
		if caller.IsZero() {
			return fmt.Errorf("%w: borrower required", ErrValidation)
		}
		if available := e.ledger.Liquidity(); available.Cmp(amount) < 0 {
			return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientLiquidity, available, amount)
		}
		debtNative, err := e.oracle.ToNative(amount)
		if err != nil {
			return err
		}
		required, err := e.policy.RequiredCollateral(debtNative)
		if err != nil {
			return err
		}
		free := e.ledger.Balance(caller)
		if free.Cmp(required) < 0 {
			return fmt.Errorf("%w: free %s, required %s", ErrInsufficientCollateral, free, required)
		}
		ok, err := e.policy.IsValidBorrow(free, debtNative)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: borrow of %s exceeds limit for %s", ErrInsufficientCollateral, amount, free)
		}

		if err := e.ledger.reserve(caller, required); err != nil {
			return err
		}
		if err := e.ledger.draw(amount); err != nil {
			return err
		}
		loan := e.loans.open(caller, amount, required, e.now())
		env.commit()
		e.journal.record(NewLoanCreatedEvent(loan))
		loanID = loan.ID

		if err := env.send(caller, amount); err != nil {
			return err
		}
		if e.issuer != nil {
			return env.invoke("mint debt token", func() error { return e.issuer.Mint(caller, amount) })
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return loanID, nil
}

// RepayLoan settles interest, closes the loan, releases all locked collateral
// to the borrower's free balance and refunds any overpayment. It returns the
// released collateral.
func (e *Engine) RepayLoan(caller crypto.Address, loanID uint64, tendered *big.Int) (*big.Int, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilEngine
	}
	var released *big.Int
	err := e.gateway.execute(OpRepay, func(env *envelope) error {
		if !positive(tendered) {
			return fmt.Errorf("%w: tendered value must be positive", ErrValidation)
		}
		loan, err := e.activeLoanFor(caller, loanID)
		if err != nil {
			return err
		}
		now := e.now()
		if _, err := e.interest.Settle(loan, now); err != nil {
			return err
		}
		e.loans.put(loan)

		owed := loan.Owed()
		if tendered.Cmp(owed) < 0 {
			return fmt.Errorf("%w: tendered %s, owed %s", ErrValidation, tendered, owed)
		}
		refund := new(big.Int).Sub(tendered, owed)
		freed := cloneBigInt(loan.Collateral)
		interest := cloneBigInt(loan.InterestAccrued)
		principal := cloneBigInt(loan.Principal)

		// A repaid record keeps only its identity and timestamps.
		loan.State = LoanStateRepaid
		loan.ClosedAt = now
		loan.Principal = big.NewInt(0)
		loan.InterestAccrued = big.NewInt(0)
		loan.Collateral = big.NewInt(0)
		e.loans.put(loan)
		if err := e.ledger.release(loan.Borrower, freed); err != nil {
			return err
		}
		if err := e.ledger.replenish(owed); err != nil {
			return err
		}
		env.commit()
		e.journal.record(NewLoanRepaidEvent(loan, principal, interest, freed, refund))
		released = freed

		if e.issuer != nil {
			if err := env.invoke("burn debt token", func() error { return e.issuer.Burn(loan.Borrower, principal) }); err != nil {
				return err
			}
		}
		return env.send(caller, refund)
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// WithdrawCollateral releases amount of a loan's excess collateral to the
// borrower.
func (e *Engine) WithdrawCollateral(caller crypto.Address, loanID uint64, amount *big.Int) (*big.Int, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilEngine
	}
	err := e.gateway.execute(OpWithdraw, func(env *envelope) error {
		if !positive(amount) {
			return fmt.Errorf("%w: withdrawal must be positive", ErrValidation)
		}
		loan, err := e.activeLoanFor(caller, loanID)
		if err != nil {
			return err
		}
		if _, err := e.interest.Settle(loan, e.now()); err != nil {
			return err
		}
		e.loans.put(loan)

		debtNative, err := e.oracle.ToNative(loan.Owed())
		if err != nil {
			return err
		}
		excess, err := e.policy.ExcessCollateral(loan.Collateral, debtNative)
		if err != nil {
			return err
		}
		if amount.Cmp(excess) > 0 {
			return fmt.Errorf("%w: excess %s, requested %s", ErrInsufficientCollateral, excess, amount)
		}
		loan.Collateral = new(big.Int).Sub(loan.Collateral, amount)
		e.loans.put(loan)
		env.commit()
		e.journal.record(NewCollateralWithdrawnEvent(loan, amount))

		return env.send(loan.Borrower, amount)
	})
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// WithdrawFreeCollateral pays out collateral that is not locked in any loan
// and returns the remaining free balance.
func (e *Engine) WithdrawFreeCollateral(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilEngine
	}
	var remaining *big.Int
	err := e.gateway.execute(OpWithdrawFree, func(env *envelope) error {
		if !positive(amount) {
			return fmt.Errorf("%w: withdrawal must be positive", ErrValidation)
		}
		if caller.IsZero() {
			return fmt.Errorf("%w: account required", ErrValidation)
		}
		if err := e.ledger.reserve(caller, amount); err != nil {
			return err
		}
		env.commit()
		remaining = e.ledger.Balance(caller)
		e.journal.record(NewCollateralReleasedEvent(caller, amount, remaining))
		return env.send(caller, amount)
	})
	if err != nil {
		return nil, err
	}
	return remaining, nil
}

// CollateralBalance returns the account's free collateral.
func (e *Engine) CollateralBalance(account crypto.Address) *big.Int {
	if e == nil || e.ledger == nil {
		return big.NewInt(0)
	}
	return e.ledger.Balance(account)
}

// PoolLiquidity returns the amount the pool can still lend.
func (e *Engine) PoolLiquidity() *big.Int {
	if e == nil || e.ledger == nil {
		return big.NewInt(0)
	}
	return e.ledger.Liquidity()
}

// LoanDetails returns a snapshot of the loan. The boolean is false for ids
// that were never issued.
func (e *Engine) LoanDetails(loanID uint64) (LoanSnapshot, bool) {
	if e == nil || e.loans == nil {
		return LoanSnapshot{}, false
	}
	loan, ok := e.loans.get(loanID)
	if !ok {
		return LoanSnapshot{}, false
	}
	return e.snapshot(loan, e.now()), true
}

// LoansByBorrower returns snapshots of every loan opened by account.
func (e *Engine) LoansByBorrower(account crypto.Address) []LoanSnapshot {
	if e == nil || e.loans == nil {
		return nil
	}
	now := e.now()
	loans := e.loans.byBorrower(account)
	out := make([]LoanSnapshot, 0, len(loans))
	for _, loan := range loans {
		out = append(out, e.snapshot(loan, now))
	}
	return out
}

// Loans returns snapshots of every loan in id order.
func (e *Engine) Loans() []LoanSnapshot {
	if e == nil || e.loans == nil {
		return nil
	}
	now := e.now()
	loans := e.loans.all()
	out := make([]LoanSnapshot, 0, len(loans))
	for _, loan := range loans {
		out = append(out, e.snapshot(loan, now))
	}
	return out
}

// Balances returns every account's free collateral ordered by address.
func (e *Engine) Balances() []AccountBalance {
	if e == nil || e.ledger == nil {
		return nil
	}
	return e.ledger.balances()
}

// Stats aggregates totals across the ledger and the registry.
func (e *Engine) Stats() Stats {
	stats := Stats{
		PoolLiquidity:   big.NewInt(0),
		TotalFree:       big.NewInt(0),
		TotalLocked:     big.NewInt(0),
		OutstandingDebt: big.NewInt(0),
	}
	if e == nil || e.ledger == nil {
		return stats
	}
	stats.PoolLiquidity = e.ledger.Liquidity()
	stats.NextLoanID = e.loans.nextID
	for _, bal := range e.ledger.balances() {
		stats.TotalFree.Add(stats.TotalFree, bal.Free)
		if bal.Free.Sign() > 0 {
			stats.AccountsWithFunds++
		}
	}
	for _, snap := range e.Loans() {
		switch snap.State {
		case LoanStateActive:
			stats.ActiveLoans++
			stats.TotalLocked.Add(stats.TotalLocked, snap.Collateral)
			stats.OutstandingDebt.Add(stats.OutstandingDebt, snap.Owed)
			if !snap.Healthy {
				stats.UnhealthyLoans++
			}
		case LoanStateRepaid:
			stats.RepaidLoans++
		}
	}
	return stats
}

// Flush retries writing any changes a previous completion failed to persist.
func (e *Engine) Flush() error {
	if e == nil {
		return errNilEngine
	}
	if e.gateway.Depth() != 0 {
		return fmt.Errorf("%w: flush during operation", ErrReentrancyRejected)
	}
	return e.flush()
}

// PendingFlushError returns the error from the most recent failed flush, or
// nil when every committed change has been persisted.
func (e *Engine) PendingFlushError() error {
	if e == nil {
		return nil
	}
	return e.flushErr
}

// activeLoanFor loads a loan the caller may act on. Errors follow the
// authorization-before-state order; an unknown id has no borrower to
// authorise against and reports ErrLoanNotActive.
func (e *Engine) activeLoanFor(caller crypto.Address, loanID uint64) (*Loan, error) {
	loan, ok := e.loans.get(loanID)
	if !ok {
		return nil, fmt.Errorf("%w: loan %d not found", ErrLoanNotActive, loanID)
	}
	if !loan.Borrower.Equal(caller) {
		return nil, fmt.Errorf("%w: loan %d", ErrUnauthorized, loanID)
	}
	if loan.State != LoanStateActive {
		return nil, fmt.Errorf("%w: loan %d is %s", ErrLoanNotActive, loanID, loan.State)
	}
	return loan, nil
}

func (e *Engine) snapshot(loan *Loan, now int64) LoanSnapshot {
	snap := LoanSnapshot{
		Loan:               *loan,
		PendingInterest:    big.NewInt(0),
		Owed:               big.NewInt(0),
		RequiredCollateral: big.NewInt(0),
		Healthy:            true,
	}
	if loan.State != LoanStateActive {
		return snap
	}
	pending, err := e.interest.Preview(loan, now)
	if err != nil {
		snap.Healthy = false
		return snap
	}
	snap.PendingInterest = pending
	snap.Owed = new(big.Int).Add(loan.Owed(), pending)
	debtNative, err := e.oracle.ToNative(snap.Owed)
	if err != nil {
		snap.Healthy = false
		return snap
	}
	required, err := e.policy.RequiredCollateral(debtNative)
	if err != nil {
		snap.Healthy = false
		return snap
	}
	snap.RequiredCollateral = required
	snap.Healthy = loan.Collateral.Cmp(required) >= 0
	return snap
}

// complete runs after the outermost envelope succeeds: committed changes are
// flushed to the store and buffered events are published.
func (e *Engine) complete() {
	pending := e.journal.reset()
	if err := e.flush(); err != nil {
		e.logger.Error("lending state flush failed", slog.Any("error", err))
	}
	for _, evt := range pending {
		e.emit(evt)
	}
}

func (e *Engine) flush() error {
	if !e.journal.dirty() {
		return nil
	}
	if e.store == nil {
		e.journal.clearDirty()
		return nil
	}
	if err := e.store.Apply(e.changeSet()); err != nil {
		e.flushErr = fmt.Errorf("%w: %v", ErrPersistence, err)
		return e.flushErr
	}
	e.journal.clearDirty()
	e.flushErr = nil
	return nil
}

// changeSet collects the current value of every dirty record. Records that a
// reverted operation created and then removed are skipped.
func (e *Engine) changeSet() *ChangeSet {
	cs := &ChangeSet{
		Liquidity:  e.ledger.Liquidity(),
		NextLoanID: e.loans.nextID,
	}
	for key := range e.journal.dirtyAccounts {
		entry, ok := e.ledger.accounts[key]
		if !ok {
			continue
		}
		cs.Balances = append(cs.Balances, AccountBalance{Account: entry.addr, Free: cloneBigInt(entry.free)})
	}
	sort.Slice(cs.Balances, func(i, j int) bool {
		return string(cs.Balances[i].Account.Bytes()) < string(cs.Balances[j].Account.Bytes())
	})
	for id := range e.journal.dirtyLoans {
		if loan, ok := e.loans.get(id); ok {
			cs.Loans = append(cs.Loans, loan)
		}
	}
	sort.Slice(cs.Loans, func(i, j int) bool { return cs.Loans[i].ID < cs.Loans[j].ID })
	return cs
}

func (e *Engine) shutdown() bool {
	return e.access != nil && e.access.IsShutdown()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(lendingEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}
