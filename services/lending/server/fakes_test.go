package server

import (
	"context"

	"nhblend/services/lending/engine"
)

type fakeEngine struct {
	depositFn      func(ctx context.Context, account, amount string) (engine.Balance, error)
	withdrawFreeFn func(ctx context.Context, account, amount string) (engine.Balance, error)
	borrowFn       func(ctx context.Context, account, amount string) (engine.Loan, error)
	repayFn        func(ctx context.Context, account string, loanID uint64, amount string) (engine.Repayment, error)
	withdrawFn     func(ctx context.Context, account string, loanID uint64, amount string) (engine.Loan, error)
	fundPoolFn     func(ctx context.Context, amount string) (engine.Pool, error)
	balanceFn      func(ctx context.Context, account string) (engine.Balance, error)
	getLoanFn      func(ctx context.Context, loanID uint64) (engine.Loan, error)
	listLoansFn    func(ctx context.Context, account string) ([]engine.Loan, error)
	getPoolFn      func(ctx context.Context) (engine.Pool, error)
}

func (f *fakeEngine) DepositCollateral(ctx context.Context, account, amount string) (engine.Balance, error) {
	if f != nil && f.depositFn != nil {
		return f.depositFn(ctx, account, amount)
	}
	return engine.Balance{}, nil
}

func (f *fakeEngine) WithdrawFreeCollateral(ctx context.Context, account, amount string) (engine.Balance, error) {
	if f != nil && f.withdrawFreeFn != nil {
		return f.withdrawFreeFn(ctx, account, amount)
	}
	return engine.Balance{}, nil
}

func (f *fakeEngine) Borrow(ctx context.Context, account, amount string) (engine.Loan, error) {
	if f != nil && f.borrowFn != nil {
		return f.borrowFn(ctx, account, amount)
	}
	return engine.Loan{}, nil
}

func (f *fakeEngine) RepayLoan(ctx context.Context, account string, loanID uint64, amount string) (engine.Repayment, error) {
	if f != nil && f.repayFn != nil {
		return f.repayFn(ctx, account, loanID, amount)
	}
	return engine.Repayment{}, nil
}

func (f *fakeEngine) WithdrawCollateral(ctx context.Context, account string, loanID uint64, amount string) (engine.Loan, error) {
	if f != nil && f.withdrawFn != nil {
		return f.withdrawFn(ctx, account, loanID, amount)
	}
	return engine.Loan{}, nil
}

func (f *fakeEngine) FundPool(ctx context.Context, amount string) (engine.Pool, error) {
	if f != nil && f.fundPoolFn != nil {
		return f.fundPoolFn(ctx, amount)
	}
	return engine.Pool{}, nil
}

func (f *fakeEngine) GetCollateralBalance(ctx context.Context, account string) (engine.Balance, error) {
	if f != nil && f.balanceFn != nil {
		return f.balanceFn(ctx, account)
	}
	return engine.Balance{}, nil
}

func (f *fakeEngine) GetLoan(ctx context.Context, loanID uint64) (engine.Loan, error) {
	if f != nil && f.getLoanFn != nil {
		return f.getLoanFn(ctx, loanID)
	}
	return engine.Loan{}, nil
}

func (f *fakeEngine) ListLoans(ctx context.Context, account string) ([]engine.Loan, error) {
	if f != nil && f.listLoansFn != nil {
		return f.listLoansFn(ctx, account)
	}
	return nil, nil
}

func (f *fakeEngine) GetPool(ctx context.Context) (engine.Pool, error) {
	if f != nil && f.getPoolFn != nil {
		return f.getPoolFn(ctx)
	}
	return engine.Pool{}, nil
}

type fakeAuthorizer struct {
	called bool
	err    error
}

func (f *fakeAuthorizer) Authorize(ctx context.Context) error {
	f.called = true
	if f.err != nil {
		return f.err
	}
	return nil
}
